package filedb

import (
	"archive/zip"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locomote-sh/content-server/internal/async"
	"github.com/locomote-sh/content-server/internal/errs"
	"github.com/locomote-sh/content-server/internal/fileset"
	"github.com/locomote-sh/content-server/internal/pipeline"
	"github.com/locomote-sh/content-server/internal/record"
	"github.com/locomote-sh/content-server/internal/request"
	"github.com/locomote-sh/content-server/internal/util/sets"
	"github.com/locomote-sh/content-server/internal/vcs"
)

// standardFilesets satisfies FilesetSource with the default layout.
type standardFilesets struct{}

func (standardFilesets) FilesetsFor(*request.Context) (fileset.List, error) {
	return fileset.Standard(), nil
}

func (standardFilesets) FilesetsAt(*request.Context, string) (fileset.List, error) {
	return fileset.Standard(), nil
}

type fixture struct {
	t     *testing.T
	db    *DB
	ctx   *request.Context
	dir   string
	cache string
	repo  *git.Repository
	tick  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	cache := t.TempDir()
	runtime := pipeline.NewRuntime(cache, async.NewSingletons())
	db, err := New(runtime, standardFilesets{}, pipeline.NewHooks(), nil,
		slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)

	return &fixture{
		t:     t,
		db:    db,
		ctx:   request.NewContext("acme", "site", "master", dir),
		dir:   dir,
		cache: cache,
		repo:  repo,
		tick:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) commit(msg string, files map[string]*string) string {
	f.t.Helper()
	wt, err := f.repo.Worktree()
	require.NoError(f.t, err)
	for path, content := range files {
		full := filepath.Join(f.dir, path)
		if content == nil {
			_, err := wt.Remove(path)
			require.NoError(f.t, err)
			continue
		}
		require.NoError(f.t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(f.t, os.WriteFile(full, []byte(*content), 0o644))
		_, err := wt.Add(path)
		require.NoError(f.t, err)
	}
	f.tick = f.tick.Add(time.Minute)
	sig := &object.Signature{Name: "fixture", Email: "fixture@example.com", When: f.tick}
	hash, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(f.t, err)
	return hash.String()[:vcs.ShortHashLen]
}

func str(s string) *string { return &s }

func readRecords(t *testing.T, res *pipeline.Result) []*record.FileRecord {
	t.Helper()
	f, err := res.Open()
	require.NoError(t, err)
	defer f.Close()
	var out []*record.FileRecord
	require.NoError(t, record.NewReader(f).Each(func(r *record.FileRecord) error {
		out = append(out, r)
		return nil
	}))
	return out
}

func byPath(recs []*record.FileRecord) map[string]*record.FileRecord {
	out := make(map[string]*record.FileRecord)
	for _, r := range recs {
		if !r.IsControl() {
			out[r.Path] = r
		}
	}
	return out
}

func controls(recs []*record.FileRecord, category string) []*record.FileRecord {
	var out []*record.FileRecord
	for _, r := range recs {
		if r.Category == category {
			out = append(out, r)
		}
	}
	return out
}

func TestListAllFiles(t *testing.T) {
	f := newFixture(t)
	c1 := f.commit("first", map[string]*string{
		"index.html":  str("<html><head><title>Home</title></head><body></body></html>"),
		"notes/a.md":  str("# Notes\n"),
		"config.json": str(`{"k":1}`),
	})
	c2 := f.commit("second", map[string]*string{
		"notes/a.md": str("# Notes v2\n"),
	})

	res, err := f.db.ListAllFiles(f.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, c2, res.Commit)

	recs := readRecords(t, res)
	files := byPath(recs)
	require.Len(t, files, 3)

	assert.Equal(t, "pages", files["index.html"].Category)
	assert.Equal(t, c1, files["index.html"].Commit, "untouched files keep their original commit")
	assert.Equal(t, "Home", files["index.html"].Page.Title)
	assert.Equal(t, c2, files["notes/a.md"].Commit)
	assert.JSONEq(t, `{"k":1}`, string(files["config.json"].Data))

	cats := controls(recs, record.ControlCategory)
	require.Len(t, cats, 3)
	commits := controls(recs, record.ControlCommit)
	require.Len(t, commits, 2)
	assert.NotZero(t, commits[0].Date)

	latest := controls(recs, record.ControlLatest)
	require.Len(t, latest, 1)
	assert.Equal(t, c2, latest[0].Commit)
	require.Len(t, controls(recs, record.ControlACM), 1)
	assert.Empty(t, controls(recs, record.ControlReset))
}

func TestListUpdatesSince(t *testing.T) {
	f := newFixture(t)
	c1 := f.commit("first", map[string]*string{
		"index.html": str("<html></html>"),
		"old.md":     str("# Old\n"),
		"gone.md":    str("# Gone\n"),
	})
	c2 := f.commit("second", map[string]*string{
		"index.html": str("<html><body>v2</body></html>"),
		"gone.md":    nil,
	})

	res, err := f.db.ListUpdatesSince(f.ctx, c1, "")
	require.NoError(t, err)

	recs := readRecords(t, res)
	files := byPath(recs)

	require.Contains(t, files, "index.html")
	assert.Equal(t, record.StatusPublished, files["index.html"].Status)
	assert.Equal(t, c2, files["index.html"].Commit)

	require.Contains(t, files, "gone.md")
	assert.Equal(t, record.StatusDeleted, files["gone.md"].Status)

	assert.NotContains(t, files, "old.md", "unchanged files are not part of the delta")
	assert.Empty(t, controls(recs, record.ControlReset))

	latest := controls(recs, record.ControlLatest)
	require.Len(t, latest, 1)
	assert.Equal(t, c2, latest[0].Commit)
}

func TestListUpdatesInvalidSinceFallsBack(t *testing.T) {
	f := newFixture(t)
	f.commit("first", map[string]*string{
		"index.html": str("<html></html>"),
		"notes/a.md": str("# A\n"),
	})

	res, err := f.db.ListUpdatesSince(f.ctx, "doesnotexist", "")
	require.NoError(t, err)

	recs := readRecords(t, res)
	require.NotEmpty(t, recs)
	assert.Equal(t, record.ControlReset, recs[0].Category,
		"an unknown since prepends a reset control record")
	assert.Len(t, byPath(recs), 2, "fallback is the full listing")
}

func TestListUpdatesHostileSinceStaysInCache(t *testing.T) {
	f := newFixture(t)
	f.commit("first", map[string]*string{"index.html": str("<html></html>")})

	for _, since := range []string{
		"../../../../tmp/escape",
		"/etc/passwd",
		"..%2f..%2fescape",
	} {
		res, err := f.db.ListUpdatesSince(f.ctx, since, "")
		require.NoError(t, err, since)

		rel, err := filepath.Rel(f.cache, res.File)
		require.NoError(t, err, since)
		assert.False(t, strings.HasPrefix(rel, ".."),
			"artifact %s for since %q must stay under the cache root", res.File, since)

		recs := readRecords(t, res)
		require.NotEmpty(t, recs, since)
		assert.Equal(t, record.ControlReset, recs[0].Category, since)
	}
}

func TestFilesetUpdatedContentsHostileSinceStaysInCache(t *testing.T) {
	f := newFixture(t)
	f.commit("first", map[string]*string{"a.md": str("# A\n")})

	res, err := f.db.GetFilesetUpdatedContents(f.ctx, "content", "../../../../tmp/escape")
	require.NoError(t, err)

	rel, err := filepath.Rel(f.cache, res.File)
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(rel, ".."),
		"archive %s must stay under the cache root", res.File)
}

func TestListAllFilesAtCommitScopesRecordCommits(t *testing.T) {
	f := newFixture(t)
	c1 := f.commit("first", map[string]*string{"notes/a.md": str("# A\n")})
	c2 := f.commit("second", map[string]*string{"notes/a.md": str("# A v2\n")})

	res, err := f.db.ListAllFiles(f.ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, c1, res.Commit)

	files := byPath(readRecords(t, res))
	require.Contains(t, files, "notes/a.md")
	assert.Equal(t, c1, files["notes/a.md"].Commit,
		"record commits never postdate the requested snapshot")
	assert.NotEqual(t, c2, files["notes/a.md"].Commit)
}

func TestListUpdatesRequiresSince(t *testing.T) {
	f := newFixture(t)
	_, err := f.db.ListUpdatesSince(f.ctx, "", "")
	assert.ErrorIs(t, err, errs.ErrUpstreamInvalid)
}

func TestACMFiltersListings(t *testing.T) {
	f := newFixture(t)
	f.commit("first", map[string]*string{
		"index.html": str("<html></html>"),
		"notes/a.md": str("# A\n"),
	})

	f.ctx.Auth = &request.Auth{
		UserInfo:   request.User{Name: "anonymous"},
		Accessible: sets.New("pages"),
		Group:      "testgroup",
	}
	res, err := f.db.ListAllFiles(f.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "testgroup", res.Group)

	files := byPath(readRecords(t, res))
	assert.Contains(t, files, "index.html")
	assert.NotContains(t, files, "notes/a.md", "inaccessible categories are filtered")
}

func TestExistsAndFileInfo(t *testing.T) {
	f := newFixture(t)
	c1 := f.commit("first", map[string]*string{"notes/a.md": str("# A\n")})

	ok, err := f.db.Exists(f.ctx, "notes/a.md")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.db.Exists(f.ctx, "missing.md")
	require.NoError(t, err)
	assert.False(t, ok)

	info, err := f.db.FileInfo(f.ctx, "notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, c1, info.Commit)
	assert.Equal(t, "content", info.Category)

	_, err = f.db.FileInfo(f.ctx, "missing.md")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// Restricted visibility hides existence.
	f.ctx.Auth = &request.Auth{Accessible: sets.New("pages"), Group: "g"}
	ok, err = f.db.Exists(f.ctx, "notes/a.md")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetFileRecord(t *testing.T) {
	f := newFixture(t)
	c1 := f.commit("first", map[string]*string{"config.json": str(`{"k":1}`)})

	res, err := f.db.GetFileRecord(f.ctx, "config.json")
	require.NoError(t, err)
	assert.Equal(t, c1, res.Commit)
	assert.Equal(t, "application/json", res.MimeType)

	data, err := os.ReadFile(res.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"path":"config.json"`)
	assert.Contains(t, string(data), `"category":"data"`)

	_, err = f.db.GetFileRecord(f.ctx, "missing.json")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGetFileContentsRewritesHTML(t *testing.T) {
	f := newFixture(t)
	f.commit("first", map[string]*string{
		"page.html": str(`<html><body><a href="/next.html">n</a></body></html>`),
	})
	f.ctx.BasePath = "/acme/site"
	f.ctx.Hostname = "example.com"

	res, err := f.db.GetFileContents(f.ctx, "page.html")
	require.NoError(t, err)
	assert.Contains(t, res.MimeType, "text/html")

	data, err := os.ReadFile(res.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), `href="/acme/site/next.html"`)
}

func TestGetFilesetContents(t *testing.T) {
	f := newFixture(t)
	f.commit("first", map[string]*string{
		"a.md":       str("# A\n"),
		"b.md":       str("# B\n"),
		"index.html": str("<html></html>"),
	})

	res, err := f.db.GetFilesetContents(f.ctx, "content")
	require.NoError(t, err)
	assert.Equal(t, "application/zip", res.MimeType)

	zr, err := zip.OpenReader(res.File)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	assert.ElementsMatch(t, []string{"a.md", "b.md"}, names)
}

func TestGetFilesetUpdatedContents(t *testing.T) {
	f := newFixture(t)
	c1 := f.commit("first", map[string]*string{
		"a.md": str("# A\n"),
		"b.md": str("# B\n"),
	})
	f.commit("second", map[string]*string{"b.md": str("# B v2\n")})

	res, err := f.db.GetFilesetUpdatedContents(f.ctx, "content", c1)
	require.NoError(t, err)

	zr, err := zip.OpenReader(res.File)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	assert.Equal(t, []string{"b.md"}, names)
}

func TestGetFilesetContentsUnknownCategory(t *testing.T) {
	f := newFixture(t)
	f.commit("first", map[string]*string{"a.md": str("# A\n")})
	_, err := f.db.GetFilesetContents(f.ctx, "mystery")
	assert.ErrorIs(t, err, errs.ErrUpstreamInvalid)
}
