package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locomote-sh/content-server/internal/acm"
	"github.com/locomote-sh/content-server/internal/async"
	"github.com/locomote-sh/content-server/internal/branchdb"
	"github.com/locomote-sh/content-server/internal/config"
	"github.com/locomote-sh/content-server/internal/events"
	"github.com/locomote-sh/content-server/internal/filedb"
	"github.com/locomote-sh/content-server/internal/manifest"
	"github.com/locomote-sh/content-server/internal/negotiator"
	"github.com/locomote-sh/content-server/internal/pipeline"
	"github.com/locomote-sh/content-server/internal/record"
	"github.com/locomote-sh/content-server/internal/request"
	"github.com/locomote-sh/content-server/internal/search"
)

const waitFor = 5 * time.Second

// seedSite creates {root}/acme/site.git on master with a small site.
func seedSite(t *testing.T, root string) string {
	t.Helper()
	dir := filepath.Join(root, "acme", "site.git")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	r, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := r.Worktree()
	require.NoError(t, err)

	files := map[string]string{
		"locomote.json": `{"public": ["master"], "indexed": true}`,
		"index.html":    "<html><head><title>Home</title></head><body><a href=\"/about/\">about</a></body></html>",
		"about/index.html": "<html><head><title>About</title></head>" +
			"<body>The team page.</body></html>",
		"guide.md":        "# Guide\n\nThe quick brown fox.\n",
		"data/nav.json":   `{"items": ["home", "about"]}`,
		"errors/404.html": "<html><body>custom not found</body></html>",
	}
	for name, content := range files {
		full := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
		_, err = wt.Add(name)
		require.NoError(t, err)
	}

	sig := &object.Signature{Name: "fixture", Email: "fixture@example.com",
		When: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	hash, err := wt.Commit("seed", &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)
	return hash.String()[:7]
}

type fixture struct {
	srv    *Server
	ts     *httptest.Server
	bus    *events.Bus
	ix     *search.Indexer
	commit string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	commit := seedSite(t, root)

	cfg := config.Default()
	cfg.ContentRepoHome = root
	cfg.CacheDir = t.TempDir()
	cfg.PublishCache = t.TempDir()
	cfg.WorkspaceHome = t.TempDir()
	cfg.SearchDB = filepath.Join(t.TempDir(), "search.sqlite")

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bus := events.NewBus()
	queues := async.NewQueueSet()
	singles := async.NewSingletons()

	manifests, err := manifest.NewCache(bus)
	require.NoError(t, err)
	branches, err := branchdb.New(cfg, manifests, log)
	require.NoError(t, err)
	acmSvc, err := acm.NewService(cfg, manifests, bus)
	require.NoError(t, err)
	neg, err := negotiator.NewService(bus)
	require.NoError(t, err)

	runtime := pipeline.NewRuntime(cfg.CacheDir, singles)
	files, err := filedb.New(runtime, acmSvc, pipeline.NewHooks(), bus, log)
	require.NoError(t, err)
	searchSvc, err := search.New(cfg, queues, singles, log)
	require.NoError(t, err)
	t.Cleanup(func() { searchSvc.Close() })

	ix := search.NewIndexer(searchSvc, acmSvc, queues, nil, nil, nil, log)

	srv := New(cfg, branches, acmSvc, neg, files, searchSvc, queues, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, ts: ts, bus: bus, ix: ix, commit: commit}
}

func (f *fixture) get(t *testing.T, path string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return res
}

func body(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(data)
}

func TestServeFile(t *testing.T) {
	f := newFixture(t)

	res := f.get(t, "/acme/site/master/guide.md", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body(t, res), "quick brown fox")
	etag := res.Header.Get("Etag")
	assert.Contains(t, etag, f.commit)
	assert.NotEmpty(t, res.Header.Get("Cache-Control"))

	// Conditional revalidation.
	res = f.get(t, "/acme/site/master/guide.md", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, res.StatusCode)
	res.Body.Close()
}

func TestDirectoryNegotiatesIndex(t *testing.T) {
	f := newFixture(t)

	// Missing repo and branch fall back to defaults; the empty trailing
	// path negotiates to index.html.
	for _, path := range []string{"/acme/site/master/", "/acme/site", "/acme/site/master/about/"} {
		res := f.get(t, path, map[string]string{"Accept": "text/html"})
		assert.Equal(t, http.StatusOK, res.StatusCode, path)
		assert.Contains(t, res.Header.Get("Content-Type"), "text/html", path)
		res.Body.Close()
	}
}

func TestBasePathRewriting(t *testing.T) {
	f := newFixture(t)

	res := f.get(t, "/acme/site/master/index.html", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body(t, res), `href="/acme/site/master/about/"`)
}

func TestFileRecordFormat(t *testing.T) {
	f := newFixture(t)

	res := f.get(t, "/acme/site/master/guide.md?format=record", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var rec record.FileRecord
	require.NoError(t, json.Unmarshal([]byte(body(t, res)), &rec))
	assert.Equal(t, "guide.md", rec.Path)
	assert.Equal(t, "content", rec.Category)
	assert.Equal(t, record.StatusPublished, rec.Status)
	assert.Equal(t, f.commit, rec.Commit)
}

func TestUnknownTargetsAre404(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{
		"/nobody/site/master/index.html",
		"/acme/site/master/missing.md",
		"/acme/site/secret-branch/x", // non-public branch segment is a path
	} {
		res := f.get(t, path, nil)
		assert.Equal(t, http.StatusNotFound, res.StatusCode, path)
		res.Body.Close()
	}
}

func TestRepoErrorPage(t *testing.T) {
	f := newFixture(t)

	res := f.get(t, "/acme/site/master/missing.md", map[string]string{"Accept": "text/html"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Contains(t, body(t, res), "custom not found")
}

func TestUpdatesFullListing(t *testing.T) {
	f := newFixture(t)

	res := f.get(t, "/acme/site/master/updates.api", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var latest, acmRec bool
	paths := map[string]bool{}
	reader := record.NewReader(strings.NewReader(body(t, res)))
	require.NoError(t, reader.Each(func(rec *record.FileRecord) error {
		switch rec.Category {
		case record.ControlLatest:
			latest = rec.Commit == f.commit
		case record.ControlACM:
			acmRec = rec.Group != ""
		default:
			if !rec.IsControl() {
				paths[rec.Path] = true
			}
		}
		return nil
	}))
	assert.True(t, latest, "$latest carries the head commit")
	assert.True(t, acmRec, "$acm carries the group")
	assert.True(t, paths["guide.md"])
	assert.True(t, paths["index.html"])
	assert.False(t, paths["locomote.json"], "the manifest is not published")
}

func TestUpdatesGroupDrift(t *testing.T) {
	f := newFixture(t)

	res := f.get(t, "/acme/site/master/updates.api?group=stale", nil)
	assert.Equal(t, http.StatusResetContent, res.StatusCode)
	res.Body.Close()

	// The current group round-trips without a reset.
	res = f.get(t, "/acme/site/master/updates.api", nil)
	var group string
	reader := record.NewReader(strings.NewReader(body(t, res)))
	require.NoError(t, reader.Each(func(rec *record.FileRecord) error {
		if rec.Category == record.ControlACM {
			group = rec.Group
		}
		return nil
	}))
	require.NotEmpty(t, group)

	res = f.get(t, "/acme/site/master/updates.api?group="+group, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()
}

func TestFilesetModes(t *testing.T) {
	f := newFixture(t)

	res := f.get(t, "/acme/site/master/filesets.api/content/list", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	reader := record.NewReader(strings.NewReader(body(t, res)))
	require.NoError(t, reader.Each(func(rec *record.FileRecord) error {
		if !rec.IsControl() {
			assert.Equal(t, "content", rec.Category)
		}
		return nil
	}))

	res = f.get(t, "/acme/site/master/filesets.api/content/contents", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/zip", res.Header.Get("Content-Type"))
	res.Body.Close()

	res = f.get(t, "/acme/site/master/filesets.api/content/zipball", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()

	res = f.get(t, "/acme/site/master/filesets.api/nonsense/list", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()
}

func TestCommitsAPI(t *testing.T) {
	f := newFixture(t)

	res := f.get(t, "/acme/site/master/commits.api", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var commits []struct {
		Commit  string `json:"commit"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(body(t, res)), &commits))
	require.Len(t, commits, 1)
	assert.Equal(t, f.commit, commits[0].Commit)
	assert.Equal(t, "seed", commits[0].Message)
}

func TestAuthenticateAPI(t *testing.T) {
	f := newFixture(t)

	res, err := http.Post(f.ts.URL+"/acme/site/master/authenticate.api", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode,
		"authenticate.api forces a challenge without credentials")
	assert.Contains(t, res.Header.Get("WWW-Authenticate"), "Basic")
	res.Body.Close()
}

func TestSearchAPI(t *testing.T) {
	f := newFixture(t)
	f.ix.Schedule(request.NewContext("acme", "site", "master",
		f.srv.branches.RepoPath("acme", "site")))

	res := f.get(t, "/acme/site/master/search.api?s=fox", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	etag := res.Header.Get("Etag")

	var rows []search.Row
	require.NoError(t, json.Unmarshal([]byte(body(t, res)), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "guide.md", rows[0].Path)
	assert.Contains(t, rows[0].Excerpt, "<em>fox</em>")

	// Zero hits still frame a valid array.
	res = f.get(t, "/acme/site/master/search.api?s=zebra", nil)
	assert.Equal(t, "[]", body(t, res))

	res = f.get(t, "/acme/site/master/search.api?s=fox", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, res.StatusCode)
	res.Body.Close()
}

func TestRobots(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/robots.txt", "/acme/site/master/robots.txt"} {
		res := f.get(t, path, nil)
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, robotsBody, body(t, res))
	}
}

func TestHookListener(t *testing.T) {
	f := newFixture(t)

	updates := make(chan events.RepoUpdate, 1)
	f.bus.Subscribe(events.RepoUpdateName, func(e events.Event) {
		updates <- e.(events.RepoUpdate)
	})

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ln, err := ListenHooks("127.0.0.1", 0, nil, f.bus, log)
	require.NoError(t, err)
	defer ln.Close()
	go ln.Serve()

	conn, err := net.Dial("tcp", ln.Addr())
	require.NoError(t, err)
	_, err = conn.Write([]byte("acme/site/master\nnot-a-key\n"))
	require.NoError(t, err)
	conn.Close()

	select {
	case u := <-updates:
		assert.Equal(t, "acme/site/master", u.Key)
	case <-time.After(waitFor):
		t.Fatal("no repo update received")
	}
}
