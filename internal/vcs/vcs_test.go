package vcs

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixtureRepo builds a throwaway repository with a worktree for tests.
type fixtureRepo struct {
	t    *testing.T
	dir  string
	repo *git.Repository
	tick time.Time
}

func newFixtureRepo(t *testing.T) *fixtureRepo {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return &fixtureRepo{
		t:    t,
		dir:  dir,
		repo: repo,
		tick: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// commit writes the given files (nil value removes the path) and commits.
// Returns the full commit hash.
func (f *fixtureRepo) commit(msg string, files map[string]*string) string {
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
	return hash.String()
}

func str(s string) *string { return &s }

func TestHeadCommit(t *testing.T) {
	f := newFixtureRepo(t)
	c1 := f.commit("first", map[string]*string{"a.html": str("<p>a</p>")})

	head, err := HeadCommit(f.dir, "master")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, c1, head.ID)
	assert.Equal(t, c1[:ShortHashLen], head.Short)
	assert.Equal(t, "first", head.Subject)

	missing, err := HeadCommit(f.dir, "no-such-branch")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLastCommitForFile(t *testing.T) {
	f := newFixtureRepo(t)
	c1 := f.commit("add a", map[string]*string{"a.html": str("one")})
	f.commit("add b", map[string]*string{"b.html": str("two")})

	last, err := LastCommitForFile(f.dir, "master", "a.html")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, c1, last.ID)

	none, err := LastCommitForFile(f.dir, "master", "missing.html")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestLastCommitForFileAt(t *testing.T) {
	f := newFixtureRepo(t)
	c1 := f.commit("add a", map[string]*string{"a.html": str("one")})
	c2 := f.commit("touch a", map[string]*string{"a.html": str("two")})

	last, err := LastCommitForFileAt(f.dir, c1, "a.html")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, c1, last.ID, "history is scoped to the given commit")

	last, err = LastCommitForFileAt(f.dir, c2, "a.html")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, c2, last.ID)
}

func TestIsValidCommit(t *testing.T) {
	f := newFixtureRepo(t)
	c1 := f.commit("first", map[string]*string{"a.html": str("x")})

	assert.True(t, IsValidCommit(f.dir, c1))
	assert.True(t, IsValidCommit(f.dir, c1[:ShortHashLen]), "short hashes resolve")
	assert.False(t, IsValidCommit(f.dir, "0000000"))
	assert.False(t, IsValidCommit(f.dir, ""))
}

func TestListTrackedFiles(t *testing.T) {
	f := newFixtureRepo(t)
	head := f.commit("init", map[string]*string{
		"index.html":       str("root"),
		"pages/about.html": str("about"),
		"data/site.json":   str("{}"),
	})

	var buf bytes.Buffer
	require.NoError(t, ListTrackedFiles(f.dir, head, &buf))

	lines := strings.Fields(buf.String())
	sort.Strings(lines)
	assert.Equal(t, []string{"data/site.json", "index.html", "pages/about.html"}, lines)
}

func TestListChanges(t *testing.T) {
	f := newFixtureRepo(t)
	c1 := f.commit("base", map[string]*string{
		"keep.html":   str("keep"),
		"change.html": str("v1"),
		"drop.html":   str("bye"),
	})
	c2 := f.commit("update", map[string]*string{
		"change.html": str("v2"),
		"drop.html":   nil,
		"new.html":    str("hello"),
	})

	var buf bytes.Buffer
	require.NoError(t, ListChanges(context.Background(), f.dir, c2, c1, &buf))

	got := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		fields := strings.SplitN(line, "\t", 2)
		require.Len(t, fields, 2)
		got[fields[1]] = fields[0]
	}
	assert.Equal(t, "M", got["change.html"])
	assert.Equal(t, "D", got["drop.html"])
	assert.Equal(t, "A", got["new.html"])
	_, touched := got["keep.html"]
	assert.False(t, touched, "unchanged files are not reported")
}

func TestListChangesRename(t *testing.T) {
	f := newFixtureRepo(t)
	content := strings.Repeat("stable content line\n", 50)
	c1 := f.commit("base", map[string]*string{"old.json": str(content)})
	c2 := f.commit("rename", map[string]*string{
		"old.json": nil,
		"new.json": str(content),
	})

	var buf bytes.Buffer
	require.NoError(t, ListChanges(context.Background(), f.dir, c2, c1, &buf))

	line := strings.TrimSpace(buf.String())
	require.True(t, strings.HasPrefix(line, "R"), "expected rename line, got %q", line)

	items, err := ParseChangeLine(line)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ChangeItem{Path: "old.json", Active: false}, items[0])
	assert.Equal(t, ChangeItem{Path: "new.json", Active: true}, items[1])
}

func TestPipeFileAtCommitRoundTrip(t *testing.T) {
	f := newFixtureRepo(t)
	body := "<html><body>content éè</body></html>"
	head := f.commit("init", map[string]*string{"page.html": str(body)})

	var buf bytes.Buffer
	require.NoError(t, PipeFileAtCommit(f.dir, head, "page.html", &buf))
	assert.Equal(t, body, buf.String())

	err := PipeFileAtCommit(f.dir, head, "missing.html", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestZipFilesAtCommitDeterministic(t *testing.T) {
	f := newFixtureRepo(t)
	head := f.commit("init", map[string]*string{
		"a.html": str("alpha"),
		"b.html": str("beta"),
	})

	var first, second bytes.Buffer
	require.NoError(t, ZipFilesAtCommit(f.dir, head, []string{"a.html", "b.html"}, &first))
	require.NoError(t, ZipFilesAtCommit(f.dir, head, []string{"a.html", "b.html"}, &second))

	assert.Equal(t, first.Bytes(), second.Bytes(), "zip bytes must be stable per (commit, paths)")

	// Missing paths are skipped rather than failing the archive.
	var third bytes.Buffer
	require.NoError(t, ZipFilesAtCommit(f.dir, head, []string{"a.html", "gone.html"}, &third))
	assert.NotEmpty(t, third.Bytes())
}

func TestParseChangeLine(t *testing.T) {
	items, err := ParseChangeLine("M\tpages/a.html")
	require.NoError(t, err)
	assert.Equal(t, []ChangeItem{{Path: "pages/a.html", Active: true}}, items)

	items, err = ParseChangeLine("D\tgone.html")
	require.NoError(t, err)
	assert.Equal(t, []ChangeItem{{Path: "gone.html", Active: false}}, items)

	items, err = ParseChangeLine("")
	require.NoError(t, err)
	assert.Nil(t, items)

	_, err = ParseChangeLine("garbage")
	assert.Error(t, err)
}

func TestUnquotePath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain.html", "plain.html"},
		{`"caf\303\251.html"`, "caf\xc3\xa9.html"},
		{`"tab\there"`, "tab\there"},
		{`"quote\"inside"`, `quote"inside`},
		{`"back\\slash"`, `back\slash`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, UnquotePath(tc.in), tc.in)
	}
}
