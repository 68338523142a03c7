package branchdb

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locomote-sh/content-server/internal/config"
	"github.com/locomote-sh/content-server/internal/manifest"
)

// seedRepo creates {root}/{account}/{repo}.git with the given manifest
// committed on master. An empty manifestJSON leaves the repo without a
// manifest file.
func seedRepo(t *testing.T, root, account, repo, manifestJSON string) {
	t.Helper()
	dir := filepath.Join(root, account, repo+".git")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	r, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := r.Worktree()
	require.NoError(t, err)

	name := "README.md"
	content := "# " + repo + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	_, err = wt.Add(name)
	require.NoError(t, err)
	if manifestJSON != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(manifestJSON), 0o644))
		_, err = wt.Add(manifest.FileName)
		require.NoError(t, err)
	}

	sig := &object.Signature{Name: "fixture", Email: "fixture@example.com",
		When: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	_, err = wt.Commit("seed", &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)
}

func newDB(t *testing.T, root string) *DB {
	t.Helper()
	cfg := config.Default()
	cfg.ContentRepoHome = root
	cfg.Build.Profiles = map[string]config.BuildProfile{
		"site": {Buildable: []string{"master"}, Command: "make"},
	}
	manifests, err := manifest.NewCache(nil)
	require.NoError(t, err)
	db, err := New(cfg, manifests, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	return db
}

func TestDiscoversRepos(t *testing.T) {
	root := t.TempDir()
	seedRepo(t, root, "acme", "site", `{"public": ["public", "staging"]}`)
	seedRepo(t, root, "acme", "docs", "")
	seedRepo(t, root, "other", "blog", `{"public": "live"}`)
	// Non-repo directories are ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "acme", "scratch"), 0o755))

	db := newDB(t, root)

	assert.True(t, db.IsAccountName("acme"))
	assert.True(t, db.IsAccountName("other"))
	assert.False(t, db.IsAccountName("nobody"))

	assert.True(t, db.IsRepoName("acme", "site"))
	assert.True(t, db.IsRepoName("acme", "docs"))
	assert.False(t, db.IsRepoName("acme", "scratch"))
}

func TestPublicBranches(t *testing.T) {
	root := t.TempDir()
	seedRepo(t, root, "acme", "site", `{"public": ["public", "staging"]}`)
	seedRepo(t, root, "acme", "docs", "")

	db := newDB(t, root)

	assert.Equal(t, "public", db.DefaultPublicBranch("acme", "site"))
	assert.True(t, db.IsPublicBranch("acme", "site", "staging"))
	assert.False(t, db.IsPublicBranch("acme", "site", "secret"))

	// No manifest falls back to the default manifest.
	assert.Equal(t, "public", db.DefaultPublicBranch("acme", "docs"))

	public := db.ListPublic()
	require.Len(t, public, 3)
	assert.Equal(t, Branch{Account: "acme", Repo: "docs", Branch: "public",
		RepoPath: db.RepoPath("acme", "docs")}, public[0])
}

func TestBuildableBranches(t *testing.T) {
	root := t.TempDir()
	seedRepo(t, root, "acme", "site", `{"public": ["public"], "build": {"profile": "site"}}`)
	seedRepo(t, root, "acme", "docs", "")

	db := newDB(t, root)

	buildable := db.ListBuildable()
	require.Len(t, buildable, 1)
	assert.Equal(t, "site", buildable[0].Repo)
	assert.Equal(t, "master", buildable[0].Branch)
}

func TestUpdateBranchInfoPicksUpNewRepo(t *testing.T) {
	root := t.TempDir()
	seedRepo(t, root, "acme", "site", `{"public": ["public"]}`)
	db := newDB(t, root)

	assert.False(t, db.IsRepoName("acme", "fresh"))
	seedRepo(t, root, "acme", "fresh", `{"public": ["live"]}`)
	require.NoError(t, db.UpdateBranchInfo("acme", "fresh"))
	assert.True(t, db.IsRepoName("acme", "fresh"))
	assert.Equal(t, "live", db.DefaultPublicBranch("acme", "fresh"))

	assert.Error(t, db.UpdateBranchInfo("acme", "missing"))
}
