// Package branchdb discovers content repositories under the content
// root and answers questions about their public and buildable branches.
// Repos live at {root}/{account}/{repo}.git; the branch lists come from
// each repo's manifest.
package branchdb

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/locomote-sh/content-server/internal/config"
	"github.com/locomote-sh/content-server/internal/logfields"
	"github.com/locomote-sh/content-server/internal/manifest"
)

// Repo is one discovered content repository.
type Repo struct {
	Account  string
	Name     string
	RepoPath string
	// Public lists the branches served over HTTP, in manifest order.
	Public []string
	// Buildable lists the branches the builder may process.
	Buildable []string
}

// Branch identifies one branch of a discovered repo.
type Branch struct {
	Account  string
	Repo     string
	Branch   string
	RepoPath string
}

// DB is the in-memory repo/branch registry. Entries reload individually
// on repo-update events via UpdateBranchInfo.
type DB struct {
	root      string
	profiles  map[string]config.BuildProfile
	manifests *manifest.Cache
	log       *slog.Logger

	mu    sync.RWMutex
	repos map[string]*Repo // keyed "account/repo"
}

// New scans the content root and builds the registry.
func New(cfg *config.Config, manifests *manifest.Cache, log *slog.Logger) (*DB, error) {
	db := &DB{
		root:      cfg.ContentRepoHome,
		profiles:  cfg.Build.Profiles,
		manifests: manifests,
		log:       log,
		repos:     make(map[string]*Repo),
	}
	if err := db.scan(); err != nil {
		return nil, err
	}
	return db, nil
}

// scan walks {root}/{account}/{repo}.git to depth 2.
func (db *DB) scan() error {
	accounts, err := os.ReadDir(db.root)
	if err != nil {
		return fmt.Errorf("scan content root %s: %w", db.root, err)
	}
	for _, acct := range accounts {
		if !acct.IsDir() {
			continue
		}
		repos, err := os.ReadDir(filepath.Join(db.root, acct.Name()))
		if err != nil {
			db.log.Warn("skipping unreadable account directory",
				logfields.Account(acct.Name()), logfields.Error(err))
			continue
		}
		for _, entry := range repos {
			if !entry.IsDir() || !strings.HasSuffix(entry.Name(), ".git") {
				continue
			}
			name := strings.TrimSuffix(entry.Name(), ".git")
			if err := db.loadRepo(acct.Name(), name); err != nil {
				db.log.Warn("skipping repo with unreadable manifest",
					logfields.Account(acct.Name()), logfields.Repository(name),
					logfields.Error(err))
			}
		}
	}
	return nil
}

// loadRepo (re)loads one repo's branch lists from its manifest.
func (db *DB) loadRepo(account, repo string) error {
	repoPath := db.RepoPath(account, repo)
	m, err := db.manifests.Get(repoPath, manifest.MasterBranch)
	if err != nil {
		return err
	}

	var buildable []string
	profile, err := m.Profile(db.profiles)
	if err != nil {
		return err
	}
	if profile != nil {
		buildable = profile.Buildable
	}

	db.mu.Lock()
	db.repos[account+"/"+repo] = &Repo{
		Account:   account,
		Name:      repo,
		RepoPath:  repoPath,
		Public:    m.Public,
		Buildable: buildable,
	}
	db.mu.Unlock()
	return nil
}

// RepoPath returns the filesystem path of a repo, discovered or not.
func (db *DB) RepoPath(account, repo string) string {
	return filepath.Join(db.root, account, repo+".git")
}

// IsAccountName reports whether any discovered repo belongs to name.
func (db *DB) IsAccountName(name string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, r := range db.repos {
		if r.Account == name {
			return true
		}
	}
	return false
}

// IsRepoName reports whether account/repo was discovered.
func (db *DB) IsRepoName(account, repo string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.repos[account+"/"+repo]
	return ok
}

// Get returns the discovered repo, or nil.
func (db *DB) Get(account, repo string) *Repo {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.repos[account+"/"+repo]
}

// DefaultPublicBranch returns the first public branch, or "".
func (db *DB) DefaultPublicBranch(account, repo string) string {
	if r := db.Get(account, repo); r != nil && len(r.Public) > 0 {
		return r.Public[0]
	}
	return ""
}

// IsPublicBranch reports whether branch is served for account/repo.
func (db *DB) IsPublicBranch(account, repo, branch string) bool {
	r := db.Get(account, repo)
	if r == nil {
		return false
	}
	for _, b := range r.Public {
		if b == branch {
			return true
		}
	}
	return false
}

// ListPublic returns every public branch across all repos, in a stable
// order.
func (db *DB) ListPublic() []Branch {
	return db.list(func(r *Repo) []string { return r.Public })
}

// ListBuildable returns every buildable branch across all repos.
func (db *DB) ListBuildable() []Branch {
	return db.list(func(r *Repo) []string { return r.Buildable })
}

func (db *DB) list(branches func(*Repo) []string) []Branch {
	db.mu.RLock()
	defer db.mu.RUnlock()
	keys := make([]string, 0, len(db.repos))
	for k := range db.repos {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Branch
	for _, k := range keys {
		r := db.repos[k]
		for _, b := range branches(r) {
			out = append(out, Branch{Account: r.Account, Repo: r.Name, Branch: b, RepoPath: r.RepoPath})
		}
	}
	return out
}

// UpdateBranchInfo reloads one repo's manifest-derived branch lists. An
// undiscovered repo is added when its directory now exists.
func (db *DB) UpdateBranchInfo(account, repo string) error {
	if _, err := os.Stat(db.RepoPath(account, repo)); err != nil {
		return fmt.Errorf("repo %s/%s: %w", account, repo, err)
	}
	return db.loadRepo(account, repo)
}
