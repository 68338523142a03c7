// Package vcs is the adapter over the bare content repositories. It is
// the only component that touches git plumbing; everything above it works
// with commits, line streams, and records. All operations are read-only.
package vcs

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/locomote-sh/content-server/internal/errs"
)

// ShortHashLen is the abbreviated commit id length used in records,
// cache paths and etags.
const ShortHashLen = 7

// Commit is the slice of commit metadata the server cares about.
type Commit struct {
	ID        string // full hash
	Short     string // abbreviated hash
	Time      time.Time
	Committer string
	Subject   string
}

func commitInfo(c *object.Commit) *Commit {
	id := c.Hash.String()
	return &Commit{
		ID:        id,
		Short:     id[:ShortHashLen],
		Time:      c.Committer.When,
		Committer: c.Committer.Name,
		Subject:   strings.SplitN(c.Message, "\n", 2)[0],
	}
}

func open(repoPath string) (*git.Repository, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("repo %s: %w", repoPath, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("open repo %s: %w", repoPath, err)
	}
	return repo, nil
}

// HeadCommit returns the head of branch, or (nil, nil) when the branch
// does not exist.
func HeadCommit(repoPath, branch string) (*Commit, error) {
	repo, err := open(repoPath)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	c, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read head commit of %s: %w", branch, err)
	}
	return commitInfo(c), nil
}

// LastCommitForFile returns the most recent commit on branch that touched
// path, or (nil, nil) when the file has no history there.
func LastCommitForFile(repoPath, branch, path string) (*Commit, error) {
	repo, err := open(repoPath)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash(), FileName: &path})
	if err != nil {
		return nil, fmt.Errorf("log %s: %w", path, err)
	}
	defer iter.Close()
	c, err := iter.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("log %s: %w", path, err)
	}
	return commitInfo(c), nil
}

// LastCommitForFileAt returns the most recent commit at or before the
// given commit that touched path, or (nil, nil) when the file has no
// history there. Snapshot listings use it so record annotations never
// postdate the requested commit.
func LastCommitForFileAt(repoPath, commit, path string) (*Commit, error) {
	repo, err := open(repoPath)
	if err != nil {
		return nil, err
	}
	from, err := resolveCommit(repo, commit)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Log(&git.LogOptions{From: from.Hash, FileName: &path})
	if err != nil {
		return nil, fmt.Errorf("log %s: %w", path, err)
	}
	defer iter.Close()
	c, err := iter.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("log %s: %w", path, err)
	}
	return commitInfo(c), nil
}

// ResolveCommit resolves a full or abbreviated commit id to a commit.
func ResolveCommit(repoPath, id string) (*Commit, error) {
	repo, err := open(repoPath)
	if err != nil {
		return nil, err
	}
	c, err := resolveCommit(repo, id)
	if err != nil {
		return nil, err
	}
	return commitInfo(c), nil
}

func resolveCommit(repo *git.Repository, id string) (*object.Commit, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(id))
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", id, errs.ErrNotFound)
	}
	c, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", id, errs.ErrNotFound)
	}
	return c, nil
}

// IsValidCommit reports whether id resolves to a commit in the repo.
func IsValidCommit(repoPath, id string) bool {
	if id == "" {
		return false
	}
	repo, err := open(repoPath)
	if err != nil {
		return false
	}
	_, err = resolveCommit(repo, id)
	return err == nil
}

// ListTrackedFiles writes every path tracked at commit to w, one per
// line. Closing w is the caller's concern.
func ListTrackedFiles(repoPath, commit string, w io.Writer) error {
	repo, err := open(repoPath)
	if err != nil {
		return err
	}
	c, err := resolveCommit(repo, commit)
	if err != nil {
		return err
	}
	tree, err := c.Tree()
	if err != nil {
		return fmt.Errorf("read tree of %s: %w", commit, err)
	}
	return tree.Files().ForEach(func(f *object.File) error {
		if _, err := fmt.Fprintln(w, f.Name); err != nil {
			return fmt.Errorf("write file list: %w", err)
		}
		return nil
	})
}

// ListCommits returns up to limit commits reachable from the head of
// branch, newest first.
func ListCommits(repoPath, branch string, limit int) ([]*Commit, error) {
	repo, err := open(repoPath)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("branch %s: %w", branch, errs.ErrNotFound)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("log branch %s: %w", branch, err)
	}
	defer iter.Close()

	var out []*Commit
	err = iter.ForEach(func(c *object.Commit) error {
		out = append(out, commitInfo(c))
		if limit > 0 && len(out) >= limit {
			return storerStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, storerStop) {
		return nil, fmt.Errorf("walk commits of %s: %w", branch, err)
	}
	return out, nil
}

var storerStop = errors.New("stop iteration")

// PipeFileAtCommit streams the contents of path at commit to w.
func PipeFileAtCommit(repoPath, commit, path string, w io.Writer) error {
	repo, err := open(repoPath)
	if err != nil {
		return err
	}
	c, err := resolveCommit(repo, commit)
	if err != nil {
		return err
	}
	f, err := c.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return fmt.Errorf("file %s at %s: %w", path, commit, errs.ErrNotFound)
		}
		return fmt.Errorf("lookup %s at %s: %w", path, commit, err)
	}
	r, err := f.Reader()
	if err != nil {
		return fmt.Errorf("open %s at %s: %w", path, commit, err)
	}
	defer r.Close()
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("pipe %s at %s: %w", path, commit, err)
	}
	return nil
}

// ReadFileAtCommit returns the contents of path at commit.
func ReadFileAtCommit(repoPath, commit, path string) ([]byte, error) {
	var b strings.Builder
	if err := PipeFileAtCommit(repoPath, commit, path, &b); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}
