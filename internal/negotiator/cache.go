package negotiator

import (
	"bufio"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/locomote-sh/content-server/internal/errs"
	"github.com/locomote-sh/content-server/internal/events"
	"github.com/locomote-sh/content-server/internal/request"
	"github.com/locomote-sh/content-server/internal/vcs"
)

const cacheCapacity = 256

// Service caches one negotiation index per branch. Indexes are built
// from the branch head's tracked files and dropped when the branch
// updates.
type Service struct {
	cache *lru.Cache[string, *Index]
	group singleflight.Group
}

// NewService creates an index cache subscribed to repo updates on bus.
func NewService(bus *events.Bus) (*Service, error) {
	cache, err := lru.New[string, *Index](cacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("create negotiation cache: %w", err)
	}
	s := &Service{cache: cache}
	if bus != nil {
		bus.Subscribe(events.RepoUpdateName, func(e events.Event) {
			if u, ok := e.(events.RepoUpdate); ok {
				s.cache.Remove(u.Key)
			}
		})
	}
	return s, nil
}

// IndexFor returns the branch's negotiation index, building it on a
// miss. A branch with no head yields an empty index.
func (s *Service) IndexFor(ctx *request.Context) (*Index, error) {
	if idx, ok := s.cache.Get(ctx.Key); ok {
		return idx, nil
	}
	v, err, _ := s.group.Do(ctx.Key, func() (any, error) {
		if idx, ok := s.cache.Get(ctx.Key); ok {
			return idx, nil
		}
		idx, err := buildBranchIndex(ctx.RepoPath, ctx.Branch)
		if err != nil {
			return nil, err
		}
		s.cache.Add(ctx.Key, idx)
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

func buildBranchIndex(repoPath, branch string) (*Index, error) {
	head, err := vcs.HeadCommit(repoPath, branch)
	if err != nil {
		if errs.NotFound(err) {
			return BuildIndex(nil), nil
		}
		return nil, err
	}
	if head == nil {
		return BuildIndex(nil), nil
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(vcs.ListTrackedFiles(repoPath, head.ID, pw))
	}()
	var paths []string
	sc := bufio.NewScanner(pr)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			paths = append(paths, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("list files for negotiation index: %w", err)
	}
	return BuildIndex(paths), nil
}
