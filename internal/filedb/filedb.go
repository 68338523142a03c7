// Package filedb exposes the content of a branch as composed pipelines:
// full snapshot listings, since-deltas, per-file records and contents,
// and fileset archives. Every operation resolves to a cached artifact on
// disk; the package also maintains the per-branch file-info DB used for
// existence checks and etags.
package filedb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/locomote-sh/content-server/internal/async"
	"github.com/locomote-sh/content-server/internal/errs"
	"github.com/locomote-sh/content-server/internal/events"
	"github.com/locomote-sh/content-server/internal/fileset"
	"github.com/locomote-sh/content-server/internal/pipeline"
	"github.com/locomote-sh/content-server/internal/record"
	"github.com/locomote-sh/content-server/internal/request"
	"github.com/locomote-sh/content-server/internal/vcs"
)

// workerPoolSize bounds concurrent fileDB operations; excess requests
// wait in arrival order.
const workerPoolSize = 100

// infoCacheCapacity bounds the number of branches with a resident
// file-info map.
const infoCacheCapacity = 256

// FilesetSource supplies the fileset lists operations partition paths
// with.
type FilesetSource interface {
	// FilesetsFor returns the branch's current fileset list.
	FilesetsFor(ctx *request.Context) (fileset.List, error)
	// FilesetsAt returns the list as defined at a historical commit.
	FilesetsAt(ctx *request.Context, commit string) (fileset.List, error)
}

// Info is one file's entry in the file-info DB.
type Info struct {
	Commit       string
	Category     string
	CacheControl string
}

// DB is the file database service.
type DB struct {
	runtime  *pipeline.Runtime
	filesets FilesetSource
	hooks    *pipeline.Hooks
	pool     *async.WorkerPool
	log      *slog.Logger

	infoCache *lru.Cache[string, map[string]Info]
	infoGroup singleflight.Group
}

// New creates the fileDB. Passing a bus subscribes the file-info cache
// to repo-update invalidation.
func New(runtime *pipeline.Runtime, filesets FilesetSource, hooks *pipeline.Hooks, bus *events.Bus, log *slog.Logger) (*DB, error) {
	infoCache, err := lru.New[string, map[string]Info](infoCacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("create file-info cache: %w", err)
	}
	db := &DB{
		runtime:   runtime,
		filesets:  filesets,
		hooks:     hooks,
		pool:      async.NewWorkerPool(workerPoolSize),
		log:       log,
		infoCache: infoCache,
	}
	if bus != nil {
		bus.Subscribe(events.RepoUpdateName, func(e events.Event) {
			if u, ok := e.(events.RepoUpdate); ok {
				db.infoCache.Remove(u.Key)
			}
		})
	}
	return db, nil
}

// run admits an operation to the worker pool after validating its
// arguments.
func (db *DB) run(ctx *request.Context, op func() (*pipeline.Result, error)) (*pipeline.Result, error) {
	if ctx == nil {
		return nil, errors.New("filedb: nil request context")
	}
	v, err := db.pool.Do(context.Background(), func() (any, error) { return op() })
	if err != nil {
		return nil, err
	}
	return v.(*pipeline.Result), nil
}

// resolveCommit resolves the operation's target commit: the given id, or
// the branch head. ok=false means the branch has no head.
func resolveCommit(ctx *request.Context, commit string) (string, bool, error) {
	if commit != "" {
		c, err := vcs.ResolveCommit(ctx.RepoPath, commit)
		if err != nil {
			return "", false, err
		}
		return c.Short, true, nil
	}
	head, err := vcs.HeadCommit(ctx.RepoPath, ctx.Branch)
	if err != nil {
		return "", false, err
	}
	if head == nil {
		return "", false, nil
	}
	return head.Short, true, nil
}

// internalCtx strips the auth context so an internal consumer sees the
// unfiltered record stream.
func internalCtx(ctx *request.Context) *request.Context {
	clone := *ctx
	clone.Auth = nil
	return &clone
}

// infoFor returns the branch's path → Info map, building it from an
// unfiltered snapshot listing on a miss.
func (db *DB) infoFor(ctx *request.Context) (map[string]Info, error) {
	if m, ok := db.infoCache.Get(ctx.Key); ok {
		return m, nil
	}
	v, err, _ := db.infoGroup.Do(ctx.Key, func() (any, error) {
		if m, ok := db.infoCache.Get(ctx.Key); ok {
			return m, nil
		}
		m, err := db.buildInfo(ctx)
		if err != nil {
			return nil, err
		}
		db.infoCache.Add(ctx.Key, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]Info), nil
}

func (db *DB) buildInfo(ctx *request.Context) (map[string]Info, error) {
	list, err := db.filesets.FilesetsFor(ctx)
	if err != nil {
		return nil, err
	}
	res, err := db.listAll(internalCtx(ctx), "")
	if err != nil {
		return nil, err
	}
	f, err := res.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info := make(map[string]Info)
	err = record.NewReader(f).Each(func(rec *record.FileRecord) error {
		if rec.IsControl() || rec.Deleted() {
			return nil
		}
		entry := Info{Commit: rec.Commit, Category: rec.Category}
		if fs := list.Get(rec.Category); fs != nil {
			entry.CacheControl = fs.CacheControl
		}
		info[rec.Path] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Exists reports whether path is present on the branch and visible to
// the request.
func (db *DB) Exists(ctx *request.Context, path string) (bool, error) {
	info, err := db.infoFor(ctx)
	if err != nil {
		if errs.NotFound(err) {
			return false, nil
		}
		return false, err
	}
	entry, ok := info[path]
	if !ok {
		return false, nil
	}
	if ctx.Auth != nil && !ctx.Auth.Accessible.Has(entry.Category) {
		return false, nil
	}
	return true, nil
}

// FileInfo returns the file-info entry for path.
func (db *DB) FileInfo(ctx *request.Context, path string) (Info, error) {
	info, err := db.infoFor(ctx)
	if err != nil {
		return Info{}, err
	}
	entry, ok := info[path]
	if !ok {
		return Info{}, fmt.Errorf("file %s: %w", path, errs.ErrNotFound)
	}
	return entry, nil
}

// HeadETag returns the branch's current etag value "<commit>-<group>"
// without producing any artifact.
func (db *DB) HeadETag(ctx *request.Context) (string, error) {
	head, err := vcs.HeadCommit(ctx.RepoPath, ctx.Branch)
	if err != nil {
		return "", err
	}
	if head == nil {
		return "", fmt.Errorf("branch %s: %w", ctx.Key, errs.ErrNotFound)
	}
	return head.Short + "-" + ctx.AuthGroup(), nil
}
