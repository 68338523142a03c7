package filedb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"

	"github.com/locomote-sh/content-server/internal/errs"
	"github.com/locomote-sh/content-server/internal/fileset"
	"github.com/locomote-sh/content-server/internal/fingerprint"
	"github.com/locomote-sh/content-server/internal/pipeline"
	"github.com/locomote-sh/content-server/internal/record"
	"github.com/locomote-sh/content-server/internal/request"
	"github.com/locomote-sh/content-server/internal/vcs"
)

// Operation names, used as hook keys.
const (
	OpListAll     = "list-all"
	OpListUpdates = "list-updates"
)

// Markers for the validity of a since commit; part of cache paths so an
// invalid-since fallback never aliases a real delta.
const (
	sinceValid   = "V"
	sinceInvalid = "I"
)

// since values come straight off the request and participate in cache
// paths, so only commit-hash-shaped strings may appear verbatim.
var commitShapeRE = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

// sinceCacheToken returns the path-safe form of a since value: the value
// itself when it is hash shaped, its fingerprint otherwise. Non-hash
// values always take the invalid-since fallback.
func sinceCacheToken(since string) (token string, hashShaped bool) {
	if commitShapeRE.MatchString(since) {
		return since, true
	}
	return fingerprint.String(since), false
}

// Pipelines run to completion even when the requester goes away; the
// artifact they populate serves the next request.
var noCancel = context.Background()

func encodeRecord(rec *record.FileRecord) (string, bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", false, fmt.Errorf("encode record: %w", err)
	}
	return string(data), true, nil
}

// ListAllFiles produces the full snapshot listing of the branch at
// commit (head when empty) as a JSON-lines artifact.
func (db *DB) ListAllFiles(ctx *request.Context, commit string) (*pipeline.Result, error) {
	return db.run(ctx, func() (*pipeline.Result, error) { return db.listAll(ctx, commit) })
}

func (db *DB) listAll(ctx *request.Context, commit string) (*pipeline.Result, error) {
	list, err := db.filesets.FilesetsFor(ctx)
	if err != nil {
		return nil, err
	}
	p := &pipeline.Pipeline{
		Name: OpListAll,
		Init: func() (pipeline.Vars, bool, error) {
			c, ok, err := resolveCommit(ctx, commit)
			if err != nil || !ok {
				return nil, false, err
			}
			return pipeline.Vars{"ctx": ctx, "commit": c}, true, nil
		},
		Open: pipeline.Stage{
			Name: "tracked-files",
			Run: func(vars pipeline.Vars, out io.Writer, _ io.Reader) error {
				return vcs.ListTrackedFiles(ctx.RepoPath, vars["commit"].(string), out)
			},
		},
		Stages: []pipeline.Stage{
			{
				Name:     "records",
				Template: "internal/{ctx.account}/{ctx.repo}/records-{commit}.jsonl",
				Run:      db.recordsStage(ctx, list),
			},
			{
				Name:     "results",
				Template: "internal/{ctx.account}/{ctx.repo}/results-{commit}-{ctx.group}.jsonl",
				Run:      db.processUpdates(ctx, OpListAll, false, false),
			},
		},
		Done: annotate(ctx),
	}
	return db.runtime.Run(p)
}

// ListUpdatesSince produces the delta listing between since and commit
// (head when empty). An unknown since falls back to the full listing
// prefixed by a reset control record.
func (db *DB) ListUpdatesSince(ctx *request.Context, since, commit string) (*pipeline.Result, error) {
	if since == "" {
		return nil, fmt.Errorf("filedb: since is required: %w", errs.ErrUpstreamInvalid)
	}
	return db.run(ctx, func() (*pipeline.Result, error) { return db.listUpdates(ctx, since, commit) })
}

func (db *DB) listUpdates(ctx *request.Context, since, commit string) (*pipeline.Result, error) {
	curList, err := db.filesets.FilesetsFor(ctx)
	if err != nil {
		return nil, err
	}
	token, hashShaped := sinceCacheToken(since)
	valid := sinceInvalid
	var sinceList fileset.List
	if hashShaped && vcs.IsValidCommit(ctx.RepoPath, since) {
		valid = sinceValid
		sinceList, err = db.filesets.FilesetsAt(ctx, since)
		if err != nil {
			return nil, err
		}
	}

	p := &pipeline.Pipeline{
		Name: OpListUpdates,
		Init: func() (pipeline.Vars, bool, error) {
			c, ok, err := resolveCommit(ctx, commit)
			if err != nil || !ok {
				return nil, false, err
			}
			return pipeline.Vars{
				"ctx": ctx, "commit": c, "since": token, "valid": valid,
			}, true, nil
		},
		Open: pipeline.Stage{
			Name: "changes",
			Run: func(vars pipeline.Vars, out io.Writer, _ io.Reader) error {
				c := vars["commit"].(string)
				if valid == sinceInvalid {
					return vcs.ListTrackedFiles(ctx.RepoPath, c, out)
				}
				return vcs.ListChanges(noCancel, ctx.RepoPath, c, since, out)
			},
		},
		Stages: []pipeline.Stage{
			{
				Name:     "updates",
				Template: "internal/{ctx.account}/{ctx.repo}/updates-{commit}-{since}-{valid}.jsonl",
				Run:      db.updatesStage(ctx, curList, sinceList, valid),
			},
			{
				Name:     "results",
				Template: "internal/{ctx.account}/{ctx.repo}/results-{commit}-{since}-{valid}-{ctx.group}.jsonl",
				Run:      db.processUpdates(ctx, OpListUpdates, valid == sinceInvalid, true),
			},
		},
		Done: annotate(ctx),
	}
	return db.runtime.Run(p)
}

// recordsStage turns a path-per-line stream into file records. Paths no
// fileset owns are dropped; each record carries the short hash of the
// last commit that touched its path.
func (db *DB) recordsStage(ctx *request.Context, list fileset.List) pipeline.StageFunc {
	src := fileset.RepoSource(ctx.RepoPath)
	return pipeline.TransformLines(func(vars pipeline.Vars, line string) (string, bool, error) {
		fs := list.Owner(line)
		if fs == nil {
			return "", false, nil
		}
		fileCommit := vars["commit"].(string)
		last, err := vcs.LastCommitForFileAt(ctx.RepoPath, fileCommit, line)
		if err != nil {
			return "", false, err
		}
		if last != nil {
			fileCommit = last.Short
		}
		rec, err := fs.MakeFileRecord(src, vars["commit"].(string), line, fileCommit, true)
		if err != nil {
			return "", false, err
		}
		return encodeRecord(rec)
	})
}

// updatesStage parses change lines into file records. Renames yield a
// deleted record for the old path and a published one for the new; paths
// whose owning fileset disappeared since the client's sync yield a
// synthetic deletion so clients can prune.
func (db *DB) updatesStage(ctx *request.Context, curList, sinceList fileset.List, valid string) pipeline.StageFunc {
	src := fileset.RepoSource(ctx.RepoPath)
	return pipeline.TransformLines(func(vars pipeline.Vars, line string) (string, bool, error) {
		commit := vars["commit"].(string)
		items := []vcs.ChangeItem{{Path: line, Active: true}}
		if valid == sinceValid {
			var err error
			items, err = vcs.ParseChangeLine(line)
			if err != nil {
				return "", false, err
			}
		}

		var out string
		for _, item := range items {
			var fs *fileset.Fileset
			active := item.Active
			cur := curList.Owner(item.Path)
			switch {
			case !item.Active:
				fs = cur
				if fs == nil && sinceList != nil {
					fs = sinceList.Owner(item.Path)
				}
			case cur != nil:
				fs = cur
			case sinceList != nil && sinceList.Owner(item.Path) != nil:
				// The path is still tracked but no current fileset owns
				// it; the client's copy must be pruned.
				fs = sinceList.Owner(item.Path)
				active = false
			}
			if fs == nil {
				continue
			}
			rec, err := fs.MakeFileRecord(src, commit, item.Path, commit, active)
			if err != nil {
				return "", false, err
			}
			enc, _, err := encodeRecord(rec)
			if err != nil {
				return "", false, err
			}
			if out != "" {
				out += "\n"
			}
			out += enc
		}
		return out, out != "", nil
	})
}

// processUpdates is the terminal listing stage: it applies ACM filtering
// and rewrites, runs registered hooks, and appends the control records
// describing the stream. recompute re-reads each path's last-modified
// commit, which delta listings need because their records are generated
// at the target commit.
func (db *DB) processUpdates(ctx *request.Context, op string, reset, recompute bool) pipeline.StageFunc {
	return func(vars pipeline.Vars, out io.Writer, in io.Reader) error {
		w := record.NewWriter(out)
		if reset {
			if err := w.Write(record.ResetControl()); err != nil {
				return err
			}
		}

		commits := newCommitMemo(ctx.RepoPath)
		latestByCategory := make(map[string]*vcs.Commit)

		err := record.NewReader(in).Each(func(rec *record.FileRecord) error {
			if recompute {
				last, err := vcs.LastCommitForFileAt(ctx.RepoPath, vars["commit"].(string), rec.Path)
				if err != nil {
					return err
				}
				if last != nil {
					rec.Commit = last.Short
				}
			}

			rec, err := db.hooks.Apply("filedb", pipeline.PreHook, op, vars, rec)
			if err != nil || rec == nil {
				return err
			}
			if rec = ctx.ApplyACM(rec); rec == nil {
				return nil
			}
			if rec, err = db.hooks.Apply("filedb", pipeline.PostHook, op, vars, rec); err != nil || rec == nil {
				return err
			}
			if err := w.Write(rec); err != nil {
				return err
			}

			c, err := commits.get(rec.Commit)
			if err != nil {
				return err
			}
			if prev := latestByCategory[rec.Category]; prev == nil || c.Time.After(prev.Time) {
				latestByCategory[rec.Category] = c
			}
			return nil
		})
		if err != nil {
			return err
		}

		if err := writeControls(w, ctx, vars, latestByCategory, commits); err != nil {
			return err
		}
		return w.Flush()
	}
}

// writeControls appends the $category, $commit, $acm and $latest records
// in a deterministic order.
func writeControls(w *record.Writer, ctx *request.Context, vars pipeline.Vars, latest map[string]*vcs.Commit, commits *commitMemo) error {
	categories := make([]string, 0, len(latest))
	for c := range latest {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, category := range categories {
		if err := w.Write(record.CategoryControl(category, latest[category].Short)); err != nil {
			return err
		}
	}

	for _, c := range commits.sorted() {
		if err := w.Write(record.CommitControl(c.Short, c.Subject, c.Time.Unix())); err != nil {
			return err
		}
	}
	if err := w.Write(record.ACMControl(ctx.AuthGroup())); err != nil {
		return err
	}
	return w.Write(record.LatestControl(vars["commit"].(string)))
}

// commitMemo caches commit lookups and remembers insertion for the
// $commit control records.
type commitMemo struct {
	repoPath string
	byShort  map[string]*vcs.Commit
}

func newCommitMemo(repoPath string) *commitMemo {
	return &commitMemo{repoPath: repoPath, byShort: make(map[string]*vcs.Commit)}
}

func (m *commitMemo) get(short string) (*vcs.Commit, error) {
	if c, ok := m.byShort[short]; ok {
		return c, nil
	}
	c, err := vcs.ResolveCommit(m.repoPath, short)
	if err != nil {
		return nil, err
	}
	m.byShort[short] = c
	return c, nil
}

// sorted returns the seen commits oldest first, hash-ordered within a
// timestamp.
func (m *commitMemo) sorted() []*vcs.Commit {
	out := make([]*vcs.Commit, 0, len(m.byShort))
	for _, c := range m.byShort {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].Short < out[j].Short
	})
	return out
}

// annotate attaches the commit and group identity to a listing result.
func annotate(ctx *request.Context) pipeline.DoneFunc {
	return func(vars pipeline.Vars, res *pipeline.Result) (*pipeline.Result, error) {
		res.Commit = vars["commit"].(string)
		res.Group = ctx.AuthGroup()
		return res, nil
	}
}
