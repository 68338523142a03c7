package search

import (
	"bufio"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/locomote-sh/content-server/internal/async"
	"github.com/locomote-sh/content-server/internal/events"
	"github.com/locomote-sh/content-server/internal/filedb"
	"github.com/locomote-sh/content-server/internal/fileset"
	"github.com/locomote-sh/content-server/internal/logfields"
	"github.com/locomote-sh/content-server/internal/request"
	"github.com/locomote-sh/content-server/internal/vcs"
)

// indexerQueue serializes index units so a branch is never indexed
// concurrently with itself.
const indexerQueue = "indexer"

// Indexer keeps the FTS index in step with the public branches. Index
// units are incremental: each run covers the commits between the scope's
// recorded since and the branch head.
type Indexer struct {
	svc      *Service
	filesets filedb.FilesetSource
	queues   *async.QueueSet
	log      *slog.Logger
}

// NewIndexer creates the indexer and subscribes it to repo updates.
func NewIndexer(svc *Service, filesets filedb.FilesetSource, queues *async.QueueSet, bus *events.Bus, isPublic func(account, repo, branch string) bool, resolve func(account, repo string) string, log *slog.Logger) *Indexer {
	ix := &Indexer{svc: svc, filesets: filesets, queues: queues, log: log}
	if bus != nil {
		bus.Subscribe(events.RepoUpdateName, func(e events.Event) {
			u, ok := e.(events.RepoUpdate)
			if !ok || !isPublic(u.Account, u.Repo, u.Branch) {
				return
			}
			go ix.Schedule(request.NewContext(u.Account, u.Repo, u.Branch, resolve(u.Account, u.Repo)))
		})
	}
	return ix
}

// Bootstrap schedules an index unit for every given branch. Called at
// startup with the public branch list so a cold database fills itself.
func (ix *Indexer) Bootstrap(branches []*request.Context) {
	go func() {
		for _, ctx := range branches {
			ix.Schedule(ctx)
		}
	}()
}

// Schedule queues one index unit for the branch and waits for it.
// Re-indexing is idempotent, so redundant schedules are harmless.
func (ix *Indexer) Schedule(ctx *request.Context) {
	_, err := ix.queues.Queue(indexerQueue, func() (any, error) {
		return nil, ix.indexBranch(ctx)
	})
	if err != nil {
		ix.log.Error("index unit failed",
			logfields.Key(ctx.Key), logfields.Error(err))
	}
}

// indexBranch runs one incremental index unit inside a transaction. On
// failure the transaction rolls back and since stays put, so the next
// unit retries the same window.
func (ix *Indexer) indexBranch(ctx *request.Context) error {
	head, err := vcs.HeadCommit(ctx.RepoPath, ctx.Branch)
	if err != nil {
		return err
	}
	if head == nil {
		return nil
	}

	list, err := ix.filesets.FilesetsFor(ctx)
	if err != nil {
		return err
	}
	src := fileset.RepoSource(ctx.RepoPath)

	_, err = ix.svc.write(func(db *sql.DB) (any, error) {
		tx, err := db.Begin()
		if err != nil {
			return nil, fmt.Errorf("begin index transaction: %w", err)
		}
		defer tx.Rollback()

		scopeID, since, err := ensureScope(tx, ctx)
		if err != nil {
			return nil, err
		}
		if since == head.Short {
			return nil, nil
		}

		err = eachUpdate(ctx, since, head, func(path string, active bool) error {
			fs := list.Owner(path)
			if fs == nil || !fs.Searchable {
				return nil
			}
			if !active {
				return deleteEntry(tx, scopeID, path)
			}
			rec, err := fs.MakeFileRecord(src, head.Short, path, head.Short, true)
			if err != nil {
				return err
			}
			sr, err := fs.MakeSearchRecord(src, head.Short, rec)
			if err != nil {
				return err
			}
			if sr == nil {
				return nil
			}
			return upsertEntry(tx, scopeID, sr)
		})
		if err != nil {
			return nil, err
		}

		_, err = tx.Exec(`UPDATE scope SET since = ?, index_date = ? WHERE id = ?`,
			head.Short, time.Now().UTC().Format(time.RFC3339), scopeID)
		if err != nil {
			return nil, fmt.Errorf("advance index scope: %w", err)
		}
		return nil, tx.Commit()
	})
	if err != nil {
		return err
	}
	ix.log.Info("indexed branch", logfields.Key(ctx.Key), logfields.Commit(head.Short))
	return nil
}

// ensureScope loads or creates the branch's scope row.
func ensureScope(tx *sql.Tx, ctx *request.Context) (id int64, since string, err error) {
	var sinceVal sql.NullString
	err = tx.QueryRow(`SELECT id, since FROM scope WHERE account = ? AND repo = ? AND branch = ?`,
		ctx.Account, ctx.Repo, ctx.Branch).Scan(&id, &sinceVal)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.Exec(`INSERT INTO scope (account, repo, branch) VALUES (?, ?, ?)`,
			ctx.Account, ctx.Repo, ctx.Branch)
		if err != nil {
			return 0, "", fmt.Errorf("create index scope: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, "", err
		}
		return id, "", nil
	case err != nil:
		return 0, "", fmt.Errorf("read index scope: %w", err)
	}
	return id, sinceVal.String, nil
}

// eachUpdate enumerates the paths changed between since and head, or
// every tracked path when there is no usable since.
func eachUpdate(ctx *request.Context, since string, head *vcs.Commit, fn func(path string, active bool) error) error {
	full := since == "" || !vcs.IsValidCommit(ctx.RepoPath, since)

	pr, pw := io.Pipe()
	go func() {
		if full {
			pw.CloseWithError(vcs.ListTrackedFiles(ctx.RepoPath, head.ID, pw))
			return
		}
		pw.CloseWithError(vcs.ListChanges(noCancel, ctx.RepoPath, head.Short, since, pw))
	}()
	defer pr.Close()

	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if full {
			if err := fn(line, true); err != nil {
				return err
			}
			continue
		}
		items, err := vcs.ParseChangeLine(line)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := fn(item.Path, item.Active); err != nil {
				return err
			}
		}
	}
	return sc.Err()
}

func deleteEntry(tx *sql.Tx, scopeID int64, path string) error {
	var textID sql.NullInt64
	err := tx.QueryRow(`SELECT textid FROM files WHERE id = ? AND scopeid = ?`, path, scopeID).Scan(&textID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up index entry %s: %w", path, err)
	}
	if textID.Valid {
		if _, err := tx.Exec(`DELETE FROM text WHERE rowid = ?`, textID.Int64); err != nil {
			return fmt.Errorf("delete index text for %s: %w", path, err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM files WHERE id = ? AND scopeid = ?`, path, scopeID); err != nil {
		return fmt.Errorf("delete index entry %s: %w", path, err)
	}
	return nil
}

func upsertEntry(tx *sql.Tx, scopeID int64, sr *fileset.SearchRecord) error {
	var textID sql.NullInt64
	err := tx.QueryRow(`SELECT textid FROM files WHERE id = ? AND scopeid = ?`, sr.ID, scopeID).Scan(&textID)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.Exec(`INSERT INTO text (content) VALUES (?)`, sr.Content)
		if err != nil {
			return fmt.Errorf("insert index text for %s: %w", sr.Path, err)
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO files (id, scopeid, path, category, title, textid) VALUES (?, ?, ?, ?, ?, ?)`,
			sr.ID, scopeID, sr.Path, sr.Category, sr.Title, rowID)
		if err != nil {
			return fmt.Errorf("insert index entry %s: %w", sr.Path, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("look up index entry %s: %w", sr.Path, err)
	}

	if _, err := tx.Exec(`UPDATE text SET content = ? WHERE rowid = ?`, sr.Content, textID.Int64); err != nil {
		return fmt.Errorf("update index text for %s: %w", sr.Path, err)
	}
	_, err = tx.Exec(`UPDATE files SET title = ?, category = ? WHERE id = ? AND scopeid = ?`,
		sr.Title, sr.Category, sr.ID, scopeID)
	if err != nil {
		return fmt.Errorf("update index entry %s: %w", sr.Path, err)
	}
	return nil
}
