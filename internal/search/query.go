package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/locomote-sh/content-server/internal/async"
	"github.com/locomote-sh/content-server/internal/config"
	"github.com/locomote-sh/content-server/internal/fingerprint"
	"github.com/locomote-sh/content-server/internal/logfields"
	"github.com/locomote-sh/content-server/internal/request"
	"github.com/locomote-sh/content-server/internal/util/atime"
)

// writerQueue serializes every mutation of the search database.
const writerQueue = "search-writer"

// Query term composition modes.
const (
	ModeAny   = "any"
	ModeAll   = "all"
	ModeExact = "exact"
)

// noCommit is the artifact commit used before a branch has ever been
// indexed.
const noCommit = "00000000"

// evictionGrace protects freshly written artifacts from the quota
// sweeper.
const evictionGrace = 60 * time.Second

var noCancel = context.Background()

// Row is one search result as stored in the result artifact.
type Row struct {
	Path     string `json:"path"`
	Title    string `json:"title,omitempty"`
	Category string `json:"category,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
}

// QueryResult is the handle to a cached result artifact.
type QueryResult struct {
	// File is the JSON-lines artifact holding the rows.
	File string
	// Commit is the indexed commit the results were computed at.
	Commit string
	// Terms are the normalized query terms, for excerpt-aware consumers.
	Terms []string
}

// Service owns the search database and the result cache.
type Service struct {
	cfg     *config.Config
	writer  *sql.DB
	reader  *sql.DB
	queues  *async.QueueSet
	singles *async.Singletons
	log     *slog.Logger
}

// New opens the search database at cfg.SearchDB.
func New(cfg *config.Config, queues *async.QueueSet, singles *async.Singletons, log *slog.Logger) (*Service, error) {
	writer, reader, err := openDB(cfg.SearchDB)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:     cfg,
		writer:  writer,
		reader:  reader,
		queues:  queues,
		singles: singles,
		log:     log,
	}, nil
}

// Close releases the database connections.
func (s *Service) Close() error {
	werr := s.writer.Close()
	rerr := s.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// write runs op with the writeable connection, serialized on the writer
// queue.
func (s *Service) write(op func(db *sql.DB) (any, error)) (any, error) {
	return s.queues.Queue(writerQueue, func() (any, error) {
		return op(s.writer)
	})
}

// ETag fingerprints the full query identity including the caller's
// access group.
func ETag(term, mode, pathPrefix, group string) string {
	return fingerprint.Strings([]string{strings.ToLower(term), mode, pathPrefix, group})
}

// Query resolves a search to a cached result artifact. Results are
// computed once per (indexed commit, term, mode, path) and served from
// disk afterwards; concurrent identical queries coalesce on the artifact
// path.
func (s *Service) Query(ctx *request.Context, term, mode, pathPrefix string) (*QueryResult, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if mode != ModeAll && mode != ModeExact {
		mode = ModeAny
	}

	commit, err := s.indexedCommit(ctx)
	if err != nil {
		return nil, err
	}
	fp := fingerprint.Strings([]string{term, mode, pathPrefix})
	dir := filepath.Join(s.cfg.SearchCacheDir(), ctx.Account, ctx.Repo, ctx.Branch)
	artifact := filepath.Join(dir, commit+"-"+fp+".json")

	_, err = s.singles.Do(artifact, func() (any, error) {
		if _, err := os.Stat(artifact); err == nil {
			return nil, nil
		}
		if err := s.materialize(ctx, artifact, term, mode, pathPrefix); err != nil {
			return nil, err
		}
		s.enforceQuota(dir)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return &QueryResult{File: artifact, Commit: commit, Terms: strings.Fields(term)}, nil
}

// indexedCommit reads the scope's last indexed commit.
func (s *Service) indexedCommit(ctx *request.Context) (string, error) {
	var since sql.NullString
	err := s.reader.QueryRow(`SELECT since FROM scope WHERE account = ? AND repo = ? AND branch = ?`,
		ctx.Account, ctx.Repo, ctx.Branch).Scan(&since)
	if err == sql.ErrNoRows || (err == nil && !since.Valid) {
		return noCommit, nil
	}
	if err != nil {
		return "", fmt.Errorf("read index scope: %w", err)
	}
	if since.String == "" {
		return noCommit, nil
	}
	return since.String, nil
}

// matchExpr builds the FTS match expression for a mode.
func matchExpr(term, mode string) string {
	quote := func(t string) string {
		return `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	switch mode {
	case ModeExact:
		return quote(term)
	case ModeAll:
		return joinTerms(term, " AND ", quote)
	default:
		return joinTerms(term, " OR ", quote)
	}
}

func joinTerms(term, sep string, quote func(string) string) string {
	fields := strings.Fields(term)
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = quote(f)
	}
	return strings.Join(quoted, sep)
}

// materialize runs the FTS query and writes the artifact.
func (s *Service) materialize(ctx *request.Context, artifact, term, mode, pathPrefix string) error {
	expr := matchExpr(term, mode)
	if expr == "" {
		return writeRows(artifact, nil)
	}

	query := `
		SELECT f.path, f.title, f.category, t.content
		FROM files f
		JOIN text t ON t.rowid = f.textid
		JOIN scope s ON s.id = f.scopeid
		WHERE s.account = ? AND s.repo = ? AND s.branch = ?
		  AND f.textid IN (SELECT rowid FROM text WHERE text MATCH ?)`
	args := []any{ctx.Account, ctx.Repo, ctx.Branch, expr}
	if pathPrefix != "" {
		query += ` AND f.path LIKE ?`
		args = append(args, pathPrefix+"%")
	}
	query += ` ORDER BY f.path LIMIT ?`
	args = append(args, s.cfg.Search.MaxResults)

	rows, err := s.reader.Query(query, args...)
	if err != nil {
		return fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	terms := strings.Fields(term)
	var out []Row
	for rows.Next() {
		var r Row
		var title, category, content sql.NullString
		if err := rows.Scan(&r.Path, &title, &category, &content); err != nil {
			return fmt.Errorf("scan search row: %w", err)
		}
		r.Title = title.String
		r.Category = category.String
		r.Excerpt = Excerpt(content.String, terms, excerptLen)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("search query: %w", err)
	}
	return writeRows(artifact, out)
}

// writeRows writes the artifact atomically.
func writeRows(artifact string, out []Row) error {
	if err := os.MkdirAll(filepath.Dir(artifact), 0o755); err != nil {
		return fmt.Errorf("create search cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(artifact), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create search artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	for _, r := range out {
		if err := enc.Encode(r); err != nil {
			tmp.Close()
			return fmt.Errorf("write search row: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), artifact)
}

// ReadRows streams the artifact's rows to fn.
func (r *QueryResult) ReadRows(fn func(Row) error) error {
	f, err := os.Open(r.File)
	if err != nil {
		return fmt.Errorf("open search artifact: %w", err)
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	for dec.More() {
		var row Row
		if err := dec.Decode(&row); err != nil {
			return fmt.Errorf("read search artifact: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

// enforceQuota evicts least-recently-read artifacts from a branch cache
// directory until it fits the configured quota. Files younger than the
// grace window survive so an artifact is never evicted between its write
// and first read.
func (s *Service) enforceQuota(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type candidate struct {
		path  string
		size  int64
		atime time.Time
		young bool
	}
	var total int64
	var files []candidate
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		files = append(files, candidate{
			path:  filepath.Join(dir, e.Name()),
			size:  info.Size(),
			atime: atime.Get(info),
			young: now.Sub(info.ModTime()) < evictionGrace,
		})
	}
	quota := s.cfg.Search.CacheQuotaBytes
	if total <= quota {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].atime.Before(files[j].atime) })
	for _, f := range files {
		if total <= quota {
			return
		}
		if f.young {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			s.log.Warn("search cache eviction failed",
				logfields.Path(f.path), logfields.Error(err))
			continue
		}
		total -= f.size
	}
}
