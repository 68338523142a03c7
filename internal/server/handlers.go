package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/locomote-sh/content-server/internal/errs"
	"github.com/locomote-sh/content-server/internal/logfields"
	"github.com/locomote-sh/content-server/internal/negotiator"
	"github.com/locomote-sh/content-server/internal/pipeline"
	"github.com/locomote-sh/content-server/internal/record"
	"github.com/locomote-sh/content-server/internal/request"
	"github.com/locomote-sh/content-server/internal/search"
	"github.com/locomote-sh/content-server/internal/vcs"
)

// commitsLimit bounds the commits.api listing.
const commitsLimit = 100

// jsonlMime frames record listings.
const jsonlMime = "application/x-ndjson"

// authenticate forces secure mode so missing credentials always
// challenge, then returns the authenticated user.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, ctx *request.Context) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.sendError(w, r, ctx, http.StatusMethodNotAllowed)
		return
	}
	ctx.Secure = true
	if err := s.acm.Apply(ctx, r, nil); err != nil {
		s.fail(w, r, ctx, err)
		return
	}
	s.sendJSON(w, ctx.Auth.UserInfo)
}

// commits lists the branch history, newest first.
func (s *Server) commits(w http.ResponseWriter, r *http.Request, ctx *request.Context) {
	if err := s.acm.Apply(ctx, r, nil); err != nil {
		s.fail(w, r, ctx, err)
		return
	}
	commits, err := vcs.ListCommits(ctx.RepoPath, ctx.Branch, commitsLimit)
	if err != nil {
		s.fail(w, r, ctx, err)
		return
	}
	type entry struct {
		Commit  string `json:"commit"`
		Message string `json:"message"`
	}
	out := make([]entry, len(commits))
	for i, c := range commits {
		out[i] = entry{Commit: c.Short, Message: c.Subject}
	}
	s.sendJSON(w, out)
}

// updatesBody is the optional POST body of updates.api.
type updatesBody struct {
	Since string            `json:"since"`
	Group string            `json:"group"`
	CVS   map[string]string `json:"cvs"`
}

// updates streams file records changed since a client-held commit, or the
// full listing when none is given.
func (s *Server) updates(w http.ResponseWriter, r *http.Request, ctx *request.Context) {
	since := r.URL.Query().Get("since")
	group := r.URL.Query().Get("group")
	var cvs map[string]string

	if r.Method == http.MethodPost {
		var body updatesBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			s.sendError(w, r, ctx, http.StatusBadRequest)
			return
		}
		if body.Since != "" {
			since = body.Since
		}
		if body.Group != "" {
			group = body.Group
		}
		cvs = body.CVS
	}

	if err := s.acm.Apply(ctx, r, cvs); err != nil {
		s.fail(w, r, ctx, err)
		return
	}

	// A stale client group means the client's view of the accessible set
	// no longer matches; it must discard local state and resync.
	if group != "" && group != ctx.Auth.DollarGroup {
		w.WriteHeader(http.StatusResetContent)
		return
	}

	if r.Method == http.MethodHead {
		etag, err := s.files.HeadETag(ctx)
		if err != nil {
			s.fail(w, r, ctx, err)
			return
		}
		w.Header().Set("Etag", `"`+etag+`"`)
		w.Header().Set("Cache-Control", s.cfg.HTTP.CacheControl)
		return
	}

	var res *pipeline.Result
	var err error
	if since == "" {
		res, err = s.files.ListAllFiles(ctx, "")
	} else {
		res, err = s.files.ListUpdatesSince(ctx, since, "")
	}
	if err != nil {
		s.fail(w, r, ctx, err)
		return
	}
	res.MimeType = jsonlMime
	s.sendResult(w, r, ctx, res, "updates.api")
}

// filesets serves /filesets.api/:category/:mode with mode list or
// contents, optionally narrowed by since.
func (s *Server) filesets(w http.ResponseWriter, r *http.Request, ctx *request.Context) {
	if len(ctx.Trailing) != 3 {
		s.sendError(w, r, ctx, http.StatusBadRequest)
		return
	}
	category, mode := ctx.Trailing[1], ctx.Trailing[2]
	since := r.URL.Query().Get("since")

	if err := s.acm.Apply(ctx, r, nil); err != nil {
		s.fail(w, r, ctx, err)
		return
	}
	list, err := s.acm.FilesetsFor(ctx)
	if err != nil {
		s.fail(w, r, ctx, err)
		return
	}
	if list.Get(category) == nil {
		s.sendError(w, r, ctx, http.StatusBadRequest)
		return
	}

	switch mode {
	case "contents":
		var res *pipeline.Result
		if since == "" {
			res, err = s.files.GetFilesetContents(ctx, category)
		} else {
			res, err = s.files.GetFilesetUpdatedContents(ctx, category, since)
		}
		if err != nil {
			s.fail(w, r, ctx, err)
			return
		}
		s.sendResult(w, r, ctx, res, path.Join("filesets.api", category, mode))
	case "list":
		var res *pipeline.Result
		if since == "" {
			res, err = s.files.ListAllFiles(ctx, "")
		} else {
			res, err = s.files.ListUpdatesSince(ctx, since, "")
		}
		if err != nil {
			s.fail(w, r, ctx, err)
			return
		}
		s.sendFilesetList(w, r, ctx, res, category)
	default:
		s.sendError(w, r, ctx, http.StatusBadRequest)
	}
}

// sendFilesetList streams the subset of a listing belonging to one
// category. Control records pass through so clients can track commits.
func (s *Server) sendFilesetList(w http.ResponseWriter, r *http.Request, ctx *request.Context, res *pipeline.Result, category string) {
	etag := `"` + res.ETag() + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	f, err := res.Open()
	if err != nil {
		s.fail(w, r, ctx, err)
		return
	}
	defer f.Close()

	h := w.Header()
	h.Set("Content-Type", jsonlMime)
	h.Set("Cache-Control", s.cfg.HTTP.CacheControl)
	h.Set("Etag", etag)

	out := record.NewWriter(w)
	err = record.NewReader(f).Each(func(rec *record.FileRecord) error {
		if rec.IsControl() || rec.Category == category {
			return out.Write(rec)
		}
		return nil
	})
	if err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		s.log.Warn("fileset list stream aborted", logfields.Error(err))
		return
	}
	out.Flush()
}

// searchAPI streams search results as a JSON array. Rows are re-checked
// against the request's ACM context and the negotiator so a shared
// artifact never leaks restricted or non-preferred paths.
func (s *Server) searchAPI(w http.ResponseWriter, r *http.Request, ctx *request.Context) {
	q := r.URL.Query()
	term, mode, pathPrefix := q.Get("s"), q.Get("m"), q.Get("p")

	if err := s.acm.Apply(ctx, r, nil); err != nil {
		s.fail(w, r, ctx, err)
		return
	}

	etag := `"` + search.ETag(term, mode, pathPrefix, ctx.AuthGroup()) + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	s.recorder.IncSearchQuery()
	res, err := s.search.Query(ctx, term, mode, pathPrefix)
	if err != nil {
		s.fail(w, r, ctx, err)
		return
	}
	idx, err := s.negotiate.IndexFor(ctx)
	if err != nil {
		s.fail(w, r, ctx, err)
		return
	}
	headers := negotiator.HeadersFromRequest(r)

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", s.cfg.HTTP.CacheControl)
	h.Set("Etag", etag)

	// One named queue per response keeps the array framing intact no
	// matter how row writes are scheduled.
	queue := "search-response-" + uuid.NewString()
	enc := json.NewEncoder(w)
	first := true
	writeErr := res.ReadRows(func(row search.Row) error {
		if !s.rowVisible(ctx, idx, headers, row) {
			return nil
		}
		_, err := s.queues.Queue(queue, func() (any, error) {
			if first {
				if _, err := io.WriteString(w, "["); err != nil {
					return nil, err
				}
				first = false
			} else if _, err := io.WriteString(w, ","); err != nil {
				return nil, err
			}
			return nil, enc.Encode(row)
		})
		return err
	})
	if writeErr != nil {
		s.log.Warn("search stream aborted", logfields.Error(writeErr))
		return
	}
	if first {
		io.WriteString(w, "[]")
		return
	}
	io.WriteString(w, "]")
}

// rowVisible applies the per-request ACM and negotiation checks to a
// cached search row.
func (s *Server) rowVisible(ctx *request.Context, idx *negotiator.Index, headers negotiator.Headers, row search.Row) bool {
	a := ctx.Auth
	if a != nil {
		if !a.Accessible.Has(row.Category) {
			return false
		}
		if a.Filter != nil && !a.Filter(&record.FileRecord{Path: row.Path, Category: row.Category}) {
			return false
		}
	}
	// Negotiated variants: only the representation this client would be
	// served shows up in its results.
	if strings.HasPrefix(path.Base(row.Path), "index.") {
		dir := negotiator.ParentResourcePath(row.Path)
		if b := idx.Bundle(dir); b != nil {
			if rep := b.Choose(ctx, headers); rep != nil && rep.Path != row.Path {
				return false
			}
		}
	}
	return true
}

// file serves a repository file, negotiating the representation. The
// format=record query returns the file's JSON record instead of its
// contents.
func (s *Server) file(w http.ResponseWriter, r *http.Request, ctx *request.Context) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		s.sendError(w, r, ctx, http.StatusMethodNotAllowed)
		return
	}
	if err := s.acm.Apply(ctx, r, nil); err != nil {
		s.fail(w, r, ctx, err)
		return
	}

	filePath := ctx.TrailingPath()
	if filePath != "" && strings.HasSuffix(r.URL.Path, "/") {
		filePath += "/"
	}

	if r.URL.Query().Get("format") == "record" {
		res, err := s.files.GetFileRecord(ctx, filePath)
		if err != nil {
			s.fail(w, r, ctx, err)
			return
		}
		s.sendResult(w, r, ctx, res, filePath)
		return
	}

	idx, err := s.negotiate.IndexFor(ctx)
	if err != nil {
		s.fail(w, r, ctx, err)
		return
	}
	repPath := idx.RepresentationPath(ctx, negotiator.HeadersFromRequest(r), filePath)

	res, err := s.files.GetFileContents(ctx, repPath)
	if err != nil {
		s.fail(w, r, ctx, err)
		return
	}

	if r.URL.Query().Has("@d") {
		s.sendTemplated(w, r, ctx, res)
		return
	}
	s.sendResult(w, r, ctx, res, repPath)
}

// sendTemplated serves a text artifact with path-template interpolation
// applied to its contents. Dynamic output, so no validators are sent.
func (s *Server) sendTemplated(w http.ResponseWriter, r *http.Request, ctx *request.Context, res *pipeline.Result) {
	if !strings.HasPrefix(res.MimeType, "text/") {
		s.sendResult(w, r, ctx, res, "")
		return
	}
	f, err := res.Open()
	if err != nil {
		s.fail(w, r, ctx, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		s.fail(w, r, ctx, err)
		return
	}

	body, err := pipeline.Interpolate(string(data), pipeline.Vars{
		"ctx":    ctx,
		"commit": res.Commit,
	})
	if err != nil {
		s.fail(w, r, ctx, err)
		return
	}
	w.Header().Set("Content-Type", res.MimeType)
	w.Header().Set("Cache-Control", "no-store")
	io.WriteString(w, body)
}

// sendResult applies the common response policy and serves the artifact.
func (s *Server) sendResult(w http.ResponseWriter, r *http.Request, ctx *request.Context, res *pipeline.Result, location string) {
	h := w.Header()
	if res.CacheControl == "" {
		res.CacheControl = s.cfg.HTTP.CacheControl
	}
	if location != "" {
		h.Set("Content-Location", path.Join(ctx.BasePath, location))
	}
	if err := res.Send(w, r); err != nil {
		s.fail(w, r, ctx, err)
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", logfields.Error(err))
	}
}

func errNotFoundf(format string, args ...any) error {
	args = append(args, errs.ErrNotFound)
	return fmt.Errorf(format+": %w", args...)
}
