package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/locomote-sh/content-server/internal/errs"
	"github.com/locomote-sh/content-server/internal/logfields"
	"github.com/locomote-sh/content-server/internal/request"
	"github.com/locomote-sh/content-server/internal/vcs"
)

// fail maps an error to the HTTP response policy: auth errors carry their
// own status and headers, not-found and invalid-input kinds map to 404
// and 400, everything else is logged and becomes a 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, ctx *request.Context, err error) {
	var authErr *errs.AuthError
	if errors.As(err, &authErr) {
		for k, v := range authErr.Headers {
			w.Header().Set(k, v)
		}
		s.sendError(w, r, ctx, authErr.Status)
		return
	}
	switch {
	case errs.NotFound(err):
		s.sendError(w, r, ctx, http.StatusNotFound)
	case errors.Is(err, errs.ErrUpstreamInvalid):
		s.sendError(w, r, ctx, http.StatusBadRequest)
	default:
		s.log.Error("request failed",
			logfields.Method(r.Method), logfields.Path(r.URL.Path), logfields.Error(err))
		s.sendError(w, r, ctx, http.StatusInternalServerError)
	}
}

// sendError writes the status with the matching error page when the
// client accepts HTML, else an empty body. Repos may carry their own
// errors/<code>.html pages; the configured error page directory is the
// fallback, then a bare status.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, ctx *request.Context, status int) {
	accept := r.Header.Get("Accept")
	wantsHTML := strings.Contains(accept, "text/html") || strings.Contains(accept, "*/*")
	if !wantsHTML {
		w.WriteHeader(status)
		return
	}
	if body := s.errorPage(ctx, status); body != nil {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	w.WriteHeader(status)
}

// errorPage resolves errors/<code>.html with an errors/xxx.html wildcard,
// first from the addressed branch, then from the configured directory.
func (s *Server) errorPage(ctx *request.Context, status int) []byte {
	names := []string{fmt.Sprintf("errors/%d.html", status), "errors/xxx.html"}

	if ctx != nil {
		if head, err := vcs.HeadCommit(ctx.RepoPath, ctx.Branch); err == nil && head != nil {
			for _, name := range names {
				if data, err := vcs.ReadFileAtCommit(ctx.RepoPath, head.ID, name); err == nil {
					return data
				}
			}
		}
	}
	if dir := s.cfg.HTTP.ErrorPages; dir != "" {
		for _, name := range names {
			if data, err := os.ReadFile(filepath.Join(dir, filepath.Base(name))); err == nil {
				return data
			}
		}
	}
	return nil
}
