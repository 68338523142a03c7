// Package server is the HTTP surface: per-account content publishing,
// the query and search APIs, the admin listener, and the post-receive
// hook listener.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/locomote-sh/content-server/internal/acm"
	"github.com/locomote-sh/content-server/internal/async"
	"github.com/locomote-sh/content-server/internal/branchdb"
	"github.com/locomote-sh/content-server/internal/config"
	"github.com/locomote-sh/content-server/internal/filedb"
	"github.com/locomote-sh/content-server/internal/metrics"
	"github.com/locomote-sh/content-server/internal/negotiator"
	"github.com/locomote-sh/content-server/internal/request"
	"github.com/locomote-sh/content-server/internal/search"
)

// robotsBody is served for robots.txt at both the server root and under
// every branch prefix.
const robotsBody = "User-agent: *\nDisallow:\n"

// Server handles the public content listener.
type Server struct {
	cfg       *config.Config
	branches  *branchdb.DB
	acm       *acm.Service
	negotiate *negotiator.Service
	files     *filedb.DB
	search    *search.Service
	queues    *async.QueueSet
	recorder  metrics.Recorder
	log       *slog.Logger
}

// New assembles the server from its dependencies.
func New(cfg *config.Config, branches *branchdb.DB, acmSvc *acm.Service, negotiate *negotiator.Service, files *filedb.DB, searchSvc *search.Service, queues *async.QueueSet, log *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		branches:  branches,
		acm:       acmSvc,
		negotiate: negotiate,
		files:     files,
		search:    searchSvc,
		queues:    queues,
		recorder:  metrics.NoopRecorder{},
		log:       log,
	}
}

// SetRecorder injects the metrics recorder.
func (s *Server) SetRecorder(r metrics.Recorder) { s.recorder = r }

// Handler returns the public listener's handler with the middleware
// chain applied.
func (s *Server) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.serve))
}

// Addr returns the public listen address.
func (s *Server) Addr() string { return fmt.Sprintf(":%d", s.cfg.HTTP.Port) }

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	urlPath := r.URL.Path
	if mount := s.cfg.HTTP.MountPath; mount != "" && mount != "/" {
		rest, ok := strings.CutPrefix(urlPath, mount)
		if !ok {
			s.sendError(w, r, nil, http.StatusNotFound)
			return
		}
		urlPath = rest
	}
	if urlPath == "/robots.txt" {
		s.robots(w, r)
		return
	}

	ctx, err := s.resolve(r, urlPath)
	if err != nil {
		s.fail(w, r, nil, err)
		return
	}

	endpoint := ""
	if len(ctx.Trailing) > 0 {
		endpoint = ctx.Trailing[0]
	}
	switch endpoint {
	case "authenticate.api":
		s.authenticate(w, r, ctx)
	case "commits.api":
		s.commits(w, r, ctx)
	case "updates.api":
		s.updates(w, r, ctx)
	case "filesets.api":
		s.filesets(w, r, ctx)
	case "search.api":
		s.searchAPI(w, r, ctx)
	case "robots.txt":
		s.robots(w, r)
	default:
		s.file(w, r, ctx)
	}
}

// resolve maps a request path onto a branch context. The grammar is
// /<account|@account>/<repo>?/<branch>?/<trailing…>: an @account address
// uses the account's default repo, a missing branch the repo's default
// public branch.
func (s *Server) resolve(r *http.Request, urlPath string) (*request.Context, error) {
	segs := request.SplitAddress(urlPath)
	if len(segs) == 0 {
		return nil, errNotFoundf("no account in path %s", urlPath)
	}

	var consumed []string
	account := segs[0]
	accountOnly := strings.HasPrefix(account, "@")
	if accountOnly {
		account = account[1:]
	}
	if !s.branches.IsAccountName(account) {
		return nil, errNotFoundf("unknown account %s", account)
	}
	consumed, segs = append(consumed, segs[0]), segs[1:]

	var repo string
	if !accountOnly && len(segs) > 0 && s.branches.IsRepoName(account, segs[0]) {
		repo = segs[0]
		consumed, segs = append(consumed, segs[0]), segs[1:]
	} else {
		repo = s.cfg.DefaultRepos[account]
		if repo == "" {
			return nil, errNotFoundf("no default repo for account %s", account)
		}
		if !s.branches.IsRepoName(account, repo) {
			return nil, errNotFoundf("default repo %s/%s not found", account, repo)
		}
	}

	var branch string
	if len(segs) > 0 && s.branches.IsPublicBranch(account, repo, segs[0]) {
		branch = segs[0]
		consumed, segs = append(consumed, segs[0]), segs[1:]
	} else {
		branch = s.branches.DefaultPublicBranch(account, repo)
		if branch == "" {
			return nil, errNotFoundf("no public branch for %s/%s", account, repo)
		}
	}

	ctx := request.NewContext(account, repo, branch, s.branches.RepoPath(account, repo))
	ctx.BasePath = path.Join(s.cfg.HTTP.MountPath, "/"+strings.Join(consumed, "/"))
	ctx.Hostname = r.Host
	ctx.Trailing = segs
	ctx.Secure = r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
	return ctx, nil
}

func (s *Server) robots(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, robotsBody)
}
