// Command locomote is the content server: it publishes the branches of
// bare git repos over HTTP, keeps the search index in step, and runs the
// external build tool on post-receive notifications.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/locomote-sh/content-server/internal/acm"
	"github.com/locomote-sh/content-server/internal/async"
	"github.com/locomote-sh/content-server/internal/branchdb"
	"github.com/locomote-sh/content-server/internal/builder"
	"github.com/locomote-sh/content-server/internal/config"
	"github.com/locomote-sh/content-server/internal/events"
	"github.com/locomote-sh/content-server/internal/filedb"
	"github.com/locomote-sh/content-server/internal/gc"
	"github.com/locomote-sh/content-server/internal/logfields"
	"github.com/locomote-sh/content-server/internal/manifest"
	"github.com/locomote-sh/content-server/internal/metrics"
	"github.com/locomote-sh/content-server/internal/negotiator"
	"github.com/locomote-sh/content-server/internal/pipeline"
	"github.com/locomote-sh/content-server/internal/request"
	"github.com/locomote-sh/content-server/internal/search"
	"github.com/locomote-sh/content-server/internal/server"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"locomote.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct{} `cmd:"" default:"1" help:"Run the content server"`

	Index struct {
		Key string `arg:"" optional:"" help:"Reindex one account/repo/branch instead of every public branch"`
	} `cmd:"" help:"Run the search indexer and exit"`

	GC struct{} `cmd:"" help:"Run one cache sweep and exit"`
}

func main() {
	ctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		log.Error("Failed to load configuration", logfields.Error(err))
		os.Exit(1)
	}

	sys, err := newSystem(cfg, log)
	if err != nil {
		log.Error("Failed to start", logfields.Error(err))
		os.Exit(1)
	}
	defer sys.close()

	switch ctx.Command() {
	case "serve":
		err = sys.serve()
	case "index", "index <key>":
		err = sys.index(CLI.Index.Key)
	case "gc":
		sys.sweeper.Sweep()
	default:
		err = fmt.Errorf("unknown command %q", ctx.Command())
	}
	if err != nil {
		log.Error("Command failed", logfields.Error(err))
		os.Exit(1)
	}
}

// system is the composition root: every component wired to the shared
// coordination primitives and the event bus.
type system struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *events.Bus
	mirror   *events.NATSMirror
	queues   *async.QueueSet
	branches *branchdb.DB
	files    *filedb.DB
	searcher *search.Service
	indexer  *search.Indexer
	builder  *builder.Builder
	sweeper  *gc.Sweeper
	srv      *server.Server
	registry *prom.Registry
}

func newSystem(cfg *config.Config, log *slog.Logger) (*system, error) {
	bus := events.NewBus()
	queues := async.NewQueueSet()
	singles := async.NewSingletons()

	var mirror *events.NATSMirror
	if cfg.Events.NATSURL != "" {
		m, err := events.NewNATSMirror(cfg.Events.NATSURL, cfg.Events.Subject)
		if err != nil {
			return nil, err
		}
		bus.SetMirror(m)
		mirror = m
	}

	manifests, err := manifest.NewCache(bus)
	if err != nil {
		return nil, err
	}
	branches, err := branchdb.New(cfg, manifests, log)
	if err != nil {
		return nil, err
	}
	acmSvc, err := acm.NewService(cfg, manifests, bus)
	if err != nil {
		return nil, err
	}
	neg, err := negotiator.NewService(bus)
	if err != nil {
		return nil, err
	}

	runtime := pipeline.NewRuntime(cfg.CacheDir, singles)
	files, err := filedb.New(runtime, acmSvc, pipeline.NewHooks(), bus, log)
	if err != nil {
		return nil, err
	}
	searcher, err := search.New(cfg, queues, singles, log)
	if err != nil {
		return nil, err
	}
	indexer := search.NewIndexer(searcher, acmSvc, queues, bus,
		branches.IsPublicBranch, branches.RepoPath, log)

	bld, err := builder.New(cfg, branches, manifests, queues, bus, log)
	if err != nil {
		return nil, err
	}
	sweeper, err := gc.New(cfg, log)
	if err != nil {
		return nil, err
	}

	registry := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)
	bld.SetRecorder(recorder)

	srv := server.New(cfg, branches, acmSvc, neg, files, searcher, queues, log)
	srv.SetRecorder(recorder)

	recorder.SetDiscoveredRepos(countRepos(branches))

	return &system{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		mirror:   mirror,
		queues:   queues,
		branches: branches,
		files:    files,
		searcher: searcher,
		indexer:  indexer,
		builder:  bld,
		sweeper:  sweeper,
		srv:      srv,
		registry: registry,
	}, nil
}

func (s *system) close() {
	s.searcher.Close()
	s.builder.Close()
	if s.mirror != nil {
		s.mirror.Close()
	}
}

// serve runs the three listeners until a termination signal arrives.
func (s *system) serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Catch up on work missed while the server was down.
	if err := s.builder.Recover(); err != nil {
		return err
	}
	s.indexer.Bootstrap(s.publicContexts())

	hooks, err := server.ListenHooks(s.cfg.UpdatesListener.Host, s.cfg.UpdatesListener.Port,
		s.builder, s.bus, s.log)
	if err != nil {
		return err
	}
	defer hooks.Close()
	go hooks.Serve()
	s.log.Info("Post-receive hook listener started", slog.String("addr", hooks.Addr()))

	s.sweeper.Start()
	defer s.sweeper.Stop()

	watcher, err := config.NewWatcher(CLI.Config, s.applyConfig)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		s.log.Warn("Config watcher unavailable", logfields.Error(err))
	} else {
		defer watcher.Stop()
	}

	public := &http.Server{Addr: s.srv.Addr(), Handler: s.srv.Handler()}
	admin := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.HTTP.AdminPort),
		Handler: s.srv.AdminHandler(s.registry),
	}
	errc := make(chan error, 2)
	go func() { errc <- public.ListenAndServe() }()
	go func() { errc <- admin.ListenAndServe() }()
	s.log.Info("Content server started",
		slog.String("addr", public.Addr), slog.String("admin", admin.Addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = public.Shutdown(shutdownCtx)
	if aerr := admin.Shutdown(shutdownCtx); err == nil {
		err = aerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("Shutdown timed out, closing")
	}
	return nil
}

// index runs the search indexer for one branch key or every public
// branch, synchronously.
func (s *system) index(key string) error {
	if key != "" {
		segs := request.SplitAddress(key)
		if len(segs) != 3 {
			return fmt.Errorf("index target %q: want account/repo/branch", key)
		}
		s.indexer.Schedule(request.NewContext(segs[0], segs[1], segs[2],
			s.branches.RepoPath(segs[0], segs[1])))
		return nil
	}
	for _, ctx := range s.publicContexts() {
		s.indexer.Schedule(ctx)
	}
	return nil
}

func (s *system) publicContexts() []*request.Context {
	public := s.branches.ListPublic()
	out := make([]*request.Context, len(public))
	for i, b := range public {
		out[i] = request.NewContext(b.Account, b.Repo, b.Branch, b.RepoPath)
	}
	return out
}

// applyConfig takes over the parts of a reloaded config that can change
// at runtime. Listener ports and directory roots stay fixed.
func (s *system) applyConfig(next *config.Config) error {
	s.cfg.Auth = next.Auth
	s.cfg.Search = next.Search
	s.cfg.GC = next.GC
	s.cfg.Build = next.Build
	s.cfg.DefaultRepos = next.DefaultRepos
	s.cfg.HTTP.CacheControl = next.HTTP.CacheControl
	return nil
}

func countRepos(db *branchdb.DB) int {
	seen := map[string]struct{}{}
	for _, b := range db.ListPublic() {
		seen[b.Account+"/"+b.Repo] = struct{}{}
	}
	return len(seen)
}
