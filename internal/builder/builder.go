// Package builder runs the external build tool for content repos. Builds
// are serialized on a single queue; a completed build is recorded in the
// build database and announced on the event bus so every derived cache
// invalidates.
package builder

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/locomote-sh/content-server/internal/async"
	"github.com/locomote-sh/content-server/internal/branchdb"
	"github.com/locomote-sh/content-server/internal/config"
	"github.com/locomote-sh/content-server/internal/events"
	"github.com/locomote-sh/content-server/internal/logfields"
	"github.com/locomote-sh/content-server/internal/manifest"
	"github.com/locomote-sh/content-server/internal/metrics"
	"github.com/locomote-sh/content-server/internal/pipeline"
	"github.com/locomote-sh/content-server/internal/request"
	"github.com/locomote-sh/content-server/internal/vcs"
)

// builderQueue serializes all builds. External build tools tend to be
// resource hungry, so one at a time.
const builderQueue = "builder"

// logName is the per-workspace build log file.
const logName = "build.log"

// Builder runs builds for buildable branches.
type Builder struct {
	cfg       *config.Config
	branches  *branchdb.DB
	manifests *manifest.Cache
	queues    *async.QueueSet
	bus       *events.Bus
	db        *buildDB
	recorder  metrics.Recorder
	log       *slog.Logger
}

// New creates the builder and opens its completion database under the
// workspace home.
func New(cfg *config.Config, branches *branchdb.DB, manifests *manifest.Cache, queues *async.QueueSet, bus *events.Bus, log *slog.Logger) (*Builder, error) {
	if err := os.MkdirAll(cfg.WorkspaceHome, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace home: %w", err)
	}
	db, err := openBuildDB(filepath.Join(cfg.WorkspaceHome, "builds.sqlite"))
	if err != nil {
		return nil, err
	}
	return &Builder{
		cfg:       cfg,
		branches:  branches,
		manifests: manifests,
		queues:    queues,
		bus:       bus,
		db:        db,
		recorder:  metrics.NoopRecorder{},
		log:       log,
	}, nil
}

// SetRecorder injects the metrics recorder.
func (b *Builder) SetRecorder(r metrics.Recorder) { b.recorder = r }

// Close releases the build database.
func (b *Builder) Close() error { return b.db.Close() }

// Request queues a build for the branch and waits for it. Branches that
// are up to date or not buildable are skipped without error.
func (b *Builder) Request(account, repo, branch string) error {
	_, err := b.queues.Queue(builderQueue, func() (any, error) {
		return nil, b.build(account, repo, branch)
	})
	return err
}

// Schedule queues a build without waiting. Failures are logged; the
// recovery scan retries stale branches at the next startup.
func (b *Builder) Schedule(account, repo, branch string) {
	go func() {
		if err := b.Request(account, repo, branch); err != nil {
			b.log.Error("build failed",
				logfields.Key(request.Key(account, repo, branch)), logfields.Error(err))
		}
	}()
}

// Recover queues a build for every buildable branch whose head has moved
// past its last recorded build. Called once at startup.
func (b *Builder) Recover() error {
	for _, br := range b.branches.ListBuildable() {
		head, err := vcs.HeadCommit(br.RepoPath, br.Branch)
		if err != nil {
			return err
		}
		if head == nil {
			continue
		}
		last, err := b.db.LastBuild(br.Account, br.Repo, br.Branch)
		if err != nil {
			return err
		}
		if last == head.Short {
			continue
		}
		b.log.Info("queueing stale branch for rebuild",
			logfields.Key(request.Key(br.Account, br.Repo, br.Branch)),
			logfields.Commit(head.Short))
		b.Schedule(br.Account, br.Repo, br.Branch)
	}
	return nil
}

// build runs one build unit. It re-reads the branch info first so a
// manifest change in the triggering push takes effect immediately.
func (b *Builder) build(account, repo, branch string) error {
	if err := b.branches.UpdateBranchInfo(account, repo); err != nil {
		return err
	}
	r := b.branches.Get(account, repo)
	if r == nil {
		return nil
	}

	head, err := vcs.HeadCommit(r.RepoPath, branch)
	if err != nil {
		return err
	}
	if head == nil {
		return nil
	}
	last, err := b.db.LastBuild(account, repo, branch)
	if err != nil {
		return err
	}
	key := request.Key(account, repo, branch)
	if last == head.Short {
		b.log.Debug("branch already built", logfields.Key(key), logfields.Commit(head.Short))
		return nil
	}

	m, err := b.manifests.Get(r.RepoPath, branch)
	if err != nil {
		return err
	}
	profile, err := m.Profile(b.cfg.Build.Profiles)
	if err != nil {
		return err
	}
	if profile == nil || !contains(profile.Buildable, branch) {
		return nil
	}

	workspace := filepath.Join(b.cfg.WorkspaceHome, account, repo, branch)
	started := time.Now()
	err = b.run(profile, workspace, r.RepoPath, account, repo, branch, head.Short)
	b.recorder.ObserveBuildDuration(time.Since(started))
	b.recorder.IncBuildOutcome(err == nil)
	if err != nil {
		return err
	}

	if err := b.db.AddBuildCompletion(account, repo, branch, head.Short); err != nil {
		return err
	}
	b.log.Info("build completed", logfields.Key(key), logfields.Commit(head.Short))

	b.bus.Publish(events.Build{Account: account, Repo: repo, Branch: branch, Commit: head.Short})
	b.bus.Publish(events.RepoUpdate{Account: account, Repo: repo, Branch: branch, Key: key})
	return nil
}

// run invokes the external build tool inside the workspace, streaming
// stdout and stderr to build.log. The log is truncated per build.
func (b *Builder) run(profile *config.BuildProfile, workspace, repoPath, account, repo, branch, commit string) error {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", workspace, err)
	}
	logFile, err := os.Create(filepath.Join(workspace, logName))
	if err != nil {
		return fmt.Errorf("create build log: %w", err)
	}
	defer logFile.Close()

	vars := pipeline.Vars{
		"account":   account,
		"repo":      repo,
		"branch":    branch,
		"commit":    commit,
		"repoPath":  repoPath,
		"workspace": workspace,
	}
	args := make([]string, len(profile.Args))
	for i, a := range profile.Args {
		if args[i], err = pipeline.Interpolate(a, vars); err != nil {
			return fmt.Errorf("build argument %q: %w", a, err)
		}
	}

	cmd := exec.Command(profile.Command, args...)
	cmd.Dir = workspace
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"LOCOMOTE_ACCOUNT="+account,
		"LOCOMOTE_REPO="+repo,
		"LOCOMOTE_BRANCH="+branch,
		"LOCOMOTE_COMMIT="+commit,
		"LOCOMOTE_REPO_PATH="+repoPath,
	)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("build tool %s: %w (see %s)", profile.Command, err,
			filepath.Join(workspace, logName))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
