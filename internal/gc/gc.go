// Package gc sweeps the on-disk pipeline cache. Cache artifacts are
// always recomputable, so the sweeper deletes anything not read for the
// configured number of days, except files matching the preserve globs.
package gc

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/locomote-sh/content-server/internal/config"
	"github.com/locomote-sh/content-server/internal/glob"
	"github.com/locomote-sh/content-server/internal/logfields"
	"github.com/locomote-sh/content-server/internal/util/atime"
)

// Sweeper deletes stale cache artifacts on a fixed interval.
type Sweeper struct {
	root      string
	maxAge    time.Duration
	preserve  glob.Set
	scheduler gocron.Scheduler
	log       *slog.Logger
}

// New creates a sweeper over cfg.CacheDir.
func New(cfg *config.Config, log *slog.Logger) (*Sweeper, error) {
	preserve, err := glob.CompileSet(cfg.GC.Preserve)
	if err != nil {
		return nil, fmt.Errorf("compile preserve globs: %w", err)
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create gc scheduler: %w", err)
	}
	s := &Sweeper{
		root:      cfg.CacheDir,
		maxAge:    time.Duration(cfg.GC.MaxAgeDays) * 24 * time.Hour,
		preserve:  preserve,
		scheduler: scheduler,
		log:       log,
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.GC.Interval),
		gocron.NewTask(s.sweep),
		gocron.WithName("cache-gc"),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule cache gc: %w", err)
	}
	return s, nil
}

// Start begins the periodic sweep.
func (s *Sweeper) Start() { s.scheduler.Start() }

// Stop shuts the scheduler down.
func (s *Sweeper) Stop() error { return s.scheduler.Shutdown() }

// Sweep runs one pass immediately. Used by the gc CLI command and the
// tests; the scheduler calls the same code.
func (s *Sweeper) Sweep() (deleted int) { return s.sweep() }

// sweep collects stale files in one walk, then deletes them in a batch.
// Deletion failures are logged and skipped; the next pass retries.
func (s *Sweeper) sweep() (deleted int) {
	cutoff := time.Now().Add(-s.maxAge)
	var stale []string

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.log.Warn("cache sweep walk error", logfields.Path(path), logfields.Error(err))
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil || s.preserve.Match(filepath.ToSlash(rel)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if atime.Get(info).Before(cutoff) {
			stale = append(stale, path)
		}
		return nil
	})
	if err != nil {
		s.log.Warn("cache sweep failed", logfields.Error(err))
		return 0
	}

	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			s.log.Warn("cache sweep delete failed", logfields.Path(path), logfields.Error(err))
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.log.Info("cache sweep completed", slog.Int("deleted", deleted))
	}
	return deleted
}
