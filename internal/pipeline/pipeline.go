// Package pipeline is the deterministic result pipeline: an ordered
// init/open/step/done sequence that turns a commit plus request context
// into an artifact on disk. Each templated stage caches its output at a
// path interpolated from the pipeline vars; the file on disk is the cache
// entry, and an existing file short-circuits the stage. Whole invocations
// are single-flighted on the final artifact path, so concurrent requests
// for the same artifact run exactly one producer.
package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/locomote-sh/content-server/internal/async"
	"github.com/locomote-sh/content-server/internal/errs"
)

// Vars is the per-invocation variable map accumulated across stages. The
// reserved keys ctx, commit, since, category, fileset, path, pathHash,
// commitPath and valid are set by operation init functions and referenced
// by path templates.
type Vars map[string]any

// InitFunc produces the initial vars. Returning ok=false short-circuits
// the pipeline: callers receive a not-found error without any stage
// running.
type InitFunc func() (vars Vars, ok bool, err error)

// StageFunc consumes the previous stage's byte stream and writes this
// stage's output. The open stage receives a nil reader.
type StageFunc func(vars Vars, out io.Writer, in io.Reader) error

// Stage is one step of a pipeline. A non-empty Template caches the
// stage's output at cacheDir/<interpolated template>.
type Stage struct {
	Name     string
	Template string
	Run      StageFunc
}

// DoneFunc applies the final annotations to the result handle.
type DoneFunc func(vars Vars, res *Result) (*Result, error)

// Pipeline is a reusable operation definition. Build one per operation
// and invoke Run per request.
type Pipeline struct {
	// Name identifies the operation in logs.
	Name   string
	Init   InitFunc
	Open   Stage
	Stages []Stage
	Done   DoneFunc
}

// Runtime executes pipelines against a cache directory.
type Runtime struct {
	cacheDir string
	singles  *async.Singletons
}

// NewRuntime creates a pipeline runtime rooted at cacheDir.
func NewRuntime(cacheDir string, singles *async.Singletons) *Runtime {
	return &Runtime{cacheDir: cacheDir, singles: singles}
}

// CacheDir returns the runtime's cache root.
func (rt *Runtime) CacheDir() string { return rt.cacheDir }

// producer writes a byte stream to w.
type producer func(w io.Writer) error

// Run executes p and returns the result handle. The final stage must be
// templated: its artifact file backs the result.
func (rt *Runtime) Run(p *Pipeline) (*Result, error) {
	vars, ok, err := p.Init()
	if err != nil {
		return nil, fmt.Errorf("%s: init: %w", p.Name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", p.Name, errs.ErrNotFound)
	}

	stages := append([]Stage{p.Open}, p.Stages...)
	final := stages[len(stages)-1]
	if final.Template == "" {
		return nil, fmt.Errorf("%s: final stage %q must be templated", p.Name, final.Name)
	}
	artifactPath, err := rt.stagePath(final, vars)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Name, err)
	}

	v, err := rt.singles.Do(artifactPath, func() (any, error) {
		if err := rt.produce(p.Name, stages, vars); err != nil {
			return nil, err
		}
		return artifactPath, nil
	})
	if err != nil {
		return nil, err
	}

	res := &Result{File: v.(string)}
	if p.Done != nil {
		res, err = p.Done(vars, res)
		if err != nil {
			return nil, fmt.Errorf("%s: done: %w", p.Name, err)
		}
	}
	return res, nil
}

// produce runs the stage chain, materializing templated stages to disk
// and streaming through untemplated ones.
func (rt *Runtime) produce(name string, stages []Stage, vars Vars) error {
	var source producer // stream produced by the previous stage

	for i, stage := range stages {
		stage := stage
		prev := source

		if stage.Template == "" {
			// Untemplated stages stream straight into the next stage.
			source = func(w io.Writer) error {
				return rt.runStage(stage, vars, w, prev)
			}
			continue
		}

		path, err := rt.stagePath(stage, vars)
		if err != nil {
			return fmt.Errorf("%s: stage %d (%s): %w", name, i, stage.Name, err)
		}
		if _, err := os.Stat(path); err == nil {
			// Cache hit: the file replaces the stage entirely.
			source = fileProducer(path)
			continue
		}
		if err := rt.materialize(stage, vars, path, prev); err != nil {
			return fmt.Errorf("%s: stage %d (%s): %w", name, i, stage.Name, err)
		}
		source = fileProducer(path)
	}
	return nil
}

// materialize runs a stage into a temp file and renames it into place.
// The rename is the commit point: readers only ever observe complete
// artifacts, and failures leave nothing behind.
func (rt *Runtime) materialize(stage Stage, vars Vars, path string, prev producer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	runErr := rt.runStage(stage, vars, tmp, prev)
	closeErr := tmp.Close()
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return fmt.Errorf("close temp artifact: %w", closeErr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("commit artifact: %w", err)
	}
	return nil
}

// runStage feeds the previous producer into the stage through a pipe.
func (rt *Runtime) runStage(stage Stage, vars Vars, out io.Writer, prev producer) error {
	if prev == nil {
		return stage.Run(vars, out, nil)
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(prev(pw))
	}()
	defer pr.Close()
	if err := stage.Run(vars, out, pr); err != nil {
		return err
	}
	// Surface any upstream failure that the stage ignored by not
	// draining its input.
	_, err := io.Copy(io.Discard, pr)
	return err
}

// stagePath resolves a stage's cache file. Interpolated values come from
// request data, so the joined path must stay under the cache root.
func (rt *Runtime) stagePath(stage Stage, vars Vars) (string, error) {
	rel, err := Interpolate(stage.Template, vars)
	if err != nil {
		return "", err
	}
	full := filepath.Join(rt.cacheDir, filepath.FromSlash(rel))
	root := filepath.Clean(rt.cacheDir)
	if !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("stage %s: cache path %q escapes the cache root", stage.Name, rel)
	}
	return full, nil
}

func fileProducer(path string) producer {
	return func(w io.Writer) error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open cached stage %s: %w", path, err)
		}
		defer f.Close()
		if _, err := io.Copy(w, f); err != nil {
			return fmt.Errorf("pipe cached stage %s: %w", path, err)
		}
		return nil
	}
}
