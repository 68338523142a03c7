package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locomote-sh/content-server/internal/async"
	"github.com/locomote-sh/content-server/internal/errs"
	"github.com/locomote-sh/content-server/internal/record"
	"github.com/locomote-sh/content-server/internal/request"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	return NewRuntime(t.TempDir(), async.NewSingletons())
}

func constInit(vars Vars) InitFunc {
	return func() (Vars, bool, error) { return vars, true, nil }
}

func writeStage(name, template, content string) Stage {
	return Stage{
		Name:     name,
		Template: template,
		Run: func(vars Vars, out io.Writer, in io.Reader) error {
			_, err := io.WriteString(out, content)
			return err
		},
	}
}

func TestInterpolate(t *testing.T) {
	ctx := request.NewContext("acme", "site", "public", "/repos/acme/site.git")
	vars := Vars{"ctx": ctx, "commit": "abc1234", "n": 7}

	got, err := Interpolate("{ctx.account}/{ctx.repo}/{ctx.branch}/{commit}-{n}.json", vars)
	require.NoError(t, err)
	assert.Equal(t, "acme/site/public/abc1234-7.json", got)

	_, err = Interpolate("{missing}", vars)
	assert.Error(t, err)

	_, err = Interpolate("{ctx.nope}", vars)
	assert.Error(t, err)

	_, err = Interpolate("{commit", vars)
	assert.Error(t, err)
}

func TestRunMaterializesFinalStage(t *testing.T) {
	rt := newRuntime(t)
	p := &Pipeline{
		Name: "hello",
		Init: constInit(Vars{"commit": "abc1234"}),
		Open: writeStage("open", "{commit}/hello.txt", "hello world"),
	}

	res, err := rt.Run(p)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(rt.CacheDir(), "abc1234", "hello.txt"), res.File)

	data, err := os.ReadFile(res.File)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestCachedStageShortCircuits(t *testing.T) {
	rt := newRuntime(t)
	var runs atomic.Int32
	p := &Pipeline{
		Name: "cached",
		Init: constInit(Vars{"commit": "abc1234"}),
		Open: Stage{
			Name:     "open",
			Template: "{commit}/list.txt",
			Run: func(vars Vars, out io.Writer, in io.Reader) error {
				runs.Add(1)
				_, err := io.WriteString(out, "one\ntwo\n")
				return err
			},
		},
	}

	for i := 0; i < 3; i++ {
		res, err := rt.Run(p)
		require.NoError(t, err)
		data, err := os.ReadFile(res.File)
		require.NoError(t, err)
		assert.Equal(t, "one\ntwo\n", string(data))
	}
	assert.Equal(t, int32(1), runs.Load(), "cached artifact must not be rebuilt")
}

func TestUntemplatedStageStreams(t *testing.T) {
	rt := newRuntime(t)
	p := &Pipeline{
		Name: "chain",
		Init: constInit(Vars{"commit": "abc1234"}),
		Open: Stage{
			Name: "open",
			Run: func(vars Vars, out io.Writer, in io.Reader) error {
				_, err := io.WriteString(out, "alpha\nbeta\ngamma\n")
				return err
			},
		},
		Stages: []Stage{
			{
				Name:     "upper",
				Template: "{commit}/upper.txt",
				Run: TransformLines(func(vars Vars, line string) (string, bool, error) {
					if line == "beta" {
						return "", false, nil
					}
					return strings.ToUpper(line), true, nil
				}),
			},
		},
	}

	res, err := rt.Run(p)
	require.NoError(t, err)
	data, err := os.ReadFile(res.File)
	require.NoError(t, err)
	assert.Equal(t, "ALPHA\nGAMMA\n", string(data))
}

func TestFailureLeavesNoPartialArtifact(t *testing.T) {
	rt := newRuntime(t)
	p := &Pipeline{
		Name: "broken",
		Init: constInit(Vars{"commit": "abc1234"}),
		Open: Stage{
			Name:     "open",
			Template: "{commit}/broken.txt",
			Run: func(vars Vars, out io.Writer, in io.Reader) error {
				io.WriteString(out, "partial")
				return fmt.Errorf("source unavailable")
			},
		},
	}

	_, err := rt.Run(p)
	require.Error(t, err)

	dir := filepath.Join(rt.CacheDir(), "abc1234")
	entries, err := os.ReadDir(dir)
	if err == nil {
		assert.Empty(t, entries, "failed stage must not leave files behind")
	}
}

func TestInitShortCircuitIsNotFound(t *testing.T) {
	rt := newRuntime(t)
	p := &Pipeline{
		Name: "absent",
		Init: func() (Vars, bool, error) { return nil, false, nil },
		Open: writeStage("open", "x.txt", "x"),
	}
	_, err := rt.Run(p)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStagePathCannotEscapeCacheRoot(t *testing.T) {
	rt := newRuntime(t)
	outside := filepath.Join(rt.CacheDir(), "..", "outside")

	for _, commit := range []string{"../../outside", "a/../../outside"} {
		p := &Pipeline{
			Name: "escape",
			Init: constInit(Vars{"commit": commit}),
			Open: writeStage("open", "{commit}/x.txt", "boom"),
		}
		_, err := rt.Run(p)
		require.Error(t, err, commit)
		assert.Contains(t, err.Error(), "escapes the cache root", commit)
	}
	assert.NoDirExists(t, outside)
}

func TestFinalStageMustBeTemplated(t *testing.T) {
	rt := newRuntime(t)
	p := &Pipeline{
		Name: "stream-only",
		Init: constInit(Vars{}),
		Open: Stage{Name: "open", Run: func(vars Vars, out io.Writer, in io.Reader) error { return nil }},
	}
	_, err := rt.Run(p)
	assert.Error(t, err)
}

func TestConcurrentRunsCoalesce(t *testing.T) {
	rt := newRuntime(t)
	var runs atomic.Int32
	gate := make(chan struct{})
	p := &Pipeline{
		Name: "slow",
		Init: constInit(Vars{"commit": "abc1234"}),
		Open: Stage{
			Name:     "open",
			Template: "{commit}/slow.txt",
			Run: func(vars Vars, out io.Writer, in io.Reader) error {
				runs.Add(1)
				<-gate
				_, err := io.WriteString(out, "done")
				return err
			},
		},
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errsOut := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errsOut[i] = rt.Run(p)
		}(i)
	}
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, waitFor, tick)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errsOut[i])
		assert.Equal(t, results[0].File, results[i].File)
	}
}

func TestTransformRecords(t *testing.T) {
	var in strings.Builder
	w := record.NewWriter(&in)
	require.NoError(t, w.Write(&record.FileRecord{Path: "a.md", Category: "docs", Status: record.StatusPublished}))
	require.NoError(t, w.Write(&record.FileRecord{Path: "b.md", Category: "hidden", Status: record.StatusPublished}))
	require.NoError(t, w.Flush())

	stage := TransformRecords(func(vars Vars, rec *record.FileRecord) (*record.FileRecord, error) {
		if rec.Category == "hidden" {
			return nil, nil
		}
		out := rec.Clone()
		out.Commit = "abc1234"
		return out, nil
	})

	var out strings.Builder
	require.NoError(t, stage(Vars{}, &out, strings.NewReader(in.String())))

	var got []*record.FileRecord
	require.NoError(t, record.NewReader(strings.NewReader(out.String())).Each(func(r *record.FileRecord) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, "a.md", got[0].Path)
	assert.Equal(t, "abc1234", got[0].Commit)
}

func TestHooksRunInOrderAndCanDrop(t *testing.T) {
	hooks := NewHooks()
	hooks.Register("search", PreHook, "updates", func(vars Vars, rec *record.FileRecord) (*record.FileRecord, error) {
		out := rec.Clone()
		out.Path = out.Path + ".first"
		return out, nil
	})
	hooks.Register("search", PreHook, "updates", func(vars Vars, rec *record.FileRecord) (*record.FileRecord, error) {
		out := rec.Clone()
		out.Path = out.Path + ".second"
		return out, nil
	})

	rec, err := hooks.Apply("search", PreHook, "updates", Vars{}, &record.FileRecord{Path: "p"})
	require.NoError(t, err)
	assert.Equal(t, "p.first.second", rec.Path)

	// Unregistered keys are identity.
	rec, err = hooks.Apply("search", PostHook, "updates", Vars{}, &record.FileRecord{Path: "q"})
	require.NoError(t, err)
	assert.Equal(t, "q", rec.Path)

	hooks.Register("acm", PreHook, "updates", func(vars Vars, rec *record.FileRecord) (*record.FileRecord, error) {
		return nil, nil
	})
	rec, err = hooks.Apply("acm", PreHook, "updates", Vars{}, &record.FileRecord{Path: "r"})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestResultETag(t *testing.T) {
	res := &Result{Commit: "abc1234", Group: "0011223344556677"}
	assert.Equal(t, "abc1234-0011223344556677", res.ETag())
}
