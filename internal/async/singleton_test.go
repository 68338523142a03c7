package async

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func TestSingletonsCoalesceConcurrentCallers(t *testing.T) {
	s := NewSingletons()

	var runs int32
	var startOnce sync.Once
	gate := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]any, 10)
	caller := func(i int) {
		defer wg.Done()
		v, err := s.Do("artifact", func() (any, error) {
			atomic.AddInt32(&runs, 1)
			startOnce.Do(func() { close(started) })
			<-gate
			return "payload", nil
		})
		require.NoError(t, err)
		results[i] = v
	}

	// First caller owns the flight; the rest join while it is blocked.
	wg.Add(1)
	go caller(0)
	<-started
	for i := 1; i < 10; i++ {
		wg.Add(1)
		go caller(i)
	}
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), runs, "exactly one producer execution")
	for _, v := range results {
		assert.Equal(t, "payload", v)
	}
}

func TestSingletonsShareFailure(t *testing.T) {
	s := NewSingletons()
	wantErr := errors.New("boom")

	gate := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Do("bad", func() (any, error) {
				<-gate
				return nil, wantErr
			})
			assert.ErrorIs(t, err, wantErr)
		}()
	}
	close(gate)
	wg.Wait()
}

func TestCachingSingletonsMemoizeSuccess(t *testing.T) {
	c, err := NewCachingSingletons(8)
	require.NoError(t, err)

	var runs int32
	op := func() (any, error) {
		atomic.AddInt32(&runs, 1)
		return 99, nil
	}

	for i := 0; i < 5; i++ {
		v, err := c.Do("k", op)
		require.NoError(t, err)
		assert.Equal(t, 99, v)
	}
	assert.Equal(t, int32(1), runs)
}

func TestCachingSingletonsDoNotCacheFailure(t *testing.T) {
	c, err := NewCachingSingletons(8)
	require.NoError(t, err)

	var runs int32
	_, err = c.Do("k", func() (any, error) {
		atomic.AddInt32(&runs, 1)
		return nil, errors.New("transient")
	})
	assert.Error(t, err)

	v, err := c.Do("k", func() (any, error) {
		atomic.AddInt32(&runs, 1)
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
	assert.Equal(t, int32(2), runs)
}

func TestCachingSingletonsEvict(t *testing.T) {
	c, err := NewCachingSingletons(8)
	require.NoError(t, err)

	var runs int32
	op := func() (any, error) { atomic.AddInt32(&runs, 1); return 1, nil }

	_, _ = c.Do("a/r/master", op)
	c.Evict("a/r/master")
	_, _ = c.Do("a/r/master", op)
	assert.Equal(t, int32(2), runs)

	_, _ = c.Do("a/r/dev", op)
	c.EvictMatching(func(id string) bool { return id == "a/r/dev" })
	_, _ = c.Do("a/r/dev", op)
	assert.Equal(t, int32(4), runs)
}
