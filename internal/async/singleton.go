package async

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Singletons de-duplicates concurrent invocations that share an id. While
// an op for id is in flight, later callers wait for it and receive the
// same result, success or failure. Ids must be equivalence-stable: two
// calls that should coalesce must produce the same id string.
type Singletons struct {
	group singleflight.Group
}

// NewSingletons creates an empty single-flight registry.
func NewSingletons() *Singletons { return &Singletons{} }

// Do runs op once per concurrent id and fans the result out to all
// waiters.
func (s *Singletons) Do(id string, op Op) (any, error) {
	v, err, _ := s.group.Do(id, op)
	return v, err
}

// CachingSingletons layers an LRU of successful results on top of
// single-flight execution: at most one concurrent run per id, and prior
// successes are served from memory until evicted.
type CachingSingletons struct {
	singles *Singletons
	cache   *lru.Cache[string, any]
}

// NewCachingSingletons creates a caching single-flight with the given
// capacity.
func NewCachingSingletons(capacity int) (*CachingSingletons, error) {
	cache, err := lru.New[string, any](capacity)
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	return &CachingSingletons{singles: NewSingletons(), cache: cache}, nil
}

// Do returns the cached result for id, or runs op under single-flight and
// memoizes its result on success. Failures are not cached so the next
// caller retries.
func (c *CachingSingletons) Do(id string, op Op) (any, error) {
	if v, ok := c.cache.Get(id); ok {
		return v, nil
	}
	v, err := c.singles.Do(id, func() (any, error) {
		// Re-check under the flight: a previous winner may have populated
		// the cache while this caller was queued on the id.
		if v, ok := c.cache.Get(id); ok {
			return v, nil
		}
		v, err := op()
		if err != nil {
			return nil, err
		}
		c.cache.Add(id, v)
		return v, nil
	})
	return v, err
}

// Evict removes a memoized result.
func (c *CachingSingletons) Evict(id string) { c.cache.Remove(id) }

// EvictMatching removes all memoized results whose id satisfies match.
func (c *CachingSingletons) EvictMatching(match func(id string) bool) {
	for _, k := range c.cache.Keys() {
		if match(k) {
			c.cache.Remove(k)
		}
	}
}
