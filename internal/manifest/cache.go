package manifest

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/locomote-sh/content-server/internal/events"
)

// Cache memoizes resolved manifests by (repoPath, branch). Loads are
// single-flighted; a repo-update event evicts every branch of the
// affected repo.
type Cache struct {
	cache *lru.Cache[string, *Manifest]
	group singleflight.Group
}

const cacheCapacity = 512

// NewCache creates a manifest cache subscribed to repo updates on bus.
func NewCache(bus *events.Bus) (*Cache, error) {
	cache, err := lru.New[string, *Manifest](cacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("create manifest cache: %w", err)
	}
	c := &Cache{cache: cache}
	if bus != nil {
		bus.Subscribe(events.RepoUpdateName, func(e events.Event) {
			if u, ok := e.(events.RepoUpdate); ok {
				c.InvalidateRepo(u.Account + "/" + u.Repo)
			}
		})
	}
	return c, nil
}

func cacheKey(repoPath, branch string) string { return repoPath + "\x00" + branch }

// Get returns the manifest for (repoPath, branch), loading it on a miss.
func (c *Cache) Get(repoPath, branch string) (*Manifest, error) {
	key := cacheKey(repoPath, branch)
	if m, ok := c.cache.Get(key); ok {
		return m, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if m, ok := c.cache.Get(key); ok {
			return m, nil
		}
		m, err := Load(repoPath, branch)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Manifest), nil
}

// InvalidateRepo drops every cached branch whose repo path contains the
// "account/repo" fragment.
func (c *Cache) InvalidateRepo(accountRepo string) {
	needle := "/" + accountRepo + ".git"
	for _, k := range c.cache.Keys() {
		repoPath := k[:strings.IndexByte(k, '\x00')]
		if strings.HasSuffix(repoPath, needle) {
			c.cache.Remove(k)
		}
	}
}
