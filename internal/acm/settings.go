// Package acm builds the per-request access-control context: who the
// caller is, which fileset categories they may see, the record filter
// and rewrites to apply, and the group fingerprint that keys every
// access-dependent cache entry.
package acm

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/locomote-sh/content-server/internal/config"
	"github.com/locomote-sh/content-server/internal/errs"
	"github.com/locomote-sh/content-server/internal/events"
	"github.com/locomote-sh/content-server/internal/fileset"
	"github.com/locomote-sh/content-server/internal/manifest"
	"github.com/locomote-sh/content-server/internal/request"
	"github.com/locomote-sh/content-server/internal/vcs"
)

// Settings is the resolved access-control configuration for one branch:
// global defaults overlaid with the repo manifest's auth block, plus the
// branch's compiled fileset list.
type Settings struct {
	Method string
	Realm  string
	// Users maps user name to its entry for the basic method.
	Users map[string]config.UserEntry
	// TestUser is returned by the test method regardless of credentials.
	TestUser *request.User

	Filesets fileset.List
	// Fingerprints maps each category to its definition fingerprint;
	// restricted categories contribute these to group fingerprints in
	// place of their guessable names.
	Fingerprints map[string]string
	// Rewrites maps a category to its record rewriter.
	Rewrites map[string]request.Rewriter
	// Fingerprint is the manifest's change marker.
	Fingerprint string
}

// authBlock is the manifest's auth JSON.
type authBlock struct {
	Method   string                      `json:"method"`
	Realm    string                      `json:"realm"`
	Users    map[string]config.UserEntry `json:"users"`
	Filesets []fileset.Definition        `json:"filesets"`
	// Rewrites maps a category to a rewriter registered on the service.
	Rewrites map[string]string `json:"rewrites"`
	TestUser *request.User     `json:"testUser"`
}

const settingsCapacity = 512

// Service resolves and caches Settings per branch key.
type Service struct {
	cfg       *config.Config
	manifests *manifest.Cache
	rewriters map[string]request.Rewriter

	cache *lru.Cache[string, *Settings]
	group singleflight.Group
}

// NewService creates a settings cache subscribed to repo updates on bus.
func NewService(cfg *config.Config, manifests *manifest.Cache, bus *events.Bus) (*Service, error) {
	cache, err := lru.New[string, *Settings](settingsCapacity)
	if err != nil {
		return nil, fmt.Errorf("create auth settings cache: %w", err)
	}
	s := &Service{
		cfg:       cfg,
		manifests: manifests,
		rewriters: make(map[string]request.Rewriter),
		cache:     cache,
	}
	if bus != nil {
		bus.Subscribe(events.RepoUpdateName, func(e events.Event) {
			if u, ok := e.(events.RepoUpdate); ok {
				s.cache.Remove(u.Key)
			}
		})
	}
	return s, nil
}

// RegisterRewriter makes a named rewriter available to manifest auth
// blocks. Call before serving.
func (s *Service) RegisterRewriter(name string, rw request.Rewriter) {
	s.rewriters[name] = rw
}

// SettingsFor returns the branch's resolved settings, building them on a
// miss.
func (s *Service) SettingsFor(ctx *request.Context) (*Settings, error) {
	if st, ok := s.cache.Get(ctx.Key); ok {
		return st, nil
	}
	v, err, _ := s.group.Do(ctx.Key, func() (any, error) {
		if st, ok := s.cache.Get(ctx.Key); ok {
			return st, nil
		}
		st, err := s.build(ctx)
		if err != nil {
			return nil, err
		}
		s.cache.Add(ctx.Key, st)
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Settings), nil
}

// FilesetsFor returns the branch's current fileset list.
func (s *Service) FilesetsFor(ctx *request.Context) (fileset.List, error) {
	st, err := s.SettingsFor(ctx)
	if err != nil {
		return nil, err
	}
	return st.Filesets, nil
}

// FilesetsAt returns the fileset list as defined at a historical commit,
// read from the manifest file in that tree. Delta listings use it to
// detect paths whose owning fileset has changed since the client's last
// sync.
func (s *Service) FilesetsAt(ctx *request.Context, commit string) (fileset.List, error) {
	data, err := vcs.ReadFileAtCommit(ctx.RepoPath, commit, manifest.FileName)
	if err != nil {
		if errs.NotFound(err) {
			return fileset.Standard(), nil
		}
		return nil, err
	}
	var doc struct {
		Auth authBlock `json:"auth"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("manifest at %s: %w", commit, err)
	}
	if len(doc.Auth.Filesets) == 0 {
		return fileset.Standard(), nil
	}
	return fileset.Compile(doc.Auth.Filesets)
}

func (s *Service) build(ctx *request.Context) (*Settings, error) {
	m, err := s.manifests.Get(ctx.RepoPath, ctx.Branch)
	if err != nil {
		return nil, err
	}

	var block authBlock
	if len(m.Auth) > 0 {
		if err := json.Unmarshal(m.Auth, &block); err != nil {
			return nil, fmt.Errorf("decode auth block for %s: %w", ctx.Key, err)
		}
	}

	st := &Settings{
		Method:      s.cfg.Auth.Method,
		Realm:       s.cfg.Auth.Realm,
		Users:       s.cfg.Auth.Users,
		Fingerprint: m.Fingerprint,
	}
	if block.Method != "" {
		st.Method = block.Method
	}
	if block.Realm != "" {
		st.Realm = block.Realm
	}
	if len(block.Users) > 0 {
		st.Users = block.Users
	}
	st.TestUser = block.TestUser

	if len(block.Filesets) > 0 {
		list, err := fileset.Compile(block.Filesets)
		if err != nil {
			return nil, fmt.Errorf("filesets for %s: %w", ctx.Key, err)
		}
		st.Filesets = list
	} else {
		st.Filesets = fileset.Standard()
	}
	st.Fingerprints = st.Filesets.Fingerprints()

	st.Rewrites = make(map[string]request.Rewriter, len(block.Rewrites))
	for category, name := range block.Rewrites {
		rw, ok := s.rewriters[name]
		if !ok {
			return nil, fmt.Errorf("auth block for %s names unknown rewriter %q", ctx.Key, name)
		}
		st.Rewrites[category] = rw
	}
	return st, nil
}
