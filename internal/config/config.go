// Package config loads the server configuration from a YAML file with an
// optional .env overlay. Defaults are applied after decode so a minimal
// file (or none at all) still yields a runnable configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root server configuration.
type Config struct {
	// ContentRepoHome is the directory holding bare content repositories
	// laid out as {account}/{repo}.git.
	ContentRepoHome string `yaml:"contentRepoHome"`
	// CacheDir is the root of the on-disk pipeline cache. Safe to wipe.
	CacheDir string `yaml:"cacheDir"`
	// PublishCache holds longer-lived published artifacts (search results).
	PublishCache string `yaml:"publishCache"`
	// WorkspaceHome is where external builds run and log.
	WorkspaceHome string `yaml:"workspaceHome"`
	// SearchDB is the path of the full-text search SQLite database.
	SearchDB string `yaml:"searchDB"`

	HTTP            HTTPConfig            `yaml:"http"`
	UpdatesListener UpdatesListenerConfig `yaml:"updatesListener"`
	Events          EventsConfig          `yaml:"events"`
	Auth            AuthConfig            `yaml:"auth"`
	Search          SearchConfig          `yaml:"search"`
	Build           BuildConfig           `yaml:"build"`
	GC              GCConfig              `yaml:"gc"`

	// DefaultRepos maps an account name to the repo used when a request
	// addresses the account without naming a repo.
	DefaultRepos map[string]string `yaml:"defaultRepos"`
}

// HTTPConfig configures the public and admin listeners.
type HTTPConfig struct {
	Port         int    `yaml:"port"`
	AdminPort    int    `yaml:"adminPort"`
	MountPath    string `yaml:"mountPath"`
	CacheControl string `yaml:"cacheControl"`
	// ErrorPages is a directory of errors/<code>.html pages.
	ErrorPages string `yaml:"errorPages"`
}

// UpdatesListenerConfig configures the post-receive hook listener.
type UpdatesListenerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// EventsConfig optionally mirrors repo-update events to NATS.
type EventsConfig struct {
	NATSURL string `yaml:"natsURL"`
	Subject string `yaml:"subject"`
}

// AuthConfig carries the global authentication defaults merged under each
// repo manifest's auth block.
type AuthConfig struct {
	Method string               `yaml:"method"`
	Realm  string               `yaml:"realm"`
	Users  map[string]UserEntry `yaml:"users"`
}

// UserEntry is one basic-auth user: the password plus the groups the user
// holds. Groups unlock restricted fileset categories of the same name. A
// bare string is accepted as a password-only entry.
type UserEntry struct {
	Password string   `yaml:"password" json:"password"`
	Groups   []string `yaml:"groups" json:"groups"`
}

func (u *UserEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		u.Password = value.Value
		return nil
	}
	type plain UserEntry
	return value.Decode((*plain)(u))
}

func (u *UserEntry) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &u.Password)
	}
	type plain UserEntry
	return json.Unmarshal(data, (*plain)(u))
}

// SearchConfig bounds the search result cache.
type SearchConfig struct {
	// CacheQuotaBytes is the per-branch result cache quota.
	CacheQuotaBytes int64 `yaml:"cacheQuotaBytes"`
	// MaxResults caps rows returned by a single query.
	MaxResults int `yaml:"maxResults"`
}

// BuildProfile describes one way to build a repo.
type BuildProfile struct {
	Buildable []string `yaml:"buildable" json:"buildable"`
	Command   string   `yaml:"command" json:"command"`
	Args      []string `yaml:"args" json:"args"`
}

// BuildConfig configures the external build tool.
type BuildConfig struct {
	Profiles map[string]BuildProfile `yaml:"profiles"`
}

// GCConfig configures the periodic cache sweeper.
type GCConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxAgeDays int           `yaml:"maxAgeDays"`
	Preserve   []string      `yaml:"preserve"`
}

// Load reads the configuration file at path. A missing file is not an
// error: defaults apply. A .env file next to the config file is loaded
// first so YAML values may reference the environment via deployment
// tooling.
func Load(path string) (*Config, error) {
	if env := filepath.Join(filepath.Dir(path), ".env"); fileExists(env) {
		if err := godotenv.Load(env); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through to defaults
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, as if
// loaded from an empty file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ContentRepoHome == "" {
		c.ContentRepoHome = "./content-repos"
	}
	if c.CacheDir == "" {
		c.CacheDir = "./cache"
	}
	if c.PublishCache == "" {
		c.PublishCache = "./publish_cache"
	}
	if c.WorkspaceHome == "" {
		c.WorkspaceHome = "./workspace"
	}
	if c.SearchDB == "" {
		c.SearchDB = "./search.sqlite"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8860
	}
	if c.HTTP.AdminPort == 0 {
		c.HTTP.AdminPort = 8861
	}
	if c.HTTP.CacheControl == "" {
		c.HTTP.CacheControl = "public, must-revalidate, max-age=60"
	}
	if c.UpdatesListener.Host == "" {
		c.UpdatesListener.Host = "localhost"
	}
	if c.UpdatesListener.Port == 0 {
		c.UpdatesListener.Port = 8870
	}
	if c.Events.Subject == "" {
		c.Events.Subject = "locomote.events"
	}
	if c.Auth.Method == "" {
		c.Auth.Method = "basic"
	}
	if c.Auth.Realm == "" {
		c.Auth.Realm = "Locomote {account}/{repo}"
	}
	if c.Search.CacheQuotaBytes == 0 {
		c.Search.CacheQuotaBytes = 250 * 1024
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = 1000
	}
	if c.GC.Interval == 0 {
		c.GC.Interval = time.Hour
	}
	if c.GC.MaxAgeDays == 0 {
		c.GC.MaxAgeDays = 7
	}
}

func (c *Config) validate() error {
	if c.HTTP.Port == c.HTTP.AdminPort {
		return fmt.Errorf("http port and admin port must differ (both %d)", c.HTTP.Port)
	}
	for name, p := range c.Build.Profiles {
		if p.Command == "" {
			return fmt.Errorf("build profile %q: command is required", name)
		}
	}
	return nil
}

// SearchCacheDir returns the root of the search result cache.
func (c *Config) SearchCacheDir() string {
	return filepath.Join(c.PublishCache, "search")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
