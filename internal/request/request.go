// Package request defines the per-request context that threads through
// every subsystem: the resolved account/repo/branch address, the base
// path for URL rewriting, and the authentication context attached by the
// ACM layer.
package request

import (
	"path"
	"strings"

	"github.com/locomote-sh/content-server/internal/record"
	"github.com/locomote-sh/content-server/internal/util/sets"
)

// Context identifies one request's target branch plus everything derived
// from the HTTP layer that downstream components need.
type Context struct {
	Account string
	Repo    string
	Branch  string
	// Key is "<account>/<repo>/<branch>" and is the cache/invalidation
	// key for everything scoped to this branch.
	Key string
	// RepoPath is the filesystem path of the bare repo.
	RepoPath string
	// BasePath is the URL prefix content is served under, used by the
	// html-rewrite processor to relocate absolute links.
	BasePath string
	Hostname string
	// Trailing holds the request path segments after the branch.
	Trailing []string
	Secure   bool

	// Auth is populated by the ACM layer before any fileDB operation
	// runs. A nil Auth means an internal caller (indexer, builder) that
	// bypasses access control.
	Auth *Auth
}

// NewContext builds a context for the given address.
func NewContext(account, repo, branch, repoPath string) *Context {
	return &Context{
		Account:  account,
		Repo:     repo,
		Branch:   branch,
		Key:      Key(account, repo, branch),
		RepoPath: repoPath,
	}
}

// Key joins an address into the canonical branch key.
func Key(account, repo, branch string) string {
	return account + "/" + repo + "/" + branch
}

// TrailingPath joins the trailing segments into a repo-relative path.
func (c *Context) TrailingPath() string {
	return path.Join(c.Trailing...)
}

// TemplateField exposes context fields to pipeline path templates, e.g.
// {ctx.account}.
func (c *Context) TemplateField(name string) (string, bool) {
	switch name {
	case "account":
		return c.Account, true
	case "repo":
		return c.Repo, true
	case "branch":
		return c.Branch, true
	case "key":
		return c.Key, true
	case "hostname":
		return c.Hostname, true
	case "basePath":
		return c.BasePath, true
	case "group":
		return c.AuthGroup(), true
	default:
		return "", false
	}
}

// AuthGroup returns the ACM group fingerprint, or the empty string for
// internal callers.
func (c *Context) AuthGroup() string {
	if c.Auth == nil {
		return ""
	}
	return c.Auth.Group
}

// ApplyACM runs the auth context's filter and rewrite over a record.
// Internal callers (nil Auth) pass everything through untouched. A nil
// return means the record is not visible to this request.
func (c *Context) ApplyACM(rec *record.FileRecord) *record.FileRecord {
	if c.Auth == nil {
		return rec
	}
	return c.Auth.FilterAndRewrite(c, rec)
}

// User describes the authenticated principal.
type User struct {
	Name          string   `json:"user"`
	Authenticated bool     `json:"authenticated"`
	Groups        []string `json:"groups"`
}

// Rewriter transforms a record for a request, or suppresses it by
// returning nil.
type Rewriter func(*record.FileRecord, *Context) *record.FileRecord

// RecordFilter accepts or rejects a record.
type RecordFilter func(*record.FileRecord) bool

// Auth is the access-control context the ACM layer derives for a request.
type Auth struct {
	UserInfo User
	// Accessible is the set of fileset categories this request may see.
	Accessible sets.Set[string]
	// Group fingerprints every factor that can change record visibility;
	// it participates in cache paths and etags.
	Group string
	// DollarGroup is Group computed without any client-visible-set
	// contribution; used to detect CVS drift.
	DollarGroup string
	// Filter is the request-derived record filter (path filters, CVS).
	Filter RecordFilter
	// Rewrites maps a category to its ACM rewriter.
	Rewrites map[string]Rewriter
}

// FilterAndRewrite returns nil when the record is outside the accessible
// set or rejected by the request filter; otherwise it applies the
// category's rewriter (identity when none). Control records pass through
// untouched.
func (a *Auth) FilterAndRewrite(ctx *Context, rec *record.FileRecord) *record.FileRecord {
	if rec.IsControl() {
		return rec
	}
	if !a.Accessible.Has(rec.Category) {
		return nil
	}
	if a.Filter != nil && !a.Filter(rec) {
		return nil
	}
	if rw, ok := a.Rewrites[rec.Category]; ok && rw != nil {
		return rw(rec, ctx)
	}
	return rec
}

// SplitAddress splits a URL path into its segments, dropping empties.
func SplitAddress(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
