// Package events carries the server-wide invalidation signals. The bus is
// synchronous: Publish returns after every subscriber has run, so caches
// subscribed to RepoUpdate are guaranteed to have dropped their entries by
// the time the publisher continues.
package events

// Event is anything dispatched on the bus.
type Event interface {
	// Name identifies the event kind for subscription matching.
	Name() string
}

// Event names.
const (
	RepoUpdateName = "content-repo-update"
	BuildName      = "content-build"
)

// RepoUpdate signals that a branch of a content repo has advanced. Every
// derived cache keyed by Key must drop its entry when it sees this.
type RepoUpdate struct {
	Account string `json:"account"`
	Repo    string `json:"repo"`
	Branch  string `json:"branch"`
	Key     string `json:"key"`
}

// Name implements Event.
func (RepoUpdate) Name() string { return RepoUpdateName }

// Build signals a completed external build.
type Build struct {
	Account string `json:"account"`
	Repo    string `json:"repo"`
	Branch  string `json:"branch"`
	Commit  string `json:"commit"`
}

// Name implements Event.
func (Build) Name() string { return BuildName }
