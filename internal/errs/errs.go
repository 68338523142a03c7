// Package errs defines the error kinds shared across subsystems. HTTP
// handlers map these to response codes; everything else stays a plain
// wrapped error and surfaces as a 500.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Wrap with fmt.Errorf("...: %w", ...) and test
// with errors.Is.
var (
	// ErrNotFound covers missing accounts, repos, branches, files and
	// artifacts. Maps to HTTP 404.
	ErrNotFound = errors.New("not found")
	// ErrUpstreamInvalid covers recoverable bad inputs: an unknown since
	// commit, a malformed client-visible set, an unknown build profile.
	ErrUpstreamInvalid = errors.New("invalid upstream value")
)

// AuthError is raised by the ACM layer and converted to an HTTP response
// by the server. Headers typically carry WWW-Authenticate.
type AuthError struct {
	Status  int
	Message string
	Headers map[string]string
}

// Error implements error.
func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.Status, e.Message)
}

// NotFound reports whether err is of the not-found kind.
func NotFound(err error) bool { return errors.Is(err, ErrNotFound) }
