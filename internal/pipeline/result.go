package pipeline

import (
	"fmt"
	"net/http"
	"os"
)

// Result is the handle a pipeline run returns: a cached artifact file
// plus the metadata the HTTP layer needs to serve it.
type Result struct {
	// File is the absolute path of the artifact in the cache.
	File string
	// Commit is the commit the artifact was derived from.
	Commit string
	// Group is the ACM group fingerprint the artifact was produced
	// under; together with Commit it forms the etag.
	Group string
	// MimeType is the Content-Type to serve, when known.
	MimeType string
	// CacheControl is the Cache-Control header value, when set by the
	// owning fileset.
	CacheControl string
}

// ETag returns the artifact's entity tag, "<commit>-<group>".
func (r *Result) ETag() string {
	return r.Commit + "-" + r.Group
}

// Open opens the artifact for reading.
func (r *Result) Open() (*os.File, error) {
	f, err := os.Open(r.File)
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", r.File, err)
	}
	return f, nil
}

// Send writes the artifact as the response to req, honoring conditional
// and range requests.
func (r *Result) Send(w http.ResponseWriter, req *http.Request) error {
	f, err := r.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact %s: %w", r.File, err)
	}

	h := w.Header()
	if r.MimeType != "" {
		h.Set("Content-Type", r.MimeType)
	}
	if r.CacheControl != "" {
		h.Set("Cache-Control", r.CacheControl)
	}
	if r.Commit != "" {
		h.Set("Etag", `"`+r.ETag()+`"`)
	}
	http.ServeContent(w, req, info.Name(), info.ModTime(), f)
	return nil
}
