package acm

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/locomote-sh/content-server/internal/fingerprint"
	"github.com/locomote-sh/content-server/internal/glob"
	"github.com/locomote-sh/content-server/internal/record"
	"github.com/locomote-sh/content-server/internal/request"
)

// CVSGroupPrefix marks group memberships derived from a client-visible
// set; they are excluded from the drift-detection fingerprint.
const CVSGroupPrefix = "CVS:"

// Derived carries the request-specific access facts extracted from
// headers, query and body: extra group memberships and a record filter.
type Derived struct {
	Groups  []string
	Filters []request.RecordFilter
}

// Filter combines the derived filters; nil when none apply.
func (d *Derived) Filter() request.RecordFilter {
	switch len(d.Filters) {
	case 0:
		return nil
	case 1:
		return d.Filters[0]
	}
	filters := d.Filters
	return func(rec *record.FileRecord) bool {
		for _, f := range filters {
			if !f(rec) {
				return false
			}
		}
		return true
	}
}

// DeriveLanguage adds a locale group for the request's primary
// Accept-Language value.
func (d *Derived) DeriveLanguage(acceptLanguage string) {
	locale := strings.TrimSpace(strings.Split(acceptLanguage, ",")[0])
	if i := strings.IndexByte(locale, ';'); i >= 0 {
		locale = strings.TrimSpace(locale[:i])
	}
	if locale == "" || locale == "*" {
		return
	}
	d.Groups = append(d.Groups, "Accept-Language:"+locale)
}

// filterSpec is the canonical form fingerprinted into the group.
type filterSpec struct {
	Includes []string `json:"includes"`
	Excludes []string `json:"excludes,omitempty"`
}

// DeriveFilter builds a path filter from the query's filter parameters:
// either filter=<patterns> (comma-separated includes) or
// filter[includes]=…&filter[excludes]=….
func (d *Derived) DeriveFilter(query url.Values) error {
	spec := filterSpec{
		Includes: splitPatterns(query["filter"], query["filter[includes]"]),
		Excludes: splitPatterns(nil, query["filter[excludes]"]),
	}
	if len(spec.Includes) == 0 && len(spec.Excludes) == 0 {
		return nil
	}
	if len(spec.Includes) == 0 {
		// Exclude-only filters still need a universe to subtract from.
		spec.Includes = []string{"**/*", "*"}
	}

	matcher, err := glob.CompileComplement(spec.Includes, spec.Excludes)
	if err != nil {
		return fmt.Errorf("request filter: %w", err)
	}
	fp, err := fingerprint.Value(spec)
	if err != nil {
		return err
	}
	d.Groups = append(d.Groups, "Filter:"+fp)
	d.Filters = append(d.Filters, func(rec *record.FileRecord) bool {
		return matcher.Match(rec.Path)
	})
	return nil
}

func splitPatterns(lists ...[]string) []string {
	var out []string
	for _, list := range lists {
		for _, raw := range list {
			for _, p := range strings.Split(raw, ",") {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
		}
	}
	return out
}

// DeriveCVS folds a client-visible set into the derived facts: the
// filter passes records that are new, changed, or deleted relative to
// the client's view, and the group marks the exact view so cached
// artifacts never leak across views.
func (d *Derived) DeriveCVS(cvs map[string]string) error {
	if cvs == nil {
		return nil
	}
	fp, err := fingerprint.Value(cvs)
	if err != nil {
		return err
	}
	d.Groups = append(d.Groups, CVSGroupPrefix+fp)
	d.Filters = append(d.Filters, func(rec *record.FileRecord) bool {
		seen, known := cvs[rec.Path]
		if rec.Deleted() {
			return known
		}
		return !known || seen != rec.Commit
	})
	return nil
}
