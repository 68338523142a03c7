// Package fileset partitions a branch's paths into named categories.
// Each fileset selects paths with include/exclude globs and owns a
// processor that turns paths into file records, pipes file contents, and
// extracts search text. The first fileset in priority order whose
// matcher accepts a path owns it.
package fileset

import (
	"fmt"

	"github.com/locomote-sh/content-server/internal/fingerprint"
	"github.com/locomote-sh/content-server/internal/glob"
)

// Cache policies for fileset contents.
const (
	CacheApp     = "app"
	CacheContent = "content"
	CacheNone    = "none"
)

// Processor names.
const (
	ProcessorRaw         = "raw"
	ProcessorHTMLRewrite = "html-rewrite"
	ProcessorJSONParse   = "json-parse"
)

// Definition is the declarative form of a fileset.
type Definition struct {
	Category     string   `json:"category" yaml:"category"`
	Include      []string `json:"include" yaml:"include"`
	Exclude      []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	Cache        string   `json:"cache,omitempty" yaml:"cache,omitempty"`
	CacheControl string   `json:"cacheControl,omitempty" yaml:"cacheControl,omitempty"`
	Searchable   bool     `json:"searchable,omitempty" yaml:"searchable,omitempty"`
	Restricted   bool     `json:"restricted,omitempty" yaml:"restricted,omitempty"`
	Processor    string   `json:"processor" yaml:"processor"`
}

// Fileset is a compiled definition bound to its processor. Priority is
// the definition's position in the list.
type Fileset struct {
	Definition
	Priority  int
	matcher   *glob.Complement
	processor Processor
	// fingerprint identifies the definition; restricted categories use it
	// in place of the category name when building ACM groups.
	fingerprint string
}

// Matches reports whether the fileset owns path.
func (f *Fileset) Matches(path string) bool { return f.matcher.Match(path) }

// Fingerprint returns the definition's deterministic fingerprint.
func (f *Fileset) Fingerprint() string { return f.fingerprint }

// Proc returns the fileset's processor.
func (f *Fileset) Proc() Processor { return f.processor }

// List is an ordered collection of filesets; order is priority.
type List []*Fileset

// Compile builds a list from definitions, assigning priorities by
// position.
func Compile(defs []Definition) (List, error) {
	list := make(List, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for i, def := range defs {
		if def.Category == "" {
			return nil, fmt.Errorf("fileset %d: missing category", i)
		}
		if seen[def.Category] {
			return nil, fmt.Errorf("duplicate fileset category %q", def.Category)
		}
		seen[def.Category] = true

		matcher, err := glob.CompileComplement(def.Include, def.Exclude)
		if err != nil {
			return nil, fmt.Errorf("fileset %q: %w", def.Category, err)
		}
		proc, err := newProcessor(def.Processor)
		if err != nil {
			return nil, fmt.Errorf("fileset %q: %w", def.Category, err)
		}
		fp, err := fingerprint.Value(def)
		if err != nil {
			return nil, fmt.Errorf("fileset %q: %w", def.Category, err)
		}
		list = append(list, &Fileset{
			Definition:  def,
			Priority:    i,
			matcher:     matcher,
			processor:   proc,
			fingerprint: fp,
		})
	}
	return list, nil
}

// Owner returns the first fileset that matches path, or nil when no
// fileset owns it.
func (l List) Owner(path string) *Fileset {
	for _, f := range l {
		if f.Matches(path) {
			return f
		}
	}
	return nil
}

// Get returns the fileset for a category, or nil.
func (l List) Get(category string) *Fileset {
	for _, f := range l {
		if f.Category == category {
			return f
		}
	}
	return nil
}

// Categories returns the category names in priority order.
func (l List) Categories() []string {
	out := make([]string, len(l))
	for i, f := range l {
		out[i] = f.Category
	}
	return out
}

// Unrestricted returns the categories visible without group membership.
func (l List) Unrestricted() []string {
	var out []string
	for _, f := range l {
		if !f.Restricted {
			out = append(out, f.Category)
		}
	}
	return out
}

// Fingerprints maps each category to its definition fingerprint.
func (l List) Fingerprints() map[string]string {
	out := make(map[string]string, len(l))
	for _, f := range l {
		out[f.Category] = f.fingerprint
	}
	return out
}

// Standard returns the default fileset layout used when a repo does not
// declare its own: an app shell, rewritten HTML pages, parsed JSON data,
// and a raw catch-all. The manifest file and error pages are plumbing,
// not content.
func Standard() List {
	list, err := Compile([]Definition{
		{
			Category:  "app",
			Include:   []string{"app/**/*"},
			Cache:     CacheApp,
			Processor: ProcessorRaw,
		},
		{
			Category:   "pages",
			Include:    []string{"**/*.html", "*.html"},
			Exclude:    []string{"errors/*.html"},
			Cache:      CacheContent,
			Searchable: true,
			Processor:  ProcessorHTMLRewrite,
		},
		{
			Category:   "content",
			Include:    []string{"**/*.md", "*.md"},
			Cache:      CacheContent,
			Searchable: true,
			Processor:  ProcessorRaw,
		},
		{
			Category:  "data",
			Include:   []string{"**/*.json", "*.json"},
			Exclude:   []string{"locomote.json"},
			Cache:     CacheContent,
			Processor: ProcessorJSONParse,
		},
		{
			Category:  "files",
			Include:   []string{"**/*", "*"},
			Exclude:   []string{"locomote.json", "errors/*.html"},
			Cache:     CacheContent,
			Processor: ProcessorRaw,
		},
	})
	if err != nil {
		// The standard definitions are constants; a compile failure is a
		// programming error.
		panic(err)
	}
	return list
}
