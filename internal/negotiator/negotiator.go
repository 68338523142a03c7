// Package negotiator implements content negotiation over index files.
// Every tracked file whose basename begins with "index." contributes a
// representation to its parent directory's bundle; the extension
// components after "index." are classified as media type, language,
// encoding, or capability group. A request for a directory resolves
// through the bundle to the representation best matching its Accept-*
// headers and the caller's groups.
package negotiator

import (
	"mime"
	"path"
	"regexp"
	"strings"
)

// Wildcard is the default at every negotiation level.
const Wildcard = "*"

var (
	mediaTypeRe = regexp.MustCompile(`^(?:application|audio|font|image|text|video)/\S+$`)
	languageRe  = regexp.MustCompile(`^\w\w$`)
	encodingRe  = regexp.MustCompile(`^(?:ascii|latin1|iso8859-1|ucs-?2|ucs-?16le|utf-?8|base64|hex|gzip)$`)
)

// Representation is one negotiable variant of a directory resource.
type Representation struct {
	// Path is the repo-relative path of the index file.
	Path      string
	MediaType string
	Language  string
	Encoding  string
	// Groups are capability groups; the representation is only chosen
	// for callers holding one of them.
	Groups []string
}

// classify builds a representation from an index file's path, or nil
// when the basename is not an index file.
func classify(filePath string) *Representation {
	base := path.Base(filePath)
	if !strings.HasPrefix(base, "index.") || base == "index." {
		return nil
	}
	rep := &Representation{
		Path:      filePath,
		MediaType: Wildcard,
		Language:  Wildcard,
		Encoding:  Wildcard,
	}
	for _, comp := range strings.Split(base[len("index."):], ".") {
		if comp == "" {
			continue
		}
		if mt := mediaTypeFor(comp); mt != "" {
			rep.MediaType = mt
			continue
		}
		if languageRe.MatchString(comp) {
			rep.Language = comp
			continue
		}
		if encodingRe.MatchString(comp) {
			rep.Encoding = comp
			continue
		}
		rep.Groups = append(rep.Groups, comp)
	}
	return rep
}

// mediaTypeFor converts an extension component to a media type via the
// MIME table, or returns "" when the component is not a known extension.
func mediaTypeFor(comp string) string {
	mt := mime.TypeByExtension("." + comp)
	if mt == "" {
		return ""
	}
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	mt = strings.TrimSpace(mt)
	if !mediaTypeRe.MatchString(mt) {
		return ""
	}
	return mt
}

// Bundle is the set of representations for one directory, organized as
// an inverted tree: media type, then language, then encoding, then
// group, with Wildcard at every unclassified level.
type Bundle struct {
	reps []*Representation
	tree map[string]map[string]map[string]map[string]*Representation
}

func newBundle() *Bundle {
	return &Bundle{tree: make(map[string]map[string]map[string]map[string]*Representation)}
}

func (b *Bundle) add(rep *Representation) {
	b.reps = append(b.reps, rep)
	groups := rep.Groups
	if len(groups) == 0 {
		groups = []string{Wildcard}
	}
	langs, ok := b.tree[rep.MediaType]
	if !ok {
		langs = make(map[string]map[string]map[string]*Representation)
		b.tree[rep.MediaType] = langs
	}
	encs, ok := langs[rep.Language]
	if !ok {
		encs = make(map[string]map[string]*Representation)
		langs[rep.Language] = encs
	}
	grps, ok := encs[rep.Encoding]
	if !ok {
		grps = make(map[string]*Representation)
		encs[rep.Encoding] = grps
	}
	for _, g := range groups {
		// First index file wins for a fully-specified slot.
		if _, exists := grps[g]; !exists {
			grps[g] = rep
		}
	}
}

// Languages returns the non-wildcard languages present in the bundle.
func (b *Bundle) Languages() []string {
	seen := make(map[string]bool)
	var out []string
	for _, rep := range b.reps {
		if rep.Language != Wildcard && !seen[rep.Language] {
			seen[rep.Language] = true
			out = append(out, rep.Language)
		}
	}
	return out
}

// Grouped reports whether any representation declares capability groups.
func (b *Bundle) Grouped() bool {
	for _, rep := range b.reps {
		if len(rep.Groups) > 0 {
			return true
		}
	}
	return false
}

// Index maps directory paths ("" for the root) to their bundles.
type Index struct {
	bundles map[string]*Bundle
	// grouped is true when any bundle negotiates on groups, which makes
	// the auth group part of every negotiation cache key.
	grouped bool
}

// BuildIndex scans tracked paths for index files and assembles bundles.
func BuildIndex(paths []string) *Index {
	idx := &Index{bundles: make(map[string]*Bundle)}
	for _, p := range paths {
		rep := classify(p)
		if rep == nil {
			continue
		}
		dir := path.Dir(p)
		if dir == "." {
			dir = ""
		}
		b, ok := idx.bundles[dir]
		if !ok {
			b = newBundle()
			idx.bundles[dir] = b
		}
		b.add(rep)
		if len(rep.Groups) > 0 {
			idx.grouped = true
		}
	}
	return idx
}

// Bundle returns the bundle for a directory, or nil.
func (i *Index) Bundle(dir string) *Bundle {
	return i.bundles[dir]
}

// Grouped reports whether any bundle in the index negotiates on groups.
func (i *Index) Grouped() bool { return i.grouped }

// ParentResourcePath strips an index filename, returning the directory
// resource the representation belongs to.
func ParentResourcePath(p string) string {
	base := path.Base(p)
	if !strings.HasPrefix(base, "index.") {
		return p
	}
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}
