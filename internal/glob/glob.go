// Package glob implements the path pattern grammar used by fileset
// definitions and request filters:
//
//	?    any single character except the path separator
//	*    zero or more characters except the path separator
//	**/  zero or more whole path segments
//
// Every other character, including '.', is literal. A glob compiles to a
// regular expression anchored at both ends; there is no backtracking
// concern because the patterns are small.
package glob

import (
	"fmt"
	"regexp"
	"strings"
)

// Glob is one compiled pattern.
type Glob struct {
	pattern string
	re      *regexp.Regexp
}

// Compile compiles a single pattern.
func Compile(pattern string) (*Glob, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); {
		switch {
		case strings.HasPrefix(pattern[i:], "**/"):
			b.WriteString("(?:[^/]+/)*")
			i += 3
		case pattern[i] == '*':
			b.WriteString("[^/]*")
			i++
		case pattern[i] == '?':
			b.WriteString("[^/]")
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compile glob %q: %w", pattern, err)
	}
	return &Glob{pattern: pattern, re: re}, nil
}

// Match reports whether path matches the pattern.
func (g *Glob) Match(path string) bool { return g.re.MatchString(path) }

// String returns the original pattern.
func (g *Glob) String() string { return g.pattern }

// Set matches if any member glob matches.
type Set []*Glob

// CompileSet compiles a list of patterns.
func CompileSet(patterns []string) (Set, error) {
	set := make(Set, 0, len(patterns))
	for _, p := range patterns {
		g, err := Compile(p)
		if err != nil {
			return nil, err
		}
		set = append(set, g)
	}
	return set, nil
}

// Match reports whether any glob in the set matches path. The empty set
// matches nothing.
func (s Set) Match(path string) bool {
	for _, g := range s {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// Patterns returns the source patterns in order.
func (s Set) Patterns() []string {
	out := make([]string, len(s))
	for i, g := range s {
		out[i] = g.pattern
	}
	return out
}

// Complement matches a path iff the includes match it and the excludes do
// not. An empty exclude set excludes nothing.
type Complement struct {
	Includes Set
	Excludes Set
}

// CompileComplement compiles include and exclude pattern lists.
func CompileComplement(includes, excludes []string) (*Complement, error) {
	inc, err := CompileSet(includes)
	if err != nil {
		return nil, err
	}
	exc, err := CompileSet(excludes)
	if err != nil {
		return nil, err
	}
	return &Complement{Includes: inc, Excludes: exc}, nil
}

// Match decides membership.
func (c *Complement) Match(path string) bool {
	return c.Includes.Match(path) && !c.Excludes.Match(path)
}

// Filter returns the subset of paths accepted by the complement.
func (c *Complement) Filter(paths []string) []string {
	var out []string
	for _, p := range paths {
		if c.Match(p) {
			out = append(out, p)
		}
	}
	return out
}
