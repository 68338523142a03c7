package search

import (
	"regexp"
	"sort"
	"strings"
)

// excerptLen bounds the excerpt text, highlight markup excluded.
const excerptLen = 500

// Excerpt cuts a window of at most maxLen characters out of content,
// centered on the first occurrence of any term, and wraps every term
// occurrence in <em> tags. Ellipses mark a window that does not reach
// the content boundary. Matching is case-insensitive.
func Excerpt(content string, terms []string, maxLen int) string {
	terms = nonEmpty(terms)
	if len(terms) == 0 || content == "" {
		return clip(content, maxLen)
	}

	lower := strings.ToLower(content)
	first := -1
	firstLen := 0
	for _, t := range terms {
		if i := strings.Index(lower, strings.ToLower(t)); i >= 0 && (first < 0 || i < first) {
			first, firstLen = i, len(t)
		}
	}
	if first < 0 {
		return clip(content, maxLen)
	}

	start := first + firstLen/2 - maxLen/2
	if start < 0 {
		start = 0
	}
	end := start + maxLen
	if end > len(content) {
		end = len(content)
		if start = end - maxLen; start < 0 {
			start = 0
		}
	}

	snippet := highlight(content[start:end], terms)
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(content) {
		snippet += "…"
	}
	return snippet
}

// highlight wraps every case-insensitive term occurrence in <em> tags.
func highlight(s string, terms []string) string {
	// Longest terms first so overlapping terms prefer the longer match.
	sorted := append([]string(nil), terms...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	quoted := make([]string, len(sorted))
	for i, t := range sorted {
		quoted[i] = regexp.QuoteMeta(t)
	}
	re, err := regexp.Compile("(?i)" + strings.Join(quoted, "|"))
	if err != nil {
		return s
	}
	return re.ReplaceAllString(s, "<em>$0</em>")
}

func clip(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "…"
}

func nonEmpty(terms []string) []string {
	var out []string
	for _, t := range terms {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
