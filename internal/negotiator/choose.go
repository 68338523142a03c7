package negotiator

import (
	"net/http"
	"sort"
	"strings"

	"golang.org/x/text/language"

	"github.com/locomote-sh/content-server/internal/request"
)

// Headers carries the request facts negotiation depends on.
type Headers struct {
	Accept         string
	AcceptLanguage string
	AcceptCharset  string
}

// HeadersFromRequest extracts the negotiation headers.
func HeadersFromRequest(r *http.Request) Headers {
	return Headers{
		Accept:         r.Header.Get("Accept"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptCharset:  r.Header.Get("Accept-Charset"),
	}
}

// Choose resolves the bundle to a representation through the resolver
// chain: media type, language, charset, then capability group. Every
// level falls back to the wildcard when nothing matches; a nil return
// means the bundle holds no representation visible to this request.
func (b *Bundle) Choose(ctx *request.Context, h Headers) *Representation {
	for _, mt := range candidateMediaTypes(h.Accept, b.tree) {
		langs, ok := b.tree[mt]
		if !ok {
			continue
		}
		for _, lang := range candidateLanguages(h.AcceptLanguage, langs) {
			encs, ok := langs[lang]
			if !ok {
				continue
			}
			for _, enc := range candidateEncodings(h.AcceptCharset, encs) {
				grps, ok := encs[enc]
				if !ok {
					continue
				}
				if rep := chooseGroup(ctx, grps); rep != nil {
					return rep
				}
			}
		}
	}
	return nil
}

// candidateMediaTypes orders the Accept header's types by quality, then
// appends the wildcard fallback.
func candidateMediaTypes(accept string, available map[string]map[string]map[string]map[string]*Representation) []string {
	type weighted struct {
		value string
		q     float64
		pos   int
	}
	var items []weighted
	for pos, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		value, q := part, 1.0
		if i := strings.IndexByte(part, ';'); i >= 0 {
			value = strings.TrimSpace(part[:i])
			for _, param := range strings.Split(part[i+1:], ";") {
				if k, v, ok := strings.Cut(strings.TrimSpace(param), "="); ok && k == "q" {
					q = parseQ(v)
				}
			}
		}
		items = append(items, weighted{value, q, pos})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].q > items[j].q })

	all := func() []string {
		var mts []string
		for mt := range available {
			if mt != Wildcard {
				mts = append(mts, mt)
			}
		}
		sort.Strings(mts)
		return mts
	}

	// No Accept header means anything is acceptable.
	if len(items) == 0 {
		return append(all(), Wildcard)
	}

	var out []string
	for _, it := range items {
		switch {
		case it.value == "*/*":
			out = append(out, all()...)
		case strings.HasSuffix(it.value, "/*"):
			prefix := strings.TrimSuffix(it.value, "*")
			var mts []string
			for mt := range available {
				if strings.HasPrefix(mt, prefix) {
					mts = append(mts, mt)
				}
			}
			sort.Strings(mts)
			out = append(out, mts...)
		default:
			out = append(out, it.value)
		}
	}
	return append(out, Wildcard)
}

func parseQ(s string) float64 {
	// Quality values are short decimals; a scan beats pulling in strconv
	// error handling for malformed input, which defaults to 1.
	var q float64
	var scale float64
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			if scale == 0 {
				q = q*10 + float64(c-'0')
			} else {
				q += float64(c-'0') * scale
				scale /= 10
			}
		case c == '.':
			scale = 0.1
		default:
			return 1
		}
	}
	return q
}

// candidateLanguages matches Accept-Language against the bundle's
// languages and orders the best match first, then the wildcard.
func candidateLanguages(acceptLang string, available map[string]map[string]map[string]*Representation) []string {
	var tags []language.Tag
	var names []string
	for name := range available {
		if name == Wildcard {
			continue
		}
		tag, err := language.Parse(name)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		names = append(names, name)
	}
	var out []string
	if acceptLang != "" && len(tags) > 0 {
		matcher := language.NewMatcher(tags)
		if _, idx, conf := matcher.Match(parseAcceptLanguage(acceptLang)...); conf > language.No {
			out = append(out, names[idx])
		}
	}
	return append(out, Wildcard)
}

func parseAcceptLanguage(s string) []language.Tag {
	tags, _, err := language.ParseAcceptLanguage(s)
	if err != nil {
		return nil
	}
	return tags
}

// candidateEncodings orders the Accept-Charset values, then the wildcard.
func candidateEncodings(acceptCharset string, available map[string]map[string]*Representation) []string {
	var out []string
	for _, part := range strings.Split(acceptCharset, ",") {
		value := strings.TrimSpace(part)
		if i := strings.IndexByte(value, ';'); i >= 0 {
			value = strings.TrimSpace(value[:i])
		}
		if value == "" || value == Wildcard {
			continue
		}
		out = append(out, strings.ToLower(value))
	}
	return append(out, Wildcard)
}

// chooseGroup picks the wildcard slot, or the first representation whose
// group the caller holds.
func chooseGroup(ctx *request.Context, grps map[string]*Representation) *Representation {
	if rep, ok := grps[Wildcard]; ok {
		return rep
	}
	if ctx == nil || ctx.Auth == nil {
		return nil
	}
	for _, g := range ctx.Auth.UserInfo.Groups {
		if rep, ok := grps[g]; ok {
			return rep
		}
	}
	return nil
}

// RepresentationPath normalizes requestPath and resolves it through the
// index: directory references (empty or trailing slash) map to the
// directory's negotiated representation, defaulting to index.html; paths
// with no bundle pass through unchanged.
func (i *Index) RepresentationPath(ctx *request.Context, h Headers, requestPath string) string {
	p := strings.Trim(requestPath, "/")
	if b := i.bundles[p]; b != nil {
		if rep := b.Choose(ctx, h); rep != nil {
			return rep.Path
		}
	}
	if p == "" {
		return "index.html"
	}
	if strings.HasSuffix(requestPath, "/") {
		return p + "/index.html"
	}
	return p
}

// ContextKey returns a key identifying the negotiation decision for a
// request, suitable for caching responses. The auth group participates
// only when some bundle negotiates on groups.
func (i *Index) ContextKey(ctx *request.Context, h Headers) string {
	key := h.Accept + "|" + h.AcceptLanguage + "|" + h.AcceptCharset
	if i.grouped {
		key += ":" + ctx.AuthGroup()
	}
	return key
}
