package acm

import (
	"net/http"
	"strings"

	"github.com/locomote-sh/content-server/internal/fingerprint"
	"github.com/locomote-sh/content-server/internal/request"
	"github.com/locomote-sh/content-server/internal/util/sets"
)

// BuildAuth assembles the request's auth context. The accessible set is
// the unrestricted categories plus every group the user holds or the
// request derived; a restricted category becomes visible when its name
// appears among those groups.
func BuildAuth(st *Settings, user request.User, derived *Derived) *request.Auth {
	accessible := sets.New[string](st.Filesets.Unrestricted()...)
	for _, g := range user.Groups {
		accessible.Add(g)
	}
	for _, g := range derived.Groups {
		accessible.Add(g)
	}

	return &request.Auth{
		UserInfo:    user,
		Accessible:  accessible,
		Group:       groupFingerprint(st, accessible, true),
		DollarGroup: groupFingerprint(st, accessible, false),
		Filter:      derived.Filter(),
		Rewrites:    st.Rewrites,
	}
}

// groupFingerprint canonicalizes the accessible set into a sorted list,
// replacing fileset category names with their definition fingerprints,
// and hashes it. withCVS=false drops client-visible-set groups, yielding
// the drift-detection fingerprint.
func groupFingerprint(st *Settings, accessible sets.Set[string], withCVS bool) string {
	var parts []string
	for _, name := range sets.SortedStrings(accessible) {
		if !withCVS && strings.HasPrefix(name, CVSGroupPrefix) {
			continue
		}
		if fp, ok := st.Fingerprints[name]; ok {
			parts = append(parts, fp)
			continue
		}
		parts = append(parts, name)
	}
	return fingerprint.Strings(parts)
}

// Apply authenticates the request and attaches the full auth context to
// ctx. cvs, when non-nil, is the client-visible set read from the
// request body.
func (s *Service) Apply(ctx *request.Context, r *http.Request, cvs map[string]string) error {
	st, err := s.SettingsFor(ctx)
	if err != nil {
		return err
	}
	user, err := Authenticate(r, ctx, st)
	if err != nil {
		return err
	}

	derived := &Derived{}
	derived.DeriveLanguage(r.Header.Get("Accept-Language"))
	if err := derived.DeriveFilter(r.URL.Query()); err != nil {
		return err
	}
	if err := derived.DeriveCVS(cvs); err != nil {
		return err
	}

	ctx.Auth = BuildAuth(st, user, derived)
	return nil
}
