package acm

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/locomote-sh/content-server/internal/errs"
	"github.com/locomote-sh/content-server/internal/request"
)

// Anonymous is the principal for requests carrying no credentials on a
// branch that does not force authentication.
var Anonymous = request.User{Name: "anonymous"}

// Authenticate resolves the caller against the settings' method. On a
// secure context missing or bad credentials raise *errs.AuthError;
// insecure contexts degrade to the anonymous user.
func Authenticate(r *http.Request, ctx *request.Context, st *Settings) (request.User, error) {
	switch st.Method {
	case "basic":
		return basicAuth(r, ctx, st)
	case "test":
		if st.TestUser != nil {
			return *st.TestUser, nil
		}
		return request.User{Name: "test", Authenticated: true}, nil
	default:
		return request.User{}, fmt.Errorf("unknown auth method %q", st.Method)
	}
}

func basicAuth(r *http.Request, ctx *request.Context, st *Settings) (request.User, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		if ctx.Secure {
			return request.User{}, authRequired(ctx, st)
		}
		return Anonymous, nil
	}
	entry, known := st.Users[user]
	if !known || subtle.ConstantTimeCompare([]byte(entry.Password), []byte(pass)) != 1 {
		return request.User{}, &errs.AuthError{
			Status:  http.StatusUnauthorized,
			Message: "invalid credentials",
			Headers: map[string]string{"WWW-Authenticate": challenge(ctx, st)},
		}
	}
	return request.User{Name: user, Authenticated: true, Groups: entry.Groups}, nil
}

func authRequired(ctx *request.Context, st *Settings) error {
	return &errs.AuthError{
		Status:  http.StatusUnauthorized,
		Message: "authentication required",
		Headers: map[string]string{"WWW-Authenticate": challenge(ctx, st)},
	}
}

// challenge interpolates the realm template with the request's address.
func challenge(ctx *request.Context, st *Settings) string {
	realm := strings.NewReplacer(
		"{account}", ctx.Account,
		"{repo}", ctx.Repo,
		"{branch}", ctx.Branch,
	).Replace(st.Realm)
	return fmt.Sprintf("Basic realm=%q", realm)
}
