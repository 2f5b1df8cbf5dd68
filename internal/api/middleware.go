package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/devtari-io/cronback/internal/auth"
	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
)

// TokenVerifier resolves bearer tokens to identities.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Identity, error)
}

type contextKey int

const identityKey contextKey = iota

// RequireAuth authenticates the request's bearer token and stashes the
// resolved identity in the context. Admin callers may impersonate a project
// via the Cronback-Project-Id header.
func RequireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			ident, err := verifier.Verify(r.Context(), token)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{
					Error: "invalid or missing api key",
					Kind:  string(domain.ErrNotFound),
				})
				return
			}
			if ident.IsAdmin {
				if p := r.Header.Get("Cronback-Project-Id"); p != "" {
					ident = &auth.Identity{Project: ids.ProjectId(p), IsAdmin: true}
				}
			}
			ctx := context.WithValue(r.Context(), identityKey, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// IdentityFrom returns the authenticated identity, if any.
func IdentityFrom(ctx context.Context) (*auth.Identity, bool) {
	ident, ok := ctx.Value(identityKey).(*auth.Identity)
	return ident, ok
}

// ProjectFrom returns the project the request is scoped to.
func ProjectFrom(ctx context.Context) (ids.ProjectId, bool) {
	ident, ok := IdentityFrom(ctx)
	if !ok || ident.Project == "" {
		return "", false
	}
	return ident.Project, true
}
