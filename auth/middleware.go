package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hazyhaar/gridsync/kit"
)

type claimsKey struct{}

// TokenFromRequest extracts a token from the Authorization Bearer header,
// the token cookie or the "token" query parameter, in that order. Browsers
// cannot set headers on a websocket upgrade, hence the query fallback.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

// WithClaims stores claims and the derived kit values in ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	ctx = context.WithValue(ctx, claimsKey{}, c)
	ctx = kit.WithIdentity(ctx, c.Identity())
	ctx = kit.WithRole(ctx, c.Role)
	return kit.WithAuthorized(ctx, c.Authorized)
}

// GetClaims returns the claims stored in ctx, or nil.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// Middleware verifies a token when one is present and stores its claims in
// the request context. Requests without a valid token pass through
// anonymous; use RequireRole to enforce.
func Middleware(iss *Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := TokenFromRequest(r)
			if tok == "" || iss == nil {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := iss.Verify(tok)
			if err != nil {
				if c, cerr := r.Cookie(CookieName); cerr == nil && c.Value == tok {
					ClearTokenCookie(w)
				}
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireRole rejects requests without a token (401) or without role (403).
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := GetClaims(r.Context())
			switch {
			case c == nil:
				writeError(w, http.StatusUnauthorized, "unauthenticated")
			case c.Role != role:
				writeError(w, http.StatusForbidden, "forbidden")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": reason})
}
