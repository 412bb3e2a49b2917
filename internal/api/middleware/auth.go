package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/bcnelson/hostbeat/internal/auth"
	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/rs/zerolog"
)

type contextKey string

const AdminContextKey contextKey = "admin"

// AdminTokenVerifier verifies an OIDC ID token presented as a bearer token.
type AdminTokenVerifier interface {
	VerifyBearer(ctx context.Context, rawIDToken string) (*auth.OIDCClaims, error)
}

// BearerToken returns the token of an "Authorization: Bearer" header, or ""
// when the header is absent or uses another scheme.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(authHeader[7:])
}

// BearerSecret admits requests whose bearer token equals secret.
func BearerSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" || secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				writeError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "authentication failed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminAuth admits requests bearing the admin API key or, when verifier is
// set, a valid OIDC ID token. The admin identity is stored in the context.
func AdminAuth(apiKey string, verifier AdminTokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "missing authorization header")
				return
			}

			ctx := r.Context()
			if apiKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) == 1 {
				ctx = context.WithValue(ctx, AdminContextKey, "api-key")
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if verifier != nil {
				claims, err := verifier.VerifyBearer(ctx, token)
				if err == nil {
					ctx = context.WithValue(ctx, AdminContextKey, claims.Email)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				zerolog.Ctx(ctx).Debug().Err(err).Msg("admin token rejected")
			}

			writeError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "authentication failed")
		})
	}
}

// GetAdminFromContext returns the admin identity of the request.
func GetAdminFromContext(ctx context.Context) string {
	admin, _ := ctx.Value(AdminContextKey).(string)
	return admin
}
