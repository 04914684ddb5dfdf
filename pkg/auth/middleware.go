package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

type contextKey string

const userContextKey contextKey = "auth.user"

// CookieName is the cookie carrying the access token for browser sessions.
const CookieName = "access_token"

// publicPrefixes bypass authentication entirely: health checks, static
// assets, the login flow and inbound webhooks (which carry no user session).
var publicPrefixes = []string{
	"/health",
	"/static",
	"/login",
	"/api/auth/login",
	"/api/auth/verify",
	"/api/setup",
	"/webhooks",
}

// UserFrom extracts the authenticated user attached by Middleware.
func UserFrom(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userContextKey).(*User)
	return u, ok
}

// WithUser attaches a user to a context. Exposed for handler tests.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

// Middleware authenticates every non-public request. The token is taken from
// the access_token cookie first, then from the Authorization bearer header.
// Rejections are a JSON 401 for API and webhook paths and a redirect to
// /login for browser paths. With no secret configured at all, requests pass
// through with a warning so local development works without setup.
func Middleware(svc *Service) func(http.Handler) http.Handler {
	var warnOnce sync.Once
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if !svc.Enabled() {
				warnOnce.Do(func() {
					slog.Warn("auth: no jwt_secret or access_token configured, requests are not authenticated")
				})
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				rejectRequest(w, r, "missing credentials")
				return
			}

			// Legacy deployments authenticate with one shared secret.
			if svc.LegacyToken != "" && token == svc.LegacyToken {
				ctx := WithUser(r.Context(), &User{ID: "legacy", Level: LevelAdminGeral})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			user, err := svc.ValidateToken(r.Context(), token)
			if err != nil {
				slog.Debug("auth: token rejected", "path", r.URL.Path, "error", err)
				rejectRequest(w, r, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireAdminGeral allows only ADMIN_GERAL users through.
func RequireAdminGeral(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFrom(r.Context())
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !user.IsAdminGeral() {
			writeAuthError(w, http.StatusForbidden, "insufficient privileges")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireGroupAdmin allows ADMIN and ADMIN_GERAL users through.
func RequireGroupAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFrom(r.Context())
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !user.IsGroupAdmin() {
			writeAuthError(w, http.StatusForbidden, "insufficient privileges")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isPublicPath(path string) bool {
	if path == "/" {
		return true
	}
	for _, prefix := range publicPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func extractToken(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func rejectRequest(w http.ResponseWriter, r *http.Request, message string) {
	if wantsJSON(r) {
		writeAuthError(w, http.StatusUnauthorized, message)
		return
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

func wantsJSON(r *http.Request) bool {
	path := r.URL.Path
	if strings.HasPrefix(path, "/api/") || strings.HasPrefix(path, "/webhooks/") {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json")
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": message})
}
