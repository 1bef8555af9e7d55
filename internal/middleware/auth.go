// Package middleware contains HTTP middleware for the Aiflo API.
//
// Middleware functions follow the standard pattern of wrapping http.Handler
// and are composed with Stack.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/thoufic67/aiflo/internal/domain"
)

const (
	// SessionCookieName stores the session token for browser clients.
	SessionCookieName = "aiflo_session"

	// SessionCookieMaxAge matches the session duration in the user service.
	SessionCookieMaxAge = 30 * 24 * 60 * 60
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const userContextKey contextKey = "user"

// GetUser retrieves the authenticated user from the request context, or nil
// when the request is unauthenticated.
func GetUser(ctx context.Context) *domain.User {
	user, ok := ctx.Value(userContextKey).(*domain.User)
	if !ok {
		return nil
	}
	return user
}

func setUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// SessionResolver resolves a raw session token to a user. Satisfied by
// service.UserService.
type SessionResolver interface {
	GetBySessionToken(ctx context.Context, token string) (*domain.User, error)
}

// AuthMiddleware loads and requires authenticated users.
type AuthMiddleware struct {
	sessions SessionResolver
	logger   *slog.Logger
	isSecure bool

	// unauthorized writes the 401 response; injected to avoid an import
	// cycle with the handler package.
	unauthorized http.HandlerFunc
}

// NewAuthMiddleware creates an AuthMiddleware. unauthorized renders the 401
// response body. isSecure enables the Secure cookie flag in production.
func NewAuthMiddleware(sessions SessionResolver, logger *slog.Logger, isSecure bool, unauthorized http.HandlerFunc) *AuthMiddleware {
	return &AuthMiddleware{
		sessions:     sessions,
		logger:       logger,
		isSecure:     isSecure,
		unauthorized: unauthorized,
	}
}

// WithUser resolves the session from the cookie or Authorization header and
// stores the user in the request context. Requests without a valid session
// continue unauthenticated.
func (m *AuthMiddleware) WithUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, err := m.sessions.GetBySessionToken(r.Context(), token)
		if err != nil {
			// Invalid or expired session. Clear the cookie if that's where
			// the token came from and continue unauthenticated.
			if _, cerr := r.Cookie(SessionCookieName); cerr == nil {
				ClearSessionCookie(w, m.isSecure)
			}
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(setUser(r.Context(), user)))
	})
}

// RequireUser rejects unauthenticated requests with 401. Must run after
// WithUser.
func (m *AuthMiddleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUser(r.Context()) == nil {
			m.unauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sessionToken extracts the raw session token from the Authorization bearer
// header or the session cookie, in that order.
func sessionToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// SetSessionCookie sets the session cookie: HttpOnly, SameSite=Lax, Secure in
// production.
func SetSessionCookie(w http.ResponseWriter, token string, isSecure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   SessionCookieMaxAge,
		HttpOnly: true,
		Secure:   isSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie deletes the session cookie on the client.
func ClearSessionCookie(w http.ResponseWriter, isSecure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   isSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Stack composes middleware; the first argument is the outermost.
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
