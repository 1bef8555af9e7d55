package handler

import (
	"log/slog"
	"net/http"

	"github.com/thoufic67/aiflo/internal/domain"
	"github.com/thoufic67/aiflo/internal/middleware"
	"github.com/thoufic67/aiflo/internal/service"
)

// AuthHandler serves registration, login, and session management.
//
// Routes:
//   - POST /api/auth/register (public, rate limited)
//   - POST /api/auth/login    (public, rate limited)
//   - POST /api/auth/logout   (authenticated)
//   - GET  /api/auth/me       (authenticated)
type AuthHandler struct {
	users       *service.UserService
	rateLimiter *middleware.AuthRateLimiter
	isSecure    bool
	logger      *slog.Logger
}

// NewAuthHandler creates an AuthHandler. isSecure controls the Secure flag on
// session cookies.
func NewAuthHandler(users *service.UserService, rateLimiter *middleware.AuthRateLimiter, isSecure bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		users:       users,
		rateLimiter: rateLimiter,
		isSecure:    isSecure,
		logger:      logger,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// userResponse is the wire shape for a user. The password hash never leaves
// the service layer.
type userResponse struct {
	ID                 string `json:"id"`
	Email              string `json:"email"`
	Name               string `json:"name,omitempty"`
	SubscriptionTier   string `json:"subscriptionTier"`
	SubscriptionStatus string `json:"subscriptionStatus,omitempty"`
}

func toUserResponse(u *domain.User) userResponse {
	return userResponse{
		ID:                 u.ID.String(),
		Email:              u.Email,
		Name:               u.Name,
		SubscriptionTier:   string(u.Tier()),
		SubscriptionStatus: string(u.SubscriptionStatus),
	}
}

// HandleRegister creates an account and opens a session.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	result, err := h.users.Register(r.Context(), domain.RegisterParams{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	middleware.SetSessionCookie(w, result.Token, h.isSecure)
	respondJSON(w, h.logger, http.StatusCreated, map[string]any{
		"user":  toUserResponse(result.User),
		"token": result.Token,
	})
}

// HandleLogin authenticates and opens a session. Failed attempts count
// against the per-IP login limiter.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	result, err := h.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if domain.ErrorCode(err) == domain.EUNAUTHORIZED {
			h.rateLimiter.RecordFailedLogin(middleware.GetClientIP(r))
		}
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.rateLimiter.ResetLogin(middleware.GetClientIP(r))
	middleware.SetSessionCookie(w, result.Token, h.isSecure)
	respondJSON(w, h.logger, http.StatusOK, map[string]any{
		"user":  toUserResponse(result.User),
		"token": result.Token,
	})
}

// HandleLogout revokes the current session and clears the cookie.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if token := sessionTokenFromRequest(r); token != "" {
		if err := h.users.Logout(r.Context(), token); err != nil {
			h.logger.Warn("logout failed", "error", err)
		}
	}

	middleware.ClearSessionCookie(w, h.isSecure)
	respondJSON(w, h.logger, http.StatusOK, map[string]any{"ok": true})
}

// HandleMe returns the authenticated user.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	respondJSON(w, h.logger, http.StatusOK, map[string]any{"user": toUserResponse(user)})
}

// sessionTokenFromRequest extracts the raw session token the same way the
// auth middleware resolves it.
func sessionTokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	if c, err := r.Cookie(middleware.SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}
