package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/thoufic67/aiflo/internal/domain"
	"github.com/thoufic67/aiflo/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// Store Interfaces
// =============================================================================

// UserStore is the persistence contract for users and sessions. Satisfied by
// repository.UserRepo.
type UserStore interface {
	Create(ctx context.Context, u *domain.User) (*domain.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*domain.User, error)
	UpdateSubscription(ctx context.Context, id uuid.UUID, tier domain.SubscriptionTier, status domain.SubscriptionStatus, subscriptionID, customerID string) error
	CreateSession(ctx context.Context, s *domain.Session) error
	GetUserByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*domain.User, error)
	DeleteSession(ctx context.Context, tokenHash string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// =============================================================================
// UserService
// =============================================================================

const (
	bcryptCost      = 12
	sessionDuration = 30 * 24 * time.Hour
	minPasswordLen  = 8
)

// UserService handles registration, login, and session resolution.
type UserService struct {
	store  UserStore
	quotas *QuotaManager
	logger *slog.Logger

	now func() time.Time
}

// NewUserService creates a UserService. The quota manager seeds free-tier
// records for new accounts.
func NewUserService(store UserStore, quotas *QuotaManager, logger *slog.Logger) *UserService {
	return &UserService{
		store:  store,
		quotas: quotas,
		logger: logger,
		now:    time.Now,
	}
}

// Register creates a new account, seeds free-tier quota records, and opens a
// session.
func (s *UserService) Register(ctx context.Context, params domain.RegisterParams) (*domain.LoginResult, error) {
	const op = "user.register"

	email := strings.ToLower(strings.TrimSpace(params.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, domain.Invalid(op, "a valid email is required")
	}
	if len(params.Password) < minPasswordLen {
		return nil, domain.Invalid(op, "password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), bcryptCost)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to hash password")
	}

	user, err := s.store.Create(ctx, &domain.User{
		ID:                 uuid.New(),
		Email:              email,
		PasswordHash:       string(hash),
		Name:               strings.TrimSpace(params.Name),
		SubscriptionTier:   domain.TierFree,
		SubscriptionStatus: domain.SubscriptionStatusCreated,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, domain.Conflict(op, "email is already registered")
		}
		return nil, domain.Internal(err, op, "failed to create user")
	}

	if err := s.quotas.InitializeForTier(ctx, user.ID, domain.TierFree); err != nil {
		s.logger.Error("failed to seed quota records for new user",
			"user_id", user.ID, "error", err)
	}

	token, err := s.openSession(ctx, op, user.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user registered", "user_id", user.ID)
	return &domain.LoginResult{User: user, Token: token}, nil
}

// Login verifies credentials and opens a session.
func (s *UserService) Login(ctx context.Context, email, password string) (*domain.LoginResult, error) {
	const op = "user.login"

	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, domain.Unauthorized(op, "invalid email or password")
		}
		return nil, domain.Internal(err, op, "failed to load user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, domain.Unauthorized(op, "invalid email or password")
	}

	token, err := s.openSession(ctx, op, user.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user logged in", "user_id", user.ID)
	return &domain.LoginResult{User: user, Token: token}, nil
}

// Logout deletes the session for the given raw token. Idempotent.
func (s *UserService) Logout(ctx context.Context, token string) error {
	const op = "user.logout"

	if err := s.store.DeleteSession(ctx, hashToken(token)); err != nil {
		return domain.Internal(err, op, "failed to delete session")
	}
	return nil
}

// GetBySessionToken resolves a raw session token to its user. Returns an
// EUNAUTHORIZED error for unknown or expired tokens.
func (s *UserService) GetBySessionToken(ctx context.Context, token string) (*domain.User, error) {
	const op = "user.get_by_session"

	if token == "" {
		return nil, domain.Unauthorized(op, "missing session token")
	}
	user, err := s.store.GetUserByTokenHash(ctx, hashToken(token), s.now().UTC())
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, domain.Unauthorized(op, "invalid or expired session")
		}
		return nil, domain.Internal(err, op, "failed to resolve session")
	}
	return user, nil
}

// GetByID loads a user by ID.
func (s *UserService) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	const op = "user.get_by_id"

	user, err := s.store.GetByID(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, domain.NotFound(op, "user", id.String())
		}
		return nil, domain.Internal(err, op, "failed to load user")
	}
	return user, nil
}

// CleanupExpiredSessions deletes expired sessions; run periodically by the
// worker.
func (s *UserService) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	const op = "user.cleanup_sessions"

	n, err := s.store.DeleteExpiredSessions(ctx, s.now().UTC())
	if err != nil {
		return 0, domain.Internal(err, op, "failed to delete expired sessions")
	}
	return n, nil
}

// openSession mints a raw token, stores its hash, and returns the raw token.
func (s *UserService) openSession(ctx context.Context, op string, userID uuid.UUID) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", domain.Internal(err, op, "failed to generate session token")
	}
	token := hex.EncodeToString(raw)

	err := s.store.CreateSession(ctx, &domain.Session{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: hashToken(token),
		ExpiresAt: s.now().UTC().Add(sessionDuration),
	})
	if err != nil {
		return "", domain.Internal(err, op, "failed to create session")
	}
	return token, nil
}

// hashToken hashes a raw session token for storage and lookup.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
