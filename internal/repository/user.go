package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/thoufic67/aiflo/internal/domain"
)

// ErrDuplicateEmail is returned when registering an email that already exists.
var ErrDuplicateEmail = errors.New("email already registered")

// UserRepo persists users and sessions.
type UserRepo struct {
	pool *pgxpool.Pool
}

const userColumns = `id, email, password_hash, name, subscription_tier, subscription_status,
	subscription_id, customer_id, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&u.Name,
		&u.SubscriptionTier,
		&u.SubscriptionStatus,
		&u.SubscriptionID,
		&u.CustomerID,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// Create inserts a new user.
func (r *UserRepo) Create(ctx context.Context, u *domain.User) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, name, subscription_tier, subscription_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+userColumns,
		u.ID, u.Email, u.PasswordHash, u.Name, u.SubscriptionTier, u.SubscriptionStatus)
	created, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return created, nil
}

// GetByID loads a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByEmail loads a user by email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// GetByCustomerID loads a user by their payment gateway customer ID.
func (r *UserRepo) GetByCustomerID(ctx context.Context, customerID string) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE customer_id = $1`, customerID)
	return scanUser(row)
}

// GetBySubscriptionID loads a user by their payment gateway subscription ID.
func (r *UserRepo) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE subscription_id = $1`, subscriptionID)
	return scanUser(row)
}

// UpdateSubscription sets the user's tier, status, and gateway IDs.
func (r *UserRepo) UpdateSubscription(ctx context.Context, id uuid.UUID, tier domain.SubscriptionTier, status domain.SubscriptionStatus, subscriptionID, customerID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users
		SET subscription_tier = $2, subscription_status = $3, subscription_id = $4,
			customer_id = $5, updated_at = now()
		WHERE id = $1`,
		id, tier, status, subscriptionID, customerID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSession stores a hashed session token.
func (r *UserRepo) CreateSession(ctx context.Context, s *domain.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)`,
		s.ID, s.UserID, s.TokenHash, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetUserByTokenHash resolves an unexpired session token hash to its user.
func (r *UserRepo) GetUserByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT u.id, u.email, u.password_hash, u.name, u.subscription_tier, u.subscription_status,
			u.subscription_id, u.customer_id, u.created_at, u.updated_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = $1 AND s.expires_at > $2`,
		tokenHash, now)
	return scanUser(row)
}

// DeleteSession removes a session by its token hash. Idempotent.
func (r *UserRepo) DeleteSession(ctx context.Context, tokenHash string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes all sessions past their expiry.
func (r *UserRepo) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
