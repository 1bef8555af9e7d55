package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/thoufic67/aiflo/internal/domain"
)

// QuotaRepo persists per-user quota records.
type QuotaRepo struct {
	pool *pgxpool.Pool
}

const quotaColumns = `id, user_id, quota_key, used_count, quota_limit, reset_frequency,
	last_reset_at, next_reset_at, last_used_at, created_at, updated_at`

func scanQuotaRecord(row pgx.Row) (*domain.QuotaRecord, error) {
	var rec domain.QuotaRecord
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.QuotaKey,
		&rec.UsedCount,
		&rec.QuotaLimit,
		&rec.ResetFrequency,
		&rec.LastResetAt,
		&rec.NextResetAt,
		&rec.LastUsedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan quota record: %w", err)
	}
	return &rec, nil
}

// Get loads the record for a (user, quota key) pair.
func (r *QuotaRepo) Get(ctx context.Context, userID uuid.UUID, key domain.QuotaKey) (*domain.QuotaRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+quotaColumns+` FROM quota_records WHERE user_id = $1 AND quota_key = $2`,
		userID, key)
	return scanQuotaRecord(row)
}

// ListByUser returns every quota record belonging to a user.
func (r *QuotaRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.QuotaRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+quotaColumns+` FROM quota_records WHERE user_id = $1 ORDER BY quota_key`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list quota records: %w", err)
	}
	defer rows.Close()

	var records []*domain.QuotaRecord
	for rows.Next() {
		rec, err := scanQuotaRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Create inserts a fresh record. A concurrent creator may win the race on the
// (user_id, quota_key) unique constraint; in that case the existing row is
// returned instead.
func (r *QuotaRepo) Create(ctx context.Context, rec *domain.QuotaRecord) (*domain.QuotaRecord, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO quota_records
			(id, user_id, quota_key, used_count, quota_limit, reset_frequency, last_reset_at, next_reset_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, quota_key) DO UPDATE SET updated_at = now()
		RETURNING `+quotaColumns,
		rec.ID, rec.UserID, rec.QuotaKey, rec.UsedCount, rec.QuotaLimit,
		rec.ResetFrequency, rec.LastResetAt, rec.NextResetAt)
	return scanQuotaRecord(row)
}

// Reset zeroes the counter and starts a new period. The limit snapshot is
// refreshed to the supplied value.
func (r *QuotaRepo) Reset(ctx context.Context, id uuid.UUID, limit int64, lastResetAt, nextResetAt time.Time) (*domain.QuotaRecord, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE quota_records
		SET used_count = 0, quota_limit = $2, last_reset_at = $3, next_reset_at = $4, updated_at = now()
		WHERE id = $1
		RETURNING `+quotaColumns,
		id, limit, lastResetAt, nextResetAt)
	return scanQuotaRecord(row)
}

// Increment unconditionally adds units to the counter and stamps last usage.
func (r *QuotaRepo) Increment(ctx context.Context, userID uuid.UUID, key domain.QuotaKey, units int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE quota_records
		SET used_count = used_count + $3, last_used_at = now(), updated_at = now()
		WHERE user_id = $1 AND quota_key = $2`,
		userID, key, units)
	if err != nil {
		return fmt.Errorf("increment quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeIfAvailable performs the atomic conditional increment: a single
// round trip that only commits when the new usage stays within the limit.
// Returns the updated record and true when the units were consumed, or the
// unchanged state and false when the quota is exhausted. Concurrent callers
// contending for the last unit are serialized by the row update; exactly one
// wins.
func (r *QuotaRepo) ConsumeIfAvailable(ctx context.Context, userID uuid.UUID, key domain.QuotaKey, units int64) (*domain.QuotaRecord, bool, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE quota_records
		SET used_count = used_count + $3, last_used_at = now(), updated_at = now()
		WHERE user_id = $1 AND quota_key = $2 AND used_count + $3 <= quota_limit
		RETURNING `+quotaColumns,
		userID, key, units)

	rec, err := scanQuotaRecord(row)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	// Either the row does not exist or the conditional update rejected it.
	// Re-read to tell the two apart.
	rec, err = r.Get(ctx, userID, key)
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

// ReinitializeForTier replaces a user's quota records with fresh ones for a
// new tier, in one transaction. Existing usage is discarded.
func (r *QuotaRepo) ReinitializeForTier(ctx context.Context, userID uuid.UUID, records []*domain.QuotaRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM quota_records WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete quota records: %w", err)
	}
	for _, rec := range records {
		_, err := tx.Exec(ctx, `
			INSERT INTO quota_records
				(id, user_id, quota_key, used_count, quota_limit, reset_frequency, last_reset_at, next_reset_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			rec.ID, rec.UserID, rec.QuotaKey, rec.UsedCount, rec.QuotaLimit,
			rec.ResetFrequency, rec.LastResetAt, rec.NextResetAt)
		if err != nil {
			return fmt.Errorf("insert quota record %s: %w", rec.QuotaKey, err)
		}
	}
	return tx.Commit(ctx)
}
