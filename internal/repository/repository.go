// Package repository provides Postgres persistence for Aiflo.
//
// Repositories translate between database rows and domain types. They return
// ErrNotFound for missing rows so callers can distinguish "no row" (expected,
// often triggers lazy creation) from genuine I/O failure.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// IsNotFound reports whether err indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Repositories bundles every repository over one connection pool.
type Repositories struct {
	pool *pgxpool.Pool

	Users         *UserRepo
	Quotas        *QuotaRepo
	Conversations *ConversationRepo
	Attachments   *AttachmentRepo
	WebhookEvents *WebhookEventRepo
	Jobs          *JobRepo
}

// New creates the repository set over an established pool.
func New(pool *pgxpool.Pool) *Repositories {
	return &Repositories{
		pool:          pool,
		Users:         &UserRepo{pool: pool},
		Quotas:        &QuotaRepo{pool: pool},
		Conversations: &ConversationRepo{pool: pool},
		Attachments:   &AttachmentRepo{pool: pool},
		WebhookEvents: &WebhookEventRepo{pool: pool},
		Jobs:          &JobRepo{pool: pool},
	}
}

// Connect opens and pings a pgx connection pool.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
