// Package service contains the business logic layer.
//
// This file implements the quota manager: per-user, per-resource usage
// accounting against subscription tier policy limits, with lazy period
// rollover.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/thoufic67/aiflo/internal/domain"
	"github.com/thoufic67/aiflo/internal/metrics"
	"github.com/thoufic67/aiflo/internal/repository"
)

// =============================================================================
// Store Interfaces
// =============================================================================

// QuotaStore is the persistence contract for quota records. It is satisfied
// by repository.QuotaRepo; tests substitute an in-memory fake.
type QuotaStore interface {
	Get(ctx context.Context, userID uuid.UUID, key domain.QuotaKey) (*domain.QuotaRecord, error)
	Create(ctx context.Context, rec *domain.QuotaRecord) (*domain.QuotaRecord, error)
	Reset(ctx context.Context, id uuid.UUID, limit int64, lastResetAt, nextResetAt time.Time) (*domain.QuotaRecord, error)
	Increment(ctx context.Context, userID uuid.UUID, key domain.QuotaKey, units int64) error
	ConsumeIfAvailable(ctx context.Context, userID uuid.UUID, key domain.QuotaKey, units int64) (*domain.QuotaRecord, bool, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.QuotaRecord, error)
	ReinitializeForTier(ctx context.Context, userID uuid.UUID, records []*domain.QuotaRecord) error
}

// =============================================================================
// QuotaManager
// =============================================================================

// QuotaManager enforces and tracks usage against policy limits.
//
// Check and Increment are the two-call contract: Check never mutates the
// counter, Increment never re-checks the limit. Consume is the atomic path
// that collapses both into one conditional update at the store and is what
// the billable flows (chat, image generation) use, so concurrent callers can
// never push usage past the limit.
type QuotaManager struct {
	store  QuotaStore
	logger *slog.Logger

	// now is the injected clock; overridable in tests.
	now func() time.Time
}

// NewQuotaManager creates a QuotaManager backed by the given store.
func NewQuotaManager(store QuotaStore, logger *slog.Logger) *QuotaManager {
	return &QuotaManager{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Check reports whether the user may consume units of the given quota key.
// It lazily creates the record on first use and lazily rolls the period over
// when now >= nextResetAt (the boundary is inclusive). The counter itself is
// not mutated; callers record usage with Increment after the billable action
// succeeds, or use Consume for the atomic path.
//
// Returns nil when allowed, *domain.QuotaError when the limit would be
// exceeded (strictly greater than the limit; landing exactly on it is
// allowed).
func (m *QuotaManager) Check(ctx context.Context, user *domain.User, key domain.QuotaKey, units int64) error {
	const op = "quota.check"

	if err := validUnits(op, key, units); err != nil {
		return err
	}
	rec, err := m.ensureCurrent(ctx, op, user, key)
	if err != nil {
		return err
	}

	if rec.UsedCount+units > rec.QuotaLimit {
		m.logger.Info("quota exceeded",
			"user_id", user.ID,
			"quota_key", key,
			"used", rec.UsedCount,
			"limit", rec.QuotaLimit,
		)
		metrics.QuotaChecksTotal.WithLabelValues(string(key), "exceeded").Inc()
		return domain.QuotaExceeded(op, key, rec.UsedCount, rec.QuotaLimit, rec.NextResetAt)
	}

	metrics.QuotaChecksTotal.WithLabelValues(string(key), "allowed").Inc()
	return nil
}

// Increment records units of completed usage and stamps last-used. It does
// not re-check the limit and does not perform rollover; it exists for callers
// that already passed Check and performed the billable action.
func (m *QuotaManager) Increment(ctx context.Context, userID uuid.UUID, key domain.QuotaKey, units int64) error {
	const op = "quota.increment"

	if err := validUnits(op, key, units); err != nil {
		return err
	}
	if err := m.store.Increment(ctx, userID, key, units); err != nil {
		if repository.IsNotFound(err) {
			return domain.NotFound(op, "quota record", string(key))
		}
		return domain.Internal(err, op, "failed to increment quota")
	}
	return nil
}

// Consume atomically checks and records usage in a single conditional store
// update. When two callers contend for the last remaining units, exactly one
// wins; the other receives a *domain.QuotaError.
func (m *QuotaManager) Consume(ctx context.Context, user *domain.User, key domain.QuotaKey, units int64) error {
	const op = "quota.consume"

	if err := validUnits(op, key, units); err != nil {
		return err
	}
	if _, err := m.ensureCurrent(ctx, op, user, key); err != nil {
		return err
	}

	rec, ok, err := m.store.ConsumeIfAvailable(ctx, user.ID, key, units)
	if err != nil {
		return domain.Internal(err, op, "failed to consume quota")
	}
	if !ok {
		m.logger.Info("quota exceeded",
			"user_id", user.ID,
			"quota_key", key,
			"used", rec.UsedCount,
			"limit", rec.QuotaLimit,
		)
		metrics.QuotaChecksTotal.WithLabelValues(string(key), "exceeded").Inc()
		return domain.QuotaExceeded(op, key, rec.UsedCount, rec.QuotaLimit, rec.NextResetAt)
	}

	metrics.QuotaChecksTotal.WithLabelValues(string(key), "consumed").Inc()
	return nil
}

// Status projects every quota record of a user into display-ready snapshots.
// Read-only: no lazy creation and no rollover, so a lapsed record shows its
// pre-reset figures until the next Check or Consume touches it. Keys without
// a record are absent from the result.
func (m *QuotaManager) Status(ctx context.Context, userID uuid.UUID) (map[domain.QuotaKey]domain.QuotaStatus, error) {
	const op = "quota.status"

	records, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list quota records")
	}

	out := make(map[domain.QuotaKey]domain.QuotaStatus, len(records))
	for _, rec := range records {
		status := domain.QuotaStatus{
			Used:      rec.UsedCount,
			Limit:     rec.QuotaLimit,
			Remaining: rec.QuotaLimit - rec.UsedCount,
			ResetsAt:  rec.NextResetAt,
		}
		if rec.QuotaLimit == 0 {
			// A zero limit means the tier grants none of this resource.
			// Report it as fully used instead of dividing by zero.
			status.PercentageUsed = 100
			status.Remaining = 0
		} else {
			status.PercentageUsed = 100 * float64(rec.UsedCount) / float64(rec.QuotaLimit)
		}
		out[rec.QuotaKey] = status
	}
	return out, nil
}

// InitializeForTier replaces a user's quota records with fresh zero-usage
// records at the given tier's current policy limits. Called when a
// subscription is activated or cancelled.
func (m *QuotaManager) InitializeForTier(ctx context.Context, userID uuid.UUID, tier domain.SubscriptionTier) error {
	const op = "quota.initialize_for_tier"

	now := m.now().UTC()
	records := make([]*domain.QuotaRecord, 0, len(domain.QuotaKeys))
	for _, key := range domain.QuotaKeys {
		rec, err := newRecord(op, userID, tier, key, now)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	if err := m.store.ReinitializeForTier(ctx, userID, records); err != nil {
		return domain.Internal(err, op, "failed to reinitialize quota records")
	}
	m.logger.Info("quota records reinitialized", "user_id", userID, "tier", tier)
	return nil
}

// =============================================================================
// Internals
// =============================================================================

// ensureCurrent loads the record for (user, key), lazily creating it on first
// use and lazily resetting it when the period has lapsed. The reset
// re-resolves the user's current tier policy, so a mid-period plan change
// takes effect at the next rollover rather than lingering indefinitely.
func (m *QuotaManager) ensureCurrent(ctx context.Context, op string, user *domain.User, key domain.QuotaKey) (*domain.QuotaRecord, error) {
	if !key.Valid() {
		return nil, domain.Invalid(op, "unknown quota key: "+string(key))
	}

	now := m.now().UTC()

	rec, err := m.store.Get(ctx, user.ID, key)
	if err != nil {
		if !repository.IsNotFound(err) {
			// Genuine I/O failure fails the request closed; only a
			// missing row triggers lazy creation.
			return nil, domain.Internal(err, op, "failed to load quota record")
		}
		fresh, err := newRecord(op, user.ID, user.Tier(), key, now)
		if err != nil {
			return nil, err
		}
		created, err := m.store.Create(ctx, fresh)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to create quota record")
		}
		return created, nil
	}

	if rec.Expired(now) {
		policy, err := domain.PolicyFor(user.Tier(), key)
		if err != nil {
			return nil, err
		}
		next, err := domain.ComputeNextReset(policy.ResetFrequency, now)
		if err != nil {
			return nil, err
		}
		reset, err := m.store.Reset(ctx, rec.ID, policy.Limit, now, next)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to reset quota record")
		}
		m.logger.Debug("quota period rolled over",
			"user_id", user.ID, "quota_key", key, "next_reset_at", next)
		return reset, nil
	}

	return rec, nil
}

// newRecord builds a fresh record from the tier's current policy.
func newRecord(op string, userID uuid.UUID, tier domain.SubscriptionTier, key domain.QuotaKey, now time.Time) (*domain.QuotaRecord, error) {
	policy, err := domain.PolicyFor(tier, key)
	if err != nil {
		return nil, err
	}
	next, err := domain.ComputeNextReset(policy.ResetFrequency, now)
	if err != nil {
		return nil, err
	}
	return &domain.QuotaRecord{
		ID:             uuid.New(),
		UserID:         userID,
		QuotaKey:       key,
		UsedCount:      0,
		QuotaLimit:     policy.Limit,
		ResetFrequency: policy.ResetFrequency,
		LastResetAt:    now,
		NextResetAt:    next,
	}, nil
}

func validUnits(op string, key domain.QuotaKey, units int64) error {
	if !key.Valid() {
		return domain.Invalid(op, "unknown quota key: "+string(key))
	}
	if units < 0 {
		return domain.Invalid(op, "units must be non-negative")
	}
	return nil
}
