package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thoufic67/aiflo/internal/domain"
	"github.com/thoufic67/aiflo/internal/repository"
)

// =============================================================================
// In-Memory QuotaStore Fake
// =============================================================================

type memQuotaStore struct {
	mu      sync.Mutex
	records map[string]*domain.QuotaRecord // keyed by userID/quotaKey
	failGet error                          // when set, Get returns this error
}

func newMemQuotaStore() *memQuotaStore {
	return &memQuotaStore{records: make(map[string]*domain.QuotaRecord)}
}

func storeKey(userID uuid.UUID, key domain.QuotaKey) string {
	return userID.String() + "/" + string(key)
}

func (s *memQuotaStore) Get(_ context.Context, userID uuid.UUID, key domain.QuotaKey) (*domain.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, s.failGet
	}
	rec, ok := s.records[storeKey(userID, key)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memQuotaStore) Create(_ context.Context, rec *domain.QuotaRecord) (*domain.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := storeKey(rec.UserID, rec.QuotaKey)
	if existing, ok := s.records[k]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *rec
	s.records[k] = &cp
	out := cp
	return &out, nil
}

func (s *memQuotaStore) Reset(_ context.Context, id uuid.UUID, limit int64, lastResetAt, nextResetAt time.Time) (*domain.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ID == id {
			rec.UsedCount = 0
			rec.QuotaLimit = limit
			rec.LastResetAt = lastResetAt
			rec.NextResetAt = nextResetAt
			cp := *rec
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memQuotaStore) Increment(_ context.Context, userID uuid.UUID, key domain.QuotaKey, units int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[storeKey(userID, key)]
	if !ok {
		return repository.ErrNotFound
	}
	rec.UsedCount += units
	now := time.Now()
	rec.LastUsedAt = &now
	return nil
}

func (s *memQuotaStore) ConsumeIfAvailable(_ context.Context, userID uuid.UUID, key domain.QuotaKey, units int64) (*domain.QuotaRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[storeKey(userID, key)]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if rec.UsedCount+units > rec.QuotaLimit {
		cp := *rec
		return &cp, false, nil
	}
	rec.UsedCount += units
	now := time.Now()
	rec.LastUsedAt = &now
	cp := *rec
	return &cp, true, nil
}

func (s *memQuotaStore) ListByUser(_ context.Context, userID uuid.UUID) ([]*domain.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.QuotaRecord
	for _, rec := range s.records {
		if rec.UserID == userID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memQuotaStore) ReinitializeForTier(_ context.Context, userID uuid.UUID, records []*domain.QuotaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, rec := range s.records {
		if rec.UserID == userID {
			delete(s.records, k)
		}
	}
	for _, rec := range records {
		cp := *rec
		s.records[storeKey(rec.UserID, rec.QuotaKey)] = &cp
	}
	return nil
}

// =============================================================================
// Test Helpers
// =============================================================================

func testUser(tier domain.SubscriptionTier) *domain.User {
	return &domain.User{
		ID:                 uuid.New(),
		Email:              "test@example.com",
		SubscriptionTier:   tier,
		SubscriptionStatus: domain.SubscriptionStatusActive,
	}
}

func newTestManager(store QuotaStore, at time.Time) *QuotaManager {
	m := NewQuotaManager(store, newTestLogger())
	m.now = func() time.Time { return at }
	return m
}

func quotaErr(t *testing.T, err error) *domain.QuotaError {
	t.Helper()
	var qe *domain.QuotaError
	require.True(t, errors.As(err, &qe), "expected QuotaError, got %v", err)
	return qe
}

// =============================================================================
// Check / Increment
// =============================================================================

func TestCheckCreatesRecordLazily(t *testing.T) {
	store := newMemQuotaStore()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestManager(store, now)
	user := testUser(domain.TierFree)

	err := m.Check(context.Background(), user, domain.QuotaKeySmallMessages, 1)
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), user.ID, domain.QuotaKeySmallMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.UsedCount, "check must not consume")
	assert.Equal(t, int64(10), rec.QuotaLimit)
	assert.Equal(t, domain.ResetFrequencyMonthly, rec.ResetFrequency)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), rec.NextResetAt)
}

func TestLimitEnforcementSequence(t *testing.T) {
	// P1: with limit L, the L-th check+increment succeeds and the (L+1)-th
	// check fails within the same period.
	store := newMemQuotaStore()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestManager(store, now)
	user := testUser(domain.TierFree) // small_messages limit 10
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Check(ctx, user, domain.QuotaKeySmallMessages, 1), "check %d", i+1)
		require.NoError(t, m.Increment(ctx, user.ID, domain.QuotaKeySmallMessages, 1), "increment %d", i+1)
	}

	err := m.Check(ctx, user, domain.QuotaKeySmallMessages, 1)
	qe := quotaErr(t, err)
	assert.Equal(t, int64(10), qe.Used)
	assert.Equal(t, int64(10), qe.Limit)
	assert.Equal(t, domain.QuotaKeySmallMessages, qe.Key)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), qe.ResetsAt)
}

func TestExactBoundaryAllowed(t *testing.T) {
	// P2: used + units == limit is allowed; one more unit is rejected.
	store := newMemQuotaStore()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestManager(store, now)
	user := testUser(domain.TierFree)
	ctx := context.Background()

	require.NoError(t, m.Check(ctx, user, domain.QuotaKeySmallMessages, 1))
	require.NoError(t, m.Increment(ctx, user.ID, domain.QuotaKeySmallMessages, 9))

	assert.NoError(t, m.Check(ctx, user, domain.QuotaKeySmallMessages, 1), "9+1 == 10 must be allowed")
	assert.Error(t, m.Check(ctx, user, domain.QuotaKeySmallMessages, 2), "9+2 == 11 must be rejected")
}

func TestCheckMultiUnitWeight(t *testing.T) {
	store := newMemQuotaStore()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestManager(store, now)
	user := testUser(domain.TierFree)
	ctx := context.Background()

	require.NoError(t, m.Check(ctx, user, domain.QuotaKeySmallMessages, 10))
	assert.Error(t, m.Check(ctx, user, domain.QuotaKeySmallMessages, 11))
	assert.NoError(t, m.Check(ctx, user, domain.QuotaKeySmallMessages, 0), "zero units is a pure availability probe")
}

func TestCheckRejectsNegativeUnits(t *testing.T) {
	store := newMemQuotaStore()
	m := newTestManager(store, time.Now())
	err := m.Check(context.Background(), testUser(domain.TierFree), domain.QuotaKeySmallMessages, -1)
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestCheckRejectsUnknownKey(t *testing.T) {
	store := newMemQuotaStore()
	m := newTestManager(store, time.Now())
	err := m.Check(context.Background(), testUser(domain.TierFree), domain.QuotaKey("video_generation"), 1)
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestCheckFailsClosedOnStoreError(t *testing.T) {
	store := newMemQuotaStore()
	store.failGet = errors.New("connection refused")
	m := newTestManager(store, time.Now())

	err := m.Check(context.Background(), testUser(domain.TierFree), domain.QuotaKeySmallMessages, 1)
	require.Error(t, err)
	assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(err), "I/O failure must not grant quota")
}

func TestZeroLimitAlwaysExceeded(t *testing.T) {
	// Free tier has a zero large_messages limit: the first single-unit check
	// must already fail.
	store := newMemQuotaStore()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestManager(store, now)
	user := testUser(domain.TierFree)

	err := m.Check(context.Background(), user, domain.QuotaKeyLargeMessages, 1)
	qe := quotaErr(t, err)
	assert.Equal(t, int64(0), qe.Limit)
}

// =============================================================================
// Lazy Reset
// =============================================================================

func TestLazyResetAtBoundary(t *testing.T) {
	// P3: a check at exactly nextResetAt resets the counter and recomputes
	// nextResetAt strictly greater, regardless of prior usage.
	store := newMemQuotaStore()
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestManager(store, start)
	user := testUser(domain.TierFree)
	ctx := context.Background()

	require.NoError(t, m.Check(ctx, user, domain.QuotaKeySmallMessages, 1))
	require.NoError(t, m.Increment(ctx, user.ID, domain.QuotaKeySmallMessages, 10)) // fully used

	boundary := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return boundary }

	require.NoError(t, m.Check(ctx, user, domain.QuotaKeySmallMessages, 1),
		"check at the boundary must succeed even though the old period was exhausted")

	rec, err := store.Get(ctx, user.ID, domain.QuotaKeySmallMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.UsedCount)
	assert.Equal(t, boundary, rec.LastResetAt)
	assert.True(t, rec.NextResetAt.After(boundary))
	assert.Equal(t, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), rec.NextResetAt)
}

func TestLazyResetRefreshesLimitFromCurrentTier(t *testing.T) {
	// A user upgraded mid-period keeps the old snapshot until rollover; the
	// reset re-resolves the current tier's policy.
	store := newMemQuotaStore()
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestManager(store, start)
	user := testUser(domain.TierFree)
	ctx := context.Background()

	require.NoError(t, m.Check(ctx, user, domain.QuotaKeySmallMessages, 1))

	user.SubscriptionTier = domain.TierPro
	rec, err := store.Get(ctx, user.ID, domain.QuotaKeySmallMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.QuotaLimit, "snapshot unchanged mid-period")

	m.now = func() time.Time { return time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, m.Check(ctx, user, domain.QuotaKeySmallMessages, 1))

	rec, err = store.Get(ctx, user.ID, domain.QuotaKeySmallMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), rec.QuotaLimit, "reset resolves the pro tier policy")
}

// =============================================================================
// Consume (atomic path)
// =============================================================================

func TestConsumeRecordsUsage(t *testing.T) {
	store := newMemQuotaStore()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestManager(store, now)
	user := testUser(domain.TierFree)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Consume(ctx, user, domain.QuotaKeySmallMessages, 1))
	}
	err := m.Consume(ctx, user, domain.QuotaKeySmallMessages, 1)
	qe := quotaErr(t, err)
	assert.Equal(t, int64(10), qe.Used)
}

func TestConcurrentConsumeNeverOverruns(t *testing.T) {
	// Scenario 4 of the quota accounting contract: two concurrent callers
	// contending for the last unit. The atomic conditional update must let
	// exactly one win.
	store := newMemQuotaStore()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestManager(store, now)
	user := testUser(domain.TierFree)
	ctx := context.Background()

	require.NoError(t, m.Consume(ctx, user, domain.QuotaKeySmallMessages, 9)) // 9/10 used

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Consume(ctx, user, domain.QuotaKeySmallMessages, 1)
		}(i)
	}
	wg.Wait()

	var failures int
	for _, err := range errs {
		if err != nil {
			quotaErr(t, err)
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one caller must lose the race")

	rec, err := store.Get(ctx, user.ID, domain.QuotaKeySmallMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.UsedCount, "usage must never exceed the limit")
}

// =============================================================================
// Status
// =============================================================================

func TestStatusProjection(t *testing.T) {
	store := newMemQuotaStore()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestManager(store, now)
	user := testUser(domain.TierFree)
	ctx := context.Background()

	require.NoError(t, m.Consume(ctx, user, domain.QuotaKeySmallMessages, 5))

	status, err := m.Status(ctx, user.ID)
	require.NoError(t, err)

	sm, ok := status[domain.QuotaKeySmallMessages]
	require.True(t, ok)
	assert.Equal(t, int64(5), sm.Used)
	assert.Equal(t, int64(10), sm.Limit)
	assert.Equal(t, int64(5), sm.Remaining)
	assert.InDelta(t, 50.0, sm.PercentageUsed, 0.001)

	// No record for keys never checked: no implicit materialization.
	_, ok = status[domain.QuotaKeyImageGeneration]
	assert.False(t, ok)
}

func TestStatusIsIdempotent(t *testing.T) {
	// P4: two reads with no intervening writes return identical results.
	store := newMemQuotaStore()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestManager(store, now)
	user := testUser(domain.TierBasic)
	ctx := context.Background()

	require.NoError(t, m.Consume(ctx, user, domain.QuotaKeySmallMessages, 3))

	first, err := m.Status(ctx, user.ID)
	require.NoError(t, err)
	second, err := m.Status(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStatusZeroLimit(t *testing.T) {
	store := newMemQuotaStore()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestManager(store, now)
	user := testUser(domain.TierFree)
	ctx := context.Background()

	// Touch large_messages so a zero-limit record exists.
	_ = m.Check(ctx, user, domain.QuotaKeyLargeMessages, 0)

	status, err := m.Status(ctx, user.ID)
	require.NoError(t, err)
	lm, ok := status[domain.QuotaKeyLargeMessages]
	require.True(t, ok)
	assert.Equal(t, int64(0), lm.Limit)
	assert.Equal(t, float64(100), lm.PercentageUsed, "zero limit reports fully used, never NaN")
}

func TestStatusDoesNotTriggerRollover(t *testing.T) {
	store := newMemQuotaStore()
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestManager(store, start)
	user := testUser(domain.TierFree)
	ctx := context.Background()

	require.NoError(t, m.Consume(ctx, user, domain.QuotaKeySmallMessages, 7))

	m.now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	status, err := m.Status(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), status[domain.QuotaKeySmallMessages].Used,
		"status shows stale figures until the next check touches the record")
}

// =============================================================================
// Key independence, tier reinitialization
// =============================================================================

func TestIndependentKeys(t *testing.T) {
	// P6: usage on one key never affects another.
	store := newMemQuotaStore()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestManager(store, now)
	user := testUser(domain.TierBasic)
	ctx := context.Background()

	require.NoError(t, m.Consume(ctx, user, domain.QuotaKeyImageGeneration, 5))
	require.NoError(t, m.Check(ctx, user, domain.QuotaKeySmallMessages, 1))

	small, err := store.Get(ctx, user.ID, domain.QuotaKeySmallMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(0), small.UsedCount)

	img, err := store.Get(ctx, user.ID, domain.QuotaKeyImageGeneration)
	require.NoError(t, err)
	assert.Equal(t, int64(5), img.UsedCount)
}

func TestInitializeForTier(t *testing.T) {
	store := newMemQuotaStore()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m := newTestManager(store, now)
	user := testUser(domain.TierFree)
	ctx := context.Background()

	require.NoError(t, m.Consume(ctx, user, domain.QuotaKeySmallMessages, 4))
	require.NoError(t, m.InitializeForTier(ctx, user.ID, domain.TierPro))

	records, err := store.ListByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, records, len(domain.QuotaKeys))
	for _, rec := range records {
		assert.Equal(t, int64(0), rec.UsedCount, "fresh records carry zero usage")
		policy, err := domain.PolicyFor(domain.TierPro, rec.QuotaKey)
		require.NoError(t, err)
		assert.Equal(t, policy.Limit, rec.QuotaLimit)
	}
}
