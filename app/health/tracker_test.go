package health

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/feed-depot/app/database"
	"github.com/lysyi3m/feed-depot/app/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryHealthStore struct {
	mu      sync.Mutex
	records map[string]database.FeedHealth
	err     error
}

func newMemoryHealthStore() *memoryHealthStore {
	return &memoryHealthStore{records: make(map[string]database.FeedHealth)}
}

func (s *memoryHealthStore) GetHealth(ctx context.Context, feedID string) (*database.FeedHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	h, ok := s.records[feedID]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (s *memoryHealthStore) UpdateHealth(ctx context.Context, feedID string, fn func(database.FeedHealth) database.FeedHealth) (database.FeedHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return database.FeedHealth{}, s.err
	}
	prev, ok := s.records[feedID]
	if !ok {
		prev = database.FeedHealth{FeedID: feedID, State: database.HealthHealthy}
	}
	next := fn(prev)
	s.records[feedID] = next
	return next, nil
}

func (s *memoryHealthStore) ListHealth(ctx context.Context) ([]database.FeedHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.FeedHealth
	for _, h := range s.records {
		out = append(out, h)
	}
	return out, nil
}

func unavailable() error {
	return &feed.Error{Kind: feed.KindTransientNetwork, Op: "fetch", StatusCode: 503, Err: errors.New("HTTP error: 503 Service Unavailable")}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Second, CapExponent: 4}

	expected := []time.Duration{0, 10, 20, 40, 80, 160, 160, 160}
	for n, want := range expected {
		assert.Equal(t, want*time.Second, p.Delay(n), "failures=%d", n)
	}
	assert.Equal(t, 160*time.Second, p.MaxDelay())
}

func TestPolicyDelaySaturates(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Second, CapExponent: 40, SuspendAfter: 5}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var (
		h        database.FeedHealth
		lastWait time.Duration
	)
	for i := 1; i <= 45; i++ {
		h = Apply(p, h, Failure(unavailable()), now)
		require.NotNil(t, h.NextEligibleAt)

		wait := h.NextEligibleAt.Sub(now)
		assert.Positive(t, wait, "failures=%d", i)
		assert.GreaterOrEqual(t, wait, lastWait, "failures=%d", i)
		lastWait = wait
	}
	assert.Equal(t, database.HealthSuspended, h.State)
	assert.Equal(t, time.Duration(math.MaxInt64), p.Delay(45))
}

func TestApplyFailureThenSuccess(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	h := Apply(p, database.FeedHealth{FeedID: "a", State: database.HealthHealthy}, Failure(feed.NewError(feed.KindPermanentFormat, "parse", errors.New("bad xml"))), now)
	assert.Equal(t, database.HealthDegraded, h.State)
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.True(t, h.NeedsReview)
	assert.Equal(t, string(feed.KindPermanentFormat), h.LastErrorKind)
	require.NotNil(t, h.NextEligibleAt)
	assert.Equal(t, now.Add(10*time.Second), *h.NextEligibleAt)

	h = Apply(p, h, Success(), now.Add(time.Minute))
	assert.Equal(t, database.HealthHealthy, h.State)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Nil(t, h.NextEligibleAt)
	assert.False(t, h.NeedsReview)
	assert.Empty(t, h.LastErrorKind)
	assert.True(t, h.EligibleAt(now))
}

func TestApplyRateLimitedHonoursRetryAfter(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	limited := &feed.Error{Kind: feed.KindRateLimited, StatusCode: 429, RetryAfter: 5 * time.Minute}
	h := Apply(p, database.FeedHealth{}, Failure(limited), now)
	require.NotNil(t, h.NextEligibleAt)
	assert.Equal(t, now.Add(5*time.Minute), *h.NextEligibleAt)

	short := &feed.Error{Kind: feed.KindRateLimited, StatusCode: 429, RetryAfter: time.Second}
	h = Apply(p, h, Failure(short), now)
	assert.Equal(t, now.Add(20*time.Second), *h.NextEligibleAt)
}

func TestApplyTruncatesError(t *testing.T) {
	h := Apply(DefaultPolicy(), database.FeedHealth{}, Failure(errors.New(strings.Repeat("x", 2000))), time.Now())
	assert.Len(t, h.LastError, maxErrorLength)
	assert.Equal(t, string(feed.KindTransientNetwork), h.LastErrorKind)
}

func TestTrackerBackoffGrowthAndReset(t *testing.T) {
	ctx := context.Background()
	store := newMemoryHealthStore()
	tracker := NewTracker(store, Policy{BaseDelay: 10 * time.Second, CapExponent: 4, SuspendAfter: 5})

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	var previous time.Time
	for i := 0; i < 8; i++ {
		h, err := tracker.RecordOutcome(ctx, "b", Failure(unavailable()))
		require.NoError(t, err)
		require.NotNil(t, h.NextEligibleAt)
		assert.False(t, h.NextEligibleAt.Before(previous), "next_eligible_at regressed at failure %d", i+1)
		assert.False(t, h.NextEligibleAt.After(now.Add(160*time.Second)))
		previous = *h.NextEligibleAt
	}

	eligible, err := tracker.IsEligible(ctx, "b", now)
	require.NoError(t, err)
	assert.False(t, eligible)

	_, err = tracker.RecordOutcome(ctx, "b", Success())
	require.NoError(t, err)

	eligible, err = tracker.IsEligible(ctx, "b", now)
	require.NoError(t, err)
	assert.True(t, eligible)
}

func TestTrackerGet(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(newMemoryHealthStore(), DefaultPolicy())

	h, err := tracker.Get(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, h)

	_, err = tracker.RecordOutcome(ctx, "c", Failure(unavailable()))
	require.NoError(t, err)

	h, err = tracker.Get(ctx, "c")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.Equal(t, database.HealthDegraded, h.State)
}

func TestTrackerFailureScenario(t *testing.T) {
	ctx := context.Background()

	db, err := database.NewSQLiteConnection(filepath.Join(t.TempDir(), "health.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, _, err = database.RunMigrations(db)
	require.NoError(t, err)

	tracker := NewTracker(database.NewHealthRepository(db), Policy{BaseDelay: 10 * time.Second, CapExponent: 4, SuspendAfter: 5})

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	expectedDelays := []time.Duration{10, 20, 40, 80, 160}
	expectedStates := []database.HealthState{
		database.HealthDegraded,
		database.HealthDegraded,
		database.HealthDegraded,
		database.HealthDegraded,
		database.HealthSuspended,
	}

	now := start
	for i, delay := range expectedDelays {
		tracker.now = func() time.Time { return now }

		h, err := tracker.RecordOutcome(ctx, "feed-b", Failure(unavailable()))
		require.NoError(t, err)

		assert.Equal(t, i+1, h.ConsecutiveFailures)
		assert.Equal(t, expectedStates[i], h.State)
		require.NotNil(t, h.NextEligibleAt)
		assert.True(t, h.NextEligibleAt.Equal(now.Add(delay*time.Second)), "failure %d: got %v", i+1, h.NextEligibleAt)

		// the next attempt happens once the feed becomes eligible again
		now = *h.NextEligibleAt
	}

	stored, err := database.NewHealthRepository(db).GetHealth(ctx, "feed-b")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, database.HealthSuspended, stored.State)
	assert.Equal(t, string(feed.KindTransientNetwork), stored.LastErrorKind)

	// suspended feeds stay schedulable at the capped delay
	eligible, err := tracker.IsEligible(ctx, "feed-b", now)
	require.NoError(t, err)
	assert.True(t, eligible)
}

func TestTrackerStoreError(t *testing.T) {
	store := newMemoryHealthStore()
	store.err = errors.New("connection refused")
	tracker := NewTracker(store, DefaultPolicy())

	_, err := tracker.RecordOutcome(context.Background(), "a", Success())
	assert.Error(t, err)

	_, err = tracker.IsEligible(context.Background(), "a", time.Now())
	assert.Error(t, err)
}
