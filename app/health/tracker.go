package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/feed-depot/app/database"
)

// Tracker keeps per-feed backoff state. It is shared by the scheduler, which
// asks for eligibility, and the workers, which report outcomes.
type Tracker struct {
	store  database.HealthStore
	policy Policy
	now    func() time.Time
}

func NewTracker(store database.HealthStore, policy Policy) *Tracker {
	return &Tracker{
		store:  store,
		policy: policy,
		now:    time.Now,
	}
}

// WithClock replaces the time source used to stamp outcomes.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) Policy() Policy {
	return t.policy
}

func (t *Tracker) RecordOutcome(ctx context.Context, feedID string, outcome Outcome) (database.FeedHealth, error) {
	now := t.now()

	var prevState database.HealthState
	h, err := t.store.UpdateHealth(ctx, feedID, func(prev database.FeedHealth) database.FeedHealth {
		prevState = prev.State
		return Apply(t.policy, prev, outcome, now)
	})
	if err != nil {
		return database.FeedHealth{}, fmt.Errorf("failed to record outcome for feed %s: %w", feedID, err)
	}

	if prevState != h.State {
		slog.Info("Feed health changed", "feed", feedID, "from", string(prevState), "to", string(h.State),
			"failures", h.ConsecutiveFailures, "kind", h.LastErrorKind)
	}
	if !outcome.Success {
		slog.Debug("Feed backoff scheduled", "feed", feedID, "failures", h.ConsecutiveFailures, "next_eligible_at", h.NextEligibleAt)
	}

	return h, nil
}

// IsEligible reports whether the feed may be fetched at now. Feeds without a
// health record are eligible.
func (t *Tracker) IsEligible(ctx context.Context, feedID string, now time.Time) (bool, error) {
	h, err := t.store.GetHealth(ctx, feedID)
	if err != nil {
		return false, fmt.Errorf("failed to check eligibility of feed %s: %w", feedID, err)
	}
	if h == nil {
		return true, nil
	}
	return h.EligibleAt(now), nil
}

// Get returns the health record of one feed, nil when none was recorded yet.
func (t *Tracker) Get(ctx context.Context, feedID string) (*database.FeedHealth, error) {
	return t.store.GetHealth(ctx, feedID)
}

func (t *Tracker) List(ctx context.Context) ([]database.FeedHealth, error) {
	return t.store.ListHealth(ctx)
}
