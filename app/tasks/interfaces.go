package tasks

import (
	"context"
	"time"

	"github.com/lysyi3m/feed-depot/app/broker"
	"github.com/lysyi3m/feed-depot/app/database"
	"github.com/lysyi3m/feed-depot/app/feed"
	"github.com/lysyi3m/feed-depot/app/health"
)

// Fetcher retrieves a raw feed document. Errors carry a feed.Kind.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HealthRecorder is the worker side of the health tracker.
type HealthRecorder interface {
	RecordOutcome(ctx context.Context, feedID string, outcome health.Outcome) (database.FeedHealth, error)
}

// Eligibility is the scheduler side of the health tracker.
type Eligibility interface {
	IsEligible(ctx context.Context, feedID string, now time.Time) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, job broker.FetchJob) error
}

// Leader gates scheduling when several scheduler instances run. Acquire both
// takes and renews leadership.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

var (
	_ Fetcher        = (*feed.Fetcher)(nil)
	_ HealthRecorder = (*health.Tracker)(nil)
	_ Eligibility    = (*health.Tracker)(nil)
	_ Publisher      = (broker.Broker)(nil)
	_ Leader         = (*broker.Lease)(nil)
)
