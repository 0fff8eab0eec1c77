package database

import (
	"time"
)

type FeedSubscription struct {
	ID              string // Stable subscription identifier (file name for synced feeds)
	SourceURL       string
	Kind            string // rss or wordpress
	Title           string
	PollInterval    time.Duration
	Enabled         bool
	Cursor          *time.Time // Newest ingested published_at, never moves backwards
	MaxPages        int
	LastScheduledAt *time.Time // Written by the scheduler on enqueue
	LastFetchedAt   *time.Time // Written by workers on terminal completion
	LastSuccessAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsDue reports whether the poll interval has elapsed since the feed was last scheduled.
func (f FeedSubscription) IsDue(now time.Time) bool {
	if !f.Enabled {
		return false
	}
	if f.LastScheduledAt == nil {
		return true
	}
	return !f.LastScheduledAt.Add(f.PollInterval).After(now)
}

type FeedItem struct {
	Fingerprint string
	FeedID      string
	GUID        string
	Link        string
	Title       string
	Description string
	Content     string
	Authors     []string
	Categories  []string
	PublishedAt time.Time
	CreatedAt   time.Time
}

type InsertResult int

const (
	Inserted InsertResult = iota + 1
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthSuspended HealthState = "suspended"
)

type FeedHealth struct {
	FeedID              string
	State               HealthState
	ConsecutiveFailures int
	NextEligibleAt      *time.Time
	LastErrorKind       string
	LastError           string
	NeedsReview         bool // Set on permanent failures, cleared by the next success
	UpdatedAt           *time.Time
}

// EligibleAt reports whether the feed may be fetched at the given time.
func (h FeedHealth) EligibleAt(now time.Time) bool {
	return h.NextEligibleAt == nil || !h.NextEligibleAt.After(now)
}
