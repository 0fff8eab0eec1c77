package api

import (
	"context"
	"time"

	"github.com/lysyi3m/feed-depot/app/broker"
	"github.com/lysyi3m/feed-depot/app/database"
	"github.com/lysyi3m/feed-depot/app/health"
	"github.com/lysyi3m/feed-depot/app/tasks"
)

// HealthReporter is implemented by components that expose a health summary.
type HealthReporter interface {
	Health(ctx context.Context) map[string]any
}

type SchedulerInfo interface {
	Stats() tasks.SchedulerStats
	Health() map[string]any
}

type WorkerInfo interface {
	Stats() tasks.WorkerStats
}

type FeedHealthReader interface {
	Get(ctx context.Context, feedID string) (*database.FeedHealth, error)
	List(ctx context.Context) ([]database.FeedHealth, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

var (
	_ HealthReporter   = (*broker.Memory)(nil)
	_ HealthReporter   = (*broker.Redis)(nil)
	_ SchedulerInfo    = (*tasks.Scheduler)(nil)
	_ WorkerInfo       = (*tasks.WorkerPool)(nil)
	_ FeedHealthReader = (*health.Tracker)(nil)
	_ Pinger           = (*database.DB)(nil)
)

// Handler serves the ops endpoints. Scheduler and workers are nil when the
// process does not run them.
type Handler struct {
	registry  database.Registry
	items     database.ItemStore
	health    FeedHealthReader
	db        Pinger
	broker    HealthReporter
	scheduler SchedulerInfo
	workers   WorkerInfo
	version   string
}

type feedHealthResponse struct {
	FeedID              string     `json:"feed_id"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	NextEligibleAt      *time.Time `json:"next_eligible_at,omitempty"`
	LastErrorKind       string     `json:"last_error_kind,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	NeedsReview         bool       `json:"needs_review"`
	UpdatedAt           *time.Time `json:"updated_at,omitempty"`
}

type feedResponse struct {
	ID              string     `json:"id"`
	SourceURL       string     `json:"source_url"`
	Kind            string     `json:"kind"`
	Title           string     `json:"title"`
	PollInterval    string     `json:"poll_interval"`
	Enabled         bool       `json:"enabled"`
	Cursor          *time.Time `json:"cursor,omitempty"`
	LastScheduledAt *time.Time `json:"last_scheduled_at,omitempty"`
	LastFetchedAt   *time.Time `json:"last_fetched_at,omitempty"`
	LastSuccessAt   *time.Time `json:"last_success_at,omitempty"`
	ItemCount       int        `json:"item_count"`
}

type itemResponse struct {
	Fingerprint string    `json:"fingerprint"`
	GUID        string    `json:"guid"`
	Link        string    `json:"link"`
	Title       string    `json:"title"`
	PublishedAt time.Time `json:"published_at"`
	Authors     []string  `json:"authors,omitempty"`
	Categories  []string  `json:"categories,omitempty"`
}

func toFeedHealthResponse(h database.FeedHealth) feedHealthResponse {
	return feedHealthResponse{
		FeedID:              h.FeedID,
		State:               string(h.State),
		ConsecutiveFailures: h.ConsecutiveFailures,
		NextEligibleAt:      h.NextEligibleAt,
		LastErrorKind:       h.LastErrorKind,
		LastError:           h.LastError,
		NeedsReview:         h.NeedsReview,
		UpdatedAt:           h.UpdatedAt,
	}
}

func toFeedResponse(f database.FeedSubscription, itemCount int) feedResponse {
	return feedResponse{
		ID:              f.ID,
		SourceURL:       f.SourceURL,
		Kind:            f.Kind,
		Title:           f.Title,
		PollInterval:    f.PollInterval.String(),
		Enabled:         f.Enabled,
		Cursor:          f.Cursor,
		LastScheduledAt: f.LastScheduledAt,
		LastFetchedAt:   f.LastFetchedAt,
		LastSuccessAt:   f.LastSuccessAt,
		ItemCount:       itemCount,
	}
}
