package database

import (
	"context"
	"time"
)

// Registry is the durable store of feed subscriptions. Subscriptions are created
// and deleted by their owner; the pipeline only reads them and writes progress.
type Registry interface {
	ListDueFeeds(ctx context.Context, now time.Time) ([]FeedSubscription, error)
	ListFeeds(ctx context.Context) ([]FeedSubscription, error)
	GetFeed(ctx context.Context, feedID string) (*FeedSubscription, error)

	UpsertFeed(ctx context.Context, feed FeedSubscription) error
	AdvanceCursor(ctx context.Context, feedID string, cursor time.Time) (bool, error)
	MarkScheduled(ctx context.Context, feedID string, at time.Time) error
	MarkFetched(ctx context.Context, feedID string, at time.Time, success bool) error
}

// ItemStore persists ingested items keyed by fingerprint. InsertIfAbsent is a
// single conditional write and is safe for concurrent callers.
type ItemStore interface {
	InsertIfAbsent(ctx context.Context, fingerprint string, item FeedItem) (InsertResult, error)
	CountItems(ctx context.Context, feedID string) (int, error)
	ListItems(ctx context.Context, feedID string, limit int) ([]FeedItem, error)
}

// HealthStore persists per-feed health. UpdateHealth applies fn to the current
// record while holding the row, so concurrent updates of one feed serialize.
type HealthStore interface {
	GetHealth(ctx context.Context, feedID string) (*FeedHealth, error)
	UpdateHealth(ctx context.Context, feedID string, fn func(FeedHealth) FeedHealth) (FeedHealth, error)
	ListHealth(ctx context.Context) ([]FeedHealth, error)
}

var (
	_ Registry    = (*FeedRepository)(nil)
	_ ItemStore   = (*ItemRepository)(nil)
	_ HealthStore = (*HealthRepository)(nil)
)
