package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type FeedRepository struct {
	db *DB
}

func NewFeedRepository(db *DB) *FeedRepository {
	return &FeedRepository{db: db}
}

const feedColumns = `id, source_url, kind, title, poll_interval_seconds, enabled, cursor_ns, max_pages,
	last_scheduled_at, last_fetched_at, last_success_at, created_at, updated_at`

// UpsertFeed registers a subscription or updates its definition. Progress columns
// (cursor and fetch timestamps) are left untouched on update.
func (r *FeedRepository) UpsertFeed(ctx context.Context, feed FeedSubscription) error {
	if feed.ID == "" {
		return fmt.Errorf("feed id is required")
	}
	if feed.PollInterval < time.Second {
		return fmt.Errorf("feed %s: poll interval must be at least one second, got %s", feed.ID, feed.PollInterval)
	}
	if feed.Kind == "" {
		feed.Kind = "rss"
	}
	if feed.MaxPages < 1 {
		feed.MaxPages = 1
	}

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO feeds (id, source_url, kind, title, poll_interval_seconds, enabled, max_pages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			source_url = excluded.source_url,
			kind = excluded.kind,
			title = excluded.title,
			poll_interval_seconds = excluded.poll_interval_seconds,
			enabled = excluded.enabled,
			max_pages = excluded.max_pages,
			updated_at = excluded.updated_at
	`), feed.ID, feed.SourceURL, feed.Kind, feed.Title, int64(feed.PollInterval/time.Second),
		feed.Enabled, feed.MaxPages, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert feed %s: %w", feed.ID, err)
	}

	return nil
}

// ListDueFeeds returns enabled feeds whose poll interval has elapsed since they were last scheduled
func (r *FeedRepository) ListDueFeeds(ctx context.Context, now time.Time) ([]FeedSubscription, error) {
	feeds, err := r.queryFeeds(ctx, `SELECT `+feedColumns+` FROM feeds WHERE enabled = ? ORDER BY id`, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list due feeds: %w", err)
	}

	due := feeds[:0]
	for _, f := range feeds {
		if f.IsDue(now) {
			due = append(due, f)
		}
	}
	return due, nil
}

func (r *FeedRepository) ListFeeds(ctx context.Context) ([]FeedSubscription, error) {
	feeds, err := r.queryFeeds(ctx, `SELECT `+feedColumns+` FROM feeds ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	return feeds, nil
}

// GetFeed returns nil when the feed does not exist
func (r *FeedRepository) GetFeed(ctx context.Context, feedID string) (*FeedSubscription, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+feedColumns+` FROM feeds WHERE id = ?`), feedID)

	feed, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed %s: %w", feedID, err)
	}
	return &feed, nil
}

// AdvanceCursor moves the cursor forward only. It reports whether the stored value changed.
func (r *FeedRepository) AdvanceCursor(ctx context.Context, feedID string, cursor time.Time) (bool, error) {
	ns := cursor.UTC().UnixNano()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE feeds SET cursor_ns = ?, updated_at = ?
		WHERE id = ? AND (cursor_ns IS NULL OR cursor_ns < ?)
	`), ns, time.Now().UTC(), feedID, ns)
	if err != nil {
		return false, fmt.Errorf("failed to advance cursor for feed %s: %w", feedID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func (r *FeedRepository) MarkScheduled(ctx context.Context, feedID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE feeds SET last_scheduled_at = ? WHERE id = ?`), at.UTC(), feedID)
	if err != nil {
		return fmt.Errorf("failed to mark feed %s scheduled: %w", feedID, err)
	}
	return nil
}

// MarkFetched records a terminal fetch outcome. Successful fetches also set last_success_at.
func (r *FeedRepository) MarkFetched(ctx context.Context, feedID string, at time.Time, success bool) error {
	var err error
	if success {
		_, err = r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE feeds SET last_fetched_at = ?, last_success_at = ? WHERE id = ?
		`), at.UTC(), at.UTC(), feedID)
	} else {
		_, err = r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE feeds SET last_fetched_at = ? WHERE id = ?
		`), at.UTC(), feedID)
	}
	if err != nil {
		return fmt.Errorf("failed to mark feed %s fetched: %w", feedID, err)
	}
	return nil
}

func (r *FeedRepository) queryFeeds(ctx context.Context, query string, args ...any) ([]FeedSubscription, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []FeedSubscription
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, feed)
	}
	return feeds, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (FeedSubscription, error) {
	var (
		feed            FeedSubscription
		intervalSeconds int64
		cursorNs        sql.NullInt64
		lastScheduled   sql.NullTime
		lastFetched     sql.NullTime
		lastSuccess     sql.NullTime
	)

	err := row.Scan(&feed.ID, &feed.SourceURL, &feed.Kind, &feed.Title, &intervalSeconds,
		&feed.Enabled, &cursorNs, &feed.MaxPages, &lastScheduled, &lastFetched, &lastSuccess,
		&feed.CreatedAt, &feed.UpdatedAt)
	if err != nil {
		return FeedSubscription{}, err
	}

	feed.PollInterval = time.Duration(intervalSeconds) * time.Second
	if cursorNs.Valid {
		c := time.Unix(0, cursorNs.Int64).UTC()
		feed.Cursor = &c
	}
	feed.LastScheduledAt = timePtr(lastScheduled)
	feed.LastFetchedAt = timePtr(lastFetched)
	feed.LastSuccessAt = timePtr(lastSuccess)
	feed.CreatedAt = feed.CreatedAt.UTC()
	feed.UpdatedAt = feed.UpdatedAt.UTC()

	return feed, nil
}
