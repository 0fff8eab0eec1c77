package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type ItemRepository struct {
	db *DB
}

func NewItemRepository(db *DB) *ItemRepository {
	return &ItemRepository{db: db}
}

// InsertIfAbsent stores the item unless its fingerprint is already present.
// The check and the write are one statement, so racing workers cannot both insert.
func (r *ItemRepository) InsertIfAbsent(ctx context.Context, fingerprint string, item FeedItem) (InsertResult, error) {
	authors, err := encodeList(item.Authors)
	if err != nil {
		return 0, err
	}
	categories, err := encodeList(item.Categories)
	if err != nil {
		return 0, err
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO feed_items (
			fingerprint, feed_id, guid, link, title, description, content,
			authors, categories, published_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING
	`), fingerprint, item.FeedID, item.GUID, item.Link, item.Title, item.Description, item.Content,
		authors, categories, item.PublishedAt.UTC(), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert item %s: %w", fingerprint, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

func (r *ItemRepository) CountItems(ctx context.Context, feedID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM feed_items WHERE feed_id = ?`), feedID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count items for feed %s: %w", feedID, err)
	}
	return count, nil
}

// ListItems returns the newest items of a feed first
func (r *ItemRepository) ListItems(ctx context.Context, feedID string, limit int) ([]FeedItem, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT fingerprint, feed_id, guid, link, title, description, content,
			authors, categories, published_at, created_at
		FROM feed_items
		WHERE feed_id = ?
		ORDER BY published_at DESC
		LIMIT ?
	`), feedID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list items for feed %s: %w", feedID, err)
	}
	defer rows.Close()

	var items []FeedItem
	for rows.Next() {
		var (
			item       FeedItem
			authors    string
			categories string
		)
		err := rows.Scan(&item.Fingerprint, &item.FeedID, &item.GUID, &item.Link, &item.Title,
			&item.Description, &item.Content, &authors, &categories, &item.PublishedAt, &item.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}

		if err := json.Unmarshal([]byte(authors), &item.Authors); err != nil {
			return nil, fmt.Errorf("failed to decode authors of item %s: %w", item.Fingerprint, err)
		}
		if err := json.Unmarshal([]byte(categories), &item.Categories); err != nil {
			return nil, fmt.Errorf("failed to decode categories of item %s: %w", item.Fingerprint, err)
		}
		item.PublishedAt = item.PublishedAt.UTC()
		item.CreatedAt = item.CreatedAt.UTC()

		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}

	return items, nil
}

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(data), nil
}
