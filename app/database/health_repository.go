package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type HealthRepository struct {
	db *DB
}

func NewHealthRepository(db *DB) *HealthRepository {
	return &HealthRepository{db: db}
}

const healthColumns = `feed_id, state, consecutive_failures, next_eligible_at,
	last_error_kind, last_error, needs_review, updated_at`

// GetHealth returns nil when nothing has been recorded for the feed yet
func (r *HealthRepository) GetHealth(ctx context.Context, feedID string) (*FeedHealth, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+healthColumns+` FROM feed_health WHERE feed_id = ?`), feedID)

	h, err := scanHealth(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health for feed %s: %w", feedID, err)
	}
	return &h, nil
}

// UpdateHealth reads the current record inside a transaction, applies fn and
// writes the result back. PostgreSQL locks the row; SQLite serializes writers.
func (r *HealthRepository) UpdateHealth(ctx context.Context, feedID string, fn func(FeedHealth) FeedHealth) (FeedHealth, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return FeedHealth{}, fmt.Errorf("failed to begin health transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO feed_health (feed_id, state) VALUES (?, ?)
		ON CONFLICT (feed_id) DO NOTHING
	`), feedID, string(HealthHealthy))
	if err != nil {
		return FeedHealth{}, fmt.Errorf("failed to initialize health for feed %s: %w", feedID, err)
	}

	query := `SELECT ` + healthColumns + ` FROM feed_health WHERE feed_id = ?`
	if r.db.dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}

	current, err := scanHealth(tx.QueryRowContext(ctx, r.db.Rebind(query), feedID))
	if err != nil {
		return FeedHealth{}, fmt.Errorf("failed to read health for feed %s: %w", feedID, err)
	}

	next := fn(current)
	next.FeedID = feedID
	if next.State == "" {
		next.State = HealthHealthy
	}
	now := time.Now().UTC()
	next.UpdatedAt = &now

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE feed_health SET
			state = ?, consecutive_failures = ?, next_eligible_at = ?,
			last_error_kind = ?, last_error = ?, needs_review = ?, updated_at = ?
		WHERE feed_id = ?
	`), string(next.State), next.ConsecutiveFailures, nullTime(next.NextEligibleAt),
		next.LastErrorKind, next.LastError, next.NeedsReview, now, feedID)
	if err != nil {
		return FeedHealth{}, fmt.Errorf("failed to update health for feed %s: %w", feedID, err)
	}

	if err := tx.Commit(); err != nil {
		return FeedHealth{}, fmt.Errorf("failed to commit health for feed %s: %w", feedID, err)
	}

	return next, nil
}

func (r *HealthRepository) ListHealth(ctx context.Context) ([]FeedHealth, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+healthColumns+` FROM feed_health ORDER BY feed_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list health: %w", err)
	}
	defer rows.Close()

	var records []FeedHealth
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan health: %w", err)
		}
		records = append(records, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate health: %w", err)
	}
	return records, nil
}

func scanHealth(row rowScanner) (FeedHealth, error) {
	var (
		h            FeedHealth
		state        string
		nextEligible sql.NullTime
		updatedAt    sql.NullTime
	)

	err := row.Scan(&h.FeedID, &state, &h.ConsecutiveFailures, &nextEligible,
		&h.LastErrorKind, &h.LastError, &h.NeedsReview, &updatedAt)
	if err != nil {
		return FeedHealth{}, err
	}

	h.State = HealthState(state)
	h.NextEligibleAt = timePtr(nextEligible)
	h.UpdatedAt = timePtr(updatedAt)
	return h, nil
}
