package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewSQLiteConnection(filepath.Join(t.TempDir(), "depot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	version, dirty, err := RunMigrations(db)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	return db
}

func seedFeed(t *testing.T, repo *FeedRepository, id string, interval time.Duration) {
	t.Helper()
	require.NoError(t, repo.UpsertFeed(context.Background(), FeedSubscription{
		ID:           id,
		SourceURL:    "https://example.com/" + id + ".xml",
		PollInterval: interval,
		Enabled:      true,
	}))
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: DialectPostgres}
	assert.Equal(t, "SELECT * FROM feeds WHERE id = $1 AND kind = $2", pg.Rebind("SELECT * FROM feeds WHERE id = ? AND kind = ?"))

	lite := &DB{dialect: DialectSQLite}
	assert.Equal(t, "SELECT ?", lite.Rebind("SELECT ?"))
}

func TestRunMigrationsIsRepeatable(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := RunMigrations(db)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
	require.NoError(t, db.PingContext(context.Background()), "migrations must not close the shared handle")
}

func TestNewConnectionInvalid(t *testing.T) {
	_, err := NewConnection("invalid", "invalid", "invalid", "invalid", "invalid", "disable")
	assert.Error(t, err)
}

func TestFeedRepositoryUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewFeedRepository(newTestDB(t))

	seedFeed(t, repo, "alpha", time.Minute)

	feed, err := repo.GetFeed(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, feed)
	assert.Equal(t, "rss", feed.Kind)
	assert.Equal(t, time.Minute, feed.PollInterval)
	assert.Equal(t, 1, feed.MaxPages)
	assert.True(t, feed.Enabled)
	assert.Nil(t, feed.Cursor)

	require.NoError(t, repo.UpsertFeed(ctx, FeedSubscription{
		ID:           "alpha",
		SourceURL:    "https://example.com/moved.xml",
		Kind:         "wordpress",
		PollInterval: 2 * time.Minute,
		MaxPages:     3,
	}))

	feed, err = repo.GetFeed(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/moved.xml", feed.SourceURL)
	assert.Equal(t, "wordpress", feed.Kind)
	assert.Equal(t, 3, feed.MaxPages)
	assert.False(t, feed.Enabled)

	missing, err := repo.GetFeed(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFeedRepositoryRejectsInvalidInterval(t *testing.T) {
	repo := NewFeedRepository(newTestDB(t))

	err := repo.UpsertFeed(context.Background(), FeedSubscription{ID: "bad", SourceURL: "https://example.com", Enabled: true})
	assert.Error(t, err)
}

func TestListDueFeeds(t *testing.T) {
	ctx := context.Background()
	repo := NewFeedRepository(newTestDB(t))
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	seedFeed(t, repo, "never", time.Minute)
	seedFeed(t, repo, "recent", time.Minute)
	seedFeed(t, repo, "stale", time.Minute)
	require.NoError(t, repo.UpsertFeed(ctx, FeedSubscription{ID: "off", SourceURL: "https://example.com", PollInterval: time.Minute}))

	require.NoError(t, repo.MarkScheduled(ctx, "recent", now.Add(-30*time.Second)))
	require.NoError(t, repo.MarkScheduled(ctx, "stale", now.Add(-time.Minute)))

	due, err := repo.ListDueFeeds(ctx, now)
	require.NoError(t, err)

	var ids []string
	for _, f := range due {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"never", "stale"}, ids)
}

func TestAdvanceCursorIsMonotonic(t *testing.T) {
	ctx := context.Background()
	repo := NewFeedRepository(newTestDB(t))
	seedFeed(t, repo, "alpha", time.Minute)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.AdvanceCursor(ctx, "alpha", base.Add(time.Duration(i)*time.Hour))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	feed, err := repo.GetFeed(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, feed.Cursor)
	assert.True(t, feed.Cursor.Equal(base.Add(19*time.Hour)))

	moved, err := repo.AdvanceCursor(ctx, "alpha", base)
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = repo.AdvanceCursor(ctx, "alpha", base.Add(19*time.Hour))
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestMarkFetched(t *testing.T) {
	ctx := context.Background()
	repo := NewFeedRepository(newTestDB(t))
	seedFeed(t, repo, "alpha", time.Minute)

	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.MarkFetched(ctx, "alpha", at, false))

	feed, err := repo.GetFeed(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, feed.LastFetchedAt)
	assert.True(t, feed.LastFetchedAt.Equal(at))
	assert.Nil(t, feed.LastSuccessAt)

	require.NoError(t, repo.MarkFetched(ctx, "alpha", at.Add(time.Minute), true))
	feed, err = repo.GetFeed(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, feed.LastSuccessAt)
	assert.True(t, feed.LastSuccessAt.Equal(at.Add(time.Minute)))
}

func TestInsertIfAbsentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedFeed(t, NewFeedRepository(db), "alpha", time.Minute)
	items := NewItemRepository(db)

	item := FeedItem{
		FeedID:      "alpha",
		GUID:        "guid-1",
		Title:       "Hello",
		Authors:     []string{"Ann"},
		PublishedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := items.InsertIfAbsent(ctx, "fp-1", item)
			assert.NoError(t, err)
			if res == Inserted {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)

	count, err := items.CountItems(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	list, err := items.ListItems(ctx, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fp-1", list[0].Fingerprint)
	assert.Equal(t, []string{"Ann"}, list[0].Authors)
	assert.Equal(t, []string{}, list[0].Categories)
	assert.True(t, list[0].PublishedAt.Equal(item.PublishedAt))
}

func TestHealthRepositoryUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewHealthRepository(newTestDB(t))

	h, err := repo.GetHealth(ctx, "alpha")
	require.NoError(t, err)
	assert.Nil(t, h)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpdateHealth(ctx, "alpha", func(h FeedHealth) FeedHealth {
				h.ConsecutiveFailures++
				h.State = HealthDegraded
				return h
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	h, err = repo.GetHealth(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, 8, h.ConsecutiveFailures)
	assert.Equal(t, HealthDegraded, h.State)
	assert.NotNil(t, h.UpdatedAt)

	next := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	_, err = repo.UpdateHealth(ctx, "alpha", func(h FeedHealth) FeedHealth {
		h.NextEligibleAt = &next
		h.NeedsReview = true
		return h
	})
	require.NoError(t, err)

	all, err := repo.ListHealth(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].NeedsReview)
	require.NotNil(t, all[0].NextEligibleAt)
	assert.True(t, all[0].NextEligibleAt.Equal(next))
	assert.False(t, all[0].EligibleAt(next.Add(-time.Second)))
	assert.True(t, all[0].EligibleAt(next))
}

func TestIsDue(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	last := now.Add(-time.Minute)

	assert.True(t, FeedSubscription{Enabled: true, PollInterval: time.Minute}.IsDue(now))
	assert.True(t, FeedSubscription{Enabled: true, PollInterval: time.Minute, LastScheduledAt: &last}.IsDue(now))
	assert.False(t, FeedSubscription{Enabled: true, PollInterval: 2 * time.Minute, LastScheduledAt: &last}.IsDue(now))
	assert.False(t, FeedSubscription{PollInterval: time.Minute}.IsDue(now))
}
