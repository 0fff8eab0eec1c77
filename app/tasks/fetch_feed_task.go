package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lysyi3m/feed-depot/app/broker"
	"github.com/lysyi3m/feed-depot/app/database"
	"github.com/lysyi3m/feed-depot/app/feed"
	"github.com/lysyi3m/feed-depot/app/health"
)

// FetchDeps are the collaborators shared by every fetch task.
type FetchDeps struct {
	Registry        database.Registry
	Items           database.ItemStore
	Health          HealthRecorder
	Fetcher         Fetcher
	Parser          *feed.Parser
	MaxAttempts     int
	StoreRetries    int
	StoreRetryDelay time.Duration
	PageDelay       time.Duration
	Now             func() time.Time
}

func (d *FetchDeps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Result tells the worker what to do with the delivery.
type Result struct {
	Ack        bool      // All side effects are durable, or the job is terminal
	Terminal   bool      // The job will not run again
	Kind       feed.Kind // Failure kind, empty on success
	Total      int
	Inserted   int
	Duplicates int
	Err        error
}

type FetchFeedTask struct {
	Task
	job  broker.FetchJob
	deps *FetchDeps
}

func NewFetchFeedTask(job broker.FetchJob, deps *FetchDeps) *FetchFeedTask {
	return &FetchFeedTask{
		Task: NewTask(TaskTypeFetchFeed, job.ID, job.FeedID, job.AttemptCount, deps.MaxAttempts),
		job:  job,
		deps: deps,
	}
}

func (t *FetchFeedTask) Execute(ctx context.Context) Result {
	t.Start()

	sub, err := retryStore(ctx, t.deps, "get feed", func(ctx context.Context) (*database.FeedSubscription, error) {
		return t.deps.Registry.GetFeed(ctx, t.FeedID)
	})
	if err != nil {
		return t.storeFailure(err)
	}

	if sub == nil || !sub.Enabled {
		slog.Debug("Stale job dropped", "feed", t.FeedID, "job_id", t.ID, "exists", sub != nil)
		return Result{Ack: true, Terminal: true, Kind: feed.KindStaleJob}
	}

	items, err := t.fetchItems(ctx, sub)
	if err != nil {
		return t.fail(ctx, err)
	}

	result := Result{Total: len(items)}
	var newest *time.Time

	for _, item := range items {
		dbItem := database.FeedItem{
			Fingerprint: item.Fingerprint,
			FeedID:      sub.ID,
			GUID:        item.GUID,
			Link:        item.Link,
			Title:       item.Title,
			Description: item.Description,
			Content:     item.Content,
			Authors:     item.Authors,
			Categories:  item.Categories,
			PublishedAt: item.PublishedAt,
		}

		res, err := retryStore(ctx, t.deps, "insert item", func(ctx context.Context) (database.InsertResult, error) {
			return t.deps.Items.InsertIfAbsent(ctx, item.Fingerprint, dbItem)
		})
		if err != nil {
			return t.storeFailure(err)
		}

		if res == database.AlreadyExists {
			result.Duplicates++
			continue
		}

		result.Inserted++
		if newest == nil || item.PublishedAt.After(*newest) {
			published := item.PublishedAt
			newest = &published
		}
	}

	if newest != nil {
		_, err := retryStore(ctx, t.deps, "advance cursor", func(ctx context.Context) (bool, error) {
			return t.deps.Registry.AdvanceCursor(ctx, sub.ID, *newest)
		})
		if err != nil {
			return t.storeFailure(err)
		}
	}

	if err := t.succeed(ctx); err != nil {
		return t.storeFailure(err)
	}

	slog.Info("Task completed",
		"type", string(t.Type),
		"feed", t.FeedID,
		"job_id", t.ID,
		"attempt", t.Attempt,
		"duration", t.GetDuration(),
		"total", result.Total,
		"duplicates", result.Duplicates,
		"new", result.Inserted)

	result.Ack = true
	result.Terminal = true
	return result
}

// fetchItems downloads and parses every page of the feed. Paging stops at the
// first page that is missing, rejected or empty.
func (t *FetchFeedTask) fetchItems(ctx context.Context, sub *database.FeedSubscription) ([]feed.Item, error) {
	pages := 1
	if sub.Kind == feed.KindWordPress && sub.MaxPages > 1 {
		pages = sub.MaxPages
	}

	var all []feed.Item
	for page := 1; page <= pages; page++ {
		target, err := pageURL(sub.SourceURL, page)
		if err != nil {
			return nil, feed.NewError(feed.KindPermanentFormat, "fetch", err)
		}

		data, err := t.deps.Fetcher.Fetch(ctx, target)
		if err != nil {
			if page > 1 && isEndOfPages(err) {
				slog.Debug("Reached end of available pages", "feed", sub.ID, "page", page)
				break
			}
			return nil, err
		}

		_, items, err := t.deps.Parser.Run(sub.Kind, sub.SourceURL, data)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			break
		}
		all = append(all, items...)

		if page < pages && t.deps.PageDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, feed.NewError(feed.KindTransientNetwork, "fetch", ctx.Err())
			case <-time.After(t.deps.PageDelay):
			}
		}
	}

	return all, nil
}

func (t *FetchFeedTask) fail(ctx context.Context, err error) Result {
	kind := feed.KindOf(err)
	result := Result{Kind: kind, Err: err}

	if _, herr := retryStore(ctx, t.deps, "record failure", func(ctx context.Context) (database.FeedHealth, error) {
		return t.deps.Health.RecordOutcome(ctx, t.FeedID, health.Failure(err))
	}); herr != nil {
		return t.storeFailure(herr)
	}

	if !kind.Terminal() && kind.Retryable() && t.CanRetry() {
		slog.Warn("Task retry scheduled",
			"type", string(t.Type),
			"feed", t.FeedID,
			"job_id", t.ID,
			"attempt", t.Attempt,
			"max_attempts", t.MaxAttempts,
			"kind", string(kind),
			"error", err)
		return result
	}

	if _, merr := retryStore(ctx, t.deps, "mark fetched", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.deps.Registry.MarkFetched(ctx, t.FeedID, t.deps.now(), false)
	}); merr != nil {
		return t.storeFailure(merr)
	}

	if kind == feed.KindPermanentFormat {
		slog.Error("Task failed permanently", "type", string(t.Type), "feed", t.FeedID, "job_id", t.ID, "kind", string(kind), "error", err)
	} else {
		slog.Error("Task failed after maximum attempts", "type", string(t.Type), "feed", t.FeedID, "job_id", t.ID,
			"attempt", t.Attempt, "max_attempts", t.MaxAttempts, "kind", string(kind), "last_error", err)
	}

	result.Ack = true
	result.Terminal = true
	return result
}

func (t *FetchFeedTask) succeed(ctx context.Context) error {
	at := t.deps.now()
	if _, err := retryStore(ctx, t.deps, "mark fetched", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.deps.Registry.MarkFetched(ctx, t.FeedID, at, true)
	}); err != nil {
		return err
	}

	_, err := retryStore(ctx, t.deps, "record outcome", func(ctx context.Context) (database.FeedHealth, error) {
		return t.deps.Health.RecordOutcome(ctx, t.FeedID, health.Success())
	})
	return err
}

func (t *FetchFeedTask) storeFailure(err error) Result {
	slog.Error("Task left for redelivery", "type", string(t.Type), "feed", t.FeedID, "job_id", t.ID,
		"kind", string(feed.KindStoreUnavailable), "error", err)
	return Result{Kind: feed.KindStoreUnavailable, Err: err}
}

// retryStore runs a store operation with its own bounded exponential backoff.
// Exhausted retries surface as StoreUnavailable.
func retryStore[T any](ctx context.Context, deps *FetchDeps, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero T
		err  error
	)

	delay := deps.StoreRetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	for attempt := 0; attempt <= deps.StoreRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("Store operation retry scheduled", "op", op, "attempt", attempt, "delay", delay.String(), "error", err)
			select {
			case <-ctx.Done():
				return zero, feed.NewError(feed.KindStoreUnavailable, op, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
	}

	return zero, feed.NewError(feed.KindStoreUnavailable, op, err)
}

func pageURL(source string, page int) (string, error) {
	if page <= 1 {
		return source, nil
	}

	u, err := url.Parse(source)
	if err != nil {
		return "", fmt.Errorf("invalid source url %q: %w", source, err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// isEndOfPages matches WordPress answering past the last page
// (400 rest_post_invalid_page_number) or a plain 404.
func isEndOfPages(err error) bool {
	switch feed.StatusCodeOf(err) {
	case http.StatusBadRequest, http.StatusNotFound:
		return true
	default:
		return false
	}
}
