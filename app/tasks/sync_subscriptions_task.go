package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/feed-depot/app/feed"
)

// SyncSubscriptionsTask loads subscription files into the registry.
type SyncSubscriptionsTask struct {
	Task
	loader   *feed.SubscriptionLoader
	registry feed.SubscriptionWriter
}

func NewSyncSubscriptionsTask(loader *feed.SubscriptionLoader, registry feed.SubscriptionWriter) *SyncSubscriptionsTask {
	return &SyncSubscriptionsTask{
		Task:     NewTask(TaskTypeSyncSubscriptions, "", "", 1, 1),
		loader:   loader,
		registry: registry,
	}
}

func (t *SyncSubscriptionsTask) Execute(ctx context.Context) error {
	t.Start()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	count, err := t.loader.Sync(ctx, t.registry)
	if err != nil {
		slog.Error("Task failed", "type", string(t.Type), "error", err)
		return fmt.Errorf("failed to sync subscriptions to registry: %w", err)
	}

	slog.Info("Task completed",
		"type", string(t.Type),
		"feeds", count,
		"duration", t.GetDuration())

	return nil
}
