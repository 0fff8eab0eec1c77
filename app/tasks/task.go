package tasks

import (
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskTypeFetchFeed         TaskType = "fetch_feed"
	TaskTypeSyncSubscriptions TaskType = "sync_subscriptions"
)

const (
	DefaultMaxAttempts = 5
)

type Task struct {
	ID          string
	Type        TaskType
	FeedID      string
	Attempt     int
	MaxAttempts int
	StartedAt   *time.Time
}

func (t *Task) GetID() string {
	return t.ID
}

func (t *Task) GetType() TaskType {
	return t.Type
}

func (t *Task) GetFeedID() string {
	return t.FeedID
}

// CanRetry reports whether a failed attempt may be left for redelivery.
func (t *Task) CanRetry() bool {
	return t.Attempt < t.MaxAttempts
}

func (t *Task) Start() {
	now := time.Now()
	t.StartedAt = &now
}

func (t *Task) GetDuration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return time.Since(*t.StartedAt)
}

func NewTask(taskType TaskType, id, feedID string, attempt, maxAttempts int) Task {
	if id == "" {
		id = uuid.NewString()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	return Task{
		ID:          id,
		Type:        taskType,
		FeedID:      feedID,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
	}
}
