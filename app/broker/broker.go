package broker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("broker closed")

// FetchJob asks a worker to fetch one feed. AttemptCount is set by the broker
// on delivery: 1 for the first delivery, incremented on every redelivery.
type FetchJob struct {
	ID           string    `json:"id"`
	FeedID       string    `json:"feed_id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	AttemptCount int       `json:"attempt_count"`
}

func NewFetchJob(feedID string, enqueuedAt time.Time) FetchJob {
	return FetchJob{
		ID:         uuid.NewString(),
		FeedID:     feedID,
		EnqueuedAt: enqueuedAt.UTC(),
	}
}

// Delivery is one handout of a job to a consumer. It must be acked once all
// side effects of the job are durable; otherwise the job is redelivered after
// the visibility timeout.
type Delivery struct {
	Job    FetchJob
	handle string
}

func (d *Delivery) Handle() string {
	return d.handle
}

// Broker is an at-least-once job queue. No ordering is guaranteed.
type Broker interface {
	Publish(ctx context.Context, job FetchJob) error
	Consume(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Close() error
}

var (
	_ Broker = (*Memory)(nil)
	_ Broker = (*Redis)(nil)
)
