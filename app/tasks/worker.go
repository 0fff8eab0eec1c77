package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lysyi3m/feed-depot/app/broker"
)

type WorkerStats struct {
	Workers    int   `json:"workers"`
	Processed  int64 `json:"processed"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Redelivery int64 `json:"left_for_redelivery"`
	Panics     int64 `json:"panics"`
}

// WorkerPool runs a fixed number of workers, each consuming one delivery at a time.
type WorkerPool struct {
	broker      broker.Broker
	deps        *FetchDeps
	workerCount int
	taskTimeout time.Duration
	onComplete  func(feedID string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed  atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	redelivery atomic.Int64
	panics     atomic.Int64
}

func NewWorkerPool(b broker.Broker, deps *FetchDeps, workerCount int, taskTimeout time.Duration) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	if workerCount <= 0 {
		workerCount = 1
	}
	if taskTimeout <= 0 {
		taskTimeout = 5 * time.Minute
	}

	return &WorkerPool{
		broker:      b,
		deps:        deps,
		workerCount: workerCount,
		taskTimeout: taskTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// OnComplete registers a callback fired after a job reached a terminal outcome.
func (p *WorkerPool) OnComplete(fn func(feedID string)) {
	p.onComplete = fn
}

func (p *WorkerPool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	slog.Info("Worker pool started", "workers", p.workerCount)
}

// Stop cancels in-progress jobs and waits for workers to exit. Interrupted jobs
// stay unacked and are redelivered.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *WorkerPool) Stats() WorkerStats {
	return WorkerStats{
		Workers:    p.workerCount,
		Processed:  p.processed.Load(),
		Succeeded:  p.succeeded.Load(),
		Failed:     p.failed.Load(),
		Redelivery: p.redelivery.Load(),
		Panics:     p.panics.Load(),
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	retry := 0
	for {
		d, err := p.broker.Consume(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}

			retry++
			delay := time.Duration(1<<uint(min(retry-1, 5))) * time.Second
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
			slog.Warn("Broker consume failed", "worker_id", id, "retry_count", retry, "delay", delay.String(), "error", err)

			select {
			case <-p.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		retry = 0
		if d != nil {
			p.handle(id, d)
		}
	}
}

func (p *WorkerPool) handle(workerID int, d *broker.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			slog.Error("Worker task panicked", "worker_id", workerID, "feed", d.Job.FeedID, "job_id", d.Job.ID, "error", fmt.Sprint(r))
		}
	}()

	p.processed.Add(1)
	task := NewFetchFeedTask(d.Job, p.deps)

	res := func() Result {
		taskCtx, cancel := context.WithTimeout(p.ctx, p.taskTimeout)
		defer cancel()
		return task.Execute(taskCtx)
	}()

	if res.Err != nil && p.ctx.Err() != nil {
		p.redelivery.Add(1)
		slog.Info("Job interrupted by shutdown", "worker_id", workerID, "feed", d.Job.FeedID, "job_id", d.Job.ID)
		return
	}

	switch {
	case res.Err == nil:
		p.succeeded.Add(1)
	case res.Ack:
		p.failed.Add(1)
	default:
		p.redelivery.Add(1)
	}

	if res.Ack {
		ackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.broker.Ack(ackCtx, d)
		cancel()
		if err != nil {
			slog.Error("Failed to ack job", "worker_id", workerID, "feed", d.Job.FeedID, "job_id", d.Job.ID, "error", err)
		}
	}

	if res.Terminal && p.onComplete != nil {
		p.onComplete(d.Job.FeedID)
	}
}
