package broker

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	job        FetchJob
	deliveries int
	handle     string
	deadline   time.Time
}

// Memory is an in-process broker with visibility timeout redelivery. It backs
// single-process deployments and tests.
type Memory struct {
	mu         sync.Mutex
	visibility time.Duration
	ready      []*memoryEntry
	inflight   map[string]*memoryEntry
	wake       chan struct{}
	closed     bool
	seq        uint64
	now        func() time.Time
}

func NewMemory(visibility time.Duration) *Memory {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &Memory{
		visibility: visibility,
		inflight:   make(map[string]*memoryEntry),
		wake:       make(chan struct{}),
		now:        time.Now,
	}
}

func (m *Memory) Publish(ctx context.Context, job FetchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	job.AttemptCount = 0
	m.ready = append(m.ready, &memoryEntry{job: job})
	m.broadcast()
	return nil
}

func (m *Memory) Consume(ctx context.Context) (*Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}

		now := m.now()
		m.requeueExpired(now)

		if len(m.ready) > 0 {
			entry := m.ready[0]
			m.ready[0] = nil
			m.ready = m.ready[1:]

			m.seq++
			entry.deliveries++
			entry.handle = strconv.FormatUint(m.seq, 10)
			entry.deadline = now.Add(m.visibility)
			m.inflight[entry.handle] = entry

			job := entry.job
			job.AttemptCount = entry.deliveries
			m.mu.Unlock()

			return &Delivery{Job: job, handle: entry.handle}, nil
		}

		wait := m.nextDeadline(now)
		wake := m.wake
		m.mu.Unlock()

		var (
			timer   *time.Timer
			expired <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			expired = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-expired:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Ack removes the job. Acking a delivery whose visibility already lapsed still
// removes the job if it has not been handed out again.
func (m *Memory) Ack(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.inflight[d.handle]; ok {
		delete(m.inflight, d.handle)
		return nil
	}

	for i, entry := range m.ready {
		if entry.handle == d.handle {
			m.ready = append(m.ready[:i], m.ready[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		m.broadcast()
	}
	return nil
}

// Pending returns the number of jobs that are queued or awaiting ack.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready) + len(m.inflight)
}

func (m *Memory) requeueExpired(now time.Time) {
	for handle, entry := range m.inflight {
		if !entry.deadline.After(now) {
			delete(m.inflight, handle)
			m.ready = append(m.ready, entry)
		}
	}
}

func (m *Memory) nextDeadline(now time.Time) time.Duration {
	var next time.Duration
	for _, entry := range m.inflight {
		d := entry.deadline.Sub(now)
		if next == 0 || d < next {
			next = d
		}
	}
	return next
}

func (m *Memory) broadcast() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *Memory) Health(ctx context.Context) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := "healthy"
	if m.closed {
		status = "closed"
	}
	return map[string]any{
		"broker":   "memory",
		"status":   status,
		"ready":    len(m.ready),
		"inflight": len(m.inflight),
	}
}
