package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lysyi3m/feed-depot/app/broker"
	"github.com/lysyi3m/feed-depot/app/database"
	"github.com/lysyi3m/feed-depot/app/feed"
)

type SchedulerConfig struct {
	TickInterval      time.Duration
	TickTimeout       time.Duration
	InflightTimeout   time.Duration // After this long an unconfirmed job is presumed lost
	RegistryRetryBase time.Duration
	RegistryRetryMax  time.Duration
}

type SchedulerStats struct {
	Ticks             int64 `json:"ticks"`
	Enqueued          int64 `json:"enqueued"`
	SkippedInflight   int64 `json:"skipped_inflight"`
	SkippedIneligible int64 `json:"skipped_ineligible"`
	PublishErrors     int64 `json:"publish_errors"`
	RegistryErrors    int64 `json:"registry_errors"`
	Inflight          int   `json:"inflight"`
	Leader            bool  `json:"leader"`
}

// Scheduler decides which feeds are due and publishes one fetch job per due
// feed. The registry's last_scheduled_at is the durable schedule; the in-flight
// set only suppresses duplicates while a job is outstanding.
type Scheduler struct {
	registry  database.Registry
	health    Eligibility
	publisher Publisher
	leader    Leader
	cfg       SchedulerConfig
	now       func() time.Time

	mu               sync.Mutex
	inflight         map[string]time.Time
	registryFailures int
	pausedUntil      time.Time
	isLeader         bool
	stats            SchedulerStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(registry database.Registry, health Eligibility, publisher Publisher, cfg SchedulerConfig) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.TickTimeout <= 0 || cfg.TickTimeout > cfg.TickInterval {
		cfg.TickTimeout = cfg.TickInterval
	}
	if cfg.InflightTimeout <= 0 {
		cfg.InflightTimeout = 15 * time.Minute
	}
	if cfg.RegistryRetryBase <= 0 {
		cfg.RegistryRetryBase = time.Second
	}
	if cfg.RegistryRetryMax <= 0 {
		cfg.RegistryRetryMax = time.Minute
	}

	return &Scheduler{
		registry:  registry,
		health:    health,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		inflight:  make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetLeader makes scheduling conditional on holding leadership.
func (s *Scheduler) SetLeader(l Leader) {
	s.leader = l
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()

		s.tick()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()

	slog.Info("Scheduler started", "tick_interval", s.cfg.TickInterval.String())
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()

	if s.leader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.leader.Release(ctx); err != nil {
			slog.Warn("Failed to release scheduler lease", "error", err)
		}
	}
}

// Complete clears the in-flight entry of a feed whose job reached a terminal outcome.
func (s *Scheduler) Complete(feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, feedID)
}

func (s *Scheduler) tick() {
	enqueued, err := s.RunOnce(s.ctx)
	if err != nil {
		slog.Error("Scheduler tick failed", "error", err)
		return
	}
	if enqueued > 0 {
		slog.Debug("Scheduler tick completed", "enqueued", enqueued)
	}
}

// RunOnce performs a single scheduling pass and returns the number of jobs published.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()

	s.mu.Lock()
	s.stats.Ticks++
	paused := now.Before(s.pausedUntil)
	s.mu.Unlock()
	if paused {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	if !s.acquireLeadership(ctx) {
		return 0, nil
	}

	feeds, err := s.registry.ListDueFeeds(ctx, now)
	if err != nil {
		delay := s.registryFailed(now)
		slog.Error("Registry read failed, scheduling paused", "retry_in", delay.String(), "error", err)
		return 0, feed.NewError(feed.KindStoreUnavailable, "list due feeds", err)
	}
	s.registryRecovered()
	s.sweepInflight(now)

	enqueued := 0
	for _, f := range feeds {
		if ctx.Err() != nil {
			slog.Warn("Scheduler tick timed out", "enqueued", enqueued, "due", len(feeds))
			break
		}

		if s.isInflight(f, now) {
			s.count(func(st *SchedulerStats) { st.SkippedInflight++ })
			continue
		}

		eligible, err := s.health.IsEligible(ctx, f.ID, now)
		if err != nil {
			slog.Warn("Failed to check feed eligibility, skipping", "feed", f.ID, "error", err)
			continue
		}
		if !eligible {
			s.count(func(st *SchedulerStats) { st.SkippedIneligible++ })
			continue
		}

		job := broker.NewFetchJob(f.ID, now)
		if err := s.publisher.Publish(ctx, job); err != nil {
			s.count(func(st *SchedulerStats) { st.PublishErrors++ })
			slog.Warn("Failed to publish fetch job", "feed", f.ID, "kind", string(feed.KindBrokerUnavailable), "error", err)
			continue
		}

		s.markInflight(f.ID, now)

		if err := s.registry.MarkScheduled(ctx, f.ID, now); err != nil {
			slog.Warn("Failed to mark feed scheduled", "feed", f.ID, "error", err)
		}

		enqueued++
		slog.Debug("Fetch job enqueued", "feed", f.ID, "job_id", job.ID)
	}

	s.count(func(st *SchedulerStats) { st.Enqueued += int64(enqueued) })
	return enqueued, nil
}

func (s *Scheduler) acquireLeadership(ctx context.Context) bool {
	if s.leader == nil {
		s.mu.Lock()
		s.isLeader = true
		s.mu.Unlock()
		return true
	}

	ok, err := s.leader.Acquire(ctx)
	if err != nil {
		slog.Warn("Failed to acquire scheduler lease", "error", err)
		ok = false
	}

	s.mu.Lock()
	changed := s.isLeader != ok
	s.isLeader = ok
	s.mu.Unlock()

	if changed {
		slog.Info("Scheduler leadership changed", "leader", ok)
	}
	return ok
}

func (s *Scheduler) registryFailed(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.registryFailures++
	s.stats.RegistryErrors++

	delay := s.cfg.RegistryRetryBase * time.Duration(1<<uint(min(s.registryFailures-1, 16)))
	if delay > s.cfg.RegistryRetryMax {
		delay = s.cfg.RegistryRetryMax
	}
	s.pausedUntil = now.Add(delay)
	return delay
}

func (s *Scheduler) registryRecovered() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registryFailures > 0 {
		slog.Info("Registry reachable again, scheduling resumed", "failures", s.registryFailures)
	}
	s.registryFailures = 0
	s.pausedUntil = time.Time{}
}

// isInflight reports whether a job for the feed is still outstanding. Entries
// clear once the registry shows a fetch finishing after the enqueue, or when
// the job is presumed lost.
func (s *Scheduler) isInflight(f database.FeedSubscription, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	enqueuedAt, ok := s.inflight[f.ID]
	if !ok {
		return false
	}

	if f.LastFetchedAt != nil && !f.LastFetchedAt.Before(enqueuedAt) {
		delete(s.inflight, f.ID)
		return false
	}

	if now.Sub(enqueuedAt) >= s.cfg.InflightTimeout {
		slog.Warn("In-flight job presumed lost", "feed", f.ID, "enqueued_at", enqueuedAt)
		delete(s.inflight, f.ID)
		return false
	}

	return true
}

func (s *Scheduler) markInflight(feedID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[feedID] = at
}

func (s *Scheduler) sweepInflight(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, at := range s.inflight {
		if now.Sub(at) >= s.cfg.InflightTimeout {
			delete(s.inflight, id)
		}
	}
}

func (s *Scheduler) count(fn func(*SchedulerStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.stats)
}

func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.Inflight = len(s.inflight)
	st.Leader = s.isLeader
	return st
}

// Health returns scheduler state for the ops API
func (s *Scheduler) Health() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := "healthy"
	if s.registryFailures > 0 {
		status = "degraded"
	}

	h := map[string]any{
		"status":            status,
		"leader":            s.isLeader,
		"inflight":          len(s.inflight),
		"registry_failures": s.registryFailures,
	}
	if !s.pausedUntil.IsZero() {
		h["paused_until"] = s.pausedUntil
	}
	return h
}
