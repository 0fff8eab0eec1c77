package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lysyi3m/feed-depot/app/api"
	"github.com/lysyi3m/feed-depot/app/broker"
	"github.com/lysyi3m/feed-depot/app/cfg"
	"github.com/lysyi3m/feed-depot/app/database"
	"github.com/lysyi3m/feed-depot/app/feed"
	"github.com/lysyi3m/feed-depot/app/health"
	"github.com/lysyi3m/feed-depot/app/tasks"
)

// depotBroker is a job broker that also reports its own health.
type depotBroker interface {
	broker.Broker
	api.HealthReporter
}

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if appCfg == nil {
		// Help was shown
		return
	}

	setupLogging(appCfg.Debug)

	slog.Info("Starting Feed Depot", "version", appCfg.Version, "role", string(appCfg.Role),
		"store", appCfg.Store, "broker", appCfg.Broker)

	db, err := openStore(appCfg)
	if err != nil {
		fatal("Failed to connect to database", err)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		fatal("Failed to run migrations", err)
	}
	slog.Info("Database ready", "dialect", string(db.Dialect()), "schema_version", version, "dirty", dirty)

	feedRepo := database.NewFeedRepository(db)
	itemRepo := database.NewItemRepository(db)
	tracker := health.NewTracker(database.NewHealthRepository(db), health.Policy{
		BaseDelay:    appCfg.BackoffBase,
		CapExponent:  appCfg.BackoffCapExp,
		SuspendAfter: appCfg.SuspendAfter,
	})

	if appCfg.FeedsDir != "" && appCfg.Role.RunsScheduler() {
		loader := feed.NewSubscriptionLoader(appCfg.FeedsDir, appCfg.DefaultPollInterval)
		syncCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := tasks.NewSyncSubscriptionsTask(loader, feedRepo).Execute(syncCtx)
		cancel()
		if err != nil {
			fatal("Failed to sync subscriptions", err)
		}
	}

	b, lease, err := openBroker(appCfg)
	if err != nil {
		fatal("Failed to open broker", err)
	}

	var (
		sched *tasks.Scheduler
		pool  *tasks.WorkerPool
	)

	if appCfg.Role.RunsWorkers() {
		deps := &tasks.FetchDeps{
			Registry:     feedRepo,
			Items:        itemRepo,
			Health:       tracker,
			Fetcher:      feed.NewFetcher(feed.NewHTTPClient(), appCfg.UserAgent, appCfg.FetchTimeout),
			Parser:       feed.NewParser(),
			MaxAttempts:  appCfg.MaxAttempts,
			StoreRetries: 3,
			PageDelay:    time.Second,
		}
		// A job may run up to the visibility timeout before it is handed to another worker
		pool = tasks.NewWorkerPool(b, deps, appCfg.WorkerCount, appCfg.VisibilityTimeout)
	}

	if appCfg.Role.RunsScheduler() {
		sched = tasks.NewScheduler(feedRepo, tracker, b, tasks.SchedulerConfig{
			TickInterval:    appCfg.TickInterval,
			TickTimeout:     appCfg.TickTimeout,
			InflightTimeout: appCfg.InflightTimeout,
		})
		if lease != nil {
			sched.SetLeader(lease)
		}
	}

	if pool != nil && sched != nil {
		pool.OnComplete(sched.Complete)
	}

	handler := api.NewHandler(feedRepo, itemRepo, tracker, db, b, appCfg.Version)
	if sched != nil {
		handler.SetScheduler(sched)
	}
	if pool != nil {
		handler.SetWorkers(pool)
	}

	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      api.NewServer(handler, appCfg.APIAccessKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if pool != nil {
		pool.Start()
	}
	if sched != nil {
		sched.Start()
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", appCfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	slog.Info("Feed Depot started successfully")

	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-serverErrChan:
		slog.Error("Server error", "error", err)
	}

	slog.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Stop producing before consuming so no job is published into a closed broker
	if sched != nil {
		sched.Stop()
		slog.Info("Scheduler stopped")
	}
	if pool != nil {
		pool.Stop()
		slog.Info("Worker pool stopped", "stats", fmt.Sprintf("%+v", pool.Stats()))
	}

	if err := b.Close(); err != nil {
		slog.Error("Broker close error", "error", err)
	}

	slog.Info("Feed Depot shutdown complete")
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func openStore(c *cfg.Cfg) (*database.DB, error) {
	switch c.Store {
	case "sqlite":
		slog.Info("Opening SQLite database", "path", c.SQLitePath)
		return database.NewSQLiteConnection(c.SQLitePath)
	default:
		slog.Info("Connecting to PostgreSQL", "host", c.DBHost, "port", c.DBPort, "database", c.DBName)
		return database.NewConnection(c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
	}
}

// openBroker returns the configured broker and, when leader election is on,
// the lease guarding the scheduler.
func openBroker(c *cfg.Cfg) (depotBroker, *broker.Lease, error) {
	if c.Broker == "memory" {
		return broker.NewMemory(c.VisibilityTimeout), nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := broker.NewRedisClient(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
	if err != nil {
		return nil, nil, err
	}

	hostname, _ := os.Hostname()
	b, err := broker.NewRedis(ctx, client, broker.RedisConfig{
		Stream:            c.RedisStream,
		Group:             c.RedisGroup,
		Consumer:          fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		VisibilityTimeout: c.VisibilityTimeout,
		MaxLen:            100000,
	})
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	var lease *broker.Lease
	if c.LeaderElection && c.Role.RunsScheduler() {
		lease = broker.NewLease(client, c.RedisStream+":scheduler-lease", 3*c.TickInterval)
	}

	return b, lease, nil
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
