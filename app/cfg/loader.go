package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

const maxBackoffCapExp = 30

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	Role string `long:"role" env:"ROLE" default:"all" choice:"all" choice:"scheduler" choice:"worker" description:"Which components this process runs"`

	// Store configuration
	Store      string `long:"store" env:"STORE" default:"postgres" choice:"postgres" choice:"sqlite" description:"Backend for registry, items and health"`
	DBHost     string `long:"db-host" env:"DB_HOST" default:"localhost" description:"Database host"`
	DBPort     string `long:"db-port" env:"DB_PORT" default:"5432" description:"Database port"`
	DBUser     string `long:"db-user" env:"DB_USER" default:"depot_user" description:"Database user"`
	DBPassword string `long:"db-password" env:"DB_PASSWORD" description:"Database password (required for postgres)"`
	DBName     string `long:"db-name" env:"DB_NAME" default:"feed_depot" description:"Database name"`
	DBSSLMode  string `long:"db-sslmode" env:"DB_SSLMODE" default:"disable" description:"PostgreSQL sslmode"`
	SQLitePath string `long:"sqlite-path" env:"SQLITE_PATH" default:"./feed-depot.db" description:"SQLite database file"`

	// Broker configuration
	Broker            string        `long:"broker" env:"BROKER" default:"redis" choice:"redis" choice:"memory" description:"Job broker (memory requires role=all)"`
	RedisAddr         string        `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address"`
	RedisPassword     string        `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
	RedisDB           int           `long:"redis-db" env:"REDIS_DB" default:"0" description:"Redis database number"`
	RedisStream       string        `long:"redis-stream" env:"REDIS_STREAM" default:"feed-depot:jobs" description:"Redis stream holding fetch jobs"`
	RedisGroup        string        `long:"redis-group" env:"REDIS_GROUP" default:"feed-depot-workers" description:"Redis consumer group"`
	VisibilityTimeout time.Duration `long:"visibility-timeout" env:"VISIBILITY_TIMEOUT" default:"5m" description:"Time before an unacked job is redelivered"`
	LeaderElection    bool          `long:"leader-election" env:"LEADER_ELECTION" description:"Elect a single active scheduler through a Redis lease"`

	// Scheduling and fetching
	TickInterval        time.Duration `long:"tick-interval" env:"TICK_INTERVAL" default:"5s" description:"Scheduler tick interval"`
	TickTimeout         time.Duration `long:"tick-timeout" env:"TICK_TIMEOUT" description:"Upper bound on one scheduler tick (defaults to tick interval)"`
	InflightTimeout     time.Duration `long:"inflight-timeout" env:"INFLIGHT_TIMEOUT" default:"15m" description:"Time after which an unconfirmed job is presumed lost"`
	DefaultPollInterval time.Duration `long:"default-poll-interval" env:"DEFAULT_POLL_INTERVAL" default:"1h" description:"Poll interval for subscriptions that do not set one"`
	WorkerCount         int           `long:"worker-count" env:"WORKER_COUNT" default:"5" description:"Number of fetch workers"`
	FetchTimeout        time.Duration `long:"fetch-timeout" env:"FETCH_TIMEOUT" default:"30s" description:"HTTP timeout for a single feed request"`
	MaxAttempts         int           `long:"max-attempts" env:"MAX_ATTEMPTS" default:"5" description:"Deliveries of one job before it is abandoned"`

	// Health policy
	BackoffBase   time.Duration `long:"backoff-base" env:"BACKOFF_BASE" default:"10s" description:"Delay after the first failure"`
	BackoffCapExp int           `long:"backoff-cap-exponent" env:"BACKOFF_CAP_EXPONENT" default:"4" description:"Maximum doubling exponent of the backoff delay"`
	SuspendAfter  int           `long:"suspend-after" env:"SUSPEND_AFTER" default:"5" description:"Consecutive failures before a feed is suspended"`

	// Application configuration
	FeedsDir     string `long:"feeds-dir" env:"FEEDS_DIR" description:"Directory of subscription files synced at startup (optional)"`
	Port         string `long:"port" env:"PORT" default:"8080" description:"Ops HTTP server port"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"Feed Depot/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

// Load parses the process arguments and environment
func Load() (*Cfg, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs parses args and the environment. It returns nil, nil when help was requested.
func LoadArgs(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		Role:                Role(raw.Role),
		Store:               raw.Store,
		DBHost:              raw.DBHost,
		DBPort:              raw.DBPort,
		DBUser:              raw.DBUser,
		DBPassword:          raw.DBPassword,
		DBName:              raw.DBName,
		DBSSLMode:           raw.DBSSLMode,
		SQLitePath:          raw.SQLitePath,
		Broker:              raw.Broker,
		RedisAddr:           raw.RedisAddr,
		RedisPassword:       raw.RedisPassword,
		RedisDB:             raw.RedisDB,
		RedisStream:         raw.RedisStream,
		RedisGroup:          raw.RedisGroup,
		VisibilityTimeout:   raw.VisibilityTimeout,
		LeaderElection:      raw.LeaderElection,
		TickInterval:        raw.TickInterval,
		TickTimeout:         cmp.Or(raw.TickTimeout, raw.TickInterval),
		InflightTimeout:     raw.InflightTimeout,
		DefaultPollInterval: raw.DefaultPollInterval,
		WorkerCount:         raw.WorkerCount,
		FetchTimeout:        raw.FetchTimeout,
		MaxAttempts:         raw.MaxAttempts,
		BackoffBase:         raw.BackoffBase,
		BackoffCapExp:       raw.BackoffCapExp,
		SuspendAfter:        raw.SuspendAfter,
		FeedsDir:            raw.FeedsDir,
		Port:                raw.Port,
		APIAccessKey:        raw.APIAccessKey,
		UserAgent:           raw.UserAgent,
		Timezone:            raw.Timezone,
		Debug:               raw.Debug,
		Version:             GetVersion(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

// Validate checks value ranges and backend-specific requirements
func (c *Cfg) Validate() error {
	positive := map[string]time.Duration{
		"tick interval":         c.TickInterval,
		"tick timeout":          c.TickTimeout,
		"inflight timeout":      c.InflightTimeout,
		"default poll interval": c.DefaultPollInterval,
		"fetch timeout":         c.FetchTimeout,
		"visibility timeout":    c.VisibilityTimeout,
		"backoff base":          c.BackoffBase,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("invalid configuration: %s must be positive", name)
		}
	}

	if c.WorkerCount < 1 {
		return fmt.Errorf("invalid configuration: worker count must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("invalid configuration: max attempts must be at least 1")
	}
	if c.SuspendAfter < 1 {
		return fmt.Errorf("invalid configuration: suspend after must be at least 1")
	}
	if c.BackoffCapExp < 0 || c.BackoffCapExp > maxBackoffCapExp {
		return fmt.Errorf("invalid configuration: backoff cap exponent must be between 0 and %d", maxBackoffCapExp)
	}
	if c.TickTimeout > c.TickInterval {
		return fmt.Errorf("invalid configuration: tick timeout must not exceed tick interval")
	}

	switch c.Store {
	case "postgres":
		if c.DBPassword == "" {
			return fmt.Errorf("invalid configuration: database password is required for postgres store")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("invalid configuration: sqlite path is required for sqlite store")
		}
	default:
		return fmt.Errorf("invalid configuration: unknown store %q", c.Store)
	}

	switch c.Broker {
	case "memory":
		if c.Role != RoleAll {
			return fmt.Errorf("invalid configuration: memory broker requires role %q", RoleAll)
		}
		if c.LeaderElection {
			return fmt.Errorf("invalid configuration: leader election requires the redis broker")
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("invalid configuration: redis address is required for redis broker")
		}
	default:
		return fmt.Errorf("invalid configuration: unknown broker %q", c.Broker)
	}

	return nil
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
			fmt.Printf("Timezone configured: %s\n", timezone)
		}
	}
	return nil
}
