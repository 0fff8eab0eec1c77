package cfg

import "time"

type Role string

const (
	RoleAll       Role = "all"
	RoleScheduler Role = "scheduler"
	RoleWorker    Role = "worker"
)

func (r Role) RunsScheduler() bool {
	return r == RoleAll || r == RoleScheduler
}

func (r Role) RunsWorkers() bool {
	return r == RoleAll || r == RoleWorker
}

type Cfg struct {
	Role Role

	// Store configuration
	Store      string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	SQLitePath string

	// Broker configuration
	Broker            string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisStream       string
	RedisGroup        string
	VisibilityTimeout time.Duration
	LeaderElection    bool

	// Scheduling and fetching
	TickInterval        time.Duration
	TickTimeout         time.Duration
	InflightTimeout     time.Duration
	DefaultPollInterval time.Duration
	WorkerCount         int
	FetchTimeout        time.Duration
	MaxAttempts         int

	// Health policy
	BackoffBase   time.Duration
	BackoffCapExp int
	SuspendAfter  int

	// Application configuration
	FeedsDir     string
	Port         string
	APIAccessKey string

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}
