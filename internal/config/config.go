package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds shared runtime configuration for the API, worker and queuectl binaries.
type Config struct {
	Env      string `env:"APP_ENV" envDefault:"dev"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`
	// MetricsAddr is where the worker serves /metrics and /healthz.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix     string `env:"KEY_PREFIX" envDefault:"elysium"`

	// PostgresDSN enables the audit trail when set.
	PostgresDSN string `env:"POSTGRES_DSN"`

	VisibilityTimeout  time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"30s"`
	LeaseRenewInterval time.Duration `env:"LEASE_RENEW_INTERVAL" envDefault:"10s"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"10"`
	ReclaimInterval    time.Duration `env:"RECLAIM_INTERVAL" envDefault:"5s"`
	PromoteInterval    time.Duration `env:"PROMOTE_INTERVAL" envDefault:"1s"`
	ScheduledBatchSize int           `env:"SCHEDULED_BATCH_SIZE" envDefault:"100"`
	TerminalRetention  time.Duration `env:"TERMINAL_RETENTION" envDefault:"168h"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	// Queues lists the queues a worker polls, as name[:concurrency].
	Queues []string `env:"QUEUES" envDefault:"default" envSeparator:","`

	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	JobTimeout     time.Duration `env:"JOB_TIMEOUT" envDefault:"5m"`
	BackoffInitial time.Duration `env:"BACKOFF_INITIAL" envDefault:"2s"`
	BackoffMax     time.Duration `env:"BACKOFF_MAX" envDefault:"5m"`
	BackoffJitter  time.Duration `env:"BACKOFF_JITTER" envDefault:"1s"`
	BackoffSeed    int64         `env:"BACKOFF_SEED" envDefault:"0"`

	BrokerRetryAttempts int           `env:"BROKER_RETRY_ATTEMPTS" envDefault:"5"`
	BrokerRetryInitial  time.Duration `env:"BROKER_RETRY_INITIAL" envDefault:"100ms"`
	BrokerRetryMax      time.Duration `env:"BROKER_RETRY_MAX" envDefault:"5s"`

	CronTick  time.Duration `env:"CRON_TICK" envDefault:"1s"`
	CronClaim time.Duration `env:"CRON_CLAIM_TTL" envDefault:"24h"`

	RateLimitCapacity int     `env:"RATE_LIMIT_CAPACITY" envDefault:"50"`
	RateLimitRefill   float64 `env:"RATE_LIMIT_REFILL_PER_SEC" envDefault:"20"`

	ArchiveDir         string `env:"ARCHIVE_DIR" envDefault:"./dead-letters"`
	ArchiveS3Bucket    string `env:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Region    string `env:"ARCHIVE_S3_REGION" envDefault:"us-east-1"`
	ArchiveS3Endpoint  string `env:"ARCHIVE_S3_ENDPOINT"`
	ArchiveS3PathStyle bool   `env:"ARCHIVE_S3_PATH_STYLE" envDefault:"false"`
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if c.CronTick < time.Second {
		c.CronTick = time.Second
	}
	if c.WorkerConcurrency < 1 {
		c.WorkerConcurrency = 1
	}
	return c, nil
}
