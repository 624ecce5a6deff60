package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds engine-level configuration. Designed for environment-based
// configuration; LoadConfig reads .env files and the process environment.
type Config struct {
	// Lifecycle
	ShutdownTimeout time.Duration `env:"TASKHIVE_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Execution defaults; zero timeout means unbounded.
	DefaultTimeout    time.Duration `env:"TASKHIVE_DEFAULT_TIMEOUT" envDefault:"0"`
	DefaultAuditLevel string        `env:"TASKHIVE_DEFAULT_AUDIT_LEVEL" envDefault:"full"`

	// Scheduler; zero shards means max(4, NumCPU).
	SchedulerShards int `env:"TASKHIVE_SCHEDULER_SHARDS" envDefault:"0"`

	// Events
	EventBufferSize int `env:"TASKHIVE_EVENT_BUFFER_SIZE" envDefault:"256"`

	// Startup recovery
	RecoveryEnabled  bool `env:"TASKHIVE_RECOVERY_ENABLED" envDefault:"true"`
	RecoveryPageSize int  `env:"TASKHIVE_RECOVERY_PAGE_SIZE" envDefault:"100"`

	// Defaults applied to the built-in queues.
	QueueCapacity     int           `env:"TASKHIVE_QUEUE_CAPACITY" envDefault:"1000"`
	QueueMaxParallel  int           `env:"TASKHIVE_QUEUE_MAX_PARALLEL" envDefault:"10"`
	QueueFullBehavior string        `env:"TASKHIVE_QUEUE_FULL_BEHAVIOR" envDefault:"wait"`
	QueueTimeout      time.Duration `env:"TASKHIVE_QUEUE_TIMEOUT" envDefault:"0"`
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout:   30 * time.Second,
		DefaultAuditLevel: "full",
		EventBufferSize:   256,
		RecoveryEnabled:   true,
		RecoveryPageSize:  100,
		QueueCapacity:     1000,
		QueueMaxParallel:  10,
		QueueFullBehavior: "wait",
	}
}

// LoadConfig loads configuration from optional .env files and the process
// environment. Missing .env files are not an error.
func LoadConfig(files ...string) (Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load env file %q: %w", f, err)
		}
	}
	if len(files) == 0 {
		_ = godotenv.Load()
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse engine config: %w", err)
	}
	return cfg, nil
}
