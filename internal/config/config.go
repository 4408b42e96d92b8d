// Package config holds shared runtime configuration for the API and worker
// services, loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is parsed once at process start. Defaults suit local development.
type Config struct {
	Env         string `env:"APP_ENV" envDefault:"dev"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// ArchiveDSN enables the Postgres archival sink for retention-pruned
	// terminal jobs. Empty disables archival.
	ArchiveDSN string `env:"ARCHIVE_POSTGRES_DSN"`

	PollIntervalMin   time.Duration `env:"POLL_INTERVAL_MIN" envDefault:"20ms"`
	PollIntervalMax   time.Duration `env:"POLL_INTERVAL_MAX" envDefault:"500ms"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"5s"`
	StallSweepFloor   time.Duration `env:"STALL_SWEEP_FLOOR" envDefault:"1s"`
	StatsWindow       time.Duration `env:"STATS_WINDOW" envDefault:"5m"`
	HealthMaxWait     time.Duration `env:"HEALTH_MAX_WAIT" envDefault:"5m"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	RateLimitCapacity int     `env:"RATE_LIMIT_CAPACITY" envDefault:"200"`
	RateLimitRefill   float64 `env:"RATE_LIMIT_REFILL_PER_SEC" envDefault:"100"`
}

// Load parses the environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}
