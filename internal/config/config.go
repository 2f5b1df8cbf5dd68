// Package config loads process-wide configuration from the environment.
package config

import (
	"encoding/json"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for a cronback process. Values come from
// CRONBACK_-prefixed environment variables; the serve command's usage text
// lists the common ones, and the envconfig tags below are the full list.
type Config struct {
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	RedisAddr   string `envconfig:"REDIS_ADDR"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`

	HTTPShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`

	DBMaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	DBMaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	DBConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`
	DBConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"5m"`

	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricsPath    string `envconfig:"METRICS_PATH" default:"/metrics"`

	Scheduler  SchedulerConfig
	Dispatcher DispatcherConfig
	API        APIConfig
	Leader     LeaderConfig
	Reconcile  ReconcileConfig
}

type SchedulerConfig struct {
	// NumCells is the size of the static owner-to-cell mapping. It must be
	// identical across every replica sharing the database.
	NumCells uint32 `envconfig:"NUM_CELLS" default:"16"`

	// OwnedCells lists the cells this replica schedules. Empty means all.
	OwnedCells []uint32 `envconfig:"OWNED_CELLS"`

	// DangerousFastForward replays runs missed while the cell was down.
	DangerousFastForward bool `envconfig:"DANGEROUS_FAST_FORWARD" default:"false"`

	// MaxInFlightPerCell is the back-pressure threshold toward the
	// dispatcher.
	MaxInFlightPerCell int `envconfig:"MAX_IN_FLIGHT_PER_CELL" default:"256"`

	// SkewTolerance bounds tolerated backward wall-clock jumps.
	SkewTolerance time.Duration `envconfig:"SKEW_TOLERANCE" default:"2s"`
}

type DispatcherConfig struct {
	ProxyURL              string        `envconfig:"PROXY_URL"`
	MaxConcurrentAttempts int64         `envconfig:"MAX_CONCURRENT_ATTEMPTS" default:"64"`
	ResponseBodyCapBytes  int64         `envconfig:"RESPONSE_BODY_CAP_BYTES" default:"1048576"`
	QueueSize             int           `envconfig:"QUEUE_SIZE" default:"1024"`
	Workers               int           `envconfig:"WORKERS" default:"16"`
	BlockedPorts          []int         `envconfig:"BLOCKED_PORTS"`
	BreakerThreshold      int           `envconfig:"BREAKER_THRESHOLD" default:"5"`
	BreakerCooldown       time.Duration `envconfig:"BREAKER_COOLDOWN" default:"2m"`
}

type APIConfig struct {
	// AdminAPIKeys are bootstrap admin credentials.
	AdminAPIKeys []string `envconfig:"ADMIN_API_KEYS"`
}

type LeaderConfig struct {
	// LockKeyBase seeds the per-cell advisory lock keys. All replicas
	// sharing the database must use the same base.
	LockKeyBase       int64         `envconfig:"LOCK_KEY_BASE" default:"728379"`
	RetryInterval     time.Duration `envconfig:"RETRY_INTERVAL" default:"5s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"2s"`
}

type ReconcileConfig struct {
	Enabled bool `envconfig:"ENABLED" default:"false"`

	Interval time.Duration `envconfig:"INTERVAL" default:"5m"`

	// Threshold must exceed the longest possible retry window so in-flight
	// runs are not re-enqueued while still being attempted.
	Threshold time.Duration `envconfig:"THRESHOLD" default:"15m"`

	BatchSize int `envconfig:"BATCH_SIZE" default:"100"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("cronback", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MaskedJSON renders the configuration with secrets masked, for the config
// subcommand and startup logging.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	if len(masked.API.AdminAPIKeys) > 0 {
		keys := make([]string, len(masked.API.AdminAPIKeys))
		for i := range keys {
			keys[i] = "***"
		}
		masked.API.AdminAPIKeys = keys
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
