package app

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Sync gate kinds.
const (
	GateLocal = "local"
	GateRedis = "redis"
)

// Config holds runtime configuration for the terminal agent.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:"127.0.0.1:8090"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	TerminalID  string `envconfig:"TERMINAL_ID" required:"true"`
	LocalDBPath string `envconfig:"LOCAL_DB_PATH" default:"freshfare-pos.db"`

	BackendDSN      string `envconfig:"BACKEND_DSN" required:"true"`
	BackendMigrate  bool   `envconfig:"BACKEND_MIGRATE" default:"false"`
	BackendMaxConns int32  `envconfig:"BACKEND_MAX_CONNS" default:"4"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	SyncGate         string        `envconfig:"SYNC_GATE" default:"local"`
	SyncStepTimeout  time.Duration `envconfig:"SYNC_STEP_TIMEOUT" default:"10s"`
	SyncMaxAttempts  int           `envconfig:"SYNC_MAX_ATTEMPTS" default:"5"`
	SyncPollInterval time.Duration `envconfig:"SYNC_POLL_INTERVAL" default:"2m"`
	SyncLockTTL      time.Duration `envconfig:"SYNC_LOCK_TTL" default:"2m"`
	SyncRateLimit    int           `envconfig:"SYNC_RATE_LIMIT" default:"6"`

	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL" default:"30m"`

	NetworkProbeInterval time.Duration `envconfig:"NETWORK_PROBE_INTERVAL" default:"5s"`
	NetworkProbeTimeout  time.Duration `envconfig:"NETWORK_PROBE_TIMEOUT" default:"2s"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.TerminalID) == "" {
		errs = append(errs, errors.New("terminal id must be provided"))
	}
	if c.BackendDSN == "" {
		errs = append(errs, errors.New("backend dsn must be provided"))
	}
	switch c.SyncGate {
	case GateLocal:
	case GateRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("SYNC_GATE=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sync gate %q", c.SyncGate))
	}
	if c.SyncMaxAttempts < 1 {
		errs = append(errs, errors.New("SYNC_MAX_ATTEMPTS must be at least 1"))
	}
	durations := map[string]time.Duration{
		"SYNC_STEP_TIMEOUT":      c.SyncStepTimeout,
		"SYNC_POLL_INTERVAL":     c.SyncPollInterval,
		"SYNC_LOCK_TTL":          c.SyncLockTTL,
		"REFRESH_INTERVAL":       c.RefreshInterval,
		"NETWORK_PROBE_INTERVAL": c.NetworkProbeInterval,
		"NETWORK_PROBE_TIMEOUT":  c.NetworkProbeTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// SchedulerEnabled reports whether periodic triggers run through asynq
// instead of the orchestrator's own timers.
func (c *Config) SchedulerEnabled() bool {
	return c != nil && c.RedisAddr != ""
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q", s)
	}
	return level, nil
}
