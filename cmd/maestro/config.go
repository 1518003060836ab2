package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/rendis/maestro/internal/engine"
)

// duration reads "250ms"-style strings from settings.json.
type duration time.Duration

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// AgentConfig binds an agent_ref to an HTTP endpoint.
type AgentConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout duration          `json:"timeout,omitempty"`
	Stream  bool              `json:"stream,omitempty"`
}

// Config holds all maestro configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string                  `json:"listen_addr"`
	DBDriver        string                  `json:"db_driver"`
	DBDSN           string                  `json:"db_dsn"`
	LogLevel        string                  `json:"log_level"`
	LogFormat       string                  `json:"log_format"`
	PoolSize        int                     `json:"pool_size"`
	MaxAttempts     int                     `json:"max_attempts"`
	BaseDelay       duration                `json:"base_delay"`
	MaxDelay        duration                `json:"max_delay"`
	StepTimeout     duration                `json:"step_timeout"`
	PipelinesDir    string                  `json:"pipelines_dir"`
	InvokerURL      string                  `json:"invoker_url"`
	InvokerTimeout  duration                `json:"invoker_timeout"`
	Agents          map[string]AgentConfig  `json:"agents,omitempty"`
	ClassifierRules []engine.ClassifierRule `json:"classifier_rules,omitempty"`
	BreakerFailures int                     `json:"breaker_failures"`
	BreakerCooldown duration                `json:"breaker_cooldown"`
	SweepSchedule   string                  `json:"sweep_schedule"`
	StaleAfter      duration                `json:"stale_after"`
	ShutdownTimeout duration                `json:"shutdown_timeout"`
}

func defaultConfig() Config {
	breaker := engine.DefaultCircuitBreakerConfig()
	return Config{
		ListenAddr:      ":4200",
		DBDriver:        "libsql",
		DBDSN:           "file:" + filepath.Join(maestroDir(), "maestro.db"),
		LogLevel:        "info",
		LogFormat:       "json",
		PoolSize:        10,
		MaxAttempts:     3,
		BaseDelay:       duration(time.Second),
		MaxDelay:        duration(30 * time.Second),
		StepTimeout:     duration(5 * time.Minute),
		PipelinesDir:    filepath.Join(maestroDir(), "pipelines"),
		InvokerTimeout:  duration(5 * time.Minute),
		BreakerFailures: breaker.FailureThreshold,
		BreakerCooldown: duration(breaker.Cooldown),
		SweepSchedule:   "@every 1m",
		StaleAfter:      duration(10 * time.Minute),
		ShutdownTimeout: duration(30 * time.Second),
	}
}

func maestroDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".maestro"
	}
	return filepath.Join(home, ".maestro")
}

func settingsPath() string {
	return filepath.Join(maestroDir(), "settings.json")
}

// loadConfig layers settings.json (ignored if missing) and MAESTRO_* env vars
// over the defaults. Flags are applied afterwards by applyFlags.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	env := envReader{getenv: getenv}
	env.str("MAESTRO_LISTEN_ADDR", &cfg.ListenAddr)
	env.str("MAESTRO_DB_DRIVER", &cfg.DBDriver)
	env.str("MAESTRO_DB_DSN", &cfg.DBDSN)
	env.str("MAESTRO_LOG_LEVEL", &cfg.LogLevel)
	env.str("MAESTRO_LOG_FORMAT", &cfg.LogFormat)
	env.int("MAESTRO_POOL_SIZE", &cfg.PoolSize)
	env.int("MAESTRO_MAX_ATTEMPTS", &cfg.MaxAttempts)
	env.dur("MAESTRO_BASE_DELAY", &cfg.BaseDelay)
	env.dur("MAESTRO_MAX_DELAY", &cfg.MaxDelay)
	env.dur("MAESTRO_STEP_TIMEOUT", &cfg.StepTimeout)
	env.str("MAESTRO_PIPELINES_DIR", &cfg.PipelinesDir)
	env.str("MAESTRO_INVOKER_URL", &cfg.InvokerURL)
	env.dur("MAESTRO_INVOKER_TIMEOUT", &cfg.InvokerTimeout)
	env.int("MAESTRO_BREAKER_FAILURES", &cfg.BreakerFailures)
	env.dur("MAESTRO_BREAKER_COOLDOWN", &cfg.BreakerCooldown)
	env.str("MAESTRO_SWEEP_SCHEDULE", &cfg.SweepSchedule)
	env.dur("MAESTRO_STALE_AFTER", &cfg.StaleAfter)
	if env.err != nil {
		return cfg, env.err
	}
	return cfg, cfg.validate()
}

type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) str(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v := e.getenv(key)
	if v == "" || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (e *envReader) dur(key string, dst *duration) {
	v := e.getenv(key)
	if v == "" || e.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = duration(d)
}

// applyFlags overrides cfg with every flag the user set explicitly.
func applyFlags(cfg *Config, flags *pflag.FlagSet) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		v := f.Value.String()
		switch f.Name {
		case "listen-addr":
			cfg.ListenAddr = v
		case "db-driver":
			cfg.DBDriver = v
		case "db-dsn":
			cfg.DBDSN = v
		case "log-level":
			cfg.LogLevel = v
		case "log-format":
			cfg.LogFormat = v
		case "pipelines-dir":
			cfg.PipelinesDir = v
		case "invoker-url":
			cfg.InvokerURL = v
		case "pool-size":
			cfg.PoolSize, err = strconv.Atoi(v)
		case "max-attempts":
			cfg.MaxAttempts, err = strconv.Atoi(v)
		case "step-timeout":
			var d time.Duration
			d, err = time.ParseDuration(v)
			cfg.StepTimeout = duration(d)
		}
	})
	if err != nil {
		return err
	}
	return cfg.validate()
}

func (c Config) validate() error {
	var problems []string
	switch c.DBDriver {
	case "libsql", "postgres", "pgx":
	default:
		problems = append(problems, fmt.Sprintf("db_driver %q must be libsql or postgres", c.DBDriver))
	}
	if c.DBDSN == "" {
		problems = append(problems, "db_dsn is required")
	}
	if c.PoolSize < 1 {
		problems = append(problems, "pool_size must be at least 1")
	}
	if c.MaxAttempts < 1 {
		problems = append(problems, "max_attempts must be at least 1")
	}
	if c.BaseDelay > c.MaxDelay {
		problems = append(problems, "base_delay must not exceed max_delay")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) engineConfig() engine.Config {
	return engine.Config{
		PoolSize:    c.PoolSize,
		MaxAttempts: c.MaxAttempts,
		Backoff: engine.BackoffPolicy{
			BaseDelay:  time.Duration(c.BaseDelay),
			MaxDelay:   time.Duration(c.MaxDelay),
			Multiplier: 2,
			Jitter:     0.2,
		},
		StepTimeout: time.Duration(c.StepTimeout),
		CircuitBreaker: engine.CircuitBreakerConfig{
			FailureThreshold: c.BreakerFailures,
			Cooldown:         time.Duration(c.BreakerCooldown),
			HalfOpenMax:      1,
		},
		ClassifierRules: c.ClassifierRules,
	}
}
