package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the jobpulse client and simulator.
type Config struct {
	Backend BackendConfig
	Poll    PollConfig
	Stream  StreamConfig
	UX      UXConfig
	Sim     SimConfig
}

type BackendConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

type PollConfig struct {
	// Interval applies while the event stream is not ready.
	Interval time.Duration
	// RelaxedInterval applies once the stream reports ready and polling is
	// only a safety net.
	RelaxedInterval time.Duration
}

type StreamConfig struct {
	// RetryMin is the first reconnect delay; it doubles on each consecutive
	// failure up to RetryMax and resets on a successful ready.
	RetryMin time.Duration
	RetryMax time.Duration
}

type UXConfig struct {
	// QueuedWarnAfter is how long a job may sit in queued before the UI
	// surfaces a "still queued" warning.
	QueuedWarnAfter time.Duration
}

type SimConfig struct {
	Port int
	Env  string
	// StepDelay is how long the simulated backend holds each progress step.
	StepDelay time.Duration
	// StreamEnabled controls whether the simulator exposes the event stream
	// endpoint at all; off reproduces deployments without push support.
	StreamEnabled bool
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Backend: BackendConfig{
			BaseURL:        os.Getenv("JOBPULSE_BACKEND_URL"),
			RequestTimeout: envDuration("JOBPULSE_REQUEST_TIMEOUT", 10*time.Second),
		},
		Poll: PollConfig{
			Interval:        envDuration("JOBPULSE_POLL_INTERVAL", 2*time.Second),
			RelaxedInterval: envDuration("JOBPULSE_POLL_RELAXED_INTERVAL", 10*time.Second),
		},
		Stream: StreamConfig{
			RetryMin: envDuration("JOBPULSE_STREAM_RETRY_MIN", 1*time.Second),
			RetryMax: envDuration("JOBPULSE_STREAM_RETRY_MAX", 10*time.Second),
		},
		UX: UXConfig{
			QueuedWarnAfter: envDuration("JOBPULSE_QUEUED_WARN_AFTER", 20*time.Second),
		},
		Sim: loadSim(),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadSim reads only the simulator's configuration. The simulator has no
// backend of its own, so the client-side variables are not required.
func LoadSim() (*SimConfig, error) {
	cfg := loadSim()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadSim() SimConfig {
	return SimConfig{
		Port:          envInt("JOBPULSE_SIM_PORT", 8080),
		Env:           envString("JOBPULSE_ENV", "development"),
		StepDelay:     envDuration("JOBPULSE_SIM_STEP_DELAY", 2*time.Second),
		StreamEnabled: envBool("JOBPULSE_SIM_STREAM", true),
	}
}

func (c *Config) validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("JOBPULSE_BACKEND_URL is required")
	}
	if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		return fmt.Errorf("JOBPULSE_BACKEND_URL must start with http:// or https://, got %q", c.Backend.BaseURL)
	}

	if c.Poll.Interval <= 0 {
		return fmt.Errorf("JOBPULSE_POLL_INTERVAL must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.RelaxedInterval < c.Poll.Interval {
		return fmt.Errorf("JOBPULSE_POLL_RELAXED_INTERVAL (%s) must not be shorter than JOBPULSE_POLL_INTERVAL (%s)",
			c.Poll.RelaxedInterval, c.Poll.Interval)
	}

	if c.Stream.RetryMin <= 0 {
		return fmt.Errorf("JOBPULSE_STREAM_RETRY_MIN must be positive, got %s", c.Stream.RetryMin)
	}
	if c.Stream.RetryMax < c.Stream.RetryMin {
		return fmt.Errorf("JOBPULSE_STREAM_RETRY_MAX (%s) must not be shorter than JOBPULSE_STREAM_RETRY_MIN (%s)",
			c.Stream.RetryMax, c.Stream.RetryMin)
	}

	if c.UX.QueuedWarnAfter <= 0 {
		return fmt.Errorf("JOBPULSE_QUEUED_WARN_AFTER must be positive, got %s", c.UX.QueuedWarnAfter)
	}

	return c.Sim.validate()
}

func (c SimConfig) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("JOBPULSE_SIM_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.StepDelay <= 0 {
		return fmt.Errorf("JOBPULSE_SIM_STEP_DELAY must be positive, got %s", c.StepDelay)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
