// Package config loads orchestrator settings from YAML.
//
// Durations are written in seconds and may be fractional:
//
//	retry:
//	  max_attempts: 3
//	  base_delay: 5
//	  max_delay: 60
//	  exponential_base: 2
//	  jitter: 0.2
//	rate_limiting:
//	  default_rpm: 100
//	  per_integration:
//	    hubspot: 150
//	  wait_ceiling: 30
//	circuit_breaker:
//	  threshold: 5
//	  timeout: 30
//	idempotency:
//	  lease_ttl: 30
//	  duplicate_mode: wait
//	  poll_interval: 0.05
//	engine:
//	  max_concurrency: 32
//	  instance_timeout: 0
//	  step_timeout: 30
//	storage:
//	  driver: sqlite
//	  dsn: file:conduit.db?_pragma=busy_timeout(5000)
//	  prefix: conduit
//
// Keys left out keep their Default value.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/conduit/pkg/api"
)

// Storage drivers understood by conduit.Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// Duplicate modes.
const (
	DuplicateWait     = "wait"
	DuplicateFailFast = "fail_fast"
)

// Seconds is a duration written as a (possibly fractional) number of seconds.
type Seconds float64

// Duration converts s to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// RetryConfig mirrors api.RetryPolicy.
type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts"`
	BaseDelay       Seconds `yaml:"base_delay"`
	MaxDelay        Seconds `yaml:"max_delay"`
	ExponentialBase float64 `yaml:"exponential_base"`
	Jitter          float64 `yaml:"jitter"`
}

// RateLimitConfig sets token bucket capacities in requests per minute.
type RateLimitConfig struct {
	DefaultRPM     int            `yaml:"default_rpm"`
	PerIntegration map[string]int `yaml:"per_integration,omitempty"`
	WaitCeiling    Seconds        `yaml:"wait_ceiling"`
}

// BreakerConfig sets the per-integration circuit breaker.
type BreakerConfig struct {
	Threshold int     `yaml:"threshold"`
	Timeout   Seconds `yaml:"timeout"`
}

// IdempotencyConfig controls claims on idempotency keys.
type IdempotencyConfig struct {
	LeaseTTL      Seconds `yaml:"lease_ttl"`
	DuplicateMode string  `yaml:"duplicate_mode"`
	PollInterval  Seconds `yaml:"poll_interval"`
}

// EngineConfig bounds instance execution.
type EngineConfig struct {
	MaxConcurrency  int     `yaml:"max_concurrency"`
	InstanceTimeout Seconds `yaml:"instance_timeout"`
	StepTimeout     Seconds `yaml:"step_timeout"`
}

// StorageConfig selects the backend for idempotency records, the DLQ, the
// instance archive and the inbound queue.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
}

// Config is the root of a conduit YAML file.
type Config struct {
	Retry          RetryConfig       `yaml:"retry"`
	RateLimiting   RateLimitConfig   `yaml:"rate_limiting"`
	CircuitBreaker BreakerConfig     `yaml:"circuit_breaker"`
	Idempotency    IdempotencyConfig `yaml:"idempotency"`
	Engine         EngineConfig      `yaml:"engine"`
	Storage        StorageConfig     `yaml:"storage"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Retry: RetryConfig{
			MaxAttempts:     3,
			BaseDelay:       5,
			MaxDelay:        60,
			ExponentialBase: 2,
		},
		RateLimiting: RateLimitConfig{
			DefaultRPM:  100,
			WaitCeiling: 30,
		},
		CircuitBreaker: BreakerConfig{
			Threshold: 5,
			Timeout:   30,
		},
		Idempotency: IdempotencyConfig{
			LeaseTTL:      30,
			DuplicateMode: DuplicateWait,
			PollInterval:  0.05,
		},
		Engine: EngineConfig{
			StepTimeout: 30,
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Prefix: "conduit",
		},
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(key, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", key, fmt.Sprintf(format, args...)))
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}

	if c.RateLimiting.DefaultRPM < 0 {
		bad("rate_limiting.default_rpm", "must not be negative, got %d", c.RateLimiting.DefaultRPM)
	}
	for name, rpm := range c.RateLimiting.PerIntegration {
		if rpm < 0 {
			bad("rate_limiting.per_integration."+name, "must not be negative, got %d", rpm)
		}
	}
	if c.RateLimiting.WaitCeiling < 0 {
		bad("rate_limiting.wait_ceiling", "must not be negative")
	}

	if c.CircuitBreaker.Threshold < 0 {
		bad("circuit_breaker.threshold", "must not be negative, got %d", c.CircuitBreaker.Threshold)
	}
	if c.CircuitBreaker.Timeout < 0 {
		bad("circuit_breaker.timeout", "must not be negative")
	}

	if c.Idempotency.LeaseTTL <= 0 {
		bad("idempotency.lease_ttl", "must be positive")
	}
	switch c.Idempotency.DuplicateMode {
	case DuplicateWait, DuplicateFailFast:
	default:
		bad("idempotency.duplicate_mode", "want %q or %q, got %q", DuplicateWait, DuplicateFailFast, c.Idempotency.DuplicateMode)
	}
	if c.Idempotency.PollInterval <= 0 {
		bad("idempotency.poll_interval", "must be positive")
	}

	if c.Engine.MaxConcurrency < 0 {
		bad("engine.max_concurrency", "must not be negative, got %d", c.Engine.MaxConcurrency)
	}
	if c.Engine.InstanceTimeout < 0 {
		bad("engine.instance_timeout", "must not be negative")
	}
	if c.Engine.StepTimeout < 0 {
		bad("engine.step_timeout", "must not be negative")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverRedis, DriverMongo:
		if c.Storage.DSN == "" {
			bad("storage.dsn", "required for driver %q", c.Storage.Driver)
		}
	default:
		bad("storage.driver", "unknown driver %q", c.Storage.Driver)
	}

	return errors.Join(errs...)
}

// RetryPolicy returns the engine-wide default retry policy.
func (c Config) RetryPolicy() api.RetryPolicy {
	return api.RetryPolicy{
		MaxAttempts:     c.Retry.MaxAttempts,
		BaseDelay:       c.Retry.BaseDelay.Duration(),
		MaxDelay:        c.Retry.MaxDelay.Duration(),
		ExponentialBase: c.Retry.ExponentialBase,
		Jitter:          c.Retry.Jitter,
	}
}

// RateLimits returns the per-integration capacities as a fresh map.
func (c Config) RateLimits() map[string]int {
	out := make(map[string]int, len(c.RateLimiting.PerIntegration))
	for name, rpm := range c.RateLimiting.PerIntegration {
		out[name] = rpm
	}
	return out
}

func (c Config) RateLimitWaitCeiling() time.Duration { return c.RateLimiting.WaitCeiling.Duration() }
func (c Config) BreakerTimeout() time.Duration       { return c.CircuitBreaker.Timeout.Duration() }
func (c Config) LeaseTTL() time.Duration             { return c.Idempotency.LeaseTTL.Duration() }
func (c Config) PollInterval() time.Duration         { return c.Idempotency.PollInterval.Duration() }
func (c Config) InstanceTimeout() time.Duration      { return c.Engine.InstanceTimeout.Duration() }
func (c Config) StepTimeout() time.Duration          { return c.Engine.StepTimeout.Duration() }

// FailFast reports whether duplicates in flight fail instead of waiting.
func (c Config) FailFast() bool {
	return c.Idempotency.DuplicateMode == DuplicateFailFast
}
