// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/gatemux/internal/cache"
	"github.com/blueberrycongee/gatemux/internal/pricing"
	"github.com/blueberrycongee/gatemux/internal/routing"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Redis      RedisConfig            `yaml:"redis"`
	Postgres   PostgresConfig         `yaml:"postgres"`
	Candidates []*routing.Candidate   `yaml:"candidates"`
	Pricing    []pricing.ModelPricing `yaml:"pricing"`
	Routing    RoutingConfig          `yaml:"routing"`
	Ledger     LedgerConfig           `yaml:"ledger"`
	Pipeline   PipelineConfig         `yaml:"pipeline"`
	Upstream   UpstreamConfig         `yaml:"upstream"`
	Logging    LoggingConfig          `yaml:"logging"`
	Metrics    MetricsConfig          `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig contains cache layer connection settings.
type RedisConfig = cache.RedisConfig

// PostgresConfig contains the system-of-record connection settings.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RoutingConfig contains selector and affinity settings.
type RoutingConfig struct {
	Epsilon           float64       `yaml:"epsilon"`
	UCBConstant       float64       `yaml:"ucb_constant"`
	CooldownThreshold int64         `yaml:"cooldown_threshold"`
	CooldownPeriod    time.Duration `yaml:"cooldown_period"`
	ExploreThreshold  int           `yaml:"explore_threshold"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	LockDuration      time.Duration `yaml:"lock_duration"`
}

// LedgerConfig contains billing knobs.
type LedgerConfig struct {
	RetryBudget       int           `yaml:"retry_budget"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	AllowNegative     bool          `yaml:"allow_negative"`
	TransactionTTL    time.Duration `yaml:"transaction_ttl"`
}

// PipelineConfig contains orchestrator knobs. StepTimeouts overrides the
// default budget for individual steps by name.
type PipelineConfig struct {
	StepTimeout  time.Duration            `yaml:"step_timeout"`
	StepTimeouts map[string]time.Duration `yaml:"step_timeouts"`
}

// UpstreamConfig contains provider call knobs.
type UpstreamConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	MaxToolRounds int           `yaml:"max_tool_rounds"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			Namespace:  "gatemux",
			DefaultTTL: 10 * time.Minute,
		},
		Routing: RoutingConfig{
			Epsilon:           0.1,
			UCBConstant:       1.414,
			CooldownThreshold: 3,
			CooldownPeriod:    60 * time.Second,
			ExploreThreshold:  3,
			FailureThreshold:  2,
			LockDuration:      10 * time.Minute,
		},
		Ledger: LedgerConfig{
			RetryBudget:       2,
			RetryDelay:        50 * time.Millisecond,
			ReconcileInterval: 5 * time.Minute,
			TransactionTTL:    30 * 24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			StepTimeout: 60 * time.Second,
		},
		Upstream: UpstreamConfig{
			Timeout:       120 * time.Second,
			RatePerSecond: 50,
			Burst:         100,
			MaxToolRounds: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors. An unknown routing strategy
// on any candidate is fatal: it would silently skew selection at request time.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	seen := make(map[string]bool, len(c.Candidates))
	for i, cand := range c.Candidates {
		if cand.ID == "" {
			return fmt.Errorf("candidate[%d]: id is required", i)
		}
		if seen[cand.ID] {
			return fmt.Errorf("candidate[%d] %q: duplicate id", i, cand.ID)
		}
		seen[cand.ID] = true
		if cand.Provider == "" {
			return fmt.Errorf("candidate[%d] %q: provider is required", i, cand.ID)
		}
		if cand.BaseURL == "" {
			return fmt.Errorf("candidate[%d] %q: base_url is required", i, cand.ID)
		}
		if cand.Capability == "" {
			return fmt.Errorf("candidate[%d] %q: capability is required", i, cand.ID)
		}
		if cand.Weight < 0 {
			return fmt.Errorf("candidate[%d] %q: weight cannot be negative", i, cand.ID)
		}
		if cand.Strategy != "" && !routing.KnownStrategy(cand.Strategy) {
			return fmt.Errorf("candidate[%d] %q: unknown routing strategy %q", i, cand.ID, cand.Strategy)
		}
		if cand.Channel != "" && cand.Channel != routing.ChannelInternal && cand.Channel != routing.ChannelExternal {
			return fmt.Errorf("candidate[%d] %q: unknown channel %q", i, cand.ID, cand.Channel)
		}
	}

	if c.Routing.Epsilon < 0 || c.Routing.Epsilon > 1 {
		return fmt.Errorf("routing.epsilon must be in [0,1]")
	}
	if c.Routing.CooldownPeriod < 0 {
		return fmt.Errorf("routing.cooldown_period cannot be negative")
	}
	if c.Ledger.RetryBudget < 0 {
		return fmt.Errorf("ledger.retry_budget cannot be negative")
	}

	for i, p := range c.Pricing {
		if p.Model == "" {
			return fmt.Errorf("pricing[%d]: model is required", i)
		}
		if p.InputCostPer1K < 0 || p.OutputCostPer1K < 0 {
			return fmt.Errorf("pricing[%d] %q: prices cannot be negative", i, p.Model)
		}
	}

	return nil
}
