package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blueberrycongee/gatemux/internal/pricing"
	"github.com/blueberrycongee/gatemux/internal/routing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Routing.Epsilon != 0.1 {
		t.Errorf("default epsilon = %v, want 0.1", cfg.Routing.Epsilon)
	}
	if cfg.Routing.ExploreThreshold != 3 {
		t.Errorf("default explore threshold = %d, want 3", cfg.Routing.ExploreThreshold)
	}
	if cfg.Ledger.ReconcileInterval != 5*time.Minute {
		t.Errorf("default reconcile interval = %v, want 5m", cfg.Ledger.ReconcileInterval)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics should be enabled by default")
	}
}

func validCandidate(id string) *routing.Candidate {
	return &routing.Candidate{
		ID:         id,
		Provider:   "openai",
		BaseURL:    "https://api.openai.com",
		Path:       "/v1/chat/completions",
		Capability: "chat",
		Model:      "gpt-4o",
		Channel:    routing.ChannelInternal,
		Weight:     100,
		Strategy:   routing.StrategyWeight,
		Enabled:    true,
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "missing candidate id",
			mutate:  func(c *Config) { c.Candidates[0].ID = "" },
			wantErr: "id is required",
		},
		{
			name: "duplicate candidate id",
			mutate: func(c *Config) {
				c.Candidates = append(c.Candidates, validCandidate("c1"))
			},
			wantErr: "duplicate id",
		},
		{
			name:    "unknown strategy is fatal",
			mutate:  func(c *Config) { c.Candidates[0].Strategy = "round-robin" },
			wantErr: "unknown routing strategy",
		},
		{
			name:    "unknown channel",
			mutate:  func(c *Config) { c.Candidates[0].Channel = "sideways" },
			wantErr: "unknown channel",
		},
		{
			name:    "negative weight",
			mutate:  func(c *Config) { c.Candidates[0].Weight = -1 },
			wantErr: "weight cannot be negative",
		},
		{
			name:    "epsilon out of range",
			mutate:  func(c *Config) { c.Routing.Epsilon = 1.5 },
			wantErr: "epsilon",
		},
		{
			name: "negative pricing",
			mutate: func(c *Config) {
				c.Pricing[0].InputCostPer1K = -1
			},
			wantErr: "prices cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Candidates = []*routing.Candidate{validCandidate("c1")}
			cfg.Pricing = []pricing.ModelPricing{
				{Model: "gpt-4o", InputCostPer1K: 0.005, OutputCostPer1K: 0.015},
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
server:
  port: 9090
candidates:
  - id: c1
    provider: openai
    base_url: https://api.openai.com
    path: /v1/chat/completions
    capability: chat
    model: gpt-4o
    channel: internal
    weight: 100
    strategy: thompson
    enabled: true
routing:
  epsilon: 0.2
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if len(cfg.Candidates) != 1 || cfg.Candidates[0].Strategy != routing.StrategyThompson {
		t.Errorf("candidates not parsed: %+v", cfg.Candidates)
	}
	if cfg.Routing.Epsilon != 0.2 {
		t.Errorf("epsilon = %v, want 0.2", cfg.Routing.Epsilon)
	}
	// Defaults survive partial files.
	if cfg.Ledger.RetryBudget != 2 {
		t.Errorf("retry budget = %d, want default 2", cfg.Ledger.RetryBudget)
	}
}

func TestLoadFromFile_UnknownStrategyRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
candidates:
  - id: c1
    provider: openai
    base_url: https://api.openai.com
    capability: chat
    strategy: shuffle
    enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("LoadFromFile() should reject unknown strategy")
	}
}
