package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Warehouse: WarehouseConfig{
			Driver:            "sqlite3",
			DSN:               "file::memory:",
			ExecutionTimeout:  30 * time.Second,
			TimeBoundsTimeout: 10 * time.Second,
			MaxRows:           10000,
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			CacheTTL:        5 * time.Minute,
			ConfirmationTTL: 15 * time.Minute,
		},
		LLM: LLMConfig{
			Provider: "none",
		},
		Retrieval: RetrievalConfig{
			Enabled:          true,
			TopK:             20,
			RecallTimeout:    2 * time.Second,
			RerankTimeout:    10 * time.Second,
			RecallBackend:    "memory",
			DegradedFactor:   0.5,
			EmbeddingBackend: "hashing",
		},
		Governance: GovernanceConfig{
			RequireTimeFilter:       true,
			AmbiguityStrategy:       "prefer_primary",
			DefaultWindowDays:       30,
			MaxRows:                 1000,
			DiagnosticsSubstitution: "data_range",
			DiagnosticsEnabled:      true,
		},
		Semantic: SemanticConfig{
			LayerPath:      "semantic_layer.yaml",
			ReloadInterval: 30 * time.Second,
		},
		Auth: AuthConfig{
			JWTSecret: "test-secret-key",
			JWTExpiry: 24 * time.Hour,
			RateLimit: 60,
		},
		Server: ServerConfig{
			Port:    "8080",
			GinMode: "debug",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("valid config passes validation", func(t *testing.T) {
		if err := validConfig().Validate(); err != nil {
			t.Errorf("expected no validation errors, got: %v", err)
		}
	})

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown warehouse driver", func(c *Config) { c.Warehouse.Driver = "mysql" }, "Warehouse.Driver"},
		{"missing warehouse DSN", func(c *Config) { c.Warehouse.DSN = "" }, "Warehouse.DSN"},
		{"zero execution timeout", func(c *Config) { c.Warehouse.ExecutionTimeout = 0 }, "Warehouse.ExecutionTimeout"},
		{"missing redis address", func(c *Config) { c.Redis.Addr = "" }, "Redis.Addr"},
		{"anthropic without key", func(c *Config) { c.LLM.Provider = "anthropic"; c.LLM.Model = "m" }, "LLM.APIKey"},
		{"unknown llm provider", func(c *Config) { c.LLM.Provider = "bard" }, "LLM.Provider"},
		{"degraded factor above one", func(c *Config) { c.Retrieval.DegradedFactor = 1.5 }, "Retrieval.DegradedFactor"},
		{"pgvector without catalog", func(c *Config) { c.Retrieval.RecallBackend = "pgvector" }, "Retrieval.RecallBackend"},
		{"unknown ambiguity strategy", func(c *Config) { c.Governance.AmbiguityStrategy = "guess" }, "Governance.AmbiguityStrategy"},
		{"unknown substitution", func(c *Config) { c.Governance.DiagnosticsSubstitution = "guess" }, "Governance.DiagnosticsSubstitution"},
		{"zero default window", func(c *Config) { c.Governance.DefaultWindowDays = 0 }, "Governance.DefaultWindowDays"},
		{"missing layer path", func(c *Config) { c.Semantic.LayerPath = "" }, "Semantic.LayerPath"},
		{"missing JWT secret", func(c *Config) { c.Auth.JWTSecret = "" }, "Auth.JWTSecret"},
		{"invalid gin mode", func(c *Config) { c.Server.GinMode = "prod" }, "Server.GinMode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("expected error for %s, got: %v", tt.field, err)
			}
		})
	}

	t.Run("disabled retrieval skips retrieval checks", func(t *testing.T) {
		cfg := validConfig()
		cfg.Retrieval.Enabled = false
		cfg.Retrieval.TopK = 0
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected no errors, got: %v", err)
		}
	})

	t.Run("errors are aggregated", func(t *testing.T) {
		cfg := validConfig()
		cfg.Warehouse.DSN = ""
		cfg.Redis.Addr = ""
		err := cfg.Validate()
		verrs, ok := err.(ValidationErrors)
		if !ok {
			t.Fatalf("expected ValidationErrors, got %T", err)
		}
		if len(verrs) != 2 {
			t.Errorf("expected 2 errors, got %d", len(verrs))
		}
	})
}

func TestProductionValidation(t *testing.T) {
	t.Run("debug mode skips production checks", func(t *testing.T) {
		if err := validConfig().ValidateWithContext(); err != nil {
			t.Errorf("expected no errors, got: %v", err)
		}
	})

	t.Run("release mode rejects insecure defaults", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.GinMode = "release"
		cfg.Auth.JWTSecret = "secret"
		cfg.Governance.RequireTimeFilter = false

		err := cfg.ValidateWithContext()
		if err == nil {
			t.Fatal("expected production validation error")
		}
		for _, field := range []string{"Auth.JWTSecret", "Redis.Password", "Governance.RequireTimeFilter"} {
			if !strings.Contains(err.Error(), field) {
				t.Errorf("expected %s in error, got: %v", field, err)
			}
		}
	})

	t.Run("release mode accepts hardened config", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.GinMode = "release"
		cfg.Auth.JWTSecret = strings.Repeat("k", 40)
		cfg.Redis.Password = "a-real-password"
		if err := cfg.ValidateWithContext(); err != nil {
			t.Errorf("expected no errors, got: %v", err)
		}
	})
}
