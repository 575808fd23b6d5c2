package config

import (
	"fmt"
	"strings"
)

// ValidationError names one invalid setting
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid setting so they can be fixed in one pass
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation error(s):\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// HasErrors returns true if there are any validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e ValidationErrors) orNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// checks accumulates failures for one validation pass
type checks struct {
	errs ValidationErrors
}

func (v *checks) fail(field, format string, args ...interface{}) {
	v.errs = append(v.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// require records message against field unless ok holds
func (v *checks) require(ok bool, field, message string) {
	if !ok {
		v.fail(field, "%s", message)
	}
}

// oneOf records an error unless value is one of allowed
func (v *checks) oneOf(field, what, value string, allowed ...string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.fail(field, "invalid %s: %s (must be one of %s)", what, value, strings.Join(allowed, ", "))
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	v := &checks{}

	c.checkWarehouse(v)
	c.checkRedis(v)
	c.checkLLM(v)
	c.checkRetrieval(v)
	c.checkGovernance(v)
	c.checkSemantic(v)
	c.checkAuth(v)
	c.checkServer(v)

	return v.errs.orNil()
}

func (c *Config) checkWarehouse(v *checks) {
	w := c.Warehouse
	v.oneOf("Warehouse.Driver", "driver", w.Driver, "postgres", "sqlite3")
	v.require(w.DSN != "", "Warehouse.DSN", "warehouse DSN is required")
	v.require(w.ExecutionTimeout > 0, "Warehouse.ExecutionTimeout", "execution timeout must be positive")
	v.require(w.TimeBoundsTimeout > 0, "Warehouse.TimeBoundsTimeout", "time bounds timeout must be positive")
	v.require(w.MaxRows > 0, "Warehouse.MaxRows", "max rows must be positive")
}

func (c *Config) checkRedis(v *checks) {
	v.require(c.Redis.Addr != "", "Redis.Addr", "redis address is required")
	v.require(c.Redis.CacheTTL >= 0, "Redis.CacheTTL", "cache TTL must be non-negative")
	v.require(c.Redis.ConfirmationTTL > 0, "Redis.ConfirmationTTL", "confirmation TTL must be positive")
}

func (c *Config) checkLLM(v *checks) {
	switch c.LLM.Provider {
	case "none":
	case "anthropic", "openai":
		if c.LLM.APIKey == "" {
			v.fail("LLM.APIKey", "API key is required for provider %s", c.LLM.Provider)
		}
		v.require(c.LLM.Model != "", "LLM.Model", "model is required")
	default:
		v.oneOf("LLM.Provider", "provider", c.LLM.Provider, "anthropic", "openai", "none")
	}
}

// checkRetrieval is skipped entirely when augmentation is off
func (c *Config) checkRetrieval(v *checks) {
	r := c.Retrieval
	if !r.Enabled {
		return
	}

	v.require(r.TopK > 0, "Retrieval.TopK", "top-k must be positive")
	v.require(r.RecallTimeout > 0 && r.RerankTimeout > 0, "Retrieval.Timeouts", "recall and rerank timeouts must be positive")
	v.require(r.DegradedFactor > 0 && r.DegradedFactor <= 1, "Retrieval.DegradedFactor", "degraded confidence factor must be in (0, 1]")
	v.oneOf("Retrieval.RecallBackend", "recall backend", r.RecallBackend, "memory", "pgvector")
	if r.RecallBackend == "pgvector" {
		v.require(c.Catalog.Enabled(), "Retrieval.RecallBackend", "pgvector recall requires CATALOG_DSN")
	}
	v.oneOf("Retrieval.EmbeddingBackend", "embedding backend", r.EmbeddingBackend, "hashing", "openai")
}

func (c *Config) checkGovernance(v *checks) {
	g := c.Governance
	v.oneOf("Governance.AmbiguityStrategy", "strategy", g.AmbiguityStrategy, "prefer_primary", "clarify")
	v.require(g.DefaultWindowDays > 0, "Governance.DefaultWindowDays", "default window days must be positive")
	v.require(g.MaxRows > 0, "Governance.MaxRows", "max rows must be positive")
	v.oneOf("Governance.DiagnosticsSubstitution", "substitution", g.DiagnosticsSubstitution, "data_range", "default_window")
}

func (c *Config) checkSemantic(v *checks) {
	v.require(c.Semantic.LayerPath != "", "Semantic.LayerPath", "semantic layer path is required")
	v.require(c.Semantic.ReloadInterval >= 0, "Semantic.ReloadInterval", "reload interval must be non-negative")
}

func (c *Config) checkAuth(v *checks) {
	v.require(c.Auth.JWTSecret != "", "Auth.JWTSecret", "JWT secret is required")
	v.require(c.Auth.JWTExpiry > 0, "Auth.JWTExpiry", "JWT expiry must be positive")
	v.require(c.Auth.RateLimit >= 0, "Auth.RateLimit", "rate limit must be non-negative")
}

func (c *Config) checkServer(v *checks) {
	v.require(c.Server.Port != "", "Server.Port", "server port is required")
	v.oneOf("Server.GinMode", "gin mode", c.Server.GinMode, "debug", "release", "test")
}

// knownWeakSecrets are placeholders that ship in sample configs
var knownWeakSecrets = map[string]bool{
	"your-secret-key-change-in-production": true,
	"change-this-in-production":            true,
	"secret":                               true,
	"jwt-secret":                           true,
}

// ValidateProduction rejects sample credentials and the permissive settings meant for local use
func (c *Config) ValidateProduction() error {
	v := &checks{}

	v.require(c.Redis.Password != "" && c.Redis.Password != "changeme", "Redis.Password",
		"production deployment must not use default or empty Redis password")

	switch {
	case c.Auth.JWTSecret == "" || knownWeakSecrets[c.Auth.JWTSecret]:
		v.fail("Auth.JWTSecret", "production deployment must not use default or insecure JWT secret")
	case len(c.Auth.JWTSecret) < 32:
		v.fail("Auth.JWTSecret", "JWT secret should be at least 32 characters for production use")
	}

	v.require(c.Server.GinMode == "release", "Server.GinMode", "production deployment should use 'release' mode")
	v.require(!c.Auth.AllowAnonymous, "Auth.AllowAnonymous", "production deployment should not allow anonymous access")
	v.require(c.Governance.RequireTimeFilter, "Governance.RequireTimeFilter", "production deployment should require a time filter")

	return v.errs.orNil()
}

// IsProduction reports whether gin runs in release mode
func (c *Config) IsProduction() bool {
	return c.Server.GinMode == "release"
}

// ValidateWithContext runs Validate, then the production checks in release mode
func (c *Config) ValidateWithContext() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if !c.IsProduction() {
		return nil
	}
	if err := c.ValidateProduction(); err != nil {
		return fmt.Errorf("production validation failed: %w", err)
	}
	return nil
}
