package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Warehouse the compiled SQL runs against
	Warehouse WarehouseConfig

	// Catalog is the optional Postgres/pgvector store for recall and history
	Catalog CatalogConfig

	Redis RedisConfig

	// LLM backend used to rerank candidates
	LLM LLMConfig

	Retrieval RetrievalConfig

	Governance GovernanceConfig

	Semantic SemanticConfig

	Auth AuthConfig

	Server ServerConfig

	Logging LoggingConfig
}

// WarehouseConfig holds the execution backend configuration
type WarehouseConfig struct {
	Driver             string // "postgres" or "sqlite3"
	DSN                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	ExecutionTimeout   time.Duration
	TimeBoundsTimeout  time.Duration
	MaxRows            int
	ResultPreviewLimit int
}

// CatalogConfig holds the Postgres catalog configuration. An empty DSN disables it.
type CatalogConfig struct {
	DSN                 string
	EmbeddingDimensions int
	MigrationsEnabled   bool
}

// Enabled reports whether a catalog is configured
func (c CatalogConfig) Enabled() bool {
	return c.DSN != ""
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	CacheTTL        time.Duration
	ConfirmationTTL time.Duration
}

// LLMConfig holds rerank model configuration
type LLMConfig struct {
	Provider string // "anthropic", "openai" or "none"
	APIKey   string
	Model    string
	BaseURL  string
	Timeout  time.Duration
}

// RetrievalConfig holds retrieval augmentation configuration
type RetrievalConfig struct {
	Enabled          bool
	TopK             int
	RecallTimeout    time.Duration
	RerankTimeout    time.Duration
	RecallBackend    string // "memory" or "pgvector"
	DegradedFactor   float64
	EmbeddingModel   string
	EmbeddingBackend string // "hashing" or "openai"
}

// GovernanceConfig holds policy overrides applied on top of the semantic layer
type GovernanceConfig struct {
	RequireTimeFilter bool
	AmbiguityStrategy string // "prefer_primary" or "clarify"
	DefaultWindowDays int
	MaxRows           int
	// DiagnosticsSubstitution picks the replacement range for an empty result:
	// "data_range" or "default_window"
	DiagnosticsSubstitution string
	DiagnosticsEnabled      bool
}

// SemanticConfig holds semantic layer source configuration
type SemanticConfig struct {
	LayerPath      string
	ReloadInterval time.Duration
}

// AuthConfig holds authentication and authorization configuration
type AuthConfig struct {
	JWTSecret      string
	JWTExpiry      time.Duration
	RateLimit      int
	AllowAnonymous bool
	AdminPassword  string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	GinMode         string
	ShutdownTimeout time.Duration
	AllowedOrigin   string
	TrustedProxies  []string
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level string
}

// Loader handles loading configuration from various sources
type Loader struct {
	provider SecretProvider
}

// NewLoader creates a new configuration loader with the given secret provider
func NewLoader(provider SecretProvider) *Loader {
	return &Loader{
		provider: provider,
	}
}

// NewDefaultLoader creates a loader with the default provider chain:
// 1. Environment variables
// 2. YAML config file named by SEMANTIC_BI_CONFIG (if set)
// 3. Mounted secret files under /var/secrets
func NewDefaultLoader() *Loader {
	providers := []SecretProvider{NewEnvProvider()}
	if path := os.Getenv("SEMANTIC_BI_CONFIG"); path != "" {
		providers = append(providers, NewYAMLFileProvider(path))
	}
	providers = append(providers, NewFileProvider("/var/secrets"))

	return &Loader{
		provider: NewChainProvider(providers...),
	}
}

// Load loads the complete configuration
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	cfg := &Config{}

	cfg.Warehouse = WarehouseConfig{
		Driver:             l.getString(ctx, "WAREHOUSE_DRIVER", "postgres"),
		DSN:                l.getString(ctx, "WAREHOUSE_DSN", "", "DATABASE_URL"),
		MaxOpenConns:       l.getInt(ctx, "WAREHOUSE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:       l.getInt(ctx, "WAREHOUSE_MAX_IDLE_CONNS", 25),
		ConnMaxLifetime:    l.getDuration(ctx, "WAREHOUSE_CONN_MAX_LIFETIME", 5*time.Minute),
		ExecutionTimeout:   l.getDuration(ctx, "WAREHOUSE_EXECUTION_TIMEOUT", 30*time.Second),
		TimeBoundsTimeout:  l.getDuration(ctx, "WAREHOUSE_TIME_BOUNDS_TIMEOUT", 10*time.Second),
		MaxRows:            l.getInt(ctx, "WAREHOUSE_MAX_ROWS", 10000),
		ResultPreviewLimit: l.getInt(ctx, "WAREHOUSE_RESULT_PREVIEW_LIMIT", 100),
	}

	cfg.Catalog = CatalogConfig{
		DSN:                 l.getString(ctx, "CATALOG_DSN", ""),
		EmbeddingDimensions: l.getInt(ctx, "CATALOG_EMBEDDING_DIMENSIONS", 384),
		MigrationsEnabled:   l.getBool(ctx, "CATALOG_MIGRATIONS_ENABLED", true),
	}

	cfg.Redis = RedisConfig{
		Addr:            l.getString(ctx, "REDIS_ADDR", "localhost:6379"),
		Password:        l.getString(ctx, "REDIS_PASSWORD", ""),
		DB:              l.getInt(ctx, "REDIS_DB", 0),
		CacheTTL:        l.getDuration(ctx, "CACHE_TTL", 5*time.Minute),
		ConfirmationTTL: l.getDuration(ctx, "CONFIRMATION_TTL", 15*time.Minute),
	}

	cfg.LLM = LLMConfig{
		Provider: l.getString(ctx, "LLM_PROVIDER", "none"),
		APIKey:   l.getString(ctx, "LLM_API_KEY", "", "CLAUDE_API_KEY", "OPENAI_API_KEY"),
		Model:    l.getString(ctx, "LLM_MODEL", "claude-3-haiku-20240307"),
		BaseURL:  l.getString(ctx, "LLM_BASE_URL", ""),
		Timeout:  l.getDuration(ctx, "LLM_TIMEOUT", 30*time.Second),
	}

	cfg.Retrieval = RetrievalConfig{
		Enabled:          l.getBool(ctx, "RETRIEVAL_ENABLED", true),
		TopK:             l.getInt(ctx, "RETRIEVAL_TOP_K", 20),
		RecallTimeout:    l.getDuration(ctx, "RETRIEVAL_RECALL_TIMEOUT", 2*time.Second),
		RerankTimeout:    l.getDuration(ctx, "RETRIEVAL_RERANK_TIMEOUT", 10*time.Second),
		RecallBackend:    l.getString(ctx, "RETRIEVAL_RECALL_BACKEND", "memory"),
		DegradedFactor:   l.getFloat(ctx, "RETRIEVAL_DEGRADED_FACTOR", 0.5),
		EmbeddingModel:   l.getString(ctx, "RETRIEVAL_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingBackend: l.getString(ctx, "RETRIEVAL_EMBEDDING_BACKEND", "hashing"),
	}

	cfg.Governance = GovernanceConfig{
		RequireTimeFilter:       l.getBool(ctx, "GOVERNANCE_REQUIRE_TIME_FILTER", false),
		AmbiguityStrategy:       l.getString(ctx, "GOVERNANCE_AMBIGUITY_STRATEGY", "prefer_primary"),
		DefaultWindowDays:       l.getInt(ctx, "GOVERNANCE_DEFAULT_WINDOW_DAYS", 30),
		MaxRows:                 l.getInt(ctx, "GOVERNANCE_MAX_ROWS", 1000),
		DiagnosticsSubstitution: l.getString(ctx, "DIAGNOSTICS_SUBSTITUTION", "data_range"),
		DiagnosticsEnabled:      l.getBool(ctx, "DIAGNOSTICS_ENABLED", true),
	}

	cfg.Semantic = SemanticConfig{
		LayerPath:      l.getString(ctx, "SEMANTIC_LAYER_PATH", "semantic_layer.yaml"),
		ReloadInterval: l.getDuration(ctx, "SEMANTIC_RELOAD_INTERVAL", 30*time.Second),
	}

	cfg.Auth = AuthConfig{
		JWTSecret:      l.getString(ctx, "JWT_SECRET", ""),
		JWTExpiry:      l.getDuration(ctx, "JWT_EXPIRY", 24*time.Hour),
		RateLimit:      l.getInt(ctx, "RATE_LIMIT", 60),
		AllowAnonymous: l.getBool(ctx, "ALLOW_ANONYMOUS", false),
		AdminPassword:  l.getString(ctx, "ADMIN_PASSWORD", ""),
	}

	cfg.Server = ServerConfig{
		Port:            l.getString(ctx, "PORT", "8080"),
		GinMode:         l.getString(ctx, "GIN_MODE", "debug"),
		ShutdownTimeout: l.getDuration(ctx, "SHUTDOWN_TIMEOUT", 15*time.Second),
		AllowedOrigin:   l.getString(ctx, "CORS_ALLOWED_ORIGIN", "*"),
		TrustedProxies:  l.getSlice(ctx, "TRUSTED_PROXIES", nil),
	}

	cfg.Logging = LoggingConfig{
		Level: l.getString(ctx, "LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// lookup returns the first non-empty value among key and its aliases
func (l *Loader) lookup(ctx context.Context, key string, aliases ...string) string {
	for _, k := range append([]string{key}, aliases...) {
		value, err := l.provider.GetSecret(ctx, k)
		if err == nil && value != "" {
			return value
		}
	}
	return ""
}

func (l *Loader) getString(ctx context.Context, key, defaultValue string, aliases ...string) string {
	if value := l.lookup(ctx, key, aliases...); value != "" {
		return value
	}
	return defaultValue
}

func (l *Loader) getBool(ctx context.Context, key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(l.lookup(ctx, key))
	if err != nil {
		return defaultValue
	}
	return b
}

func (l *Loader) getInt(ctx context.Context, key string, defaultValue int) int {
	i, err := strconv.Atoi(l.lookup(ctx, key))
	if err != nil {
		return defaultValue
	}
	return i
}

func (l *Loader) getFloat(ctx context.Context, key string, defaultValue float64) float64 {
	f, err := strconv.ParseFloat(l.lookup(ctx, key), 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func (l *Loader) getDuration(ctx context.Context, key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(l.lookup(ctx, key))
	if err != nil {
		return defaultValue
	}
	return d
}

func (l *Loader) getSlice(ctx context.Context, key string, defaultValue []string) []string {
	value := l.lookup(ctx, key)
	if value == "" {
		return defaultValue
	}

	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// MustLoad loads configuration and panics on error.
// Useful for application startup.
func (l *Loader) MustLoad(ctx context.Context) *Config {
	cfg, err := l.Load(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
