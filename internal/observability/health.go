package observability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check for a component
type HealthCheck struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration_ms"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheckFunc is a function that performs a health check
type HealthCheckFunc func(context.Context) *HealthCheck

// HealthChecker performs health checks on dependencies
type HealthChecker struct {
	checks  map[string]HealthCheckFunc
	cache   map[string]*HealthCheck
	mu      sync.Mutex
	ttl     time.Duration
	service string
	version string
}

// NewHealthChecker creates a new health checker. Results are cached for five seconds.
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]HealthCheckFunc),
		cache:   make(map[string]*HealthCheck),
		ttl:     5 * time.Second,
		service: service,
		version: version,
	}
}

// WithTTL overrides the result cache TTL
func (hc *HealthChecker) WithTTL(ttl time.Duration) *HealthChecker {
	hc.ttl = ttl
	return hc
}

// Register registers a health check
func (hc *HealthChecker) Register(name string, check HealthCheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
	delete(hc.cache, name)
}

// Check performs all health checks
func (hc *HealthChecker) Check(ctx context.Context) map[string]*HealthCheck {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]*HealthCheck, len(names))
	now := time.Now()

	for _, name := range names {
		if cached, exists := hc.cache[name]; exists && now.Sub(cached.LastChecked) < hc.ttl {
			results[name] = cached
			continue
		}

		result := hc.checks[name](ctx)
		if result.Name == "" {
			result.Name = name
		}
		result.LastChecked = time.Now()

		hc.cache[name] = result
		results[name] = result
	}

	return results
}

// OverallStatus folds individual results into one status
func OverallStatus(checks map[string]*HealthCheck) HealthStatus {
	status := HealthStatusHealthy
	for _, check := range checks {
		switch check.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status    HealthStatus            `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]*HealthCheck `json:"checks"`
	Metadata  map[string]interface{}  `json:"metadata,omitempty"`
}

// GetHealthResponse returns a complete health response
func (hc *HealthChecker) GetHealthResponse(ctx context.Context) *HealthResponse {
	checks := hc.Check(ctx)

	return &HealthResponse{
		Status:    OverallStatus(checks),
		Timestamp: time.Now(),
		Checks:    checks,
		Metadata: map[string]interface{}{
			"version": hc.version,
			"service": hc.service,
		},
	}
}

// pingCheck runs a ping with a timeout. failStatus is reported when the ping fails.
func pingCheck(name, label string, timeout time.Duration, failStatus HealthStatus, ping func(context.Context) error) HealthCheckFunc {
	return func(ctx context.Context) *HealthCheck {
		start := time.Now()

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := ping(ctx)
		duration := time.Since(start)

		if err != nil {
			return &HealthCheck{
				Name:     name,
				Status:   failStatus,
				Message:  fmt.Sprintf("%s unavailable: %v", label, err),
				Duration: duration,
			}
		}

		return &HealthCheck{
			Name:     name,
			Status:   HealthStatusHealthy,
			Message:  fmt.Sprintf("%s reachable", label),
			Duration: duration,
			Metadata: map[string]interface{}{
				"response_time_ms": duration.Milliseconds(),
			},
		}
	}
}

// WarehouseHealthCheck checks connectivity to the data warehouse. Without it no query can run.
func WarehouseHealthCheck(ping func(context.Context) error) HealthCheckFunc {
	return pingCheck("warehouse", "Warehouse", 2*time.Second, HealthStatusUnhealthy, ping)
}

// CatalogHealthCheck checks the pgvector catalog. Recall falls back to the in-memory index when it is down.
func CatalogHealthCheck(ping func(context.Context) error) HealthCheckFunc {
	return pingCheck("catalog", "Semantic catalog", 2*time.Second, HealthStatusDegraded, ping)
}

// RedisHealthCheck checks Redis. Caching and confirmations are unavailable when it is down.
func RedisHealthCheck(ping func(context.Context) error) HealthCheckFunc {
	return pingCheck("redis", "Redis", 2*time.Second, HealthStatusDegraded, ping)
}

// LLMHealthCheck checks the rerank model. Resolution degrades to token matching when it is down.
func LLMHealthCheck(check func(context.Context) error) HealthCheckFunc {
	return pingCheck("llm_service", "LLM service", 5*time.Second, HealthStatusDegraded, check)
}

// SemanticIndexHealthCheck reports the currently published semantic index.
// describe returns the index version and document count, and false when no index is loaded.
func SemanticIndexHealthCheck(describe func() (version string, documents int, loaded bool)) HealthCheckFunc {
	return func(ctx context.Context) *HealthCheck {
		version, documents, loaded := describe()
		if !loaded {
			return &HealthCheck{
				Name:    "semantic_index",
				Status:  HealthStatusUnhealthy,
				Message: "No semantic index loaded",
			}
		}
		if documents == 0 {
			return &HealthCheck{
				Name:     "semantic_index",
				Status:   HealthStatusDegraded,
				Message:  "Semantic index is empty",
				Metadata: map[string]interface{}{"version": version},
			}
		}
		return &HealthCheck{
			Name:    "semantic_index",
			Status:  HealthStatusHealthy,
			Message: "Semantic index loaded",
			Metadata: map[string]interface{}{
				"version":   version,
				"documents": documents,
			},
		}
	}
}

// BreakerHealthCheck reports a circuit breaker; an open breaker is degraded.
func BreakerHealthCheck(name string, state func() string) HealthCheckFunc {
	return func(ctx context.Context) *HealthCheck {
		s := state()
		status := HealthStatusHealthy
		if s == "open" {
			status = HealthStatusDegraded
		}
		return &HealthCheck{
			Name:     name,
			Status:   status,
			Message:  fmt.Sprintf("circuit breaker %s", s),
			Metadata: map[string]interface{}{"state": s},
		}
	}
}
