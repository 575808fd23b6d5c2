package observability

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric represents a single metric
type Metric struct {
	Name      string                 `json:"name"`
	Type      MetricType             `json:"type"`
	Value     float64                `json:"value"`
	Labels    map[string]string      `json:"labels,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// Count returns the number of observations of a histogram metric
func (m *Metric) Count() float64 {
	if c, ok := m.Extra["count"].(float64); ok {
		return c
	}
	return 0
}

// Sum returns the sum of observations of a histogram metric
func (m *Metric) Sum() float64 {
	if s, ok := m.Extra["sum"].(float64); ok {
		return s
	}
	return 0
}

// MetricsCollector collects and stores application metrics
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics: make(map[string]*Metric),
	}
}

// metricKey generates a stable key for a metric; labels are sorted by name.
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range keys {
		sb.WriteString(".")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(labels[k])
	}
	return sb.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// Inc increments a counter metric
func (mc *MetricsCollector) Inc(name string, labels map[string]string) {
	mc.Add(name, 1, labels)
}

// Add adds a value to a counter metric
func (mc *MetricsCollector) Add(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := metricKey(name, labels)
	if metric, exists := mc.metrics[key]; exists {
		metric.Value += value
		metric.Timestamp = time.Now()
		return
	}
	mc.metrics[key] = &Metric{
		Name:      name,
		Type:      MetricTypeCounter,
		Value:     value,
		Labels:    copyLabels(labels),
		Timestamp: time.Now(),
	}
}

// Set sets a gauge metric value
func (mc *MetricsCollector) Set(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics[metricKey(name, labels)] = &Metric{
		Name:      name,
		Type:      MetricTypeGauge,
		Value:     value,
		Labels:    copyLabels(labels),
		Timestamp: time.Now(),
	}
}

// Observe records a histogram observation. Value holds the running average.
func (mc *MetricsCollector) Observe(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := metricKey(name, labels)
	metric, exists := mc.metrics[key]
	if !exists {
		mc.metrics[key] = &Metric{
			Name:      name,
			Type:      MetricTypeHistogram,
			Value:     value,
			Labels:    copyLabels(labels),
			Timestamp: time.Now(),
			Extra: map[string]interface{}{
				"count": 1.0,
				"sum":   value,
			},
		}
		return
	}

	count := metric.Count() + 1
	sum := metric.Sum() + value
	metric.Extra["count"] = count
	metric.Extra["sum"] = sum
	metric.Value = sum / count
	metric.Timestamp = time.Now()
}

// Get retrieves a metric by name and labels
func (mc *MetricsCollector) Get(name string, labels map[string]string) (*Metric, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	metric, exists := mc.metrics[metricKey(name, labels)]
	if !exists {
		return nil, false
	}
	snapshot := *metric
	return &snapshot, true
}

// GetAll returns a snapshot of all metrics keyed by metric key
func (mc *MetricsCollector) GetAll() map[string]*Metric {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	result := make(map[string]*Metric, len(mc.metrics))
	for k, v := range mc.metrics {
		snapshot := *v
		if v.Extra != nil {
			snapshot.Extra = map[string]interface{}{"count": v.Count(), "sum": v.Sum()}
		}
		result[k] = &snapshot
	}
	return result
}

// Reset clears all metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics = make(map[string]*Metric)
}

// Standard metric names
const (
	// Resolution pipeline
	MetricResolveTotal        = "semantic_bi_resolutions_total"
	MetricResolveDuration     = "semantic_bi_resolution_duration_seconds"
	MetricResolveStatus       = "semantic_bi_resolution_status_total"
	MetricGovernanceRejection = "semantic_bi_governance_rejections_total"
	MetricRetrievalDegraded   = "semantic_bi_retrieval_degraded_total"
	MetricDiscardedItems      = "semantic_bi_discarded_items_total"
	MetricDiagnosticsOutcome  = "semantic_bi_diagnostics_outcomes_total"
	MetricQueryCacheHits      = "semantic_bi_cache_hits_total"
	MetricQueryCacheMisses    = "semantic_bi_cache_misses_total"
	MetricFirewallBlocked     = "semantic_bi_firewall_blocked_total"

	// Semantic index
	MetricIndexDocuments = "semantic_bi_index_documents"
	MetricIndexReloads   = "semantic_bi_index_reloads_total"

	// LLM metrics
	MetricLLMRequests  = "llm_requests_total"
	MetricLLMDuration  = "llm_request_duration_seconds"
	MetricLLMTokens    = "llm_tokens_total"
	MetricLLMErrors    = "llm_errors_total"
	MetricEmbeddedText = "llm_embedded_texts_total"

	// Database metrics
	MetricDBQueries  = "database_queries_total"
	MetricDBDuration = "database_query_duration_seconds"
	MetricDBErrors   = "database_errors_total"
	MetricDBRows     = "database_rows_returned_total"

	// Auth metrics
	MetricAuthAttempts    = "auth_attempts_total"
	MetricAuthFailure     = "auth_failure_total"
	MetricAuthRateLimited = "auth_rate_limited_total"

	// HTTP metrics
	MetricHTTPRequests     = "http_requests_total"
	MetricHTTPDuration     = "http_request_duration_seconds"
	MetricHTTPErrors       = "http_errors_total"
	MetricHTTPResponseSize = "http_response_size_bytes"
)

var globalMetrics = NewMetricsCollector()

// GetGlobalMetrics returns the global metrics collector
func GetGlobalMetrics() *MetricsCollector {
	return globalMetrics
}

// RecordResolveMetrics records the outcome of one resolution request.
// status is the terminal status; code is the error code of a blocked or failed request.
func RecordResolveMetrics(duration time.Duration, status string, code string, cached bool) {
	metrics := GetGlobalMetrics()

	metrics.Inc(MetricResolveTotal, nil)
	metrics.Inc(MetricResolveStatus, map[string]string{"status": status})
	metrics.Observe(MetricResolveDuration, duration.Seconds(), nil)

	if status == "blocked" && code != "" {
		metrics.Inc(MetricGovernanceRejection, map[string]string{"code": code})
	}

	if cached {
		metrics.Inc(MetricQueryCacheHits, nil)
	} else {
		metrics.Inc(MetricQueryCacheMisses, nil)
	}
}

// RecordRetrievalDegraded counts a recall or rerank failure that was absorbed
func RecordRetrievalDegraded(stage string) {
	GetGlobalMetrics().Inc(MetricRetrievalDegraded, map[string]string{"stage": stage})
}

// RecordDiscarded counts a plan item dropped by the merger, by kind and reason
func RecordDiscarded(kind, reason string) {
	GetGlobalMetrics().Inc(MetricDiscardedItems, map[string]string{"kind": kind, "reason": reason})
}

// RecordFirewallBlocked counts statements refused before reaching the warehouse
func RecordFirewallBlocked() {
	GetGlobalMetrics().Inc(MetricFirewallBlocked, nil)
}

// RecordIndexReload counts a published index and sets its document gauge
func RecordIndexReload(documents int) {
	metrics := GetGlobalMetrics()
	metrics.Inc(MetricIndexReloads, nil)
	metrics.Set(MetricIndexDocuments, float64(documents), nil)
}

// RecordEmbeddedTexts counts texts sent to an embedding model
func RecordEmbeddedTexts(model string, n int) {
	GetGlobalMetrics().Add(MetricEmbeddedText, float64(n), map[string]string{"model": model})
}

// RecordAuthAttempt counts a credentialed request by method (jwt, api_key)
func RecordAuthAttempt(method string, ok bool) {
	metrics := GetGlobalMetrics()
	labels := map[string]string{"method": method}
	metrics.Inc(MetricAuthAttempts, labels)
	if !ok {
		metrics.Inc(MetricAuthFailure, labels)
	}
}

// RecordRateLimited counts a request refused by the per-client limiter
func RecordRateLimited() {
	GetGlobalMetrics().Inc(MetricAuthRateLimited, nil)
}

// RecordDiagnosticsOutcome counts empty-result diagnostic outcomes
func RecordDiagnosticsOutcome(status string) {
	GetGlobalMetrics().Inc(MetricDiagnosticsOutcome, map[string]string{"status": status})
}

// RecordLLMMetrics records metrics for LLM operations
func RecordLLMMetrics(operation string, duration time.Duration, tokens int, err error) {
	metrics := GetGlobalMetrics()

	labels := map[string]string{"operation": operation}

	metrics.Inc(MetricLLMRequests, labels)
	metrics.Observe(MetricLLMDuration, duration.Seconds(), labels)

	if tokens > 0 {
		metrics.Add(MetricLLMTokens, float64(tokens), labels)
	}

	if err != nil {
		metrics.Inc(MetricLLMErrors, labels)
	}
}

// RecordDBMetrics records metrics for database operations
func RecordDBMetrics(operation string, duration time.Duration, rows int, err error) {
	metrics := GetGlobalMetrics()

	labels := map[string]string{"operation": operation}

	metrics.Inc(MetricDBQueries, labels)
	metrics.Observe(MetricDBDuration, duration.Seconds(), labels)

	if rows > 0 {
		metrics.Add(MetricDBRows, float64(rows), labels)
	}
	if err != nil {
		metrics.Inc(MetricDBErrors, labels)
	}
}

// RecordHTTPMetrics records metrics for HTTP requests
func RecordHTTPMetrics(method, path string, statusCode int, duration time.Duration, responseSize int) {
	metrics := GetGlobalMetrics()

	labels := map[string]string{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(statusCode),
	}

	metrics.Inc(MetricHTTPRequests, labels)
	metrics.Observe(MetricHTTPDuration, duration.Seconds(), labels)

	if statusCode >= 400 {
		metrics.Inc(MetricHTTPErrors, labels)
	}

	if responseSize > 0 {
		metrics.Observe(MetricHTTPResponseSize, float64(responseSize), labels)
	}
}
