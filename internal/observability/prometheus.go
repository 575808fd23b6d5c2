package observability

import (
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CollectorBridge exposes a MetricsCollector to a Prometheus registry.
// Counters and gauges map one to one; histograms are exported as summaries
// carrying only count and sum.
type CollectorBridge struct {
	source *MetricsCollector
}

// NewCollectorBridge wraps a MetricsCollector for Prometheus
func NewCollectorBridge(source *MetricsCollector) *CollectorBridge {
	return &CollectorBridge{source: source}
}

// Describe sends no descriptors; the bridge is an unchecked collector because
// its metric families are only known at collection time.
func (b *CollectorBridge) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector
func (b *CollectorBridge) Collect(ch chan<- prometheus.Metric) {
	families := make(map[string][]*Metric)
	for _, m := range b.source.GetAll() {
		families[m.Name] = append(families[m.Name], m)
	}

	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		members := families[name]
		labelNames := unionLabelNames(members)
		desc := prometheus.NewDesc(name, "semantic-bi metric "+name, labelNames, nil)

		for _, m := range members {
			values := make([]string, len(labelNames))
			for i, ln := range labelNames {
				values[i] = m.Labels[ln]
			}

			var (
				metric prometheus.Metric
				err    error
			)
			switch m.Type {
			case MetricTypeCounter:
				metric, err = prometheus.NewConstMetric(desc, prometheus.CounterValue, m.Value, values...)
			case MetricTypeGauge:
				metric, err = prometheus.NewConstMetric(desc, prometheus.GaugeValue, m.Value, values...)
			case MetricTypeHistogram:
				metric, err = prometheus.NewConstSummary(desc, uint64(m.Count()), m.Sum(), nil, values...)
			default:
				continue
			}
			if err != nil {
				ch <- prometheus.NewInvalidMetric(desc, err)
				continue
			}
			ch <- metric
		}
	}
}

func unionLabelNames(members []*Metric) []string {
	seen := make(map[string]struct{})
	for _, m := range members {
		for k := range m.Labels {
			seen[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// NewRegistry builds a Prometheus registry with Go runtime collectors and the given metrics bridged in
func NewRegistry(source *MetricsCollector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewCollectorBridge(source),
	)
	return registry
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
