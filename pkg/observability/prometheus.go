package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics backed by a Prometheus registry.
//
// Metric names are sanitized to Prometheus conventions (dots become
// underscores). Label names must be stable per metric name: the first
// observation of a metric fixes its label set.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics creates a metrics collector with its own registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &PrometheusMetrics{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Handler returns an http.Handler serving the metrics endpoint.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for custom collectors.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Counter increments a counter metric.
func (m *PrometheusMetrics) Counter(name string, value int64, tags ...Tag) {
	vec := m.counterVec(name, tags)
	vec.With(labelsOf(tags)).Add(float64(value))
}

// Gauge sets a gauge metric to the given value.
func (m *PrometheusMetrics) Gauge(name string, value float64, tags ...Tag) {
	vec := m.gaugeVec(name, tags)
	vec.With(labelsOf(tags)).Set(value)
}

// Histogram records a value in a histogram.
func (m *PrometheusMetrics) Histogram(name string, value float64, tags ...Tag) {
	vec := m.histogramVec(name, tags)
	vec.With(labelsOf(tags)).Observe(value)
}

// Timing records a duration in seconds.
func (m *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...Tag) {
	vec := m.histogramVec(name+".seconds", tags)
	vec.With(labelsOf(tags)).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) counterVec(name string, tags []Tag) *prometheus.CounterVec {
	promName := sanitizeMetricName(name) + "_total"

	m.mu.Lock()
	defer m.mu.Unlock()

	if vec, ok := m.counters[promName]; ok {
		return vec
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: promName,
	}, labelNames(tags))
	m.registry.MustRegister(vec)
	m.counters[promName] = vec
	return vec
}

func (m *PrometheusMetrics) gaugeVec(name string, tags []Tag) *prometheus.GaugeVec {
	promName := sanitizeMetricName(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if vec, ok := m.gauges[promName]; ok {
		return vec
	}

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: promName,
	}, labelNames(tags))
	m.registry.MustRegister(vec)
	m.gauges[promName] = vec
	return vec
}

func (m *PrometheusMetrics) histogramVec(name string, tags []Tag) *prometheus.HistogramVec {
	promName := sanitizeMetricName(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if vec, ok := m.histograms[promName]; ok {
		return vec
	}

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    promName,
		Buckets: prometheus.DefBuckets,
	}, labelNames(tags))
	m.registry.MustRegister(vec)
	m.histograms[promName] = vec
	return vec
}

func sanitizeMetricName(name string) string {
	replacer := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return replacer.Replace(name)
}

func labelNames(tags []Tag) []string {
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = t.Key
	}
	return names
}

func labelsOf(tags []Tag) prometheus.Labels {
	labels := make(prometheus.Labels, len(tags))
	for _, t := range tags {
		labels[t.Key] = t.Value
	}
	return labels
}

var _ Metrics = (*PrometheusMetrics)(nil)
