package fencelock

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry

	mu sync.Mutex // guards the maps when a dynamic metric is created
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
// If registry is nil, uses the default Prometheus registry
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers all standard fencelock metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	// Acquire outcomes
	p.counters[MetricAcquireSuccess] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fencelock",
			Subsystem: "acquire",
			Name:      "success_total",
			Help:      "Total number of successful lock acquisitions",
		},
		[]string{"backend"},
	)

	p.counters[MetricAcquireFailed] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fencelock",
			Subsystem: "acquire",
			Name:      "failed_total",
			Help:      "Total number of failed lock acquisitions",
		},
		[]string{"backend", "reason"},
	)

	p.counters[MetricAcquireTimeout] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fencelock",
			Subsystem: "acquire",
			Name:      "timeout_total",
			Help:      "Total number of acquisitions that exhausted their timeout",
		},
		[]string{"backend"},
	)

	p.counters[MetricContention] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fencelock",
			Name:      "contention_total",
			Help:      "Total number of retries caused by a lock already being held",
		},
		[]string{"backend"},
	)

	p.counters[MetricReleaseSuccess] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fencelock",
			Subsystem: "release",
			Name:      "success_total",
			Help:      "Total number of successful lock releases",
		},
		[]string{"backend"},
	)

	p.counters[MetricReleaseNoop] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fencelock",
			Subsystem: "release",
			Name:      "noop_total",
			Help:      "Total number of releases where the caller no longer held the lock",
		},
		[]string{"backend"},
	)

	p.counters[MetricExtendSuccess] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fencelock",
			Subsystem: "extend",
			Name:      "success_total",
			Help:      "Total number of successful lock TTL extensions",
		},
		[]string{"backend"},
	)

	p.counters[MetricExtendNoop] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fencelock",
			Subsystem: "extend",
			Name:      "noop_total",
			Help:      "Total number of extends where the caller no longer held the lock",
		},
		[]string{"backend"},
	)

	p.counters[MetricBackendOps] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fencelock",
			Subsystem: "backend",
			Name:      "operations_total",
			Help:      "Total number of backend operations",
		},
		[]string{"operation", "backend"},
	)

	p.counters[MetricBackendErrors] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fencelock",
			Subsystem: "backend",
			Name:      "errors_total",
			Help:      "Total number of backend errors",
		},
		[]string{"operation", "backend", "error_type"},
	)

	p.counters[MetricCircuitOpen] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fencelock",
			Subsystem: "circuit",
			Name:      "open_total",
			Help:      "Total number of requests rejected by an open circuit breaker",
		},
		[]string{"backend"},
	)

	p.counters[MetricFenceNearCapacity] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fencelock",
			Subsystem: "fence",
			Name:      "near_capacity_total",
			Help:      "Total number of acquires refused because the fence counter reached its capacity",
		},
		[]string{"backend"},
	)

	p.counters[MetricTelemetrySinkFail] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fencelock",
			Subsystem: "telemetry",
			Name:      "sink_failure_total",
			Help:      "Total number of telemetry sink failures (logging/metrics calls that panicked or errored)",
		},
		[]string{},
	)

	// Timing histograms
	p.histograms[MetricAcquireDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fencelock",
			Subsystem: "acquire",
			Name:      "duration_seconds",
			Help:      "Time spent acquiring a lock, including retries",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	p.histograms[MetricAcquireWaitTime] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fencelock",
			Subsystem: "acquire",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting on contention before a lock was acquired",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	p.histograms[MetricBackendLatency] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fencelock",
			Subsystem: "backend",
			Name:      "operation_duration_seconds",
			Help:      "Backend operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "backend"},
	)

	p.histograms[MetricAcquireRetries] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fencelock",
			Subsystem: "acquire",
			Name:      "retries",
			Help:      "Number of retries performed before an acquisition resolved",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
		},
		[]string{"backend"},
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		// Create dynamic counter if it doesn't exist
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fencelock",
				Name:      name,
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}
	p.mu.Unlock()

	labels := p.extractLabelValues(tags)
	counter.With(labels).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.Lock()
	gauge, ok := p.gauges[name]
	if !ok {
		// Create dynamic gauge if it doesn't exist
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fencelock",
				Name:      name,
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	labels := p.extractLabelValues(tags)
	gauge.With(labels).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.mu.Lock()
	histogram, ok := p.histograms[name]
	if !ok {
		// Create dynamic histogram if it doesn't exist
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fencelock",
				Name:      name,
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	labels := p.extractLabelValues(tags)
	histogram.With(labels).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		if i < len(tags) {
			labels = append(labels, tags[i])
		}
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	if len(tags) == 0 {
		return prometheus.Labels{}
	}

	labels := make(prometheus.Labels)
	for i := 0; i < len(tags)-1; i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}
