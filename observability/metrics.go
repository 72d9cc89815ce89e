package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CycleMetrics tracks team competition update cycles.
type CycleMetrics struct {
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
	users    *prometheus.CounterVec
	lastRun  prometheus.Gauge
}

// ProviderMetrics tracks calls to the upstream stats provider.
type ProviderMetrics struct {
	requests *prometheus.CounterVec
	latency  prometheus.Histogram
}

// RolloverMetrics tracks archive and reset operations.
type RolloverMetrics struct {
	operations *prometheus.CounterVec
}

// HTTPMetrics tracks the public and admin API.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	cycleMetricsOnce sync.Once
	cycleRegistry    *CycleMetrics

	providerMetricsOnce sync.Once
	providerRegistry    *ProviderMetrics

	rolloverMetricsOnce sync.Once
	rolloverRegistry    *RolloverMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics
)

// Cycle returns the lazily-initialised update cycle metrics.
func Cycle() *CycleMetrics {
	cycleMetricsOnce.Do(func() {
		cycleRegistry = &CycleMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tc",
				Subsystem: "cycle",
				Name:      "runs_total",
				Help:      "Update cycles segmented by outcome.",
			}, []string{"outcome"}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "tc",
				Subsystem: "cycle",
				Name:      "duration_seconds",
				Help:      "Wall time of a full update cycle.",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			}),
			users: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tc",
				Subsystem: "cycle",
				Name:      "users_total",
				Help:      "Users processed by update cycles segmented by outcome.",
			}, []string{"outcome"}),
			lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "tc",
				Subsystem: "cycle",
				Name:      "last_completed_timestamp_seconds",
				Help:      "Unix time of the last completed update cycle.",
			}),
		}
		prometheus.MustRegister(
			cycleRegistry.runs,
			cycleRegistry.duration,
			cycleRegistry.users,
			cycleRegistry.lastRun,
		)
	})
	return cycleRegistry
}

// ObserveRun records a finished cycle. outcome should be one of "success",
// "error" or "busy".
func (m *CycleMetrics) ObserveRun(outcome string, duration time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(label(outcome)).Inc()
	if outcome != "success" {
		return
	}
	m.duration.Observe(duration.Seconds())
	m.lastRun.Set(float64(finished.Unix()))
}

// AddUsers increments the per-user outcome counter.
func (m *CycleMetrics) AddUsers(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.users.WithLabelValues(label(outcome)).Add(float64(count))
}

// Provider returns the lazily-initialised stats provider metrics.
func Provider() *ProviderMetrics {
	providerMetricsOnce.Do(func() {
		providerRegistry = &ProviderMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tc",
				Subsystem: "provider",
				Name:      "requests_total",
				Help:      "Stats provider lookups segmented by outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "tc",
				Subsystem: "provider",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for stats provider lookups.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(providerRegistry.requests, providerRegistry.latency)
	})
	return providerRegistry
}

// Observe records a single provider lookup.
func (m *ProviderMetrics) Observe(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(label(outcome)).Inc()
	m.latency.Observe(duration.Seconds())
}

// Rollover returns the lazily-initialised rollover metrics.
func Rollover() *RolloverMetrics {
	rolloverMetricsOnce.Do(func() {
		rolloverRegistry = &RolloverMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tc",
				Subsystem: "rollover",
				Name:      "operations_total",
				Help:      "Archive and reset operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
		}
		prometheus.MustRegister(rolloverRegistry.operations)
	})
	return rolloverRegistry
}

// Observe records an archive or reset attempt.
func (m *RolloverMetrics) Observe(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(label(operation), outcome).Inc()
}

// HTTP returns the lazily-initialised API metrics.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tc",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "API requests segmented by route and status class.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tc",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *HTTPMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.requests.WithLabelValues(label(route), class).Inc()
	m.latency.WithLabelValues(label(route)).Observe(duration.Seconds())
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
