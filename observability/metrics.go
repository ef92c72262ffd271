package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "escrowcoord"

// APIMetrics tracks HTTP API activity.
type APIMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// CoordinatorMetrics tracks the workflow coordinator: submitted actions,
// confirmation latency, identifier recovery and mirror refreshes.
type CoordinatorMetrics struct {
	actions      *prometheus.CounterVec
	confirmation *prometheus.HistogramVec
	fallbacks    *prometheus.CounterVec
	refreshes    *prometheus.CounterVec
	pending      prometheus.Gauge
	remaining    *prometheus.GaugeVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *APIMetrics

	coordinatorMetricsOnce sync.Once
	coordinatorRegistry    *CoordinatorMetrics
)

// API returns the lazily-initialised HTTP API metrics registry.
func API() *APIMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &APIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by rate limiting.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *APIMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOrUnknown(route)
	method = labelOrUnknown(method)
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *APIMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOrUnknown(route), labelOrUnknown(reason)).Inc()
}

// Coordinator exposes the metrics registry for the workflow coordinator.
func Coordinator() *CoordinatorMetrics {
	coordinatorMetricsOnce.Do(func() {
		coordinatorRegistry = &CoordinatorMetrics{
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "actions_total",
				Help:      "Workflow actions segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			confirmation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "confirmation_seconds",
				Help:      "Time from submission until the ledger confirmed the action.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			}, []string{"kind"}),
			fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "fallback_lookups_total",
				Help:      "Receipt lookups against fallback endpoints segmented by result.",
			}, []string{"endpoint", "result"}),
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "mirror_refreshes_total",
				Help:      "Agreement mirror refreshes segmented by outcome.",
			}, []string{"outcome"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "pending_actions",
				Help:      "Actions submitted but not yet confirmed or discarded.",
			}),
			remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "escrow_remaining",
				Help:      "Amount still held in escrow per agreement in base units.",
			}, []string{"agreement"}),
		}
		prometheus.MustRegister(
			coordinatorRegistry.actions,
			coordinatorRegistry.confirmation,
			coordinatorRegistry.fallbacks,
			coordinatorRegistry.refreshes,
			coordinatorRegistry.pending,
			coordinatorRegistry.remaining,
		)
	})
	return coordinatorRegistry
}

// RecordAction counts an action outcome such as "confirmed", "rejected",
// "timeout" or "unrecoverable".
func (m *CoordinatorMetrics) RecordAction(kind, outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(labelOrUnknown(kind), labelOrUnknown(outcome)).Inc()
}

// ObserveConfirmation records how long an action took to confirm.
func (m *CoordinatorMetrics) ObserveConfirmation(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.confirmation.WithLabelValues(labelOrUnknown(kind)).Observe(d.Seconds())
}

// RecordFallback counts a fallback endpoint lookup.
func (m *CoordinatorMetrics) RecordFallback(endpoint, result string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(labelOrUnknown(endpoint), labelOrUnknown(result)).Inc()
}

// RecordRefresh counts a mirror refresh outcome.
func (m *CoordinatorMetrics) RecordRefresh(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

// SetPending reports the number of tracked pending actions.
func (m *CoordinatorMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// RecordRemaining reports the escrowed balance left on an agreement.
func (m *CoordinatorMetrics) RecordRemaining(agreement string, remaining *big.Int) {
	if m == nil {
		return
	}
	m.remaining.WithLabelValues(strings.ToLower(labelOrUnknown(agreement))).Set(bigToFloat(remaining))
}

func labelOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
