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

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	escrowdMetricsOnce sync.Once
	escrowdRegistry    *EscrowdMetrics
)

// API returns the lazily-initialised registry used to record HTTP API
// activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofpay",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and method.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofpay",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "proofpay",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofpay",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
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
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *apiMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// EscrowdMetrics wraps collectors tracking settlement health.
type EscrowdMetrics struct {
	transitions   *prometheus.CounterVec
	failures      *prometheus.CounterVec
	chainLatency  *prometheus.HistogramVec
	chainErrors   *prometheus.CounterVec
	sweepItems    *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	lastSettled   *prometheus.GaugeVec
}

// Escrowd exposes the metrics registry for the settlement daemon.
func Escrowd() *EscrowdMetrics {
	escrowdMetricsOnce.Do(func() {
		escrowdRegistry = &EscrowdMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofpay",
				Subsystem: "escrowd",
				Name:      "transitions_total",
				Help:      "Applied escrow transitions segmented by operation and source.",
			}, []string{"operation", "source"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofpay",
				Subsystem: "escrowd",
				Name:      "operation_failures_total",
				Help:      "Rejected or failed escrow operations segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			chainLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "proofpay",
				Subsystem: "escrowd",
				Name:      "chain_call_seconds",
				Help:      "Latency of chain submissions including confirmation wait.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			}, []string{"operation"}),
			chainErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofpay",
				Subsystem: "escrowd",
				Name:      "chain_errors_total",
				Help:      "Chain call failures segmented by operation and kind.",
			}, []string{"operation", "kind"}),
			sweepItems: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofpay",
				Subsystem: "escrowd",
				Name:      "sweep_items_total",
				Help:      "Reconciliation sweep items segmented by sweep and result.",
			}, []string{"sweep", "result"}),
			sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "proofpay",
				Subsystem: "escrowd",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of reconciliation sweeps.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"sweep"}),
			lastSettled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "proofpay",
				Subsystem: "escrowd",
				Name:      "last_settled_amount",
				Help:      "Amount in smallest token units of the most recent settlement per operation.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			escrowdRegistry.transitions,
			escrowdRegistry.failures,
			escrowdRegistry.chainLatency,
			escrowdRegistry.chainErrors,
			escrowdRegistry.sweepItems,
			escrowdRegistry.sweepDuration,
			escrowdRegistry.lastSettled,
		)
	})
	return escrowdRegistry
}

// RecordTransition counts an applied transition.
func (m *EscrowdMetrics) RecordTransition(operation, source string, amount *big.Int) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(operation), label(source)).Inc()
	if amount != nil {
		m.lastSettled.WithLabelValues(label(operation)).Set(bigToFloat(amount))
	}
}

// RecordFailure counts a rejected or failed operation.
func (m *EscrowdMetrics) RecordFailure(operation, reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(label(operation), label(reason)).Inc()
}

// ObserveChainCall records the latency and, when err is set, the failure kind
// of a chain submission.
func (m *EscrowdMetrics) ObserveChainCall(operation string, d time.Duration, kind string) {
	if m == nil {
		return
	}
	m.chainLatency.WithLabelValues(label(operation)).Observe(d.Seconds())
	if kind != "" {
		m.chainErrors.WithLabelValues(label(operation), kind).Inc()
	}
}

// RecordSweep records the item outcomes and duration of a sweep run.
func (m *EscrowdMetrics) RecordSweep(sweep string, processed, failed, skipped int, d time.Duration) {
	if m == nil {
		return
	}
	sweep = label(sweep)
	m.sweepItems.WithLabelValues(sweep, "processed").Add(float64(processed))
	m.sweepItems.WithLabelValues(sweep, "failed").Add(float64(failed))
	m.sweepItems.WithLabelValues(sweep, "skipped").Add(float64(skipped))
	m.sweepDuration.WithLabelValues(sweep).Observe(d.Seconds())
}

func label(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
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
