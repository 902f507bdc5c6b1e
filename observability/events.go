package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	decoded *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking decoded contract events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			decoded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofpay",
				Subsystem: "events",
				Name:      "observed_total",
				Help:      "Count of contract events observed during reconciliation segmented by name.",
			}, []string{"event"}),
		}
		prometheus.MustRegister(eventRegistry.decoded)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event name.
func (m *eventMetrics) RecordEvent(name string, count int) {
	if m == nil || count <= 0 {
		return
	}
	normalized := strings.TrimSpace(name)
	if normalized == "" {
		normalized = "unknown"
	}
	m.decoded.WithLabelValues(normalized).Add(float64(count))
}
