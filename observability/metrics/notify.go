package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// NotifyMetrics tracks party notifications and dispute evidence uploads.
type NotifyMetrics struct {
	enqueued         *prometheus.CounterVec
	delivered        *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	evidenceStored   *prometheus.CounterVec
}

var (
	notifyOnce     sync.Once
	notifyRegistry *NotifyMetrics
)

// Notify returns the lazily registered notification collectors.
func Notify() *NotifyMetrics {
	notifyOnce.Do(func() {
		notifyRegistry = &NotifyMetrics{
			enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "proofpay_notify_enqueued_total",
				Help: "Count of party notifications accepted for delivery by kind.",
			}, []string{"kind"}),
			delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "proofpay_notify_delivered_total",
				Help: "Count of notifications acknowledged by the messaging bridge by kind.",
			}, []string{"kind"}),
			deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "proofpay_notify_delivery_failures_total",
				Help: "Number of failed notification delivery attempts by destination.",
			}, []string{"destination"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "proofpay_notify_dropped_total",
				Help: "Notifications discarded before delivery by reason.",
			}, []string{"reason"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "proofpay_notify_queue_depth",
				Help: "Notifications currently waiting for delivery.",
			}),
			evidenceStored: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "proofpay_evidence_uploads_total",
				Help: "Dispute evidence uploads by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			notifyRegistry.enqueued,
			notifyRegistry.delivered,
			notifyRegistry.deliveryFailures,
			notifyRegistry.dropped,
			notifyRegistry.queueDepth,
			notifyRegistry.evidenceStored,
		)
	})
	return notifyRegistry
}

func (m *NotifyMetrics) RecordEnqueued(kind string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(normalize(kind)).Inc()
}

func (m *NotifyMetrics) RecordDelivered(kind string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(normalize(kind)).Inc()
}

func (m *NotifyMetrics) RecordDeliveryFailure(destination string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(normalize(destination)).Inc()
}

func (m *NotifyMetrics) RecordDropped(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.dropped.WithLabelValues(normalize(reason)).Add(float64(count))
}

func (m *NotifyMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// RecordEvidence counts an evidence upload; ok reports whether it succeeded.
func (m *NotifyMetrics) RecordEvidence(ok bool) {
	if m == nil {
		return
	}
	outcome := "stored"
	if !ok {
		outcome = "failed"
	}
	m.evidenceStored.WithLabelValues(outcome).Inc()
}

func normalize(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
