// Package metrics provides Prometheus metrics for the worklist bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	AccessionIssued     prometheus.Counter
	AccessionConflicts  prometheus.Counter
	WorklistSends       *prometheus.CounterVec
	WorklistSendLatency prometheus.Histogram
	MPPSMessages        *prometheus.CounterVec
	KafkaMessagesOut    prometheus.Counter
	KafkaMessagesIn     prometheus.Counter
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in services and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AccessionIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accession_numbers_issued_total",
			Help: "Total accession numbers issued",
		}),
		AccessionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accession_seed_conflicts_total",
			Help: "Compare-and-swap conflicts on the accession seed",
		}),
		WorklistSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worklist_sends_total",
			Help: "Worklist order messages by order control and result",
		}, []string{"order_control", "result"}),
		WorklistSendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "worklist_send_duration_seconds",
			Help:    "Worklist transmission duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		MPPSMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mpps_messages_total",
			Help: "Inbound MPPS messages by ingestion outcome",
		}, []string{"outcome"}),
		KafkaMessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.AccessionIssued,
		m.AccessionConflicts,
		m.WorklistSends,
		m.WorklistSendLatency,
		m.MPPSMessages,
		m.KafkaMessagesOut,
		m.KafkaMessagesIn,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveAccession counts one issued number and the conflicts it took
func (m *Metrics) ObserveAccession(conflicts int) {
	if m == nil {
		return
	}
	m.AccessionIssued.Inc()
	m.AccessionConflicts.Add(float64(conflicts))
}

// ObserveSend records one worklist transmission attempt
func (m *Metrics) ObserveSend(orderControl string, succeeded bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "failed"
	if succeeded {
		result = "succeeded"
	}
	m.WorklistSends.WithLabelValues(orderControl, result).Inc()
	m.WorklistSendLatency.Observe(elapsed.Seconds())
}

// ObserveMPPS records one ingestion outcome
func (m *Metrics) ObserveMPPS(outcome string) {
	if m == nil {
		return
	}
	m.MPPSMessages.WithLabelValues(outcome).Inc()
}

// SetBreakerState records a breaker state (0=closed, 1=open, 2=half-open)
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
