package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
)

const namespace = "aerophoenix"

// Metrics is the control plane's metric set. Every method is safe on a
// nil receiver so components can run without metrics in tests.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	BusMessages       *prometheus.CounterVec
	StateReports      *prometheus.CounterVec
	PendingItems      *prometheus.GaugeVec
}

// NewMetrics creates the metric set and registers it with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Cloud API operations by name and outcome (ok or error kind).",
			},
			[]string{"operation", "outcome"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Latency of cloud API operations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		BusMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_messages_total",
				Help:      "Messages exchanged on the bus by direction, method and outcome.",
			},
			[]string{"direction", "method", "outcome"},
		),
		StateReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_reports_total",
				Help:      "Node state reports received per topic.",
			},
			[]string{"topic"},
		),
		PendingItems: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_items",
				Help:      "Items created but not yet reported by any node.",
			},
			[]string{"topic"},
		),
	}
	reg.MustRegister(m.Operations, m.OperationDuration, m.BusMessages, m.StateReports, m.PendingItems)
	return m
}

// Outcome labels an error by its kind.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return fault.KindOf(err).String()
}

func (m *Metrics) ObserveOperation(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, Outcome(err)).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveBus counts one bus message; direction is "call", "send" or
// "inbound".
func (m *Metrics) ObserveBus(direction, method string, err error) {
	if m == nil {
		return
	}
	m.BusMessages.WithLabelValues(direction, method, Outcome(err)).Inc()
}

func (m *Metrics) ObserveReport(topic string) {
	if m == nil {
		return
	}
	m.StateReports.WithLabelValues(topic).Inc()
}

func (m *Metrics) SetPending(topic string, n int) {
	if m == nil {
		return
	}
	m.PendingItems.WithLabelValues(topic).Set(float64(n))
}
