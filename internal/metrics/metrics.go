// Package metrics provides Prometheus metrics for the telemetry pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process-wide Prometheus registry.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler exposing the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// PipelineMetrics counts the stages of the telemetry pipeline.
type PipelineMetrics struct {
	ReadingsReceived  prometheus.Counter
	ReadingsDropped   *prometheus.CounterVec
	ReadingsCommitted prometheus.Counter
	NodesUpdated      prometheus.Counter
	AlertsEmitted     *prometheus.CounterVec
	AlertsSuppressed  prometheus.Counter
	CommitErrors      prometheus.Counter
	BrokerConnections prometheus.Gauge
}

// NewPipelineMetrics creates and registers pipeline metrics on reg (the
// package Registry when nil).
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		reg = Registry
	}
	m := &PipelineMetrics{
		ReadingsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "switchgrid",
			Subsystem: "telemetry",
			Name:      "readings_received_total",
			Help:      "Raw parameter readings accepted from brokers",
		}),
		ReadingsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchgrid",
			Subsystem: "telemetry",
			Name:      "readings_dropped_total",
			Help:      "Messages dropped before reconciliation",
		}, []string{"reason"}), // reason: parse, response_tag, coalesced
		ReadingsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "switchgrid",
			Subsystem: "telemetry",
			Name:      "readings_committed_total",
			Help:      "Reconciled readings written to the store",
		}),
		NodesUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "switchgrid",
			Subsystem: "telemetry",
			Name:      "nodes_updated_total",
			Help:      "Layout nodes patched by commits (fan-out counted per node)",
		}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchgrid",
			Subsystem: "alerts",
			Name:      "emitted_total",
			Help:      "Alert log entries created",
		}, []string{"status"}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "switchgrid",
			Subsystem: "alerts",
			Name:      "suppressed_total",
			Help:      "Abnormal readings swallowed by the cooldown gate",
		}),
		CommitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "switchgrid",
			Subsystem: "telemetry",
			Name:      "commit_errors_total",
			Help:      "Store errors during commit (logged and swallowed)",
		}),
		BrokerConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "switchgrid",
			Subsystem: "broker",
			Name:      "connections",
			Help:      "Live broker connections",
		}),
	}
	reg.MustRegister(
		m.ReadingsReceived,
		m.ReadingsDropped,
		m.ReadingsCommitted,
		m.NodesUpdated,
		m.AlertsEmitted,
		m.AlertsSuppressed,
		m.CommitErrors,
		m.BrokerConnections,
	)
	return m
}

// NewTestMetrics creates pipeline metrics on a private registry, for tests
// that construct several pipelines in one process.
func NewTestMetrics() *PipelineMetrics {
	return NewPipelineMetrics(prometheus.NewRegistry())
}
