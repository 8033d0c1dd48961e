package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the hub's prometheus instruments.
type Metrics struct {
	ConnectedNodes   prometheus.Gauge
	ConnectedBridges prometheus.Gauge
	JobsCreated      prometheus.Counter
	JobTransitions   *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	LogLinesStored   prometheus.Counter
	DispatchAssigned prometheus.Counter
	RepliesSent      *prometheus.CounterVec
}

// NewMetrics registers the hub's instruments on the given registerer.
// Pass a fresh prometheus.NewRegistry() in tests to avoid duplicate
// registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectedNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hub_connected_nodes",
			Help: "Number of currently connected execution nodes.",
		}),
		ConnectedBridges: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hub_connected_bridges",
			Help: "Number of currently connected bridge sessions.",
		}),
		JobsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_jobs_created_total",
			Help: "Total jobs created.",
		}),
		JobTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_job_transitions_total",
			Help: "Job status transitions applied.",
		}, []string{"to"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_messages_received_total",
			Help: "WebSocket messages received by type.",
		}, []string{"type"}),
		LogLinesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_log_lines_stored_total",
			Help: "Job log lines persisted.",
		}),
		DispatchAssigned: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_dispatch_assigned_total",
			Help: "Jobs handed to a node by the dispatcher.",
		}),
		RepliesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_replies_sent_total",
			Help: "Chat replies emitted on job completion.",
		}, []string{"platform"}),
	}
}
