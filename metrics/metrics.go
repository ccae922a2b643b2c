// Package metrics holds the Prometheus instruments shared by the gateway and
// the persistence worker. Instruments are registered on the registry passed
// to New so tests can use isolated registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ConnectionsActive prometheus.Gauge
	AuthRejected      prometheus.Counter
	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	BroadcastFailures prometheus.Counter
	AppendFailures    prometheus.Counter

	EntriesPersisted prometheus.Counter
	DecodeFailures   prometheus.Counter
	WorkerRetries    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "boardly_gateway_connections_active",
			Help: "Live authenticated websocket connections.",
		}),
		AuthRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "boardly_gateway_auth_rejected_total",
			Help: "Connections closed because the token did not verify.",
		}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "boardly_gateway_messages_received_total",
			Help: "Inbound messages by type.",
		}, []string{"type"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "boardly_gateway_messages_dropped_total",
			Help: "Inbound messages discarded, by reason.",
		}, []string{"reason"}),
		BroadcastFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "boardly_gateway_broadcast_failures_total",
			Help: "Per-peer sends that failed during a room broadcast.",
		}),
		AppendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "boardly_gateway_append_failures_total",
			Help: "Operations that could not be written to the append log.",
		}),
		EntriesPersisted: f.NewCounter(prometheus.CounterOpts{
			Name: "boardly_worker_entries_persisted_total",
			Help: "Log entries written to the history store.",
		}),
		DecodeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "boardly_worker_decode_failures_total",
			Help: "Log entries skipped because they could not be decoded.",
		}),
		WorkerRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "boardly_worker_retries_total",
			Help: "Worker iterations retried after an infrastructure failure, by stage.",
		}, []string{"stage"}),
	}
}

// NewNop returns instruments registered on a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
