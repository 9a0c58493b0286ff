// Package obs wires the control plane's structured logging (log/slog,
// matching the rest of this codebase) and Prometheus metrics, grounded on
// the promauto registration pattern used throughout internal/escrow.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the control plane exposes:
// WAL lag and reconnects, per-account cache sizes, flow counts, and
// pub/sub fanout.
type Metrics struct {
	WALLagBytes        prometheus.Gauge
	WALReconnectsTotal prometheus.Counter
	WALEventsTotal      *prometheus.CounterVec

	AuditLogFlushedTotal prometheus.Counter
	AuditLogBufferSize   prometheus.Gauge

	ClientCacheSize  *prometheus.GaugeVec
	GatewayFlowCount *prometheus.GaugeVec

	PolicyEvalTotal *prometheus.CounterVec

	PubSubSubscribersTotal *prometheus.GaugeVec
	PubSubPublishedTotal   *prometheus.CounterVec

	RendezvousTotal *prometheus.CounterVec
}

// NewMetrics creates and registers every collector against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		WALLagBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshcore_wal_lag_bytes",
			Help: "Bytes between the last flushed LSN and the replication slot's current LSN.",
		}),
		WALReconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_wal_reconnects_total",
			Help: "Total number of times the WAL consumer has reconnected.",
		}),
		WALEventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcore_wal_events_total",
			Help: "Total WAL row changes decoded, by table and operation.",
		}, []string{"table", "op"}),

		AuditLogFlushedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_audit_log_flushed_total",
			Help: "Total audit log rows successfully flushed.",
		}),
		AuditLogBufferSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshcore_audit_log_buffer_size",
			Help: "Current number of buffered, unflushed audit rows.",
		}),

		ClientCacheSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshcore_client_cache_resources",
			Help: "Number of connectable resources cached per client.",
		}, []string{"client_id"}),
		GatewayFlowCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshcore_gateway_flow_count",
			Help: "Number of active flows cached per gateway.",
		}, []string{"gateway_id"}),

		PolicyEvalTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcore_policy_eval_total",
			Help: "Total policy evaluations, by outcome.",
		}, []string{"outcome"}),

		PubSubSubscribersTotal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshcore_pubsub_subscribers",
			Help: "Current subscriber count per topic class.",
		}, []string{"topic_class"}),
		PubSubPublishedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcore_pubsub_published_total",
			Help: "Total messages published, by topic class.",
		}, []string{"topic_class"}),

		RendezvousTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcore_rendezvous_total",
			Help: "Total rendezvous attempts, by outcome.",
		}, []string{"outcome"}),
	}
}
