// Package metrics centralizes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDelivered counts outbound events accepted by at least one relay.
	QueueDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvmesh_queue_delivered_total",
		Help: "Outbound events accepted by at least one relay.",
	})

	// QueueRetried counts delivery attempts that were rescheduled.
	QueueRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvmesh_queue_retried_total",
		Help: "Outbound delivery attempts that failed and were rescheduled.",
	})

	// QueueAbandoned counts events dropped after exhausting retries.
	QueueAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvmesh_queue_abandoned_total",
		Help: "Outbound events dropped after exhausting retries.",
	})

	// RelayAdmission counts relay EVENT admissions by outcome.
	RelayAdmission = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dvmesh_relay_admission_total",
		Help: "Relay EVENT frames by admission outcome.",
	}, []string{"outcome"})

	// RelayConnections tracks live relay WebSocket connections.
	RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dvmesh_relay_connections",
		Help: "Live relay WebSocket connections.",
	})

	// PollerTicks counts completed poller iterations per poller.
	PollerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dvmesh_poller_ticks_total",
		Help: "Completed poller iterations.",
	}, []string{"poller"})

	// PollerErrors counts failed poller iterations per poller.
	PollerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dvmesh_poller_errors_total",
		Help: "Poller iterations that logged an error.",
	}, []string{"poller"})

	// PaymentsAmbiguous counts wallet exchanges that timed out with unknown
	// outcome. Operator-visible alert condition: manual reconciliation.
	PaymentsAmbiguous = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvmesh_payments_ambiguous_total",
		Help: "Wallet RPC exchanges with unknown outcome (timeout).",
	})

	// PaymentsSettled counts fully settled jobs.
	PaymentsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvmesh_payments_settled_total",
		Help: "Jobs settled end to end.",
	})
)
