// Package metrics exposes Prometheus collectors for the matchmaking engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pairingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lomitalk_pairings_total",
			Help: "Pairing attempts labeled by result",
		},
		[]string{"result"},
	)
	unitsBilledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lomitalk_units_total",
			Help: "Conversation units sent, labeled by kind and result",
		},
		[]string{"kind", "result"},
	)
	pointsTransferredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lomitalk_points_transferred_total",
			Help: "Points moved from initiators to responders",
		},
	)
	sessionsEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lomitalk_sessions_ended_total",
			Help: "Conversation end requests labeled by result",
		},
		[]string{"result"},
	)
	deliveryFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lomitalk_delivery_failures_total",
			Help: "Billed units that could not be delivered",
		},
	)
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lomitalk_active_sessions",
			Help: "Conversations started and not yet ended by this instance",
		},
	)
	poolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lomitalk_pool_size",
			Help: "Users currently waiting in the matching pool",
		},
	)
	connectedClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lomitalk_connected_clients",
			Help: "Clients registered with the hub, by transport",
		},
		[]string{"transport"},
	)
)

// RecordPairing counts a TryPair outcome: matched, no_match or error.
func RecordPairing(result string) {
	pairingsTotal.WithLabelValues(result).Inc()
	if result == "matched" {
		activeSessions.Inc()
	}
}

// RecordUnit counts a SendUnit outcome and the points it moved.
func RecordUnit(kind, result string, charged int64) {
	unitsBilledTotal.WithLabelValues(kind, result).Inc()
	if charged > 0 {
		pointsTransferredTotal.Add(float64(charged))
	}
}

func RecordSessionEnd(result string) {
	sessionsEndedTotal.WithLabelValues(result).Inc()
	if result == "ended" {
		activeSessions.Dec()
	}
}

func RecordDeliveryFailure() {
	deliveryFailuresTotal.Inc()
}

func SetPoolSize(n int64) {
	poolSize.Set(float64(n))
}

func ClientConnected(transport string) {
	connectedClients.WithLabelValues(transport).Inc()
}

func ClientDisconnected(transport string) {
	connectedClients.WithLabelValues(transport).Dec()
}
