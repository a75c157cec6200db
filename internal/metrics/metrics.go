package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "xapi"

var (
	registerOnce sync.Once

	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "transactions_total",
			Help:      "Transactions by connection and outcome (sent, resolved, rejected, interrupted).",
		},
		[]string{"channel", "outcome"},
	)
	RoundTripSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "round_trip_seconds",
			Help:      "Time from send to correlated reply.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"channel"},
	)
	RegistrySize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "registry_size",
			Help:      "Transactions currently held in the registry.",
		},
		[]string{"channel"},
	)

	ConnectionStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "status",
			Help:      "Connection status (0 disconnected, 1 connecting, 2 connected).",
		},
		[]string{"channel"},
	)
	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnects_total",
			Help:      "Scheduled reconnect attempts.",
		},
		[]string{"channel"},
	)
	LoginAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "login_attempts_total",
			Help:      "Login attempts by result.",
		},
		[]string{"result"},
	)
	DroppedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped by reason.",
		},
		[]string{"channel", "reason"},
	)

	StreamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Stream push events by command.",
		},
		[]string{"command"},
	)

	SnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "snapshots_total",
			Help:      "Position snapshots by result (applied, stale).",
		},
		[]string{"result"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "open",
			Help:      "Open positions currently tracked.",
		},
	)
	JournalRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "rows_total",
			Help:      "Position journal rows by result (inserted, dropped, failed).",
		},
		[]string{"result"},
	)
)

// Register registers every collector with reg once. A nil reg uses the default registerer.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			TransactionsTotal,
			RoundTripSeconds,
			RegistrySize,
			ConnectionStatus,
			ReconnectsTotal,
			LoginAttemptsTotal,
			DroppedMessagesTotal,
			StreamEventsTotal,
			SnapshotsTotal,
			OpenPositions,
			JournalRowsTotal,
		)
	})
}
