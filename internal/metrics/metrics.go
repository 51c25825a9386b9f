// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DebounceScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapsync_debounce_scheduled_total",
		Help: "Writes handed to the debounced persister",
	})

	DebounceCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapsync_debounce_coalesced_total",
		Help: "Scheduled writes that replaced a pending payload",
	})

	DebounceWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mapsync_debounce_writes_total",
		Help: "Durable writes issued by the debounced persister",
	}, []string{"result"})

	EchoSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapsync_echo_suppressed_total",
		Help: "Change detection passes skipped because of a system update marker",
	})

	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mapsync_compensations_total",
		Help: "Optimistic mutations rolled back after a failed durable write",
	}, []string{"op"})

	HistoryDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapsync_history_deltas_total",
		Help: "Deltas recorded by the history engine",
	})

	HistoryPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapsync_history_persist_failures_total",
		Help: "Deltas that could not be persisted",
	})

	PermissionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mapsync_permission_events_total",
		Help: "Permission events by type and outcome",
	}, []string{"type", "outcome"})

	BroadcastPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mapsync_broadcast_published_total",
		Help: "Messages published on the realtime bus",
	}, []string{"driver"})

	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapsync_broadcast_dropped_total",
		Help: "Messages dropped because a subscriber fell behind",
	})

	SyncSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mapsync_sync_sockets",
		Help: "Open sync relay sockets",
	})
)
