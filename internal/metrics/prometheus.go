package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendsync_events_ingested_total",
			Help: "Normalized events accepted by the pipeline",
		},
		[]string{"source", "direction"},
	)

	EventsDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendsync_events_duplicate_total",
			Help: "Events dropped as redeliveries or already stored records",
		},
		[]string{"source"},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attendsync_persist_failures_total",
			Help: "Events that could not be written to the store",
		},
	)

	PushOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendsync_push_requests_total",
			Help: "Push notifications by outcome",
		},
		[]string{"outcome"}, // received, ignored, unrecognized, duplicate
	)

	PushDedupeEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "attendsync_push_dedupe_entries",
			Help: "Push payloads remembered for redelivery detection",
		},
	)

	StreamPartsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendsync_stream_parts_skipped_total",
			Help: "Multipart stream parts skipped as unrecognized or malformed",
		},
		[]string{"device_id", "reason"},
	)

	StreamSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendsync_stream_sessions_total",
			Help: "Finished event streams by end reason",
		},
		[]string{"device_id", "end"},
	)

	SubscriptionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "attendsync_subscription_state",
			Help: "Per-device subscription state (0=disconnected, 1=streaming, 2=reconnecting)",
		},
		[]string{"device_id"},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendsync_reconnects_total",
			Help: "Reconnect attempts by result",
		},
		[]string{"device_id", "result"},
	)

	TerminalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendsync_terminal_requests_total",
			Help: "Terminal protocol calls by operation and result kind",
		},
		[]string{"op", "result"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "attendsync_terminal_breaker_state",
			Help: "Circuit breaker state per terminal (0=closed, 1=half-open, 2=open)",
		},
		[]string{"device_id"},
	)

	SyncedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendsync_sync_records_total",
			Help: "Historical records pulled by result",
		},
		[]string{"result"}, // inserted, duplicate, failed
	)
)
