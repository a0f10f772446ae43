package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors register into the default registry; /metrics serves them via
// promhttp.Handler.

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guesthub_events_ingested_total",
		Help: "Inbound provider events accepted per channel.",
	}, []string{"channel"})

	EventsDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guesthub_events_deduped_total",
		Help: "Inbound events dropped as duplicates per channel.",
	}, []string{"channel"})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guesthub_decode_errors_total",
		Help: "Webhook payloads rejected as undecodable per channel.",
	}, []string{"channel"})

	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guesthub_queue_dropped_total",
		Help: "Operations rejected because a bounded queue was full.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "guesthub_queue_depth",
		Help: "Current depth of bounded queues.",
	}, []string{"queue"})

	DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guesthub_dispatch_attempts_total",
		Help: "Outbound delivery attempts per channel and result.",
	}, []string{"channel", "result"})

	DispatchFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guesthub_dispatch_failed_total",
		Help: "Outbound messages marked FAILED after exhausting retries.",
	}, []string{"channel"})

	SLABreaches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guesthub_sla_breaches_total",
		Help: "SLA timer breaches per timer kind.",
	}, []string{"kind"})

	IdentityConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guesthub_identity_conflicts_total",
		Help: "Channel identities observed bound to more than one guest.",
	})

	FanoutSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guesthub_fanout_sessions",
		Help: "Connected console websocket sessions.",
	})

	FanoutUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guesthub_fanout_updates_total",
		Help: "Updates delivered to console sessions, replays included.",
	})

	AssistRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guesthub_assist_requests_total",
		Help: "Enrichment requests per result.",
	}, []string{"result"})
)
