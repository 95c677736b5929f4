package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the study-rooms server.
//
// Naming convention: namespace_subsystem_name
// - namespace: studyhive (application-level grouping)
// - subsystem: gateway, room, ratelimit, governor, bus, store, identity, http
// - name: specific metric (connections_active, denials_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, occupancy, queue depth)
// - Counter: Cumulative events (joins, denials, evictions)
// - Histogram: Latency distributions (request duration)

var (
	// ActiveConnections tracks the current number of open websocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "studyhive",
		Subsystem: "gateway",
		Name:      "connections_active",
		Help:      "Current number of open websocket connections",
	})

	// ConnectionsTotal counts every accepted websocket connection.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "studyhive",
		Subsystem: "gateway",
		Name:      "connections_total",
		Help:      "Total accepted websocket connections",
	})

	// DisconnectsTotal counts connection teardowns by reason
	// (client_close, timeout, slow_consumer, shutdown, kicked).
	DisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studyhive",
		Subsystem: "gateway",
		Name:      "disconnects_total",
		Help:      "Connection teardowns by reason",
	}, []string{"reason"})

	// InboundFrames counts processed client frames by type and outcome.
	InboundFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studyhive",
		Subsystem: "gateway",
		Name:      "frames_total",
		Help:      "Inbound frames processed by type and status",
	}, []string{"frame_type", "status"})

	// RoomOccupancy tracks the current occupancy of each room.
	RoomOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "studyhive",
		Subsystem: "room",
		Name:      "occupancy",
		Help:      "Current occupancy per room",
	}, []string{"room_id"})

	// JoinsTotal counts successful room joins.
	JoinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "studyhive",
		Subsystem: "room",
		Name:      "joins_total",
		Help:      "Total successful room joins",
	})

	// LeavesTotal counts membership teardowns (leave, disconnect, evict).
	LeavesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "studyhive",
		Subsystem: "room",
		Name:      "leaves_total",
		Help:      "Total membership removals",
	})

	// MessagesTotal counts chat messages accepted into the journal.
	MessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "studyhive",
		Subsystem: "room",
		Name:      "messages_total",
		Help:      "Total chat messages journaled",
	})

	// RateLimitDenials counts denied checks by action.
	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studyhive",
		Subsystem: "ratelimit",
		Name:      "denials_total",
		Help:      "Rate limit denials by action",
	}, []string{"action"})

	// RateLimitBlocks counts sticky blocks installed or extended by action.
	RateLimitBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studyhive",
		Subsystem: "ratelimit",
		Name:      "blocks_total",
		Help:      "Sticky blocks installed or extended by action",
	}, []string{"action"})

	// AdmissionQueueDepth is the number of principals waiting for a slot.
	AdmissionQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "studyhive",
		Subsystem: "governor",
		Name:      "admission_queue_depth",
		Help:      "Principals waiting in the admission queue",
	})

	// AdmissionRejections counts HTTP joins refused at system capacity.
	AdmissionRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "studyhive",
		Subsystem: "governor",
		Name:      "admission_rejections_total",
		Help:      "Joins refused because the system was at capacity",
	})

	// ReconnectsThrottled counts handshakes delayed by backoff.
	ReconnectsThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "studyhive",
		Subsystem: "governor",
		Name:      "reconnects_throttled_total",
		Help:      "Handshakes rejected by reconnection backoff",
	})

	// EventsPublished counts bus publishes by topic kind (room, lobby).
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studyhive",
		Subsystem: "bus",
		Name:      "events_published_total",
		Help:      "Events published by topic kind",
	}, []string{"topic_kind"})

	// SlowConsumers counts subscribers dropped for a full queue.
	SlowConsumers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "studyhive",
		Subsystem: "bus",
		Name:      "slow_consumers_total",
		Help:      "Subscribers detached because their queue overflowed",
	})

	// StoreTxRetries counts transactions retried on transient errors.
	StoreTxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "studyhive",
		Subsystem: "store",
		Name:      "tx_retries_total",
		Help:      "Transactions retried after SQLITE_BUSY or SQLITE_LOCKED",
	})

	// IdentityEvictions counts idle principals removed by the sweeper.
	IdentityEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "studyhive",
		Subsystem: "identity",
		Name:      "evictions_total",
		Help:      "Idle principals evicted",
	})

	// HTTPRequestDuration tracks REST handler latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "studyhive",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Time spent serving REST requests",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method", "path", "status"})
)

func IncConnection() {
	ActiveConnections.Inc()
	ConnectionsTotal.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
