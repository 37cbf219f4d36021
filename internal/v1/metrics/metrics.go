package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the roomsync server.
//
// Naming convention: namespace_subsystem_name
// - namespace: roomsync (application-level grouping)
// - subsystem: websocket, room, advancer, queue, presence, rate_limit, redis, circuit_breaker
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, pending actions)
// - Counter: Cumulative events (commands applied, errors)
// - Histogram: Latency distributions (advancer lag, processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomsync",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of rooms with at least one subscriber.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomsync",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomOnlineCount tracks the current online user count per room.
	RoomOnlineCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomsync",
		Subsystem: "room",
		Name:      "online_count",
		Help:      "Current online user count in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing a single event.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roomsync",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// CommandsApplied tracks commands applied by the room advancer.
	CommandsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "advancer",
		Name:      "commands_applied_total",
		Help:      "Total commands applied by the room advancer",
	}, []string{"command"})

	// AdvancerLag tracks how late the advancer applied an action relative to its execAtMs.
	AdvancerLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "roomsync",
		Subsystem: "advancer",
		Name:      "apply_lag_seconds",
		Help:      "Delay between an action's execAtMs and its application by the advancer",
		Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2, 5},
	})

	// AdvancerLockContention tracks failed advisory lock acquisitions.
	AdvancerLockContention = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "advancer",
		Name:      "lock_contention_total",
		Help:      "Total times the room advancer failed to acquire the advisory lock",
	})

	// PendingActionsQueued tracks the current size of the pending-action queue per room.
	PendingActionsQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomsync",
		Subsystem: "queue",
		Name:      "pending_actions",
		Help:      "Current number of pending actions queued for a room",
	}, []string{"room_id"})

	// CircuitBreakerState tracks the current state of a circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomsync",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks requests rejected outright because the
	// breaker was already open, per service.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "circuit_breaker",
		Name:      "rejected_total",
		Help:      "Total number of requests rejected because the circuit breaker was open",
	}, []string{"service"})

	// RateLimitExceeded tracks requests that exceeded a rate-limit bucket.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded a rate limit",
	}, []string{"policy"})

	// RateLimitRequests tracks requests checked against a rate-limit bucket.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against a rate limiter",
	}, []string{"policy"})

	// RedisOperationsTotal tracks Redis operations; the store package's seq counter is the one caller.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roomsync",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// PresenceBroadcasts tracks presence ticks that produced an update.
	PresenceBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "presence",
		Name:      "broadcasts_total",
		Help:      "Total presence broadcast ticks emitted",
	})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
