package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the chat server.
//
// Naming convention: namespace_subsystem_name
// - namespace: lair_chat (application-level grouping)
// - subsystem: session, room, storage, circuit_breaker, rate_limit (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, sessions)
// - Counter: Cumulative events (messages routed, errors)
// - Histogram: Latency distributions (dispatch/storage time)

var (
	// ActiveSessions tracks the current number of authenticated peer sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lair_chat",
		Subsystem: "session",
		Name:      "connections_active",
		Help:      "Current number of active peer sessions",
	})

	// ActiveRooms tracks the current number of non-empty rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lair_chat",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the number of members in each room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lair_chat",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room"})

	// CommandsProcessed tracks the total number of dispatched verbs.
	CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lair_chat",
		Subsystem: "session",
		Name:      "commands_total",
		Help:      "Total commands dispatched",
	}, []string{"verb", "status"})

	// CommandProcessingDuration tracks time spent dispatching a command.
	CommandProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lair_chat",
		Subsystem: "session",
		Name:      "command_processing_seconds",
		Help:      "Time spent dispatching a command",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"verb"})

	// AuthAttempts tracks the total number of login/register attempts.
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lair_chat",
		Subsystem: "auth",
		Name:      "attempts_total",
		Help:      "Total authentication attempts",
	}, []string{"kind", "status"})

	// CircuitBreakerState tracks the current state of the circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lair_chat",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts how many times a circuit breaker has tripped open.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lair_chat",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total number of times the circuit breaker has tripped open",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of verbs that exceeded the rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lair_chat",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of verbs that exceeded the rate limit",
	}, []string{"scope", "reason"})

	// RateLimitRequests tracks the total number of verbs checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lair_chat",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of verbs checked against the rate limiter",
	}, []string{"scope"})

	// StorageOperationsTotal tracks the total number of storage operations.
	StorageOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lair_chat",
		Subsystem: "storage",
		Name:      "operations_total",
		Help:      "Total number of storage operations",
	}, []string{"operation", "status"})

	// StorageOperationDuration tracks the duration of storage operations.
	StorageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lair_chat",
		Subsystem: "storage",
		Name:      "operation_duration_seconds",
		Help:      "Duration of storage operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncSession() {
	ActiveSessions.Inc()
}

func DecSession() {
	ActiveSessions.Dec()
}
