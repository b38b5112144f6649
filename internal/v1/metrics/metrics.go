package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the sync relay.
//
// Naming convention: namespace_subsystem_name
// - namespace: epicenter_sync (application-level grouping)
// - subsystem: websocket, room, bus (feature-level grouping)
// - name: specific metric (connections_active, frames_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, members)
// - Counter: Cumulative events (frames relayed, evictions)
// - Histogram: Latency distributions (frame handling time)

var (
	// ActiveConnections tracks the current number of live sync sessions.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "epicenter_sync",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket sync sessions",
	})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "epicenter_sync",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the member count per room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "epicenter_sync",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of connected members in each room",
	}, []string{"room_id"})

	// RoomsEvicted counts idle rooms discarded by the eviction timer.
	RoomsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "epicenter_sync",
		Subsystem: "room",
		Name:      "evictions_total",
		Help:      "Total rooms evicted after their idle timeout",
	})

	// Frames counts inbound wire frames by message type and outcome.
	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epicenter_sync",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Total wire frames processed",
	}, []string{"message_type", "status"})

	// FrameHandlingDuration records how long inbound frames take to process.
	FrameHandlingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "epicenter_sync",
		Subsystem: "websocket",
		Name:      "frame_handling_seconds",
		Help:      "Time spent handling inbound wire frames",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
	}, []string{"message_type"})

	// BusPublished counts updates fanned out to the Redis bus.
	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epicenter_sync",
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Total room updates published to the bus",
	}, []string{"status"})

	// CircuitBreakerState exposes the bus breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "epicenter_sync",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts operations refused by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epicenter_sync",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total operations dropped because the circuit breaker was open",
	}, []string{"dependency"})

	// RateLimitExceeded counts connection attempts refused by a rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epicenter_sync",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by a rate limit",
	}, []string{"scope"})
)
