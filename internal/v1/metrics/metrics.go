package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the realtime hub fabric.
//
// Naming convention: namespace_subsystem_name
// - namespace: realtime (application-level grouping)
// - subsystem: ws, hub, voice, call, repo, circuit_breaker, rate_limit
//   (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (connections, groups, calls)
// - Counter: cumulative events (invocations, frames, drops)
// - Histogram: latency distributions (dispatch time)

var (
	// ActiveConnections tracks the current number of live websocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "ws",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// AuthenticatedUsers tracks the current number of users with at least one
	// authenticated connection.
	AuthenticatedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "ws",
		Name:      "users_online",
		Help:      "Current number of users with at least one authenticated connection",
	})

	// ActiveGroups tracks the current number of fan-out groups in the router.
	ActiveGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "hub",
		Name:      "groups_active",
		Help:      "Current number of active fan-out groups",
	})

	// Invocations counts dispatched hub method invocations by method and status.
	Invocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "hub",
		Name:      "invocations_total",
		Help:      "Total hub method invocations processed",
	}, []string{"method", "status"})

	// DispatchDuration tracks the time spent inside hub method handlers.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "realtime",
		Subsystem: "hub",
		Name:      "dispatch_seconds",
		Help:      "Time spent processing hub method invocations",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"method"})

	// EventsSent counts server events pushed to clients by frame class.
	EventsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "ws",
		Name:      "events_sent_total",
		Help:      "Total server events enqueued to clients",
	}, []string{"class"})

	// FramesDropped counts outbound frames dropped under backpressure.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "ws",
		Name:      "frames_dropped_total",
		Help:      "Total outbound frames dropped because a client could not drain",
	}, []string{"class"})

	// VoiceChannelParticipants tracks participants per voice channel.
	VoiceChannelParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "voice",
		Name:      "participants_count",
		Help:      "Number of participants in each voice channel",
	}, []string{"channel_id"})

	// ScreenFramesRelayed counts screen-share frames admitted and fanned out.
	ScreenFramesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "voice",
		Name:      "screen_frames_relayed_total",
		Help:      "Total screen-share frames admitted and relayed",
	})

	// ScreenFramesThrottled counts screen-share frames dropped by the
	// per-sender bandwidth bucket.
	ScreenFramesThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "voice",
		Name:      "screen_frames_throttled_total",
		Help:      "Total screen-share frames dropped by the upload bandwidth ceiling",
	})

	// ActiveCalls tracks the current number of non-terminal 1:1 calls.
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "call",
		Name:      "calls_active",
		Help:      "Current number of non-terminal 1:1 calls",
	})

	// ActiveGroupCalls tracks the current number of live group calls.
	ActiveGroupCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "call",
		Name:      "group_calls_active",
		Help:      "Current number of live group calls",
	})

	// ActiveVoiceRooms tracks the current number of active voice rooms.
	ActiveVoiceRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "voice",
		Name:      "rooms_active",
		Help:      "Current number of active voice rooms",
	})

	// RepositoryOperations counts repository calls by operation and status.
	RepositoryOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "repo",
		Name:      "operations_total",
		Help:      "Total repository operations",
	}, []string{"operation", "status"})

	// CircuitBreakerState tracks the current state of the repository circuit
	// breaker. 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// RateLimitExceeded counts requests rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
