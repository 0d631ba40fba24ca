package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Redis Operations Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Database Metrics
var (
	// DBQueryDuration tracks query latency by statement verb
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"query"},
	)

	// DBErrorsTotal counts failed queries by statement verb
	DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_errors_total",
			Help: "Database query errors by statement verb",
		},
		[]string{"query"},
	)
)

// Hub Metrics
var (
	// HubConnectedUsers tracks number of users with at least one live connection
	HubConnectedUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_connected_users",
			Help: "Number of users with at least one registered connection",
		},
	)

	// HubConnections tracks number of registered connections
	HubConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_connections",
			Help: "Number of connections in the registry",
		},
	)

	// HubConnectionsRemoved counts registry removals by reason
	HubConnectionsRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_connections_removed_total",
			Help: "Connections removed from the registry by reason",
		},
		[]string{"reason"},
	)

	// HubInboundMessages counts inbound client frames by type
	HubInboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_inbound_messages_total",
			Help: "Inbound client messages by type",
		},
		[]string{"type"},
	)

	// HubProtocolErrors counts malformed or unknown inbound frames
	HubProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_protocol_errors_total",
			Help: "Inbound frames that were malformed or of unknown type",
		},
		[]string{"reason"},
	)

	// HubCommandChannelDepth tracks current command channel depth
	HubCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_command_channel_depth",
			Help: "Current hub command channel depth",
		},
	)

	// HubPanicsTotal tracks hub panic recoveries
	HubPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_panics_total",
			Help: "Total hub panic recoveries",
		},
	)

	// HubStopTimeoutsTotal tracks hub stops that exceeded timeout
	HubStopTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_stop_timeouts_total",
			Help: "Hub stops that exceeded timeout",
		},
	)
)

// Dispatch Metrics
var (
	// DispatchQueueDepth tracks envelopes waiting for the next drain tick
	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Envelopes waiting for the next drain tick",
		},
	)

	// DispatchEnqueuedTotal counts envelopes accepted by Publish
	DispatchEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_enqueued_total",
			Help: "Envelopes accepted by the publish API by kind",
		},
		[]string{"kind"},
	)

	// DispatchDroppedTotal counts envelopes dropped on queue overflow
	DispatchDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_dropped_total",
			Help: "Envelopes dropped because the dispatch queue was full, by overflow policy",
		},
		[]string{"policy"},
	)

	// DispatchDeliveredTotal counts update frames handed to connection writers
	DispatchDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_delivered_total",
			Help: "Update frames handed to connection writers by path (queued/direct)",
		},
		[]string{"path"},
	)

	// DispatchFailedTotal counts deliveries that failed and evicted the connection
	DispatchFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_failed_total",
			Help: "Deliveries that failed and caused connection removal",
		},
	)

	// DispatchDrainDuration tracks the time spent fanning out one drained batch
	DispatchDrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_drain_duration_seconds",
			Help:    "Time spent fanning out one drained batch",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		},
	)

	// DispatchBatchSize tracks the number of envelopes per drained batch
	DispatchBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_batch_size",
			Help:    "Envelopes per drained batch",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)
)

// WebSocket Connection Metrics
var (
	// WebSocketConnectionsTotal tracks total WebSocket connection attempts by result
	WebSocketConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Total WebSocket connection attempts by result",
		},
		[]string{"result"},
	)

	// WebSocketMessageSendDuration tracks time to send a message to a client
	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "Time to send a message to a WebSocket client",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	// WebSocketConnectionDuration tracks how long connections stay open
	WebSocketConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_connection_duration_seconds",
			Help:    "Duration of WebSocket connections",
			Buckets: []float64{1, 10, 60, 300, 1800, 3600, 7200},
		},
	)

	// WebSocketPingFailures tracks heartbeat ping write failures
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total heartbeat ping write failures",
		},
	)

	// WebSocketHeartbeatEvictions tracks connections evicted for missing heartbeats
	WebSocketHeartbeatEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_heartbeat_evictions_total",
			Help: "Connections evicted after missing consecutive heartbeats",
		},
	)

	// WebSocketConnectionsRejected tracks connections rejected before upgrade by reason
	WebSocketConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Connections rejected due to limits or origin by reason",
		},
		[]string{"reason"},
	)

	// WebSocketAuthFailures tracks handshakes closed as unauthorized by reason
	WebSocketAuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_auth_failures_total",
			Help: "Handshakes closed as unauthorized by reason",
		},
		[]string{"reason"},
	)

	// WebSocketConnectionCapacity tracks current capacity utilization percentage
	WebSocketConnectionCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connection_capacity_percent",
			Help: "Current connection capacity utilization percentage",
		},
	)
)

// Token Verification Metrics
var (
	// TokenVerificationsTotal counts verifications by backend and result
	TokenVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_verifications_total",
			Help: "Token verifications by backend and result",
		},
		[]string{"backend", "result"},
	)

	// TokenCacheHits counts verifier cache hits
	TokenCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "token_cache_hits_total",
			Help: "Verifier cache hits",
		},
	)

	// TokenCacheMisses counts verifier cache misses
	TokenCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "token_cache_misses_total",
			Help: "Verifier cache misses",
		},
	)

	// TokensPrunedTotal counts expired or revoked access tokens deleted by the pruner
	TokensPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokens_pruned_total",
			Help: "Expired or revoked access tokens deleted",
		},
	)
)

// Relay Metrics
var (
	// RelayFramesReceived tracks relay frames read from Redis Pub/Sub by result
	RelayFramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_received_total",
			Help: "Relay frames received from Redis Pub/Sub by result",
		},
		[]string{"result"},
	)

	// RelayFramesPublished tracks relay frames written to Redis Pub/Sub
	RelayFramesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_published_total",
			Help: "Relay frames published to Redis Pub/Sub by status",
		},
		[]string{"status"},
	)
)

// Client Controller Metrics
var (
	// ClientReconnectAttempts counts scheduled reconnect attempts
	ClientReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "client_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled by client controllers in this process",
		},
	)

	// ClientReconnectsExhausted counts controllers that gave up reconnecting
	ClientReconnectsExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "client_reconnects_exhausted_total",
			Help: "Client controllers that exhausted their reconnect attempts",
		},
	)
)

// Application Info Metrics
var (
	// BuildInfo exposes build information as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)
