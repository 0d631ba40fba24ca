package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livefeed/internal/domain"
	"github.com/pscheid92/livefeed/internal/metrics"
	"github.com/pscheid92/livefeed/internal/protocol"
)

const (
	commandTimeout      = 5 * time.Second  // Actor command timeout
	stopTimeout         = 10 * time.Second // Graceful shutdown timeout
	commandChannelSize  = 256
	maxDrainDuration    = 50 * time.Millisecond
	depthReportInterval = 1 * time.Second
)

// connection is one registered transport of a user. Only the hub goroutine reads or writes it.
type connection struct {
	id            uuid.UUID
	userID        string
	subscriptions *subscriptionSet
	writer        *connWriter
	connectedAt   time.Time
}

type userConnections map[uuid.UUID]*connection

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerReply struct {
	session *Session
	err     error
}

type registerCmd struct {
	baseHubCmd
	userID       string
	transport    Transport
	replyChannel chan registerReply
}

type unregisterCmd struct {
	baseHubCmd
	userID       string
	connectionID uuid.UUID
	reason       string
}

type subscribeCmd struct {
	baseHubCmd
	userID       string
	connectionID uuid.UUID
	channels     []string
}

type unsubscribeCmd struct {
	baseHubCmd
	userID       string
	connectionID uuid.UUID
	channels     []string
}

type pingCmd struct {
	baseHubCmd
	userID       string
	connectionID uuid.UUID
}

type directCmd struct {
	baseHubCmd
	envelope domain.Envelope
}

type flushCmd struct {
	baseHubCmd
	done chan struct{}
}

type connectionCountCmd struct {
	baseHubCmd
	userID       string
	replyChannel chan int
}

type subscriptionsCmd struct {
	baseHubCmd
	userID       string
	connectionID uuid.UUID
	replyChannel chan []string
}

type statsCmd struct {
	baseHubCmd
	replyChannel chan Stats
}

type stopCmd struct {
	baseHubCmd
}

// Stats is a point-in-time view of the registry and queue.
type Stats struct {
	Users       int
	Connections int
	QueueDepth  int
}

// Hub owns the connection registry and distributes published envelopes to subscribed connections.
type Hub struct {
	cfg         Config
	cmdCh       chan hubCmd
	clock       clockwork.Clock
	queue       *Queue
	users       map[string]userConnections
	connections int
	done        chan struct{}
	stopOnce    sync.Once
	stopTimeout time.Duration

	stampMu   sync.Mutex
	lastStamp time.Time
}

// New creates a hub and starts its goroutine. Call Stop to release it.
func New(cfg Config, clock clockwork.Clock) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hub config: %w", err)
	}

	h := &Hub{
		cfg:         cfg,
		cmdCh:       make(chan hubCmd, commandChannelSize),
		clock:       clock,
		queue:       NewQueue(cfg.QueueCapacity, cfg.OverflowPolicy),
		users:       make(map[string]userConnections),
		done:        make(chan struct{}),
		stopTimeout: stopTimeout,
	}
	go h.run()
	return h, nil
}

// send delivers cmd to the hub goroutine, failing once the hub has stopped.
func (h *Hub) send(cmd hubCmd) error {
	select {
	case <-h.done:
		return domain.ErrHubStopped
	default:
	}

	select {
	case h.cmdCh <- cmd:
		return nil
	case <-h.done:
		return domain.ErrHubStopped
	}
}

// await waits for a reply with the actor command timeout.
func await[T any](ctx context.Context, h *Hub, replyChannel chan T, name string) (T, error) {
	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	var zero T
	select {
	case v := <-replyChannel:
		return v, nil
	case <-timer.Chan():
		return zero, fmt.Errorf("%s command timed out after %v", name, commandTimeout)
	case <-h.done:
		return zero, domain.ErrHubStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Register adds an authenticated transport for userID and queues connection_established as its first frame.
// Under SingleSession the user's previous connections are closed with 4409.
func (h *Hub) Register(ctx context.Context, userID string, transport Transport) (*Session, error) {
	if userID == "" {
		return nil, domain.ErrEmptyTarget
	}

	replyCh := make(chan registerReply, 1)
	if err := h.send(registerCmd{userID: userID, transport: transport, replyChannel: replyCh}); err != nil {
		return nil, err
	}

	reply, err := await(ctx, h, replyCh, "register")
	if err != nil {
		return nil, err
	}
	return reply.session, reply.err
}

// Flush drains the dispatch queue now instead of waiting for the next tick.
func (h *Hub) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := h.send(flushCmd{done: done}); err != nil {
		return err
	}
	_, err := await(ctx, h, done, "flush")
	return err
}

// ConnectionCount returns the number of live connections of userID.
// Returns -1 if the command times out.
func (h *Hub) ConnectionCount(userID string) int {
	replyCh := make(chan int, 1)
	if err := h.send(connectionCountCmd{userID: userID, replyChannel: replyCh}); err != nil {
		return -1
	}

	count, err := await(context.Background(), h, replyCh, "connection count")
	if err != nil {
		slog.Warn("ConnectionCount failed", "error", err)
		return -1
	}
	return count
}

// Subscriptions returns a connection's channels in first-subscribed order, or nil if it is not registered.
func (h *Hub) Subscriptions(userID string, connectionID uuid.UUID) []string {
	replyCh := make(chan []string, 1)
	if err := h.send(subscriptionsCmd{userID: userID, connectionID: connectionID, replyChannel: replyCh}); err != nil {
		return nil
	}

	channels, err := await(context.Background(), h, replyCh, "subscriptions")
	if err != nil {
		return nil
	}
	return channels
}

func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	replyCh := make(chan Stats, 1)
	if err := h.send(statsCmd{replyChannel: replyCh}); err != nil {
		return Stats{}, err
	}
	return await(ctx, h, replyCh, "stats")
}

// Stop closes every connection with 1001 and blocks until the hub goroutine exits or the stop timeout passes.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		if err := h.send(stopCmd{}); err != nil {
			return
		}

		timeout := h.clock.NewTimer(h.stopTimeout)
		defer timeout.Stop()

		select {
		case <-h.done:
			slog.Info("Hub stopped gracefully")
		case <-timeout.Chan():
			slog.Warn("Hub stop timeout exceeded", "timeout", h.stopTimeout)
			metrics.HubStopTimeoutsTotal.Inc()
		}
	})
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			metrics.HubPanicsTotal.Inc()
			h.closeAll(websocket.CloseInternalServerErr, "internal error")
		}
	}()

	drainTicker := h.clock.NewTicker(h.cfg.DrainInterval)
	defer drainTicker.Stop()

	depthTicker := h.clock.NewTicker(depthReportInterval)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			h.reportDepth()

		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				h.handleRegister(c)
			case unregisterCmd:
				h.handleUnregister(c)
			case subscribeCmd:
				h.handleSubscribe(c)
			case unsubscribeCmd:
				h.handleUnsubscribe(c)
			case pingCmd:
				h.handlePing(c)
			case directCmd:
				h.handleDirect(c)
			case flushCmd:
				h.handleDrain()
				close(c.done)
			case connectionCountCmd:
				c.replyChannel <- len(h.users[c.userID])
			case subscriptionsCmd:
				var channels []string
				if conn := h.lookup(c.userID, c.connectionID); conn != nil {
					channels = conn.subscriptions.list()
				}
				c.replyChannel <- channels
			case statsCmd:
				c.replyChannel <- Stats{Users: len(h.users), Connections: h.connections, QueueDepth: h.queue.Len()}
			case stopCmd:
				h.handleStop()
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}

		case <-drainTicker.Chan():
			h.handleDrain()
		}
	}
}

func (h *Hub) reportDepth() {
	depth := len(h.cmdCh)
	metrics.HubCommandChannelDepth.Set(float64(depth))
	metrics.DispatchQueueDepth.Set(float64(h.queue.Len()))

	if depth > commandChannelSize*4/5 {
		slog.Warn("Command channel near capacity", "depth", depth, "capacity", cap(h.cmdCh))
	}
}

func (h *Hub) lookup(userID string, connectionID uuid.UUID) *connection {
	return h.users[userID][connectionID]
}

func (h *Hub) handleRegister(c registerCmd) {
	conns, exists := h.users[c.userID]
	if exists && h.cfg.SessionPolicy == SingleSession {
		for _, old := range conns {
			slog.Info("Replacing connection", "user_id", c.userID, "connection_id", old.id.String())
			old.writer.stopGraceful(protocol.CloseReplaced, "replaced by newer session")
			h.forget(old, "replaced")
		}
		conns = nil
	}
	if conns == nil {
		conns = make(userConnections)
		h.users[c.userID] = conns
	}

	conn := &connection{
		id:            uuid.New(),
		userID:        c.userID,
		subscriptions: newSubscriptionSet(),
		connectedAt:   h.clock.Now(),
	}
	userID, connectionID := conn.userID, conn.id
	conn.writer = newConnWriter(c.transport, h.clock, h.cfg, func(reason string) {
		_ = h.send(unregisterCmd{userID: userID, connectionID: connectionID, reason: reason})
	})

	greeting, err := protocol.ConnectionEstablished(c.userID, h.clock.Now())
	if err == nil && conn.writer.trySend(greeting) {
		conns[conn.id] = conn
		h.connections++
		h.updateGauges()
		slog.Debug("Connection registered", "user_id", c.userID, "connection_id", conn.id.String(), "user_connections", len(conns))
		c.replyChannel <- registerReply{session: newSession(h, conn)}
		return
	}

	conn.writer.stop()
	if len(conns) == 0 {
		delete(h.users, c.userID)
	}
	if err == nil {
		err = fmt.Errorf("connection writer rejected greeting")
	}
	c.replyChannel <- registerReply{err: err}
}

func (h *Hub) handleUnregister(c unregisterCmd) {
	conn := h.lookup(c.userID, c.connectionID)
	if conn == nil {
		return
	}
	h.remove(conn, c.reason)
}

// remove stops the writer and drops conn from the registry.
func (h *Hub) remove(conn *connection, reason string) {
	conn.writer.stop()
	h.forget(conn, reason)
}

func (h *Hub) forget(conn *connection, reason string) {
	conns := h.users[conn.userID]
	if _, ok := conns[conn.id]; !ok {
		return
	}

	delete(conns, conn.id)
	if len(conns) == 0 {
		delete(h.users, conn.userID)
	}
	h.connections--
	h.updateGauges()

	metrics.HubConnectionsRemoved.WithLabelValues(reason).Inc()
	metrics.WebSocketConnectionDuration.Observe(h.clock.Since(conn.connectedAt).Seconds())
	slog.Debug("Connection removed", "user_id", conn.userID, "connection_id", conn.id.String(), "reason", reason)
}

func (h *Hub) updateGauges() {
	metrics.HubConnectedUsers.Set(float64(len(h.users)))
	metrics.HubConnections.Set(float64(h.connections))
}

func (h *Hub) handleSubscribe(c subscribeCmd) {
	conn := h.lookup(c.userID, c.connectionID)
	if conn == nil {
		return
	}

	conn.subscriptions.add(c.channels)
	reply, err := protocol.SubscriptionConfirmed(conn.subscriptions.list(), h.clock.Now())
	h.reply(conn, reply, err)
}

func (h *Hub) handleUnsubscribe(c unsubscribeCmd) {
	conn := h.lookup(c.userID, c.connectionID)
	if conn == nil {
		return
	}

	conn.subscriptions.remove(c.channels)
	reply, err := protocol.UnsubscriptionConfirmed(conn.subscriptions.list(), h.clock.Now())
	h.reply(conn, reply, err)
}

func (h *Hub) handlePing(c pingCmd) {
	conn := h.lookup(c.userID, c.connectionID)
	if conn == nil {
		return
	}

	reply, err := protocol.Pong(h.clock.Now())
	h.reply(conn, reply, err)
}

func (h *Hub) reply(conn *connection, frame []byte, err error) {
	if err != nil {
		slog.Error("Failed to encode reply", "connection_id", conn.id.String(), "error", err)
		return
	}
	if !conn.writer.trySend(frame) {
		h.remove(conn, "delivery_failed")
	}
}

func (h *Hub) handleDirect(c directCmd) {
	h.deliver(c.envelope, "direct", false)
}

func (h *Hub) handleDrain() {
	batch := h.queue.Drain()
	metrics.DispatchQueueDepth.Set(float64(h.queue.Len()))
	if len(batch) == 0 {
		return
	}

	start := h.clock.Now()
	defer func() {
		duration := h.clock.Since(start)
		metrics.DispatchDrainDuration.Observe(duration.Seconds())
		metrics.DispatchBatchSize.Observe(float64(len(batch)))

		if duration > maxDrainDuration {
			slog.Warn("Drain exceeded budget", "duration", duration, "budget", maxDrainDuration, "batch_size", len(batch))
		}
	}()

	for _, env := range batch {
		h.deliver(env, "queued", true)
	}
}

// deliver hands env to every connection of its target user. With requireSubscription only
// connections subscribed to env.Kind receive it. Connections whose writer refuses the frame
// are removed after the fan-out.
func (h *Hub) deliver(env domain.Envelope, path string, requireSubscription bool) {
	conns := h.users[env.TargetUser]
	if len(conns) == 0 {
		return
	}

	data, err := protocol.Update(env)
	if err != nil {
		slog.Error("Failed to encode update", "envelope_id", env.ID, "error", err)
		metrics.DispatchFailedTotal.Inc()
		return
	}

	var failed []*connection
	for _, conn := range conns {
		if requireSubscription && !conn.subscriptions.has(string(env.Kind)) {
			continue
		}
		if !conn.writer.trySend(data) {
			failed = append(failed, conn)
			continue
		}
		metrics.DispatchDeliveredTotal.WithLabelValues(path).Inc()
	}

	for _, conn := range failed {
		slog.Warn("Dropping connection after failed delivery",
			"user_id", conn.userID,
			"connection_id", conn.id.String(),
			"envelope_id", env.ID,
		)
		metrics.DispatchFailedTotal.Inc()
		h.remove(conn, "delivery_failed")
	}
}

func (h *Hub) handleStop() {
	slog.Info("Hub shutting down", "users", len(h.users), "connections", h.connections)
	h.closeAll(websocket.CloseGoingAway, "server shutting down")
}

// closeAll closes every connection with code and reason and empties the registry.
func (h *Hub) closeAll(code int, reason string) {
	for _, conns := range h.users {
		for _, conn := range conns {
			conn.writer.stopGraceful(code, reason)
			h.forget(conn, "shutdown")
		}
	}
}
