package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livefeed/internal/domain"
	"github.com/pscheid92/livefeed/internal/metrics"
	"github.com/pscheid92/livefeed/internal/protocol"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
	StateReconnecting State = "reconnecting"
)

var (
	ErrNotConnected        = errors.New("client: not connected")
	ErrReconnectExhausted  = errors.New("client: reconnect attempts exhausted")
	ErrAlreadyConnected    = errors.New("client: already connected or connecting")
	ErrUnexpectedFirstType = errors.New("client: first frame was not connection_established")
	ErrSessionReplaced     = errors.New("client: session replaced by a newer connection")
)

// Controller owns one logical connection. All methods are safe for concurrent use.
// Callbacks run on the controller's goroutines and must not block for long.
type Controller struct {
	cfg   Config
	clock clockwork.Clock

	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	conn       Conn
	generation uint64
	readerDone chan struct{}
	retryTimer clockwork.Timer
	attempts   int
	lastErr    error
	desired    []string
	history    history

	onUpdate      func(domain.Envelope)
	onStateChange func(from, to State)
	onError       func(error)
}

func New(cfg Config) (*Controller, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Controller{
		cfg:           cfg,
		clock:         cfg.Clock,
		state:         StateDisconnected,
		desired:       protocol.NormalizeChannels(cfg.Channels),
		history:       history{limit: cfg.HistoryLimit},
		onUpdate:      cfg.OnUpdate,
		onStateChange: cfg.OnStateChange,
		onError:       cfg.OnError,
	}, nil
}

func (c *Controller) OnUpdate(fn func(domain.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

func (c *Controller) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

func (c *Controller) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that last ended the connection for good, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// History returns received updates, newest first.
func (c *Controller) History() []domain.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.snapshot()
}

// Channels returns the desired subscriptions in first-subscribed order.
func (c *Controller) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.desired...)
}

// Connect dials the server. Dial failures are returned and also start the reconnect schedule.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.lastErr = nil
	notify := c.setStateLocked(StateConnecting)
	gen := c.generation
	c.mu.Unlock()
	notify()

	return c.dial(ctx, gen)
}

// Reconnect resets the attempt counter and connects again, dropping any current connection.
// It is the only way out of the exhausted state.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.Disconnect()

	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()

	return c.Connect(ctx)
}

// Disconnect closes the connection with 1000 and stops reconnecting. It returns once the
// connection's reader has exited.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.stopRetryLocked()
	c.generation++

	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}

	conn, done := c.conn, c.readerDone
	notifyClosing := c.setStateLocked(StateClosing)
	c.conn = nil
	c.mu.Unlock()
	notifyClosing()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	notify := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	notify()
}

// SendMessage writes a raw text frame. It never buffers: while not connected it fails with ErrNotConnected.
func (c *Controller) SendMessage(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, data)
}

// Subscribe adds channels to the desired set and sends a subscribe frame when connected.
// While disconnected the channels are remembered and sent on the next handshake.
func (c *Controller) Subscribe(channels ...string) error {
	channels = protocol.NormalizeChannels(channels)
	if len(channels) == 0 {
		return nil
	}

	c.mu.Lock()
	for _, ch := range channels {
		if !containsChannel(c.desired, ch) {
			c.desired = append(c.desired, ch)
		}
	}
	c.mu.Unlock()

	return c.sendIfConnected(protocol.Subscribe, channels)
}

// Unsubscribe removes channels from the desired set and sends an unsubscribe frame when connected.
func (c *Controller) Unsubscribe(channels ...string) error {
	channels = protocol.NormalizeChannels(channels)
	if len(channels) == 0 {
		return nil
	}

	c.mu.Lock()
	kept := c.desired[:0]
	for _, ch := range c.desired {
		if !containsChannel(channels, ch) {
			kept = append(kept, ch)
		}
	}
	c.desired = kept
	c.mu.Unlock()

	return c.sendIfConnected(protocol.Unsubscribe, channels)
}

// Ping asks the server for a pong.
func (c *Controller) Ping() error {
	frame, err := protocol.Ping()
	if err != nil {
		return err
	}
	return c.SendMessage(frame)
}

func (c *Controller) sendIfConnected(encode func([]string) ([]byte, error), channels []string) error {
	frame, err := encode(channels)
	if err != nil {
		return err
	}
	if err := c.SendMessage(frame); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

func (c *Controller) write(conn Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("client: write failed: %w", err)
	}
	return nil
}

func (c *Controller) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("client: invalid URL: %w", err)
	}
	q := u.Query()
	q.Set("token", c.cfg.Token)
	q.Set("userId", c.cfg.UserID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dial opens a connection for generation gen. A stale generation means Disconnect ran meanwhile.
func (c *Controller) dial(ctx context.Context, gen uint64) error {
	endpoint, err := c.endpoint()
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		notify := c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		notify()
		return err
	}

	conn, err := c.cfg.Dial(ctx, endpoint)
	if err != nil {
		slog.Debug("Dial failed", "user_id", c.cfg.UserID, "error", err)
		c.connectionLost(gen, err)
		return fmt.Errorf("client: dial failed: %w", err)
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	done := make(chan struct{})
	c.conn = conn
	c.readerDone = done
	c.mu.Unlock()

	go c.readLoop(conn, gen, done)
	return nil
}

func (c *Controller) readLoop(conn Conn, gen uint64, done chan struct{}) {
	defer close(done)

	first := true
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(gen, err)
			return
		}

		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			slog.Warn("Ignoring undecodable server frame", "error", err)
			continue
		}

		if first {
			first = false
			if msg.Type != protocol.TypeConnectionEstablished {
				_ = conn.Close()
				c.connectionLost(gen, ErrUnexpectedFirstType)
				return
			}
		}

		c.handleMessage(conn, gen, msg)
	}
}

func (c *Controller) handleMessage(conn Conn, gen uint64, msg protocol.ServerMessage) {
	switch msg.Type {
	case protocol.TypeConnectionEstablished:
		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return
		}
		c.attempts = 0
		c.lastErr = nil
		channels := append([]string(nil), c.desired...)
		notify := c.setStateLocked(StateConnected)
		c.mu.Unlock()
		notify()

		// Resubscribe before the next frame is read so no update for a desired channel is missed.
		if len(channels) > 0 {
			frame, err := protocol.Subscribe(channels)
			if err == nil {
				err = c.write(conn, frame)
			}
			if err != nil {
				slog.Warn("Failed to resubscribe", "channels", channels, "error", err)
			}
		}

	case protocol.TypeUpdate:
		if msg.Data == nil {
			return
		}
		c.mu.Lock()
		c.history.add(*msg.Data)
		fn := c.onUpdate
		c.mu.Unlock()
		if fn != nil {
			fn(*msg.Data)
		}

	case protocol.TypeSubscriptionConfirmed, protocol.TypeUnsubscriptionConfirmed, protocol.TypePong:
		slog.Debug("Server acknowledged", "type", msg.Type, "channels", msg.Channels)

	default:
		slog.Debug("Ignoring unknown server frame", "type", msg.Type)
	}
}

// connectionLost handles a non-clean end of generation gen: schedule a retry or give up.
func (c *Controller) connectionLost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.generation++
	next := c.generation
	c.conn = nil

	// A newer session for the same user took over. Reconnecting would evict it in turn.
	var closeErr *websocket.CloseError
	if errors.As(cause, &closeErr) && closeErr.Code == protocol.CloseReplaced {
		c.giveUpLocked(fmt.Errorf("%w: %w", ErrSessionReplaced, cause))
		slog.Info("Session replaced, not reconnecting", "user_id", c.cfg.UserID)
		return
	}

	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.giveUpLocked(fmt.Errorf("%w: %w", ErrReconnectExhausted, cause))
		metrics.ClientReconnectsExhausted.Inc()
		slog.Warn("Giving up reconnecting", "user_id", c.cfg.UserID, "attempts", c.cfg.MaxReconnectAttempts, "error", cause)
		return
	}

	delay := c.cfg.Backoff.Delay(c.attempts)
	c.attempts++
	attempt := c.attempts
	c.retryTimer = c.clock.AfterFunc(delay, func() { go c.retry(next) })
	notify := c.setStateLocked(StateReconnecting)
	c.mu.Unlock()
	notify()

	metrics.ClientReconnectAttempts.Inc()
	slog.Info("Connection lost, reconnecting", "user_id", c.cfg.UserID, "attempt", attempt, "delay", delay, "error", cause)
}

// giveUpLocked records err, moves to disconnected and reports err to OnError.
// It must be called with mu held and releases it.
func (c *Controller) giveUpLocked(err error) {
	c.lastErr = err
	onError := c.onError
	notify := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	notify()

	if onError != nil {
		onError(err)
	}
}

func (c *Controller) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	notify()

	ctx, cancel := context.WithTimeout(context.Background(), defaultHandshakeTimeout)
	defer cancel()
	_ = c.dial(ctx, gen)
}

func (c *Controller) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// setStateLocked changes the state and returns the notification to run after unlocking.
func (c *Controller) setStateLocked(to State) func() {
	from := c.state
	if from == to {
		return func() {}
	}
	c.state = to
	fn := c.onStateChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(from, to) }
}

func containsChannel(channels []string, ch string) bool {
	for _, c := range channels {
		if c == ch {
			return true
		}
	}
	return false
}
