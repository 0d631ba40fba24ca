package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livefeed/internal/domain"
	"github.com/pscheid92/livefeed/internal/platform/retry"
	"github.com/pscheid92/livefeed/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer speaks just enough of the server side of the protocol.
type fakeServer struct {
	srv      *httptest.Server
	dials    atomic.Int32
	reject   atomic.Bool
	conns    chan *websocket.Conn
	received chan protocol.ClientMessage
	query    chan string
	closes   chan int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	fs := &fakeServer{
		conns:    make(chan *websocket.Conn, 16),
		received: make(chan protocol.ClientMessage, 64),
		query:    make(chan string, 16),
		closes:   make(chan int, 16),
	}
	upgrader := websocket.Upgrader{}

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.dials.Add(1)
		if fs.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.query <- r.URL.RawQuery

		hello, _ := protocol.ConnectionEstablished(r.URL.Query().Get("userId"), time.Now())
		_ = conn.WriteMessage(websocket.TextMessage, hello)
		fs.conns <- conn

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					fs.closes <- closeErr.Code
				}
				return
			}
			msg, err := protocol.DecodeClientMessage(data)
			if err != nil {
				continue
			}
			fs.received <- msg
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/ws"
}

func (fs *fakeServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func (fs *fakeServer) nextMessage(t *testing.T) protocol.ClientMessage {
	t.Helper()
	select {
	case msg := <-fs.received:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no client message")
		return protocol.ClientMessage{}
	}
}

func sendUpdate(t *testing.T, conn *websocket.Conn, kind domain.Kind, n int) {
	t.Helper()
	payload, _ := json.Marshal(map[string]int{"n": n})
	env, err := domain.NewEnvelope("u-1", kind, domain.ActionUpdated, payload, "alice", time.Now())
	require.NoError(t, err)
	frame, err := protocol.Update(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func noJitter() retry.Backoff {
	return retry.Backoff{Base: time.Second, Max: 30 * time.Second}
}

func newTestController(t *testing.T, fs *fakeServer, clock clockwork.Clock, mutate func(*Config)) *Controller {
	t.Helper()
	cfg := Config{
		URL:     fs.url(),
		Token:   "tok-alice",
		UserID:  "alice",
		Backoff: noJitter(),
		Clock:   clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 5*time.Second, 5*time.Millisecond,
		"state never became %s (last %s)", want, c.State())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{UserID: "alice"})
	assert.Error(t, err)

	_, err = New(Config{URL: "ws://localhost/ws"})
	assert.Error(t, err)

	c, err := New(Config{URL: "ws://localhost/ws", UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, DefaultHistoryLimit, c.cfg.HistoryLimit)
	assert.Equal(t, DefaultMaxReconnectAttempts, c.cfg.MaxReconnectAttempts)
}

func TestConnect_ReachesConnectedAndSubscribes(t *testing.T) {
	fs := newFakeServer(t)

	var mu sync.Mutex
	var transitions []State
	c := newTestController(t, fs, clockwork.NewFakeClock(), func(cfg *Config) {
		cfg.Channels = []string{"orders", "orders", " prices "}
		cfg.OnStateChange = func(_, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	fs.nextConn(t)
	waitForState(t, c, StateConnected)

	query := <-fs.query
	assert.Contains(t, query, "token=tok-alice")
	assert.Contains(t, query, "userId=alice")

	msg := fs.nextMessage(t)
	assert.Equal(t, protocol.TypeSubscribe, msg.Type)
	assert.Equal(t, []string{"orders", "prices"}, msg.Channels)

	mu.Lock()
	assert.Equal(t, []State{StateConnecting, StateConnected}, transitions)
	mu.Unlock()

	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestController(t, fs, clockwork.NewFakeClock(), nil)

	// Remembered while disconnected.
	require.NoError(t, c.Subscribe("orders"))
	assert.Equal(t, []string{"orders"}, c.Channels())

	require.NoError(t, c.Connect(context.Background()))
	fs.nextConn(t)
	waitForState(t, c, StateConnected)
	assert.Equal(t, []string{"orders"}, fs.nextMessage(t).Channels)

	require.NoError(t, c.Subscribe("prices", "orders"))
	msg := fs.nextMessage(t)
	assert.Equal(t, protocol.TypeSubscribe, msg.Type)
	assert.Equal(t, []string{"prices", "orders"}, msg.Channels)
	assert.Equal(t, []string{"orders", "prices"}, c.Channels())

	require.NoError(t, c.Unsubscribe("orders"))
	msg = fs.nextMessage(t)
	assert.Equal(t, protocol.TypeUnsubscribe, msg.Type)
	assert.Equal(t, []string{"orders"}, msg.Channels)
	assert.Equal(t, []string{"prices"}, c.Channels())
}

func TestHistory_NewestFirstAndCapped(t *testing.T) {
	fs := newFakeServer(t)

	var received atomic.Int32
	c := newTestController(t, fs, clockwork.NewFakeClock(), func(cfg *Config) {
		cfg.HistoryLimit = 3
		cfg.OnUpdate = func(domain.Envelope) { received.Add(1) }
	})

	require.NoError(t, c.Connect(context.Background()))
	conn := fs.nextConn(t)
	waitForState(t, c, StateConnected)

	for i := 1; i <= 5; i++ {
		sendUpdate(t, conn, domain.KindMailItem, i)
	}
	require.Eventually(t, func() bool { return received.Load() == 5 }, 5*time.Second, 5*time.Millisecond)

	hist := c.History()
	require.Len(t, hist, 3)
	for i, want := range []string{`{"n":5}`, `{"n":4}`, `{"n":3}`} {
		assert.JSONEq(t, want, string(hist[i].Payload))
	}
}

func TestSendMessage_NotConnected(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestController(t, fs, clockwork.NewFakeClock(), nil)

	assert.ErrorIs(t, c.SendMessage([]byte(`{"type":"ping"}`)), ErrNotConnected)
	assert.ErrorIs(t, c.Ping(), ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))
	fs.nextConn(t)
	waitForState(t, c, StateConnected)

	require.NoError(t, c.Ping())
	assert.Equal(t, protocol.TypePing, fs.nextMessage(t).Type)
}

func TestReconnect_ResubscribesAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	clock := clockwork.NewFakeClock()
	c := newTestController(t, fs, clock, func(cfg *Config) {
		cfg.Channels = []string{"orders"}
	})

	require.NoError(t, c.Connect(context.Background()))
	first := fs.nextConn(t)
	waitForState(t, c, StateConnected)
	fs.nextMessage(t)

	require.NoError(t, c.Subscribe("prices"))
	fs.nextMessage(t)

	_ = first.Close()
	waitForState(t, c, StateReconnecting)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	second := fs.nextConn(t)
	waitForState(t, c, StateConnected)
	msg := fs.nextMessage(t)
	assert.Equal(t, protocol.TypeSubscribe, msg.Type)
	assert.Equal(t, []string{"orders", "prices"}, msg.Channels)

	sendUpdate(t, second, domain.KindChatItem, 1)
	require.Eventually(t, func() bool { return len(c.History()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), fs.dials.Load())
}

func TestReconnect_ExhaustsAfterMaxAttempts(t *testing.T) {
	fs := newFakeServer(t)
	fs.reject.Store(true)
	clock := clockwork.NewFakeClock()

	errCh := make(chan error, 1)
	c := newTestController(t, fs, clock, func(cfg *Config) {
		cfg.OnError = func(err error) { errCh <- err }
	})

	require.Error(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for range DefaultMaxReconnectAttempts {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Minute)
	}

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrReconnectExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("OnError was not called")
	}

	waitForState(t, c, StateDisconnected)
	assert.ErrorIs(t, c.Err(), ErrReconnectExhausted)
	assert.Equal(t, int32(1+DefaultMaxReconnectAttempts), fs.dials.Load())

	// Manual reconnect resets the counter.
	fs.reject.Store(false)
	require.NoError(t, c.Reconnect(context.Background()))
	fs.nextConn(t)
	waitForState(t, c, StateConnected)
	assert.NoError(t, c.Err())
}

func TestDisconnect_StopsReconnecting(t *testing.T) {
	fs := newFakeServer(t)
	clock := clockwork.NewFakeClock()
	c := newTestController(t, fs, clock, nil)

	require.NoError(t, c.Connect(context.Background()))
	fs.nextConn(t)
	waitForState(t, c, StateConnected)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	select {
	case code := <-fs.closes:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(5 * time.Second):
		t.Fatal("server saw no close frame")
	}

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, int32(1), fs.dials.Load())
}

func TestDisconnect_CancelsPendingRetry(t *testing.T) {
	fs := newFakeServer(t)
	fs.reject.Store(true)
	clock := clockwork.NewFakeClock()
	c := newTestController(t, fs, clock, nil)

	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, StateReconnecting, c.State())

	c.Disconnect()
	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, int32(1), fs.dials.Load())
}

func TestServerClose_TriggersReconnect(t *testing.T) {
	fs := newFakeServer(t)
	clock := clockwork.NewFakeClock()
	c := newTestController(t, fs, clock, nil)

	require.NoError(t, c.Connect(context.Background()))
	conn := fs.nextConn(t)
	waitForState(t, c, StateConnected)

	msg := websocket.FormatCloseMessage(protocol.CloseHeartbeatTimeout, "heartbeat timeout")
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, msg))

	waitForState(t, c, StateReconnecting)
	assert.NoError(t, c.Err())
}

func TestServerClose_ReplacedDoesNotReconnect(t *testing.T) {
	fs := newFakeServer(t)
	clock := clockwork.NewFakeClock()
	errCh := make(chan error, 1)
	c := newTestController(t, fs, clock, func(cfg *Config) {
		cfg.OnError = func(err error) { errCh <- err }
	})

	require.NoError(t, c.Connect(context.Background()))
	conn := fs.nextConn(t)
	waitForState(t, c, StateConnected)

	msg := websocket.FormatCloseMessage(protocol.CloseReplaced, "replaced by newer session")
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, msg))

	waitForState(t, c, StateDisconnected)
	assert.ErrorIs(t, c.Err(), ErrSessionReplaced)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionReplaced)
	case <-time.After(time.Second):
		t.Fatal("OnError was not called")
	}

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return fs.dials.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestHistory_AddKeepsLimit(t *testing.T) {
	h := history{limit: 2}
	h.add(domain.Envelope{Kind: "a"})
	h.add(domain.Envelope{Kind: "b"})
	h.add(domain.Envelope{Kind: "c"})

	snap := h.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, domain.Kind("c"), snap[0].Kind)
	assert.Equal(t, domain.Kind("b"), snap[1].Kind)

	snap[0].Kind = "mutated"
	assert.Equal(t, domain.Kind("c"), h.snapshot()[0].Kind)
}

func TestReconnect_DropThenFiveFailedRetriesExhausts(t *testing.T) {
	fs := newFakeServer(t)
	clock := clockwork.NewFakeClock()
	c := newTestController(t, fs, clock, nil)

	require.NoError(t, c.Connect(context.Background()))
	conn := fs.nextConn(t)
	waitForState(t, c, StateConnected)

	fs.reject.Store(true)
	_ = conn.Close()
	waitForState(t, c, StateReconnecting)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for range DefaultMaxReconnectAttempts {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Minute)
	}

	waitForState(t, c, StateDisconnected)
	assert.ErrorIs(t, c.Err(), ErrReconnectExhausted)
	assert.Equal(t, int32(1+DefaultMaxReconnectAttempts), fs.dials.Load())

	// Nothing further is scheduled.
	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1+DefaultMaxReconnectAttempts), fs.dials.Load())
	assert.ErrorIs(t, c.SendMessage([]byte(`{"type":"ping"}`)), ErrNotConnected)
}
