package client

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livefeed/internal/domain"
	"github.com/pscheid92/livefeed/internal/platform/retry"
)

const (
	DefaultHistoryLimit         = 100
	DefaultMaxReconnectAttempts = 5
	defaultHandshakeTimeout     = 10 * time.Second
)

// Conn is the part of *websocket.Conn the controller uses.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a connection to rawURL.
type DialFunc func(ctx context.Context, rawURL string) (Conn, error)

type Config struct {
	// URL is the server's WebSocket endpoint, e.g. wss://feed.example.com/ws.
	URL    string
	Token  string
	UserID string

	// Channels are subscribed on every handshake.
	Channels []string

	HistoryLimit int
	// MaxReconnectAttempts is the number of retries after a connection is lost. With 5, a
	// drop is followed by at most 5 dials and the controller gives up when the 5th fails.
	// The count resets once a retry connects. It defaults to 5 when zero; a negative value
	// disables reconnecting. A close with code 4409 is never retried.
	MaxReconnectAttempts int
	Backoff              retry.Backoff

	Dial  DialFunc
	Clock clockwork.Clock

	OnUpdate      func(domain.Envelope)
	OnStateChange func(from, to State)
	OnError       func(error)
}

// DefaultBackoff waits 1s, 2s, 4s and so on, capped at 30s, each spread by ±20%.
func DefaultBackoff() retry.Backoff {
	return retry.Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.2}
}

func (c *Config) applyDefaults() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	switch {
	case c.MaxReconnectAttempts == 0:
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	case c.MaxReconnectAttempts < 0:
		c.MaxReconnectAttempts = 0
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = DefaultBackoff()
	}
	if c.Dial == nil {
		c.Dial = dialWebSocket
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

func (c *Config) validate() error {
	if c.URL == "" {
		return errors.New("client: URL is required")
	}
	if c.UserID == "" {
		return errors.New("client: UserID is required")
	}
	return nil
}

func dialWebSocket(ctx context.Context, rawURL string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
