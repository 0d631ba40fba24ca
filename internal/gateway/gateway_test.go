package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"
	"github.com/pscheid92/livefeed/internal/domain"
	apperrors "github.com/pscheid92/livefeed/internal/errors"
	"github.com/pscheid92/livefeed/internal/hub"
	"github.com/pscheid92/livefeed/internal/metrics"
	"github.com/pscheid92/livefeed/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTokens = map[string]domain.Principal{
	"tok-alice": {UserID: "alice", TokenID: "t1"},
	"tok-bob":   {UserID: "bob", TokenID: "t2"},
}

var testVerifier = domain.TokenVerifierFunc(func(_ context.Context, token string) (domain.Principal, error) {
	if p, ok := testTokens[token]; ok {
		return p, nil
	}
	return domain.Principal{}, domain.ErrInvalidToken
})

type testEnv struct {
	server *httptest.Server
	hub    *hub.Hub
	limits *Limits
}

func newTestEnv(t *testing.T, limits LimitsConfig) *testEnv {
	t.Helper()

	cfg := hub.DefaultConfig()
	cfg.DrainInterval = 10 * time.Millisecond
	h, err := hub.New(cfg, clockwork.NewRealClock())
	require.NoError(t, err)

	l := NewLimits(limits, clockwork.NewRealClock())
	gw := New(h, testVerifier, l, Config{AppURL: "https://feed.example.com"})

	e := echo.New()
	e.Use(apperrors.Middleware())
	e.GET("/ws", gw.Handle)
	srv := httptest.NewServer(e)

	t.Cleanup(func() {
		h.Stop()
		srv.Close()
	})
	return &testEnv{server: srv, hub: h, limits: l}
}

func defaultLimits() LimitsConfig {
	return LimitsConfig{MaxConnections: 100, MaxConnectionsPerIP: 100, RatePerSecond: 1000, RateBurst: 1000}
}

func (e *testEnv) wsURL(token, userID string) string {
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	q.Set("userId", userID)
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?" + q.Encode()
}

func dial(t *testing.T, rawURL string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(rawURL, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.DecodeServerMessage(data)
	require.NoError(t, err)
	return msg
}

func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr.Code
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func TestHandle_ConnectSubscribeReceive(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	conn := dial(t, env.wsURL("tok-alice", "alice"), nil)

	greeting := readServerMessage(t, conn)
	assert.Equal(t, protocol.TypeConnectionEstablished, greeting.Type)
	assert.Equal(t, "alice", greeting.UserID)

	sendJSON(t, conn, `{"type":"subscribe","channels":["mail-item"," chat-item ",""]}`)
	confirmed := readServerMessage(t, conn)
	assert.Equal(t, protocol.TypeSubscriptionConfirmed, confirmed.Type)
	assert.Equal(t, []string{"mail-item", "chat-item"}, confirmed.Channels)

	_, err := env.hub.Publish(domain.KindMailItem, domain.ActionCreated, []byte(`{"id":1}`), "alice")
	require.NoError(t, err)

	update := readServerMessage(t, conn)
	require.Equal(t, protocol.TypeUpdate, update.Type)
	require.NotNil(t, update.Data)
	assert.Equal(t, domain.KindMailItem, update.Data.Kind)
	assert.JSONEq(t, `{"id":1}`, string(update.Data.Payload))
}

func TestHandle_AuthorizationHeader(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	header := http.Header{"Authorization": []string{"Bearer tok-bob"}}
	conn := dial(t, env.wsURL("", "bob"), header)

	assert.Equal(t, "bob", readServerMessage(t, conn).UserID)
}

func TestHandle_InvalidTokenClosesUnauthorized(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	conn := dial(t, env.wsURL("forged", "alice"), nil)

	assert.Equal(t, protocol.CloseUnauthorized, readCloseCode(t, conn))
	assert.Equal(t, 0, env.hub.ConnectionCount("alice"))
}

func TestHandle_PrincipalMismatchClosesUnauthorized(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	conn := dial(t, env.wsURL("tok-bob", "alice"), nil)

	assert.Equal(t, protocol.CloseUnauthorized, readCloseCode(t, conn))
	assert.Equal(t, 0, env.hub.ConnectionCount("alice"))
	assert.Equal(t, 0, env.hub.ConnectionCount("bob"))
}

func TestHandle_MissingTokenClosesUnauthorized(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	conn := dial(t, env.wsURL("", "alice"), nil)

	assert.Equal(t, protocol.CloseUnauthorized, readCloseCode(t, conn))
}

func TestHandle_RejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	header := http.Header{"Origin": []string{"https://evil.example.com"}}

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("tok-alice", "alice"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, int64(0), env.limits.Current())
}

func TestHandle_PerIPLimit(t *testing.T) {
	limits := defaultLimits()
	limits.MaxConnectionsPerIP = 1
	env := newTestEnv(t, limits)

	first := dial(t, env.wsURL("tok-alice", "alice"), nil)
	readServerMessage(t, first)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("tok-alice", "alice"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHandle_DisconnectReleasesSlotAndUnregisters(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	conn := dial(t, env.wsURL("tok-alice", "alice"), nil)
	readServerMessage(t, conn)
	require.Equal(t, 1, env.hub.ConnectionCount("alice"))

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool {
		return env.hub.ConnectionCount("alice") == 0 && env.limits.Current() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func connectionDurationSamples(t *testing.T) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.WebSocketConnectionDuration.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestHandle_ConnectionDurationObservedOnce(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	before := connectionDurationSamples(t)

	conn := dial(t, env.wsURL("tok-alice", "alice"), nil)
	readServerMessage(t, conn)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool {
		return env.limits.Current() == 0 && connectionDurationSamples(t) == before+1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return connectionDurationSamples(t) > before+1 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestHandle_BadFramesAreIgnored(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	conn := dial(t, env.wsURL("tok-alice", "alice"), nil)
	readServerMessage(t, conn)

	sendJSON(t, conn, `not json`)
	sendJSON(t, conn, `{"type":"dance"}`)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	sendJSON(t, conn, `{"type":"ping"}`)

	assert.Equal(t, protocol.TypePong, readServerMessage(t, conn).Type)
	assert.Equal(t, 1, env.hub.ConnectionCount("alice"))
}

func TestHandle_HubStopClosesGoingAway(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	conn := dial(t, env.wsURL("tok-alice", "alice"), nil)
	readServerMessage(t, conn)

	env.hub.Stop()

	assert.Equal(t, websocket.CloseGoingAway, readCloseCode(t, conn))
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"query", "/ws?token=abc", "", "abc"},
		{"query wins", "/ws?token=abc", "Bearer xyz", "abc"},
		{"header", "/ws", "Bearer xyz", "xyz"},
		{"case insensitive scheme", "/ws", "bearer xyz", "xyz"},
		{"other scheme", "/ws", "Basic xyz", ""},
		{"none", "/ws", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, bearerToken(r))
		})
	}
}

func TestAuthFailureReason(t *testing.T) {
	assert.Equal(t, "principal_mismatch", authFailureReason(apperrors.AuthFailure("x", domain.ErrPrincipalMismatch)))
	assert.Equal(t, "verifier_unavailable", authFailureReason(domain.ErrVerifierUnavailable))
	assert.Equal(t, "invalid_token", authFailureReason(domain.ErrInvalidToken))
}
