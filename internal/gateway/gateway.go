package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/livefeed/internal/auth"
	"github.com/pscheid92/livefeed/internal/domain"
	apperrors "github.com/pscheid92/livefeed/internal/errors"
	"github.com/pscheid92/livefeed/internal/hub"
	"github.com/pscheid92/livefeed/internal/metrics"
	"github.com/pscheid92/livefeed/internal/platform/correlation"
	"github.com/pscheid92/livefeed/internal/protocol"
)

const (
	defaultVerifyTimeout = 5 * time.Second
	defaultReadLimit     = 64 * 1024
	closeWriteTimeout    = time.Second
)

type Config struct {
	AppURL        string
	Development   bool
	VerifyTimeout time.Duration
	ReadLimit     int64
}

// Gateway is the echo handler behind GET /ws.
type Gateway struct {
	hub           *hub.Hub
	verifier      domain.TokenVerifier
	limits        *Limits
	checkOrigin   func(r *http.Request) bool
	upgrader      websocket.Upgrader
	verifyTimeout time.Duration
	readLimit     int64
}

func New(h *hub.Hub, verifier domain.TokenVerifier, limits *Limits, cfg Config) *Gateway {
	g := &Gateway{
		hub:           h,
		verifier:      verifier,
		limits:        limits,
		checkOrigin:   NewCheckOrigin(cfg.AppURL, cfg.Development),
		verifyTimeout: cfg.VerifyTimeout,
		readLimit:     cfg.ReadLimit,
	}
	if g.verifyTimeout <= 0 {
		g.verifyTimeout = defaultVerifyTimeout
	}
	if g.readLimit <= 0 {
		g.readLimit = defaultReadLimit
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Origin is checked in Handle before the limits are touched.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return g
}

// Handle runs one connection from handshake to close.
func (g *Gateway) Handle(c echo.Context) error {
	req := c.Request()
	ip := c.RealIP()

	if !g.checkOrigin(req) {
		metrics.WebSocketConnectionsRejected.WithLabelValues(LimitReasonOrigin).Inc()
		metrics.WebSocketConnectionsTotal.WithLabelValues("rejected").Inc()
		return echo.NewHTTPError(http.StatusForbidden, "origin not allowed")
	}

	if ok, reason := g.limits.Acquire(ip); !ok {
		metrics.WebSocketConnectionsRejected.WithLabelValues(reason).Inc()
		metrics.WebSocketConnectionsTotal.WithLabelValues("rejected").Inc()
		slog.WarnContext(req.Context(), "WebSocket connection rejected", "reason", reason, "ip", ip)
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many connections")
	}
	defer g.limits.Release(ip)

	token := bearerToken(req)
	claimedUserID := req.URL.Query().Get("userId")

	conn, err := g.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		// The upgrader already answered with an HTTP error.
		metrics.WebSocketConnectionsTotal.WithLabelValues("upgrade_failed").Inc()
		slog.DebugContext(req.Context(), "WebSocket upgrade failed", "error", err)
		return nil
	}

	principal, err := g.authenticate(req.Context(), token, claimedUserID)
	if err != nil {
		metrics.WebSocketConnectionsTotal.WithLabelValues("unauthorized").Inc()
		metrics.WebSocketAuthFailures.WithLabelValues(authFailureReason(err)).Inc()
		slog.WarnContext(req.Context(), "WebSocket handshake unauthorized", "claimed_user_id", claimedUserID, "error", err)
		g.closeWith(conn, protocol.CloseUnauthorized, "unauthorized")
		return nil
	}

	session, err := g.hub.Register(req.Context(), principal.UserID, conn)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, domain.ErrHubStopped) {
			code = websocket.CloseGoingAway
		}
		metrics.WebSocketConnectionsTotal.WithLabelValues("register_failed").Inc()
		slog.ErrorContext(req.Context(), "Failed to register connection", "user_id", principal.UserID, "error", err)
		g.closeWith(conn, code, "registration failed")
		return nil
	}

	metrics.WebSocketConnectionsTotal.WithLabelValues("accepted").Inc()
	ctx := correlation.WithConnectionID(req.Context(), session.ID().String())
	slog.InfoContext(ctx, "WebSocket connected", "user_id", principal.UserID, "token_id", principal.TokenID, "ip", ip)

	reason := g.readPump(ctx, conn, session)
	session.Close(reason)

	slog.InfoContext(ctx, "WebSocket disconnected", "user_id", principal.UserID, "reason", reason)
	return nil
}

func (g *Gateway) authenticate(ctx context.Context, token, claimedUserID string) (domain.Principal, error) {
	ctx, cancel := context.WithTimeout(ctx, g.verifyTimeout)
	defer cancel()
	return auth.Authenticate(ctx, g.verifier, token, claimedUserID)
}

// readPump feeds inbound frames to the session until the transport fails and returns the reason.
func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, session *hub.Session) string {
	conn.SetReadLimit(g.readLimit)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "client_closed"
			}
			slog.DebugContext(ctx, "WebSocket read ended", "error", err)
			return "read_error"
		}

		if messageType != websocket.TextMessage {
			metrics.HubProtocolErrors.WithLabelValues("binary_frame").Inc()
			slog.DebugContext(ctx, "Ignoring non-text frame", "message_type", messageType)
			continue
		}

		if err := session.HandleFrame(data); err != nil {
			if errors.Is(err, domain.ErrHubStopped) {
				return "hub_stopped"
			}
			if appErr := apperrors.AsStructuredError(err); appErr != nil {
				slog.WarnContext(ctx, "Ignoring client frame", appErr.LogAttrs()...)
				continue
			}
			slog.WarnContext(ctx, "Failed to handle client frame", "error", err)
		}
	}
}

func (g *Gateway) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); err != nil {
		slog.Debug("Failed to write close frame", "code", code, "error", err)
	}
	_ = conn.Close()
}

// bearerToken reads the token from the query string, falling back to the Authorization header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrPrincipalMismatch):
		return "principal_mismatch"
	case errors.Is(err, domain.ErrTokenExpired):
		return "expired"
	case errors.Is(err, domain.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, domain.ErrVerifierUnavailable):
		return "verifier_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "invalid_token"
	}
}
