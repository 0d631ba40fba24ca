package hub

import (
	"errors"

	"github.com/google/uuid"
	apperrors "github.com/pscheid92/livefeed/internal/errors"
	"github.com/pscheid92/livefeed/internal/metrics"
	"github.com/pscheid92/livefeed/internal/protocol"
)

// Session is the gateway's handle on one registered connection.
// It is safe to use from the connection's read goroutine.
type Session struct {
	hub    *Hub
	id     uuid.UUID
	userID string
	writer *connWriter
}

func newSession(h *Hub, conn *connection) *Session {
	return &Session{hub: h, id: conn.id, userID: conn.userID, writer: conn.writer}
}

func (s *Session) ID() uuid.UUID  { return s.id }
func (s *Session) UserID() string { return s.userID }

// HandleFrame processes one inbound text frame. Any frame counts as heartbeat activity.
// Malformed and unknown frames return a protocol error and change nothing.
func (s *Session) HandleFrame(data []byte) error {
	s.writer.recordActivity()

	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrMissingType) {
			reason = "missing_type"
		}
		metrics.HubProtocolErrors.WithLabelValues(reason).Inc()
		return apperrors.ProtocolError("invalid frame", err).WithContext("connection_id", s.id.String())
	}

	switch msg.Type {
	case protocol.TypeSubscribe:
		metrics.HubInboundMessages.WithLabelValues(string(msg.Type)).Inc()
		return s.hub.send(subscribeCmd{userID: s.userID, connectionID: s.id, channels: protocol.NormalizeChannels(msg.Channels)})
	case protocol.TypeUnsubscribe:
		metrics.HubInboundMessages.WithLabelValues(string(msg.Type)).Inc()
		return s.hub.send(unsubscribeCmd{userID: s.userID, connectionID: s.id, channels: protocol.NormalizeChannels(msg.Channels)})
	case protocol.TypePing:
		metrics.HubInboundMessages.WithLabelValues(string(msg.Type)).Inc()
		return s.hub.send(pingCmd{userID: s.userID, connectionID: s.id})
	default:
		metrics.HubProtocolErrors.WithLabelValues("unknown_type").Inc()
		return apperrors.ProtocolError("unknown message type", nil).
			WithContext("connection_id", s.id.String()).
			WithContext("type", string(msg.Type))
	}
}

// Close unregisters the connection. Safe to call after the hub already removed it.
func (s *Session) Close(reason string) {
	_ = s.hub.send(unregisterCmd{userID: s.userID, connectionID: s.id, reason: reason})
}
