package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pscheid92/livefeed/internal/domain"
)

type MessageType string

// Client to server.
const (
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePing        MessageType = "ping"
)

// Server to client.
const (
	TypeConnectionEstablished   MessageType = "connection_established"
	TypeSubscriptionConfirmed   MessageType = "subscription_confirmed"
	TypeUnsubscriptionConfirmed MessageType = "unsubscription_confirmed"
	TypePong                    MessageType = "pong"
	TypeUpdate                  MessageType = "update"
)

// Close codes in the private range (4000-4999) mirror HTTP status semantics.
const (
	CloseUnauthorized     = 4401
	CloseHeartbeatTimeout = 4408
	CloseReplaced         = 4409
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrMissingType = errors.New("message has no type")
)

// ClientMessage is any frame a client sends. Channels is only set for subscribe/unsubscribe.
type ClientMessage struct {
	Type     MessageType `json:"type"`
	Channels []string    `json:"channels,omitempty"`
}

// ServerMessage is the union of all frames a server sends; clients decode into it.
type ServerMessage struct {
	Type      MessageType      `json:"type"`
	UserID    string           `json:"userId,omitempty"`
	Channels  []string         `json:"channels,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
	Data      *domain.Envelope `json:"data,omitempty"`
}

type connectionEstablished struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"userId"`
	Timestamp string      `json:"timestamp"`
}

type channelsConfirmed struct {
	Type      MessageType `json:"type"`
	Channels  []string    `json:"channels"`
	Timestamp string      `json:"timestamp"`
}

type pong struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
}

type update struct {
	Type MessageType     `json:"type"`
	Data domain.Envelope `json:"data"`
}

// FormatTime renders t as an ISO 8601 UTC timestamp.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func ConnectionEstablished(userID string, now time.Time) ([]byte, error) {
	return marshal(connectionEstablished{Type: TypeConnectionEstablished, UserID: userID, Timestamp: FormatTime(now)})
}

func SubscriptionConfirmed(channels []string, now time.Time) ([]byte, error) {
	return marshal(channelsConfirmed{Type: TypeSubscriptionConfirmed, Channels: nonNil(channels), Timestamp: FormatTime(now)})
}

func UnsubscriptionConfirmed(channels []string, now time.Time) ([]byte, error) {
	return marshal(channelsConfirmed{Type: TypeUnsubscriptionConfirmed, Channels: nonNil(channels), Timestamp: FormatTime(now)})
}

func Pong(now time.Time) ([]byte, error) {
	return marshal(pong{Type: TypePong, Timestamp: FormatTime(now)})
}

func Update(env domain.Envelope) ([]byte, error) {
	return marshal(update{Type: TypeUpdate, Data: env})
}

func Subscribe(channels []string) ([]byte, error) {
	return marshal(ClientMessage{Type: TypeSubscribe, Channels: channels})
}

func Unsubscribe(channels []string) ([]byte, error) {
	return marshal(ClientMessage{Type: TypeUnsubscribe, Channels: channels})
}

func Ping() ([]byte, error) {
	return marshal(ClientMessage{Type: TypePing})
}

// DecodeClientMessage parses an inbound frame. Unknown types are returned
// without error so the caller can log them; only unparseable frames fail.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if msg.Type == "" {
		return ClientMessage{}, ErrMissingType
	}
	return msg, nil
}

// DecodeServerMessage parses a frame received by a client.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if msg.Type == "" {
		return ServerMessage{}, ErrMissingType
	}
	return msg, nil
}

// NormalizeChannels trims names, drops empty ones and removes duplicates,
// keeping the first occurrence of each name in place.
func NormalizeChannels(channels []string) []string {
	seen := make(map[string]struct{}, len(channels))
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}

func nonNil(channels []string) []string {
	if channels == nil {
		return []string{}
	}
	return channels
}

func marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}
