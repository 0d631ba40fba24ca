package domain

import (
	"encoding/json"
	"time"
)

// Kind is the domain category of an update. It doubles as the channel name
// clients subscribe to. The set is open: producers may introduce new kinds.
type Kind string

const (
	KindMailItem Kind = "mail-item"
	KindChatItem Kind = "chat-item"
	KindAIResult Kind = "ai-result"
)

// KnownKinds lists the kinds the surrounding application currently produces.
var KnownKinds = []Kind{KindMailItem, KindChatItem, KindAIResult}

// IsKnown reports whether k is one of KnownKinds.
func (k Kind) IsKnown() bool {
	for _, known := range KnownKinds {
		if k == known {
			return true
		}
	}
	return false
}

type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Valid reports whether a is one of created, updated or deleted.
func (a Action) Valid() bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionDeleted:
		return true
	default:
		return false
	}
}

// ParseAction converts a wire string into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", ErrInvalidAction
	}
	return a, nil
}

// Envelope is the unit of data flowing from producers to connections.
// Envelopes are passed by value and never modified after the Publish API builds them;
// Payload is copied on construction so the producer's buffer can be reused.
type Envelope struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Action     Action          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	TargetUser string          `json:"targetUser"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewEnvelope validates the producer-supplied fields and builds an envelope.
func NewEnvelope(id string, kind Kind, action Action, payload json.RawMessage, targetUser string, ts time.Time) (Envelope, error) {
	if kind == "" {
		return Envelope{}, ErrEmptyKind
	}
	if !action.Valid() {
		return Envelope{}, ErrInvalidAction
	}
	if targetUser == "" {
		return Envelope{}, ErrEmptyTarget
	}

	var data json.RawMessage
	if len(payload) == 0 {
		data = json.RawMessage("null")
	} else {
		if !json.Valid(payload) {
			return Envelope{}, ErrInvalidPayload
		}
		data = make(json.RawMessage, len(payload))
		copy(data, payload)
	}

	return Envelope{
		ID:         id,
		Kind:       kind,
		Action:     action,
		Payload:    data,
		TargetUser: targetUser,
		Timestamp:  ts.UTC(),
	}, nil
}
