package domain

import "encoding/json"

// Publisher is the only write path producers have into the distribution engine.
type Publisher interface {
	// Publish enqueues an update for the next drain tick and returns without waiting for delivery.
	Publish(kind Kind, action Action, payload json.RawMessage, targetUser string) (Envelope, error)

	// PublishDirect skips the dispatch queue and delivers to the user's live connections.
	// It is a silent no-op when the user has no connection.
	PublishDirect(targetUser string, kind Kind, action Action, payload json.RawMessage) (Envelope, error)
}
