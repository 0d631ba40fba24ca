package domain

import "errors"

var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrPrincipalMismatch   = errors.New("token does not belong to claimed user")
	ErrTokenRevoked        = errors.New("token has been revoked")
	ErrTokenExpired        = errors.New("token has expired")
	ErrInvalidAction       = errors.New("action must be one of created, updated, deleted")
	ErrEmptyKind           = errors.New("kind is required")
	ErrEmptyTarget         = errors.New("target user is required")
	ErrInvalidPayload      = errors.New("payload must be valid JSON")
	ErrQueueOverflow       = errors.New("dispatch queue is full")
	ErrHubStopped          = errors.New("hub stopped")
	ErrVerifierUnavailable = errors.New("token verifier unavailable")
)
