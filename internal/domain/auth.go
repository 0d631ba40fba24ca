package domain

import "context"

// Principal is the identity a bearer token resolves to.
type Principal struct {
	UserID  string
	TokenID string
}

// TokenVerifier resolves a bearer token into the principal that owns it.
// Implementations return ErrInvalidToken (possibly wrapped) for tokens that are
// malformed, unknown, expired or revoked.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// TokenVerifierFunc adapts a plain function to TokenVerifier.
type TokenVerifierFunc func(ctx context.Context, token string) (Principal, error)

func (f TokenVerifierFunc) Verify(ctx context.Context, token string) (Principal, error) {
	return f(ctx, token)
}
