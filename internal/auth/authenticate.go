package auth

import (
	"context"

	"github.com/pscheid92/livefeed/internal/domain"
	apperrors "github.com/pscheid92/livefeed/internal/errors"
)

// Authenticate verifies token and checks that it was issued to claimedUserID.
// Every failure is an auth_failure structured error wrapping the underlying cause.
func Authenticate(ctx context.Context, verifier domain.TokenVerifier, token, claimedUserID string) (domain.Principal, error) {
	if token == "" {
		return domain.Principal{}, apperrors.AuthFailure("missing token", domain.ErrInvalidToken)
	}

	principal, err := verifier.Verify(ctx, token)
	if err != nil {
		return domain.Principal{}, apperrors.AuthFailure("token rejected", err)
	}

	if principal.UserID != claimedUserID {
		return domain.Principal{}, apperrors.AuthFailure("token does not belong to claimed user", domain.ErrPrincipalMismatch).
			WithContext("claimed_user_id", claimedUserID)
	}

	return principal, nil
}
