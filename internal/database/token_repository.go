package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livefeed/internal/auth"
	"github.com/pscheid92/livefeed/internal/domain"
	"github.com/pscheid92/livefeed/internal/metrics"
)

// AccessToken is a stored token's metadata. The token itself is never persisted.
type AccessToken struct {
	ID        string
	UserID    string
	Label     string
	CreatedAt time.Time
	ExpiresAt *time.Time
	RevokedAt *time.Time
}

// TokenRepo stores opaque bearer tokens by their BLAKE3 hash.
type TokenRepo struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

var _ domain.TokenVerifier = (*TokenRepo)(nil)

func NewTokenRepo(pool *pgxpool.Pool, clock clockwork.Clock) *TokenRepo {
	return &TokenRepo{pool: pool, clock: clock}
}

// Create stores token for userID and returns its id. A ttl of zero never expires.
func (r *TokenRepo) Create(ctx context.Context, token, userID, label string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", domain.ErrEmptyTarget
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := r.clock.Now().Add(ttl).UTC()
		expiresAt = &t
	}

	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO access_tokens (token_hash, user_id, label, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id::text
	`, auth.HashToken(token), userID, label, expiresAt).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to create access token: %w", err)
	}
	return id, nil
}

// Revoke marks a token id as revoked. Unknown or already revoked ids return ErrInvalidToken.
func (r *TokenRepo) Revoke(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE access_tokens SET revoked_at = $2
		WHERE id::text = $1 AND revoked_at IS NULL
	`, id, r.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidToken
	}
	return nil
}

func (r *TokenRepo) ListByUser(ctx context.Context, userID string) ([]AccessToken, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, user_id, label, created_at, expires_at, revoked_at
		FROM access_tokens
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list access tokens: %w", err)
	}

	tokens, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (AccessToken, error) {
		var t AccessToken
		err := row.Scan(&t.ID, &t.UserID, &t.Label, &t.CreatedAt, &t.ExpiresAt, &t.RevokedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan access tokens: %w", err)
	}
	return tokens, nil
}

// DeleteExpired removes tokens that expired or were revoked before cutoff.
func (r *TokenRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM access_tokens
		WHERE (expires_at IS NOT NULL AND expires_at < $1)
		   OR (revoked_at IS NOT NULL AND revoked_at < $1)
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired access tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *TokenRepo) Verify(ctx context.Context, token string) (domain.Principal, error) {
	if token == "" {
		metrics.TokenVerificationsTotal.WithLabelValues("postgres", "rejected").Inc()
		return domain.Principal{}, domain.ErrInvalidToken
	}

	var p domain.Principal
	var expiresAt, revokedAt *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, user_id, expires_at, revoked_at
		FROM access_tokens
		WHERE token_hash = $1
	`, auth.HashToken(token)).Scan(&p.TokenID, &p.UserID, &expiresAt, &revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.TokenVerificationsTotal.WithLabelValues("postgres", "rejected").Inc()
		return domain.Principal{}, domain.ErrInvalidToken
	}
	if err != nil {
		metrics.TokenVerificationsTotal.WithLabelValues("postgres", "error").Inc()
		return domain.Principal{}, fmt.Errorf("failed to look up access token: %w", err)
	}

	if revokedAt != nil {
		metrics.TokenVerificationsTotal.WithLabelValues("postgres", "rejected").Inc()
		return domain.Principal{}, fmt.Errorf("%w: %w", domain.ErrInvalidToken, domain.ErrTokenRevoked)
	}
	if expiresAt != nil && !r.clock.Now().Before(*expiresAt) {
		metrics.TokenVerificationsTotal.WithLabelValues("postgres", "rejected").Inc()
		return domain.Principal{}, fmt.Errorf("%w: %w", domain.ErrInvalidToken, domain.ErrTokenExpired)
	}

	metrics.TokenVerificationsTotal.WithLabelValues("postgres", "accepted").Inc()
	return p, nil
}
