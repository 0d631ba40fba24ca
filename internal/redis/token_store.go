package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pscheid92/livefeed/internal/auth"
	"github.com/pscheid92/livefeed/internal/domain"
	"github.com/pscheid92/livefeed/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const tokenKeyPrefix = "livefeed:token:"

func tokenKey(token string) string {
	return tokenKeyPrefix + auth.HashToken(token)
}

// TokenStore keeps opaque bearer tokens as hashes under livefeed:token:<blake3 hex>.
// Each hash holds the owning user and a token id; Redis expiry ends the token's life.
type TokenStore struct {
	rdb *goredis.Client
}

var _ domain.TokenVerifier = (*TokenStore)(nil)

func NewTokenStore(rdb *goredis.Client) *TokenStore {
	return &TokenStore{rdb: rdb}
}

// Store registers token for principal. A ttl of zero keeps the token until it is revoked.
func (s *TokenStore) Store(ctx context.Context, token string, principal domain.Principal, ttl time.Duration) error {
	if principal.UserID == "" {
		return domain.ErrEmptyTarget
	}

	key := tokenKey(token)
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, "user_id", principal.UserID, "token_id", principal.TokenID)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// Revoke deletes the token. Revoking an unknown token is not an error.
func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, tokenKey(token)).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

func (s *TokenStore) Verify(ctx context.Context, token string) (domain.Principal, error) {
	if token == "" {
		metrics.TokenVerificationsTotal.WithLabelValues("redis", "rejected").Inc()
		return domain.Principal{}, domain.ErrInvalidToken
	}

	fields, err := s.rdb.HGetAll(ctx, tokenKey(token)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		metrics.TokenVerificationsTotal.WithLabelValues("redis", "error").Inc()
		return domain.Principal{}, fmt.Errorf("failed to look up token: %w", err)
	}

	userID := fields["user_id"]
	if userID == "" {
		metrics.TokenVerificationsTotal.WithLabelValues("redis", "rejected").Inc()
		return domain.Principal{}, domain.ErrInvalidToken
	}

	metrics.TokenVerificationsTotal.WithLabelValues("redis", "accepted").Inc()
	return domain.Principal{UserID: userID, TokenID: fields["token_id"]}, nil
}
