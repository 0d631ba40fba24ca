package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Revocations is a thread-safe set of revoked token IDs.
// Entries are kept until the token would have expired anyway; Cleanup drops them after that.
type Revocations struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewRevocations() *Revocations {
	return &Revocations{entries: make(map[string]time.Time)}
}

// Revoke adds tokenID. tokenExpiresAt is the token's natural expiry.
func (r *Revocations) Revoke(tokenID string, tokenExpiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[tokenID] = tokenExpiresAt
}

func (r *Revocations) IsRevoked(tokenID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[tokenID]
	return ok
}

// Cleanup removes entries whose token expired at or before now and returns how many were removed.
func (r *Revocations) Cleanup(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, expiresAt := range r.entries {
		if !now.Before(expiresAt) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

func (r *Revocations) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (r *Revocations) RunCleanup(ctx context.Context, clock clockwork.Clock, interval time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if removed := r.Cleanup(clock.Now()); removed > 0 {
				slog.Debug("Expired revocations removed", "count", removed, "remaining", r.Len())
			}
		}
	}
}
