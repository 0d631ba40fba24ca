package auth

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livefeed/internal/domain"
	"github.com/pscheid92/livefeed/internal/metrics"
	"golang.org/x/sync/singleflight"
)

const maxCachedTokens = 10000

type cachedPrincipal struct {
	principal domain.Principal
	expiresAt time.Time
}

// CachedVerifier remembers accepted tokens for a TTL and collapses concurrent lookups of the same token.
// Rejections are never cached, so a revoked token stops working once its entry expires.
type CachedVerifier struct {
	next  domain.TokenVerifier
	clock clockwork.Clock
	ttl   time.Duration
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]cachedPrincipal
}

var _ domain.TokenVerifier = (*CachedVerifier)(nil)

func NewCachedVerifier(next domain.TokenVerifier, clock clockwork.Clock, ttl time.Duration) *CachedVerifier {
	return &CachedVerifier{
		next:    next,
		clock:   clock,
		ttl:     ttl,
		entries: make(map[string]cachedPrincipal),
	}
}

func (v *CachedVerifier) Verify(ctx context.Context, token string) (domain.Principal, error) {
	if p, ok := v.lookup(token); ok {
		metrics.TokenCacheHits.Inc()
		return p, nil
	}
	metrics.TokenCacheMisses.Inc()

	result, err, _ := v.group.Do(token, func() (any, error) {
		p, err := v.next.Verify(ctx, token)
		if err != nil {
			return nil, err
		}
		v.store(token, p)
		return p, nil
	})
	if err != nil {
		return domain.Principal{}, err
	}
	return result.(domain.Principal), nil
}

// Forget drops token from the cache, e.g. after it was revoked.
func (v *CachedVerifier) Forget(token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.entries, token)
}

func (v *CachedVerifier) lookup(token string) (domain.Principal, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.entries[token]
	if !ok {
		return domain.Principal{}, false
	}
	if !v.clock.Now().Before(entry.expiresAt) {
		delete(v.entries, token)
		return domain.Principal{}, false
	}
	return entry.principal, true
}

func (v *CachedVerifier) store(token string, p domain.Principal) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.clock.Now()
	if len(v.entries) >= maxCachedTokens {
		for k, e := range v.entries {
			if !now.Before(e.expiresAt) {
				delete(v.entries, k)
			}
		}
		// Still full: start over rather than grow without bound.
		if len(v.entries) >= maxCachedTokens {
			v.entries = make(map[string]cachedPrincipal)
		}
	}
	v.entries[token] = cachedPrincipal{principal: p, expiresAt: now.Add(v.ttl)}
}
