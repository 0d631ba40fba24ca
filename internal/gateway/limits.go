package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livefeed/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	rateLimiterIdle       = 10 * time.Minute
	rateLimiterSweepEvery = 5 * time.Minute
)

// Reasons a handshake is refused before the upgrade.
const (
	LimitReasonGlobal = "global_limit"
	LimitReasonPerIP  = "per_ip_limit"
	LimitReasonRate   = "rate_limit"
	LimitReasonOrigin = "origin"
)

// globalLimiter caps concurrent connections of this instance without locking.
type globalLimiter struct {
	current atomic.Int64
	max     int64
}

func (l *globalLimiter) acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *globalLimiter) release() { l.current.Add(-1) }

// ipLimiter caps concurrent connections per client IP.
type ipLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	maxPer int
}

func (l *ipLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.counts[ip] >= l.maxPer {
		return false
	}
	l.counts[ip]++
	return true
}

func (l *ipLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch n := l.counts[ip]; {
	case n > 1:
		l.counts[ip] = n - 1
	case n == 1:
		delete(l.counts, ip)
	}
}

func (l *ipLimiter) count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[ip]
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// handshakeRate is a token bucket per client IP for new handshakes.
// Buckets idle for rateLimiterIdle are swept lazily.
type handshakeRate struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[string]*rateEntry
	limit   rate.Limit
	burst   int
	sweepAt time.Time
}

func (l *handshakeRate) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.sweepAt) {
		cutoff := now.Add(-rateLimiterIdle)
		for key, e := range l.entries {
			if e.lastSeen.Before(cutoff) {
				delete(l.entries, key)
			}
		}
		l.sweepAt = now.Add(rateLimiterSweepEvery)
	}

	e, ok := l.entries[ip]
	if !ok {
		e = &rateEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *handshakeRate) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Limits combines the global, per-IP and handshake-rate limits checked before an upgrade.
type Limits struct {
	global *globalLimiter
	perIP  *ipLimiter
	rate   *handshakeRate
}

type LimitsConfig struct {
	MaxConnections      int
	MaxConnectionsPerIP int
	RatePerSecond       float64
	RateBurst           int
}

func NewLimits(cfg LimitsConfig, clock clockwork.Clock) *Limits {
	return &Limits{
		global: &globalLimiter{max: int64(cfg.MaxConnections)},
		perIP:  &ipLimiter{counts: make(map[string]int), maxPer: cfg.MaxConnectionsPerIP},
		rate: &handshakeRate{
			clock:   clock,
			entries: make(map[string]*rateEntry),
			limit:   rate.Limit(cfg.RatePerSecond),
			burst:   cfg.RateBurst,
			sweepAt: clock.Now().Add(rateLimiterSweepEvery),
		},
	}
}

// Acquire reserves a slot for ip. On failure it returns the reason and holds nothing.
func (l *Limits) Acquire(ip string) (bool, string) {
	if !l.rate.allow(ip) {
		return false, LimitReasonRate
	}
	if !l.global.acquire() {
		return false, LimitReasonGlobal
	}
	if !l.perIP.acquire(ip) {
		l.global.release()
		return false, LimitReasonPerIP
	}

	metrics.WebSocketConnectionCapacity.Set(l.CapacityPct())
	return true, ""
}

func (l *Limits) Release(ip string) {
	l.perIP.release(ip)
	l.global.release()
	metrics.WebSocketConnectionCapacity.Set(l.CapacityPct())
}

func (l *Limits) Current() int64 { return l.global.current.Load() }

func (l *Limits) CountForIP(ip string) int { return l.perIP.count(ip) }

// CapacityPct is the share of the global limit in use, in percent.
func (l *Limits) CapacityPct() float64 {
	if l.global.max == 0 {
		return 0
	}
	return float64(l.Current()) / float64(l.global.max) * 100
}
