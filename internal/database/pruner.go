package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livefeed/internal/metrics"
)

const pruneTimeout = 30 * time.Second

type expiredTokenDeleter interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Locker elects the one instance that prunes. Implemented by *redis.Lease.
type Locker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Pruner periodically deletes access tokens that expired or were revoked longer than
// retention ago. With a nil Locker every instance prunes.
type Pruner struct {
	tokens    expiredTokenDeleter
	locker    Locker
	clock     clockwork.Clock
	interval  time.Duration
	retention time.Duration
}

func NewPruner(tokens expiredTokenDeleter, locker Locker, clock clockwork.Clock, interval, retention time.Duration) *Pruner {
	return &Pruner{tokens: tokens, locker: locker, clock: clock, interval: interval, retention: retention}
}

// Run prunes once per interval until ctx is done, then releases the lock.
func (p *Pruner) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("Token pruner started", "interval", p.interval, "retention", p.retention)
	for {
		select {
		case <-ctx.Done():
			if p.locker != nil {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := p.locker.Release(releaseCtx); err != nil {
					slog.Warn("Failed to release pruner lock", "error", err)
				}
				cancel()
			}
			return
		case <-ticker.Chan():
			p.PruneOnce(ctx)
		}
	}
}

// PruneOnce runs one pass if this instance holds the lock and reports how many tokens it deleted.
func (p *Pruner) PruneOnce(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, pruneTimeout)
	defer cancel()

	if p.locker != nil {
		leader, err := p.locker.TryAcquire(ctx)
		if err != nil {
			slog.Error("Pruner lock error", "error", err)
			return 0
		}
		if !leader {
			slog.Debug("Another instance is pruning")
			return 0
		}
	}

	deleted, err := p.tokens.DeleteExpired(ctx, p.clock.Now().Add(-p.retention))
	if err != nil {
		slog.Error("Token prune failed", "error", err)
		return 0
	}

	metrics.TokensPrunedTotal.Add(float64(deleted))
	if deleted > 0 {
		slog.Info("Pruned access tokens", "count", deleted)
	}
	return deleted
}
