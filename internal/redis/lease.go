package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned by Renew when another instance holds the lease.
var ErrLeaseLost = errors.New("lease held by another instance")

var (
	renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// Lease is a single-holder lock with a TTL, used to run periodic jobs on one instance.
// A crashed holder loses the lease once the TTL runs out.
type Lease struct {
	rdb    *goredis.Client
	key    string
	holder string
	ttl    time.Duration
}

func NewLease(rdb *goredis.Client, name, holder string, ttl time.Duration) *Lease {
	return &Lease{rdb: rdb, key: "livefeed:lease:" + name, holder: holder, ttl: ttl}
}

// TryAcquire takes the lease if it is free or already ours, and extends it.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	err = l.Renew(ctx)
	if errors.Is(err, ErrLeaseLost) {
		return false, nil
	}
	return err == nil, err
}

// Renew extends the TTL if this instance still holds the lease.
func (l *Lease) Renew(ctx context.Context) error {
	renewed, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.holder, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lease %s: %w", l.key, err)
	}
	if renewed == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release gives the lease up. Releasing a lease held by someone else is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.holder).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}
