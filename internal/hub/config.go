package hub

import (
	"fmt"
	"time"
)

// OverflowPolicy decides what happens when Publish hits a full dispatch queue.
type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop-oldest"
	DropNewest OverflowPolicy = "drop-newest"
)

// SessionPolicy decides how concurrent connections of the same user are treated.
type SessionPolicy string

const (
	// MultiSession keeps every connection of a user and fans updates out to all of them.
	MultiSession SessionPolicy = "multi"
	// SingleSession replaces a user's existing connections when a new handshake succeeds.
	SingleSession SessionPolicy = "single"
)

type Config struct {
	DrainInterval      time.Duration
	QueueCapacity      int
	OverflowPolicy     OverflowPolicy
	SessionPolicy      SessionPolicy
	HeartbeatInterval  time.Duration
	HeartbeatMaxMissed int
	WriteBufferSize    int
}

func DefaultConfig() Config {
	return Config{
		DrainInterval:      100 * time.Millisecond,
		QueueCapacity:      10000,
		OverflowPolicy:     DropOldest,
		SessionPolicy:      MultiSession,
		HeartbeatInterval:  30 * time.Second,
		HeartbeatMaxMissed: 2,
		WriteBufferSize:    64,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.DrainInterval <= 0 {
		return fmt.Errorf("drain interval must be positive, got %v", c.DrainInterval)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("queue capacity must not be negative, got %d", c.QueueCapacity)
	}
	switch c.OverflowPolicy {
	case DropOldest, DropNewest:
	default:
		return fmt.Errorf("unknown overflow policy %q", c.OverflowPolicy)
	}
	switch c.SessionPolicy {
	case MultiSession, SingleSession:
	default:
		return fmt.Errorf("unknown session policy %q", c.SessionPolicy)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.HeartbeatMaxMissed < 1 {
		return fmt.Errorf("heartbeat max missed must be at least 1, got %d", c.HeartbeatMaxMissed)
	}
	if c.WriteBufferSize < 1 {
		return fmt.Errorf("write buffer size must be at least 1, got %d", c.WriteBufferSize)
	}
	return nil
}
