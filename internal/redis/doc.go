// Package redis holds the Redis-backed parts of livefeed.
//
// NewClient returns a go-redis client instrumented with metrics and a circuit breaker hook.
// TokenStore keeps opaque bearer tokens (hashed with BLAKE3) for the redis auth backend.
// Relay carries msgpack-encoded publish requests over Pub/Sub so producers in other
// processes, and every server instance, share one publish path.
package redis
