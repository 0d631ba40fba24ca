// Package hub implements the connection registry and update distribution engine using the actor pattern.
//
// A single goroutine owns the registry (users -> connections -> subscriptions) and processes commands
// sent over a channel, so no registry mutex exists. Producers only touch the dispatch Queue, which is
// swapped out and fanned out to matching connections on every drain tick. Per-connection writer
// goroutines own the transports, send heartbeats and report failed writes back to the hub.
package hub
