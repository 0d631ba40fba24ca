// Package client is the connection controller used by livefeed consumers.
//
// A Controller keeps one WebSocket to the server alive for a user: it re-sends the desired
// subscriptions after every handshake, reconnects with jittered exponential backoff after
// unexpected drops, gives up after a bounded number of attempts, and keeps a capped history of
// received updates (newest first).
package client
