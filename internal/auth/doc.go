// Package auth verifies the bearer tokens presented at the WebSocket handshake.
//
// Three backends resolve a token to a domain.Principal: Ed25519-signed CBOR tokens checked
// locally (SignedVerifier), and opaque tokens looked up in Redis or Postgres. Remote lookups
// are wrapped by CachedVerifier (TTL cache plus singleflight) and BreakerVerifier (gobreaker)
// so a slow token store cannot stall every handshake.
package auth
