// Package gateway accepts WebSocket handshakes and bridges them into the hub.
//
// Origin and connection limits are checked before the upgrade; the bearer token is
// verified after it, so a rejected client learns why through close code 4401. An accepted
// connection is registered with the hub and its frames are fed to the hub session until the
// client goes away.
package gateway
