// Package server implements the HTTP surface using Echo.
//
// Routes: /ws (gateway), /api/v1/updates (publish for producers in other processes),
// /health/live, /health/ready, /metrics and /version.
package server
