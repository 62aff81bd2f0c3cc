// Package signaling runs the relay's WebSocket surface.
//
// Each upgraded connection gets a supervisor that drives the handshake
// machine, registers the client on its path, relays frames through the
// relay engine and tears the connection down with the right close code.
// Serve wires the supervisor into the HTTP server together with the
// health, readiness, version and metrics endpoints.
package signaling
