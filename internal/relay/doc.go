// Package relay implements the core of the Driftchat ephemeral chat relay:
// the device-keyed connection registry, public room membership, private
// pairing table, per-device rate limiting, and the WebSocket session
// handlers that route messages between them.
//
// The implementation is organized into specialized files for configuration,
// the hub and its state tables, sessions, routing, and HTTP handlers to keep
// the codebase maintainable and testable as the project grows.
package relay
