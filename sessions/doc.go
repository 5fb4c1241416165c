// Package sessions owns the set of live MCP sessions for a single process.
//
// A Registry maps opaque session ids to Session records. Each Session owns a
// per-session Transport (the protocol engine) for its whole lifetime and
// releases it exactly once when the session closes.
//
// # Lifecycle
//
//	initializing --Publish--> active --Close--> closed
//	initializing --Discard--> closed
//
// Create reserves a fresh id and builds the transport but does not make the
// session visible. Publish makes it visible to Lookup once the handshake has
// been answered successfully. Discard drops a session whose handshake failed.
// Close is idempotent; closing an unknown or already closed id is a no-op.
//
// # Concurrency
//
// Live sessions are held in a sharded concurrent map, so operations on the
// same id are atomic with respect to each other while operations on
// different ids proceed independently.
package sessions
