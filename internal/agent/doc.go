// Package agent manages connections from relay agents.
//
// # Manager
//
// The Manager is the process-local authority on connected agents:
//
//	mgr := agent.NewManager(dir, metrics, logger)
//
// Key operations:
//
//   - Admit(transport, id, credential): register a new connection
//   - Remove(id): drop a connection (idempotent)
//   - Get(ctx, id): local lookup with a directory-backed "connected
//     elsewhere" diagnostic on miss
//   - ListConnected(credential): live local ids for a credential group
//   - Broadcast(senderID, msg): credential-group fan-out minus the sender
//   - HandleIncoming(senderID, msg): the dispatch pipeline
//   - SweepInactive(): periodic removal of dead connections
//
// # Dispatch
//
// Every inbound message takes exactly one of three paths, in order:
//
//  1. "ping" is answered with "pong" directly — never broadcast, never
//     handled.
//  2. A type with registered handlers is dispatched to all of them, in
//     registration order.
//  3. Everything else broadcasts to the sender's credential group.
//
// # Distributed directory
//
// Each admission mirrors ownership records into the shared directory store
// so other instances can detect (not resolve) a cross-instance lookup. The
// mirror is fire-and-forget: local state is authoritative and directory
// failures never fail an admission or removal.
//
// # Thread safety
//
// Manager, Router, and Connection are all safe for concurrent use. The
// Manager holds one coarse RWMutex over the connection and group maps so
// check-then-act sequences (duplicate admission, group-empty deletion) are
// atomic per key.
package agent
