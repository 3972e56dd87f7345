// Package bridge connects an event bus to a network backend.
//
// A Bridge is the bus's Outbox: networked publishes are stamped with the
// local NodeID, a per-node sequence number and a millisecond timestamp, then
// queued for an outbound worker that encodes and hands them to the backend.
// An inbound worker drains the backend's receive stream into a bus Injector,
// so remote events become readable on the tick after the one they arrived in.
//
// A Service wraps a Bridge with connection management: initial connect with
// bounded exponential backoff and reconnect when a relay session drops.
package bridge
