// Package network provides the addressing and wire-shape primitives shared by
// the event bus, the bridge and the relay.
// This package implements:
// - NodeID, Metadata and Scope envelope types
// - Payload codec for networked event bodies
// - Backend abstraction with a LocalOnly implementation
package network
