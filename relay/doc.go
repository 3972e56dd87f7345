// Package relay implements the routing server that connects eventnet nodes
// and the CentralRelay backend nodes use to reach it.
//
// The server keeps one Registered session per NodeID and routes event
// batches by scope: broadcast to every other session, targeted to one
// session, to-server into a local handling point. It never looks inside
// payloads.
//
// Session lifecycle on the server:
//
//	Connecting -> Handshaking -> Registered -> Closing -> Removed
//
// A session reaches Registered only after a valid Hello frame. A second
// session with the same NodeID replaces the first.
package relay
