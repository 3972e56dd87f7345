// Package wire defines the frames exchanged between relay clients and the
// relay server.
//
// A frame is one kind byte followed by a body. Event frames carry an Arrow
// IPC stream holding one record batch of RawEvents, so a single frame can
// move many events. Control frames (Hello, Welcome, Reject, Notice, Ping,
// Bye) carry CBOR bodies.
//
// Stream transports delimit frames with a 4-byte big-endian length prefix
// (see ReadFrame and WriteFrame); message transports send each frame as one
// message.
package wire
