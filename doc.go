// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package tether implements a symmetric bidirectional connector that
// exchanges tagged messages with optional binary payloads between two
// independent processes.
//
// Both peers run identical logic: each binds a listening endpoint and
// concurrently dials the other's, and whichever attempt completes first
// supplies the session's transport handle. This allows either side to be
// started first, in either role, with no coordination beyond knowing each
// other's ports. The connector is intended for point-to-point links such
// as a control board paired with a supervisory host.
//
// # Connecting
//
// Construct a [Connector] over a transport binding and start it:
//
//	c := tether.New(socket.Transport{})
//	if err := c.Connect(20000, 20001, "127.0.0.1"); err != nil {
//	   log.Fatalf("Connect: %v", err)
//	}
//	defer c.Close()
//
// Connect returns as soon as the local listener is bound; establishment
// proceeds in the background and Send and Receive wait (briefly, bounded)
// for it to finish. The peer mirrors the port assignments:
//
//	c := tether.New(socket.Transport{})
//	c.Connect(20001, 20000, "127.0.0.1")
//
// # Messages
//
// A [Message] is a short printable tag plus an optional binary payload.
// Messages are delivered to [Connector.Receive] in exactly the order they
// arrived on the wire; there is no reordering, batching, acknowledgment,
// or retransmission. A nil payload and an empty payload are equivalent on
// the wire.
//
// On byte-stream transports each message is framed as
//
//	[4] tag length (uint32, little-endian)
//	[n] tag (UTF-8)
//	[4] payload length (uint32, little-endian)
//	[n] payload
//
// with no magic number, checksum, or version byte: integrity is the
// transport's responsibility. Message-oriented transports carry the tag
// and payload as separate message parts and need no length prefixes.
//
// # Transports
//
// The [Transport], [Listener], and [Link] interfaces define the primitive
// listen, dial, read, write, and close capabilities the connector builds
// on. Two bindings are provided: package socket frames messages onto TCP
// stream sockets, and package pair carries them over ZeroMQ PAIR sockets.
// Both satisfy the same contract and are selected at construction time.
//
// # Lifecycle and failure
//
// A Connector is good for exactly one session: Idle, then Establishing
// after Connect, then Connected once a link is installed, then Closed.
// Closed is terminal; to reconnect, construct a fresh Connector.
//
// Steady-state I/O failures do not panic or surface in unrelated callers.
// If the link fails, delivery stops, [Connector.IsConnected] reports
// false, [Connector.Err] reports the cause, an [Connector.OnLost]
// callback (if registered) fires once, and Receive reports
// [ErrConnectionLost] after draining any messages that arrived before the
// failure. The connector does not reconnect by itself; that policy is
// deliberately left to the caller.
//
// # Metrics
//
// Each connector maintains its own metrics while running; there is no
// process-global state. Use [Connector.Metrics] to obtain an [expvar.Map]
// with the counters exported by the connector, and [Connector.LogFrames]
// to observe individual messages in either direction.
package tether
