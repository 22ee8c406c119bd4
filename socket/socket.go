// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package socket provides a stream-socket binding of the tether transport
// contract over TCP.
package socket

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/creachadair/tether"
)

// readChunkSize is the size of a single read from the connection while
// reassembling frames.
const readChunkSize = 4096

// Transport implements the [tether.Transport] interface over TCP stream
// sockets. Byte-stream semantics mean frames are delimited by the tether
// wire codec's length prefixes.
//
// The zero value is ready for use and may be shared by any number of
// connectors.
type Transport struct{}

// Listen implements a method of the [tether.Transport] interface.
func (Transport) Listen(port int) (tether.Listener, error) {
	lst, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return listener{Listener: lst}, nil
}

// Dial implements a method of the [tether.Transport] interface. Each call
// makes a single connection attempt bounded by ctx.
func (Transport) Dial(ctx context.Context, host string, port int) (tether.Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return &link{conn: conn}, nil
}

type listener struct{ net.Listener }

// Accept implements a method of the [tether.Listener] interface.
func (l listener) Accept() (tether.Link, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &link{conn: conn}, nil
}

// A link frames messages onto one TCP connection. Recv reassembles frames
// incrementally, so a frame split across arbitrarily many reads decodes
// exactly once, when complete.
type link struct {
	conn net.Conn
	buf  []byte // reassembly buffer, consumed from the front
}

// Send implements a method of the [tether.Link] interface. The encoded
// frame is written in a single call; the connector serializes senders, so
// frames never interleave.
func (l *link) Send(m tether.Message) error {
	_, err := l.conn.Write(m.Encode())
	return err
}

// Recv implements a method of the [tether.Link] interface.
func (l *link) Recv() (tether.Message, error) {
	for {
		m, n, err := tether.Decode(l.buf)
		if err != nil {
			// Framing is unrecoverable without a sync marker: fail the
			// connection rather than scan for a boundary.
			l.conn.Close()
			return tether.Message{}, err
		}
		if n > 0 {
			l.buf = l.buf[n:]
			if len(l.buf) == 0 {
				l.buf = nil
			}
			return m, nil
		}

		var chunk [readChunkSize]byte
		nr, err := l.conn.Read(chunk[:])
		if nr > 0 {
			l.buf = append(l.buf, chunk[:nr]...)
		} else if err != nil {
			return tether.Message{}, err
		}
	}
}

// Close implements a method of the [tether.Link] interface.
func (l *link) Close() error { return l.conn.Close() }
