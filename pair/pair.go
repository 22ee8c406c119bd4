// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package pair provides a paired-channel binding of the tether transport
// contract over ZeroMQ PAIR sockets.
//
// Each side binds one PAIR socket on its listen port (its receive side)
// and connects another to the peer's port (its send side), so both peers
// run identical logic. Framing is native: each message travels as a
// two-part ZeroMQ message whose first part is the tag and whose second
// part is the payload, with no length prefixes. Delivery is event-driven
// inside the messaging library; Recv parks on its delivery queue rather
// than polling a byte stream.
package pair

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/creachadair/tether"
)

// A Transport implements the [tether.Transport] interface over ZeroMQ
// PAIR sockets.
//
// A Transport is good for a single connector session: Listen binds the
// session's receive socket, and the first successful Dial claims it into
// the resulting link. Construct a fresh Transport (and Connector) for
// each session.
type Transport struct {
	mu     sync.Mutex
	recv   zmq4.Socket // bound receive socket, nil until Listen
	handed bool        // whether a link has claimed recv
}

// New constructs a fresh paired-channel transport.
func New() *Transport { return new(Transport) }

// Listen implements a method of the [tether.Transport] interface. It
// binds the session's receive socket on the given port.
//
// The returned listener never yields an inbound link: peer connection
// management is the messaging library's job, so establishment always
// completes through Dial. Accept simply blocks until the listener is
// closed.
func (t *Transport) Listen(port int) (tether.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recv != nil {
		return nil, errors.New("pair: transport is already listening")
	}
	sock := zmq4.NewPair(context.Background())
	if err := sock.Listen(fmt.Sprintf("tcp://*:%d", port)); err != nil {
		sock.Close()
		return nil, err
	}
	t.recv = sock
	return &listener{t: t, done: make(chan struct{})}, nil
}

// Dial implements a method of the [tether.Transport] interface. A
// successful dial pairs the new send socket with the bound receive socket
// into one link.
func (t *Transport) Dial(ctx context.Context, host string, port int) (tether.Link, error) {
	t.mu.Lock()
	recv := t.recv
	t.mu.Unlock()
	if recv == nil {
		return nil, errors.New("pair: transport is not listening")
	}

	opts := []zmq4.Option{zmq4.WithDialerMaxRetries(0)}
	if dl, ok := ctx.Deadline(); ok {
		opts = append(opts, zmq4.WithDialerTimeout(time.Until(dl)))
	}
	send := zmq4.NewPair(context.Background(), opts...)
	if err := send.Dial(fmt.Sprintf("tcp://%s:%d", host, port)); err != nil {
		send.Close()
		return nil, err
	}

	t.mu.Lock()
	t.handed = true
	t.mu.Unlock()
	return &link{send: send, recv: recv}, nil
}

// release closes the bound receive socket unless a link has claimed it.
func (t *Transport) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.handed && t.recv != nil {
		t.recv.Close()
	}
}

type listener struct {
	t    *Transport
	done chan struct{}
	once sync.Once
}

// Accept implements a method of the [tether.Listener] interface. It
// blocks until the listener is closed and reports net.ErrClosed.
func (l *listener) Accept() (tether.Link, error) {
	<-l.done
	return nil, net.ErrClosed
}

// Close implements a method of the [tether.Listener] interface.
func (l *listener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.t.release()
	})
	return nil
}

// A link is one established socket pair: send dialed outbound, recv bound
// locally.
type link struct {
	send zmq4.Socket
	recv zmq4.Socket
}

// Send implements a method of the [tether.Link] interface.
func (l *link) Send(m tether.Message) error {
	payload := m.Payload
	if payload == nil {
		payload = []byte{}
	}
	return l.send.Send(zmq4.NewMsgFrom([]byte(m.Tag), payload))
}

// Recv implements a method of the [tether.Link] interface.
func (l *link) Recv() (tether.Message, error) {
	msg, err := l.recv.Recv()
	if err != nil {
		return tether.Message{}, err
	}
	if len(msg.Frames) == 0 {
		return tether.Message{}, errors.New("pair: message has no tag part")
	}
	m := tether.Message{Tag: string(msg.Frames[0])}
	if len(msg.Frames) > 1 && len(msg.Frames[1]) > 0 {
		m.Payload = msg.Frames[1]
	}
	return m, nil
}

// Close implements a method of the [tether.Link] interface.
func (l *link) Close() error {
	serr := l.send.Close()
	rerr := l.recv.Close()
	if serr != nil {
		return serr
	}
	return rerr
}
