// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
)

// A Link is an established full-duplex message channel to the remote
// peer.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver. Close terminates pending operations with an
// error; after a link is closed, all further operations on it must report
// an error.
type Link interface {
	// Send delivers one message to the peer.
	Send(Message) error

	// Recv returns the next available message from the peer.
	Recv() (Message, error)

	// Close the link, releasing its underlying resources.
	Close() error
}

// A Listener accepts inbound links from the remote peer.
type Listener interface {
	// Accept blocks until an inbound link arrives or the listener closes.
	Accept() (Link, error)

	// Close stops the listener, unblocking any pending Accept. It must be
	// safe to call multiple times.
	Close() error
}

// A Transport supplies the primitive listen and dial capabilities the
// connector builds on. Implementations must tolerate Listen and Dial
// being driven concurrently by the connector's establishment loops.
type Transport interface {
	// Listen binds a listening endpoint on the given local port.
	Listen(port int) (Listener, error)

	// Dial makes one outbound connection attempt to host:port, honoring
	// ctx for cancellation and deadline.
	Dial(ctx context.Context, host string, port int) (Link, error)
}

// State is the lifecycle state of a Connector. Transitions are monotonic:
// Idle, Establishing, Connected, Closed, with Closed terminal.
type State int32

const (
	Idle         State = iota // not yet started
	Establishing              // Connect called, no link installed yet
	Connected                 // a link is installed
	Closed                    // Close called; terminal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Establishing:
		return "ESTABLISHING"
	case Connected:
		return "CONNECTED"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("state %d", int32(s))
	}
}

var (
	// ErrNotConnected is reported by Send and Receive when no link was
	// established within the bounded connect wait. The caller may retry
	// later; establishment continues in the background.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is reported by operations on a connector that has been
	// closed.
	ErrClosed = errors.New("connector is closed")

	// ErrConnectionLost is reported by Receive once an established link
	// has failed and all messages received before the failure have been
	// delivered. It wraps the transport cause when there is one.
	ErrConnectionLost = errors.New("connection lost")
)

// Timing constants for establishment and readiness waits.
const (
	dialTimeout  = 500 * time.Millisecond // per outbound dial attempt
	retryBackoff = 200 * time.Millisecond // between failed dial attempts
	connectWait  = 2 * time.Second        // Send/Receive wait for readiness
)

// A FrameLogger observes a message exchanged with the remote peer.
type FrameLogger func(FrameInfo)

// A FrameInfo combines a message and a flag indicating whether the
// message was sent or received.
type FrameInfo struct {
	Message      // the message being logged
	Sent    bool // whether the message was sent (true) or received (false)
}

func (f FrameInfo) dir() string {
	if f.Sent {
		return "send"
	}
	return "recv"
}

func (f FrameInfo) String() string {
	return fmt.Sprintf("%s %v", f.dir(), f.Message)
}

// A Connector maintains one full-duplex session of tagged messages with a
// single remote peer over a Transport.
//
// Either peer may start first: Connect races an inbound accept against an
// outbound dial with retry, and on each side the first attempt to produce
// a link wins while the loser is discarded unused. Send and Receive are
// independent of each other and safe for concurrent use by multiple
// goroutines.
//
// A Connector is good for one session. After Close, or after the link is
// lost, a fresh Connector must be constructed to reconnect; no state is
// resurrected.
type Connector struct {
	transport Transport

	state atomic.Int32  // State; monotonic
	slot  handleSlot    // winner of the accept/dial race
	ready chan struct{} // closed once a link is installed
	stop  chan struct{} // closed by Close

	out sync.Mutex // serializes frame writes to the link

	queue   *msgQueue
	metrics *linkMetrics

	mu       sync.Mutex
	tasks    *taskgroup.Group
	listener Listener
	lost     bool
	err      error // cause of connection loss, nil if clean or live
	flog     FrameLogger
	onLost   func(error)

	closeOnce sync.Once
}

// New constructs an idle Connector over the given transport. New panics
// if t == nil.
func New(t Transport) *Connector {
	if t == nil {
		panic("transport is nil")
	}
	c := &Connector{
		transport: t,
		ready:     make(chan struct{}),
		stop:      make(chan struct{}),
		queue:     newMsgQueue(),
		metrics:   newLinkMetrics(),
	}
	c.metrics.emap.Set("recv_queue", expvar.Func(func() any { return c.queue.size() }))
	return c
}

// LogFrames registers a callback invoked for each message exchanged with
// the remote peer, in either direction. The callback is invoked
// synchronously with the send or delivery of the message. Passing nil
// disables logging. LogFrames returns c to permit chaining.
func (c *Connector) LogFrames(fn FrameLogger) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flog = fn
	return c
}

// OnLost registers a callback invoked at most once, when an established
// link stops delivering. The callback receives the failure cause, or nil
// when the peer shut the link down cleanly. Passing nil removes the
// callback. OnLost returns c to permit chaining.
func (c *Connector) OnLost(fn func(error)) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = fn
	return c
}

// Metrics returns the metrics map for the connector. It is safe for the
// caller to add additional metrics to the map while the connector is
// active.
func (c *Connector) Metrics() *expvar.Map { return c.metrics.emap }

// Connect binds a listener on listenPort and begins pursuing a link with
// the peer at peerHost:peerPort. If peerHost == "", "127.0.0.1" is used.
//
// Connect returns as soon as the listener is bound and the establishment
// loops are running; it does not wait for the peer. A bind failure is
// reported synchronously and leaves the connector Idle. All later
// failures surface through Err, OnLost, and failing Send or Receive
// calls, never as panics in background goroutines.
func (c *Connector) Connect(listenPort, peerPort int, peerHost string) error {
	if listenPort < 1 || listenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", listenPort)
	}
	if peerPort < 1 || peerPort > 65535 {
		return fmt.Errorf("invalid peer port %d", peerPort)
	}
	if peerHost == "" {
		peerHost = "127.0.0.1"
	}
	if !c.state.CompareAndSwap(int32(Idle), int32(Establishing)) {
		return fmt.Errorf("connect: connector is %v", c.State())
	}

	lst, err := c.transport.Listen(listenPort)
	if err != nil {
		c.state.Store(int32(Idle))
		return fmt.Errorf("listen: %w", err)
	}

	g := taskgroup.New(nil)
	c.mu.Lock()
	c.listener = lst
	c.tasks = g
	c.mu.Unlock()

	g.Go(func() error { c.acceptLoop(lst); return nil })
	g.Go(func() error { c.dialLoop(peerHost, peerPort); return nil })
	return nil
}

// acceptLoop waits for one inbound link. Only one peer is expected, so
// accepting stops after the first arrival.
func (c *Connector) acceptLoop(lst Listener) {
	link, err := lst.Accept()
	if err != nil {
		return // the listener was closed by the race winner or by Close
	}
	if !c.install(link, true) {
		link.Close()
	}
}

// dialLoop repeatedly attempts an outbound connection until one succeeds,
// the race is decided, or the connector closes.
func (c *Connector) dialLoop(host string, port int) {
	for {
		select {
		case <-c.stop:
			return
		case <-c.ready:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		link, err := c.transport.Dial(ctx, host, port)
		cancel()
		c.metrics.dialAttempts.Add(1)
		if err == nil {
			if !c.install(link, false) {
				link.Close()
			}
			return
		}

		select {
		case <-c.stop:
			return
		case <-c.ready:
			return
		case <-time.After(retryBackoff):
		}
	}
}

// install offers link to the race slot. The first call wins: it stops the
// listener, starts the stream reader, marks the connector Connected, and
// releases callers waiting for readiness. install reports whether link
// was installed; the caller owns (and must close) a losing link.
func (c *Connector) install(link Link, inbound bool) bool {
	if !c.slot.Offer(link) {
		return false
	}
	if inbound {
		c.metrics.winsAccept.Add(1)
	} else {
		c.metrics.winsDial.Add(1)
	}

	// If Close won instead, the state stays Closed and Close takes care of
	// releasing the link; the reader below will exit at once.
	c.state.CompareAndSwap(int32(Establishing), int32(Connected))

	c.mu.Lock()
	lst := c.listener
	g := c.tasks
	c.mu.Unlock()
	lst.Close() // only one peer is expected; stop accepting

	g.Go(func() error { c.readLoop(link); return nil })
	close(c.ready)
	return true
}

// readLoop consumes the link until it fails or closes, delivering each
// message to the inbound queue in arrival order.
func (c *Connector) readLoop(link Link) {
	for {
		m, err := link.Recv()
		if err != nil {
			c.fall(err)
			return
		}
		c.metrics.framesReceived.Add(1)
		if fn := c.frameLog(); fn != nil {
			fn(FrameInfo{Message: m, Sent: false})
		}
		if !c.queue.push(m) {
			return // the connector is closing
		}
	}
}

// treatErrorAsSuccess reports whether err is an ordinary end-of-channel
// condition rather than a failure.
func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// fall records the loss of the established link. Delivery stops and
// IsConnected becomes false, but the public state machine does not
// rewind: the connector is broken and must be replaced by the caller.
func (c *Connector) fall(err error) {
	select {
	case <-c.stop:
		return // the connector itself is closing; not a link failure
	default:
	}
	if treatErrorAsSuccess(err) {
		err = nil
	}
	c.mu.Lock()
	if c.lost {
		c.mu.Unlock()
		return
	}
	c.lost = true
	c.err = err
	fn := c.onLost
	c.mu.Unlock()

	c.metrics.linksLost.Add(1)
	if err == nil {
		c.queue.fail(ErrConnectionLost)
	} else {
		c.queue.fail(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	}
	if fn != nil {
		fn(err)
	}
}

// waitReady blocks until the connector is connected, closed, or the
// bounded connect wait elapses.
func (c *Connector) waitReady() error {
	select {
	case <-c.stop:
		return ErrClosed
	default:
	}
	select {
	case <-c.ready:
		return nil
	default:
	}

	t := time.NewTimer(connectWait)
	defer t.Stop()
	select {
	case <-c.ready:
		return nil
	case <-c.stop:
		return ErrClosed
	case <-t.C:
		return ErrNotConnected
	}
}

// Send encodes and writes one message to the peer. If the connector is
// not yet connected, Send first waits a bounded interval for
// establishment to finish and reports ErrNotConnected if it does not.
//
// Concurrent Send calls are serialized at the write boundary, so frames
// from different callers never interleave on the wire. Send does not wait
// for any acknowledgment of delivery.
func (c *Connector) Send(tag string, payload []byte) error {
	if err := c.waitReady(); err != nil {
		return err
	}
	m := Message{Tag: tag, Payload: payload}

	c.out.Lock()
	defer c.out.Unlock()
	if fn := c.frameLog(); fn != nil {
		fn(FrameInfo{Message: m, Sent: true})
	}
	if err := c.slot.Get().Send(m); err != nil {
		c.metrics.sendErrors.Add(1)
		return fmt.Errorf("send %q: %w", tag, err)
	}
	c.metrics.framesSent.Add(1)
	return nil
}

// Receive blocks until a message is available and returns the oldest
// undelivered message; messages are returned in exactly the order they
// arrived on the wire.
//
// Receive reports ErrNotConnected if no link is established within the
// bounded connect wait, ErrClosed once the connector is closed, and
// ErrConnectionLost after a broken link's remaining messages have been
// drained. A Receive blocked on an idle link is released promptly when
// the connector is closed.
func (c *Connector) Receive() (Message, error) {
	if err := c.waitReady(); err != nil {
		return Message{}, err
	}
	return c.queue.pop()
}

// State reports the connector's lifecycle state.
func (c *Connector) State() State { return State(c.state.Load()) }

// IsConnected reports whether a live link exists: a link was established,
// and neither it nor the connector has since failed or been closed.
func (c *Connector) IsConnected() bool {
	if c.State() != Connected {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.lost
}

// Err reports the failure that broke the established link, or nil if the
// link is live, was shut down cleanly by the peer, or never existed.
func (c *Connector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears down the connector: it stops the establishment loops,
// closes the listener and any link, waits for all background tasks to
// exit, and releases any callers blocked in Receive. Close is idempotent,
// never panics, and is safe to call in any lifecycle state, including
// after a partially failed Connect.
func (c *Connector) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closed))
		close(c.stop)

		c.mu.Lock()
		lst := c.listener
		g := c.tasks
		c.mu.Unlock()

		if lst != nil {
			lst.Close()
		}
		// Win the race with a tombstone so no late accept or dial can
		// install a link; if a link already won, close it so the reader
		// unblocks.
		if !c.slot.Offer(nil) {
			if link := c.slot.Get(); link != nil {
				link.Close()
			}
		}
		if g != nil {
			g.Wait()
		}
		c.queue.close(ErrClosed)
	})
	return nil
}

func (c *Connector) frameLog() FrameLogger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flog
}

// A handleSlot is a single-assignment slot for the link that wins the
// establishment race. Exactly one Offer succeeds, no matter how many
// attempts race; every later Offer loses and leaves the slot unchanged.
type handleSlot struct {
	p atomic.Pointer[linkBox]
}

type linkBox struct{ link Link }

// Offer attempts to install link, reporting whether it won. A nil link is
// a tombstone: it decides the race without installing anything.
func (s *handleSlot) Offer(link Link) bool {
	return s.p.CompareAndSwap(nil, &linkBox{link: link})
}

// Get returns the installed link, or nil if the race is undecided or was
// won by a tombstone.
func (s *handleSlot) Get() Link {
	if b := s.p.Load(); b != nil {
		return b.link
	}
	return nil
}
