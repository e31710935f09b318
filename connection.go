// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

package mav

import (
	"fmt"
	"sync"
	"time"
)

// A PeerIdentity is the transport-level address that distinguishes one
// connection from another: an IP address and port, a device path, or
// whatever else the transport derives it from. Two frames carrying the same
// PeerIdentity belong to the same connection regardless of the MAVLink
// system and component IDs inside them.
type PeerIdentity string

func (p PeerIdentity) String() string { return string(p) }

// recvQueueLimit bounds each per-message receive queue. When a queue is
// full the oldest message is dropped, so an unread stream cannot grow
// memory without bound.
const recvQueueLimit = 64

// An Expectation is a pre-registered match criterion for one inbound
// message. Registering the expectation before sending the request closes
// the request/response race: a matching frame processed between Expect and
// Wait is parked in the expectation, not lost.
//
// An expectation is fulfilled at most once, by the first matching frame.
type Expectation struct {
	c      *Connection
	id     uint32
	filter func(*Message) bool
	ch     chan *Message // buffered, capacity 1; closed on shutdown
}

func (e *Expectation) matches(m *Message) bool {
	return m.def.id == e.id && (e.filter == nil || e.filter(m))
}

// Wait blocks until the expectation is fulfilled or the timeout elapses.
// A negative timeout blocks indefinitely, which is a documented caller
// hazard if the peer never answers. A zero timeout reports ErrTimeout
// unless the expectation is already fulfilled. On expiry the expectation is
// retracted, so it cannot be spuriously fulfilled later.
func (e *Expectation) Wait(timeout time.Duration) (*Message, error) {
	if timeout < 0 {
		m, ok := <-e.ch
		if !ok {
			return nil, ErrRuntimeClosed
		}
		return m, nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m, ok := <-e.ch:
		if !ok {
			return nil, ErrRuntimeClosed
		}
		return m, nil
	case <-t.C:
	}

	e.c.retract(e)

	// The receiver thread may have fulfilled the expectation between the
	// timer firing and the retraction. That message wins over the timeout.
	select {
	case m, ok := <-e.ch:
		if !ok {
			return nil, ErrRuntimeClosed
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w waiting for message %d", ErrTimeout, e.id)
	}
}

// A Connection is the per-peer channel of a runtime: a thread-safe send
// path, pending expectations, bounded per-message receive queues, and an
// optional async callback. Connections are created by the runtime when a
// frame from a new PeerIdentity is observed, or at startup for client-style
// transports with a single fixed peer.
//
// All methods are safe for concurrent use by multiple goroutines.
type Connection struct {
	peer PeerIdentity
	rt   *NetworkRuntime

	// mu guards all connection state below. The receiver thread is the sole
	// writer of queues and the sole fulfiller of expectations; application
	// threads register and retract.
	mu       sync.Mutex
	pending  []*Expectation // registration order; first match wins
	queues   map[uint32][]*Message
	callback func(*Message)
	lastSeen time.Time
	closed   error
}

func newConnection(rt *NetworkRuntime, peer PeerIdentity) *Connection {
	return &Connection{
		peer:   peer,
		rt:     rt,
		queues: make(map[uint32][]*Message),
	}
}

// Peer reports the transport-level identity of the remote peer.
func (c *Connection) Peer() PeerIdentity { return c.peer }

// LastSeen reports the arrival time of the most recent frame from the peer.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// String returns a human-friendly rendering of the connection.
func (c *Connection) String() string { return fmt.Sprintf("Connection(%s)", c.peer) }

// Send encodes m and writes it to the transport, addressed to this peer.
// Send may block on transport backpressure; it does not throttle.
func (c *Connection) Send(m *Message) error { return c.rt.sendTo(m, c.peer) }

// OnMessage registers a callback invoked by the receiver thread for every
// decoded message on this connection, independent of expectations and
// queues. The callback must not block for long: it runs on the thread that
// demultiplexes every connection of the runtime. A nil callback removes the
// current one.
func (c *Connection) OnMessage(fn func(*Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = fn
}

// Expect pre-registers a match for the next inbound message with the given
// name. Registration is atomic with respect to the receiver loop: once
// Expect returns, a matching frame cannot be missed even if it arrives
// before Wait is called.
func (c *Connection) Expect(name string) (*Expectation, error) {
	return c.ExpectFunc(name, nil)
}

// ExpectFunc is Expect with an additional filter over the decoded message.
// Messages matching the name but rejected by the filter flow on to the
// receive queues as usual.
func (c *Connection) ExpectFunc(name string, filter func(*Message) bool) (*Expectation, error) {
	id, err := c.rt.set.IDForMessage(name)
	if err != nil {
		return nil, err
	}
	return c.expectID(id, filter)
}

func (c *Connection) expectID(id uint32, filter func(*Message) bool) (*Expectation, error) {
	e := &Expectation{c: c, id: id, filter: filter, ch: make(chan *Message, 1)}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return nil, c.closed
	}
	c.pending = append(c.pending, e)
	rootMetrics.expPending.Add(1)
	return e, nil
}

// Receive blocks until a message with the given name arrives or the timeout
// elapses. A message already parked in the receive queue is returned
// immediately. A negative timeout blocks indefinitely; a zero timeout polls
// the queue only. The timeout semantics otherwise match Expectation.Wait.
func (c *Connection) Receive(name string, timeout time.Duration) (*Message, error) {
	id, err := c.rt.set.IDForMessage(name)
	if err != nil {
		return nil, err
	}
	return c.ReceiveID(id, timeout)
}

// ReceiveID is Receive by numeric message ID.
func (c *Connection) ReceiveID(id uint32, timeout time.Duration) (*Message, error) {
	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return nil, c.closed
	}
	if q := c.queues[id]; len(q) > 0 {
		m := q[0]
		c.queues[id] = q[1:]
		rootMetrics.recvQueued.Add(-1)
		c.mu.Unlock()
		return m, nil
	}
	if timeout == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w waiting for message %d", ErrTimeout, id)
	}

	// Register the expectation under the same lock as the queue check, so
	// no frame can slip between the two.
	e := &Expectation{c: c, id: id, ch: make(chan *Message, 1)}
	c.pending = append(c.pending, e)
	rootMetrics.expPending.Add(1)
	c.mu.Unlock()

	return e.Wait(timeout)
}

// retract removes e from the pending set if it is still registered.
func (c *Connection) retract(e *Expectation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == e {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			rootMetrics.expPending.Add(-1)
			return
		}
	}
}

// dispatch hands an inbound decoded message to the connection. It is called
// only by the runtime's receiver thread. The first pending expectation that
// matches consumes the message; otherwise the message is appended to its
// per-ID receive queue. The async callback, if set, sees every message.
func (c *Connection) dispatch(m *Message) {
	c.mu.Lock()
	c.lastSeen = time.Now()
	cb := c.callback

	var match *Expectation
	for i, e := range c.pending {
		if e.matches(m) {
			match = e
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			rootMetrics.expPending.Add(-1)
			break
		}
	}
	if match == nil {
		q := append(c.queues[m.def.id], m)
		if len(q) > recvQueueLimit {
			q = q[1:]
			rootMetrics.recvDropped.Add(1)
		} else {
			rootMetrics.recvQueued.Add(1)
		}
		c.queues[m.def.id] = q
	}
	c.mu.Unlock()

	if match != nil {
		match.ch <- m // capacity 1, never blocks: an expectation is fulfilled once
		close(match.ch)
	}
	if cb != nil {
		cb(m)
	}
}

// shutdown marks the connection closed and wakes every blocked receiver
// with the shutdown error.
func (c *Connection) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return
	}
	c.closed = err
	for _, e := range c.pending {
		close(e.ch)
		rootMetrics.expPending.Add(-1)
	}
	c.pending = nil
	rootMetrics.recvQueued.Add(-int64(queuedLen(c.queues)))
	c.queues = make(map[uint32][]*Message)
}

func queuedLen(qs map[uint32][]*Message) int {
	var n int
	for _, q := range qs {
		n += len(q)
	}
	return n
}
