// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

package mav

import (
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/sirupsen/logrus"
)

// A Transport moves raw frame bytes between this process and its peers.
//
// Send must be safe for concurrent use by multiple goroutines. Recv is
// called only by the runtime's receiver thread, blocks until bytes or an
// error are available, and must fail permanently once the transport is
// closed. How a PeerIdentity is derived is up to the transport: server-style
// transports may yield many distinct peers, client-style transports exactly
// one.
type Transport interface {
	// Send writes one encoded frame addressed to the given peer.
	Send(frame []byte, to PeerIdentity) error

	// Recv blocks for the next chunk of inbound bytes and the identity of
	// the sender. A chunk may contain more than one frame.
	Recv() (chunk []byte, from PeerIdentity, err error)

	// Close releases the transport, causing pending Recv calls to fail.
	Close() error
}

// SinglePeer is an optional interface for client-style transports that talk
// to exactly one fixed peer. The runtime creates the peer's connection
// eagerly at Start instead of waiting for the first inbound frame.
type SinglePeer interface {
	Peer() PeerIdentity
}

// Options configure a NetworkRuntime. The zero value is usable.
type Options struct {
	// SystemID and ComponentID identify this endpoint in outgoing frame
	// headers. Both default to 97, matching the reference client library.
	SystemID    uint8
	ComponentID uint8

	// Heartbeat, if set, is sent to every known connection at the heartbeat
	// period. Without it the runtime only eavesdrops.
	Heartbeat *Message

	// HeartbeatPeriod defaults to one second.
	HeartbeatPeriod time.Duration

	// Sign, if set, is used to append a signature trailer to every outgoing
	// frame.
	Sign SignFunc

	// Logger receives runtime activity. Defaults to the standard logger.
	Logger *logrus.Logger
}

// A NetworkRuntime owns one transport and drives all background work of the
// client: a receiver loop that decodes inbound bytes and demultiplexes them
// to per-peer connections, and a heartbeat loop that periodically announces
// this endpoint. These are the only goroutines the package spawns per
// runtime.
//
// Call Start to launch the loops, Stop to tear the runtime down, and Wait
// to block until it has exited. Decode failures are logged and skipped;
// transport failures are fatal and wake every blocked receiver with
// ErrRuntimeClosed.
type NetworkRuntime struct {
	set   *MessageSet
	codec Codec
	t     Transport
	log   *logrus.Entry
	opts  Options
	tasks *taskgroup.Group
	stop  chan struct{}

	out struct {
		// Must hold the lock to read or advance the sequence counter.
		sync.Mutex
		seq uint8
	}

	mu           sync.Mutex
	conns        map[PeerIdentity]*Connection
	order        []*Connection // creation order; AwaitConnection returns the oldest
	connWaiters  []chan *Connection
	onConnection func(*Connection)
	heartbeat    *Message
	closed       bool
	err          error
}

// NewRuntime constructs an unstarted runtime for the given message set and
// transport. A nil opts is equivalent to the zero Options.
func NewRuntime(set *MessageSet, t Transport, opts *Options) *NetworkRuntime {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.SystemID == 0 {
		o.SystemID = 97
	}
	if o.ComponentID == 0 {
		o.ComponentID = 97
	}
	if o.HeartbeatPeriod <= 0 {
		o.HeartbeatPeriod = time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return &NetworkRuntime{
		set:       set,
		codec:     Codec{Set: set, Sign: o.Sign},
		t:         t,
		log:       o.Logger.WithField("module", "mav"),
		opts:      o,
		heartbeat: o.Heartbeat,
		conns:     make(map[PeerIdentity]*Connection),
		stop:      make(chan struct{}),
	}
}

// Metrics returns the runtime activity counters. It is safe for the caller
// to add additional metrics to the map while the runtime is active.
func (rt *NetworkRuntime) Metrics() *expvar.Map { return rootMetrics.emap }

// Start launches the receiver and heartbeat loops. Start does not block;
// call Wait to wait for the runtime to exit and report its status.
func (rt *NetworkRuntime) Start() *NetworkRuntime {
	if rt.tasks != nil {
		panic("runtime is already started")
	}
	rt.tasks = taskgroup.New(nil)

	if sp, ok := rt.t.(SinglePeer); ok {
		rt.connection(sp.Peer())
	}

	rt.tasks.Go(rt.recvLoop)
	if rt.opts.Heartbeat != nil {
		rt.tasks.Go(rt.heartbeatLoop)
	}
	rt.log.Debug("runtime started")
	return rt
}

// Stop tears the runtime down: both loops are stopped, the transport is
// released, and every blocked receive is woken with ErrRuntimeClosed. Stop
// blocks until the loops have exited and reports the runtime status.
func (rt *NetworkRuntime) Stop() error {
	rt.fail(nil)
	return rt.Wait()
}

// Wait blocks until the runtime has exited and reports the error that
// caused it to stop. A runtime stopped by Stop or by the transport closing
// reports nil.
func (rt *NetworkRuntime) Wait() error {
	if rt.tasks == nil {
		return nil
	}
	rt.tasks.Wait()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if treatErrorAsSuccess(rt.err) {
		return nil
	}
	return rt.err
}

func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// OnConnection registers a callback invoked by the receiver thread whenever
// a new connection is discovered. For server-style transports this replaces
// polling AwaitConnection. Register before Start to observe the eager
// connection of a single-peer transport.
func (rt *NetworkRuntime) OnConnection(fn func(*Connection)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.onConnection = fn
}

// SetHeartbeat replaces the message sent by the heartbeat loop. It has no
// effect if the runtime was started without a heartbeat.
func (rt *NetworkRuntime) SetHeartbeat(m *Message) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.heartbeat = m
}

// Connections reports the currently known connections in creation order.
func (rt *NetworkRuntime) Connections() []*Connection {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*Connection, len(rt.order))
	copy(out, rt.order)
	return out
}

// AwaitConnection blocks until the runtime knows at least one connection,
// and returns the oldest one. The timeout semantics match Receive: negative
// blocks indefinitely, zero polls.
func (rt *NetworkRuntime) AwaitConnection(timeout time.Duration) (*Connection, error) {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil, ErrRuntimeClosed
	}
	if len(rt.order) > 0 {
		c := rt.order[0]
		rt.mu.Unlock()
		return c, nil
	}
	if timeout == 0 {
		rt.mu.Unlock()
		return nil, fmt.Errorf("%w waiting for a connection", ErrTimeout)
	}
	w := make(chan *Connection, 1)
	rt.connWaiters = append(rt.connWaiters, w)
	rt.mu.Unlock()

	if timeout < 0 {
		c, ok := <-w
		if !ok {
			return nil, ErrRuntimeClosed
		}
		return c, nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c, ok := <-w:
		if !ok {
			return nil, ErrRuntimeClosed
		}
		return c, nil
	case <-t.C:
		return nil, fmt.Errorf("%w waiting for a connection", ErrTimeout)
	}
}

// connection resolves or creates the connection for a peer. New connections
// are announced to waiters and the OnConnection callback.
func (rt *NetworkRuntime) connection(peer PeerIdentity) *Connection {
	rt.mu.Lock()
	if c, ok := rt.conns[peer]; ok {
		rt.mu.Unlock()
		return c
	}
	c := newConnection(rt, peer)
	rt.conns[peer] = c
	rt.order = append(rt.order, c)
	waiters := rt.connWaiters
	rt.connWaiters = nil
	cb := rt.onConnection
	rt.mu.Unlock()

	rootMetrics.connsActive.Add(1)
	rt.log.WithField("peer", peer).Info("new connection")
	for _, w := range waiters {
		w <- c
	}
	if cb != nil {
		cb(c)
	}
	return c
}

// sendTo encodes m under the next sequence number and writes it to the
// transport. The sequence counter and the transport write are serialized
// under the out lock so frames from concurrent senders are not interleaved
// out of order.
func (rt *NetworkRuntime) sendTo(m *Message, to PeerIdentity) error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return ErrRuntimeClosed
	}
	rt.mu.Unlock()

	rt.out.Lock()
	defer rt.out.Unlock()
	hdr := Header{Seq: rt.out.seq, SystemID: rt.opts.SystemID, ComponentID: rt.opts.ComponentID}
	raw, err := rt.codec.Encode(m, hdr)
	if err != nil {
		return err
	}
	rt.out.seq++
	if err := rt.t.Send(raw, to); err != nil {
		return fmt.Errorf("send %s: %w", m.Name(), err)
	}
	rootMetrics.frameSent.Add(1)
	return nil
}

// recvLoop is the receiver thread: it blocks on the transport, decodes
// every frame in each inbound chunk, and demultiplexes to the sender's
// connection. Decode errors are logged and skipped; a transport error ends
// the loop and tears the runtime down.
func (rt *NetworkRuntime) recvLoop() error {
	for {
		chunk, peer, err := rt.t.Recv()
		if err != nil {
			rt.fail(err)
			return nil
		}
		for len(chunk) > 0 {
			m, n, err := rt.codec.Decode(chunk)
			if err != nil {
				rootMetrics.decodeErr.Add(1)
				rt.log.WithField("peer", peer).WithError(err).Warn("dropping undecodable frame")
				if n <= 0 {
					break
				}
				chunk = chunk[n:]
				continue
			}
			chunk = chunk[n:]
			rootMetrics.frameRecv.Add(1)
			rt.connection(peer).dispatch(m)
		}
	}
}

// heartbeatLoop periodically sends the configured heartbeat to every known
// connection. It runs until the runtime is torn down.
func (rt *NetworkRuntime) heartbeatLoop() error {
	t := time.NewTicker(rt.opts.HeartbeatPeriod)
	defer t.Stop()
	for {
		select {
		case <-rt.stop:
			return nil
		case <-t.C:
		}
		rt.mu.Lock()
		hb := rt.heartbeat
		rt.mu.Unlock()
		if hb == nil {
			continue
		}
		for _, c := range rt.Connections() {
			if err := c.Send(hb); err != nil {
				if errors.Is(err, ErrRuntimeClosed) {
					return nil
				}
				rt.log.WithField("peer", c.peer).WithError(err).Warn("heartbeat send failed")
				continue
			}
			rootMetrics.heartbeats.Add(1)
		}
	}
}

// fail records the terminal status, releases the transport, and wakes every
// blocked caller. It is idempotent; the first cause wins.
func (rt *NetworkRuntime) fail(err error) {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return
	}
	rt.closed = true
	rt.err = err
	close(rt.stop)
	waiters := rt.connWaiters
	rt.connWaiters = nil
	conns := make([]*Connection, len(rt.order))
	copy(conns, rt.order)
	rt.mu.Unlock()

	rt.t.Close()
	for _, w := range waiters {
		close(w)
	}
	for _, c := range conns {
		c.shutdown(ErrRuntimeClosed)
	}
	rootMetrics.connsActive.Add(-int64(len(conns)))
	if !treatErrorAsSuccess(err) {
		rt.log.WithError(err).Error("runtime terminated")
	} else {
		rt.log.Debug("runtime stopped")
	}
}
