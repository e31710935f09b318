// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/parafoil-dev/mav"
)

// A Hub connects in-memory endpoints that pass frames directly without any
// real I/O. Frames sent by one endpoint are received by the addressed
// endpoint with the sender's identity attached, which makes the hub a
// convenient stand-in for a datagram network in tests.
type Hub struct {
	mu   sync.Mutex
	ends map[mav.PeerIdentity]*Endpoint
}

// NewHub constructs a new, empty hub.
func NewHub() *Hub { return &Hub{ends: make(map[mav.PeerIdentity]*Endpoint)} }

// Endpoint creates and attaches an endpoint with the given identity. It
// panics if the identity is already attached.
func (h *Hub) Endpoint(name string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := mav.PeerIdentity(name)
	if _, ok := h.ends[id]; ok {
		panic(fmt.Sprintf("endpoint %q already attached", name))
	}
	e := &Endpoint{
		hub:     h,
		id:      id,
		inbound: make(chan tcpInbound, 64),
		done:    make(chan struct{}),
	}
	h.ends[id] = e
	return e
}

// Client creates an endpoint bound to a single fixed remote, mimicking a
// client-style transport. The returned endpoint implements
// [mav.SinglePeer].
func (h *Hub) Client(name, remote string) *ClientEndpoint {
	return &ClientEndpoint{Endpoint: h.Endpoint(name), remote: mav.PeerIdentity(remote)}
}

func (h *Hub) lookup(id mav.PeerIdentity) (*Endpoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.ends[id]
	return e, ok
}

func (h *Hub) detach(id mav.PeerIdentity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.ends, id)
}

// An Endpoint is one in-memory attachment point of a [Hub]. It implements
// the [mav.Transport] interface.
type Endpoint struct {
	hub     *Hub
	id      mav.PeerIdentity
	inbound chan tcpInbound
	done    chan struct{}

	closeOnce sync.Once
}

// ID reports the identity under which the endpoint is attached.
func (e *Endpoint) ID() mav.PeerIdentity { return e.id }

// Send implements a method of the [mav.Transport] interface. The frame is
// delivered to the addressed endpoint's receive queue; sending to a
// detached identity reports ErrUnknownPeer.
func (e *Endpoint) Send(frame []byte, to mav.PeerIdentity) error {
	dst, ok := e.hub.lookup(to)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownPeer, to)
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case dst.inbound <- tcpInbound{frame: cp, from: e.id}:
		return nil
	case <-dst.done:
		return net.ErrClosed
	case <-e.done:
		return net.ErrClosed
	}
}

// Recv implements a method of the [mav.Transport] interface.
func (e *Endpoint) Recv() ([]byte, mav.PeerIdentity, error) {
	select {
	case in := <-e.inbound:
		return in.frame, in.from, nil
	case <-e.done:
		return nil, "", net.ErrClosed
	}
}

// Close implements a method of the [mav.Transport] interface.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.hub.detach(e.id)
		close(e.done)
	})
	return nil
}

// A ClientEndpoint is an [Endpoint] with a single fixed remote peer.
type ClientEndpoint struct {
	*Endpoint
	remote mav.PeerIdentity
}

// Peer implements the [mav.SinglePeer] interface.
func (c *ClientEndpoint) Peer() mav.PeerIdentity { return c.remote }
