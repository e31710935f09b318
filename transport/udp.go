// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/parafoil-dev/mav"
)

// maxDatagram is the receive buffer size for a single datagram. A datagram
// may carry several frames; the runtime drains them all.
const maxDatagram = 2048

// A UDPServer listens on a local port and receives frames from any number
// of peers. Peers are identified by their remote address and port. This is
// the transport to use for autopilots that stream to a well-known port
// whether or not anyone is listening.
type UDPServer struct {
	conn *net.UDPConn

	mu    sync.Mutex
	addrs map[mav.PeerIdentity]*net.UDPAddr
}

// ListenUDP constructs a UDPServer listening on the given local port.
func ListenUDP(port int) (*UDPServer, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	return &UDPServer{conn: conn, addrs: make(map[mav.PeerIdentity]*net.UDPAddr)}, nil
}

// LocalAddr reports the bound local address of the server.
func (s *UDPServer) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Send implements a method of the [mav.Transport] interface.
func (s *UDPServer) Send(frame []byte, to mav.PeerIdentity) error {
	s.mu.Lock()
	addr, ok := s.addrs[to]
	s.mu.Unlock()
	if !ok {
		// The peer has not sent us anything yet; fall back to resolving the
		// identity, which for UDP is an address string.
		var err error
		addr, err = net.ResolveUDPAddr("udp", string(to))
		if err != nil {
			return fmt.Errorf("%w %q: %v", ErrUnknownPeer, to, err)
		}
	}
	_, err := s.conn.WriteToUDP(frame, addr)
	return err
}

// Recv implements a method of the [mav.Transport] interface.
func (s *UDPServer) Recv() ([]byte, mav.PeerIdentity, error) {
	buf := make([]byte, maxDatagram)
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, "", err
	}
	peer := mav.PeerIdentity(addr.String())
	s.mu.Lock()
	s.addrs[peer] = addr
	s.mu.Unlock()
	return buf[:n], peer, nil
}

// Close implements a method of the [mav.Transport] interface.
func (s *UDPServer) Close() error { return s.conn.Close() }

// A UDPClient exchanges frames with a single fixed peer over a connected
// datagram socket. It implements [mav.SinglePeer].
type UDPClient struct {
	conn *net.UDPConn
	peer mav.PeerIdentity
}

// DialUDP constructs a UDPClient connected to the given remote address.
func DialUDP(addr string) (*UDPClient, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &UDPClient{conn: conn, peer: mav.PeerIdentity(raddr.String())}, nil
}

// Peer implements the [mav.SinglePeer] interface.
func (c *UDPClient) Peer() mav.PeerIdentity { return c.peer }

// Send implements a method of the [mav.Transport] interface. The to
// argument is ignored; a connected socket has exactly one peer.
func (c *UDPClient) Send(frame []byte, _ mav.PeerIdentity) error {
	_, err := c.conn.Write(frame)
	return err
}

// Recv implements a method of the [mav.Transport] interface.
func (c *UDPClient) Recv() ([]byte, mav.PeerIdentity, error) {
	buf := make([]byte, maxDatagram)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, "", err
	}
	return buf[:n], c.peer, nil
}

// Close implements a method of the [mav.Transport] interface.
func (c *UDPClient) Close() error { return c.conn.Close() }
