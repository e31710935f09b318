// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

package transport

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/parafoil-dev/mav"
)

// A TCPClient exchanges frames with a single fixed peer over a byte stream.
// Inbound bytes are re-framed with the resynchronizing frame reader, so a
// client joining mid-stream aligns on the next frame boundary. It
// implements [mav.SinglePeer].
type TCPClient struct {
	conn net.Conn
	rd   *bufio.Reader
	peer mav.PeerIdentity

	mu sync.Mutex // serializes writes
}

// DialTCP constructs a TCPClient connected to the given remote address.
func DialTCP(addr string) (*TCPClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp: %w", err)
	}
	return &TCPClient{
		conn: conn,
		rd:   bufio.NewReader(conn),
		peer: mav.PeerIdentity(conn.RemoteAddr().String()),
	}, nil
}

// Peer implements the [mav.SinglePeer] interface.
func (c *TCPClient) Peer() mav.PeerIdentity { return c.peer }

// Send implements a method of the [mav.Transport] interface.
func (c *TCPClient) Send(frame []byte, _ mav.PeerIdentity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(frame)
	return err
}

// Recv implements a method of the [mav.Transport] interface. Each call
// yields exactly one complete frame.
func (c *TCPClient) Recv() ([]byte, mav.PeerIdentity, error) {
	frame, err := mav.ReadFrame(c.rd)
	if err != nil {
		return nil, "", err
	}
	return frame, c.peer, nil
}

// Close implements a method of the [mav.Transport] interface.
func (c *TCPClient) Close() error { return c.conn.Close() }

type tcpInbound struct {
	frame []byte
	from  mav.PeerIdentity
}

// A TCPServer accepts stream connections from any number of peers. Each
// accepted connection is read by its own goroutine; complete frames are
// funneled to Recv in arrival order.
type TCPServer struct {
	lst     net.Listener
	tasks   *taskgroup.Group
	inbound chan tcpInbound
	done    chan struct{}

	mu     sync.Mutex
	conns  map[mav.PeerIdentity]net.Conn
	closed bool
}

// ListenTCP constructs a TCPServer listening on the given address, such as
// ":5760", and starts accepting connections.
func ListenTCP(addr string) (*TCPServer, error) {
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp: %w", err)
	}
	s := &TCPServer{
		lst:     lst,
		tasks:   taskgroup.New(nil),
		inbound: make(chan tcpInbound, 16),
		done:    make(chan struct{}),
		conns:   make(map[mav.PeerIdentity]net.Conn),
	}
	s.tasks.Go(s.acceptLoop)
	return s, nil
}

// LocalAddr reports the bound local address of the server.
func (s *TCPServer) LocalAddr() net.Addr { return s.lst.Addr() }

func (s *TCPServer) acceptLoop() error {
	for {
		conn, err := s.lst.Accept()
		if err != nil {
			return nil // listener closed
		}
		peer := mav.PeerIdentity(conn.RemoteAddr().String())
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[peer] = conn
		s.mu.Unlock()
		s.tasks.Go(func() error { return s.readConn(conn, peer) })
	}
}

func (s *TCPServer) readConn(conn net.Conn, peer mav.PeerIdentity) error {
	defer func() {
		s.mu.Lock()
		delete(s.conns, peer)
		s.mu.Unlock()
		conn.Close()
	}()
	rd := bufio.NewReader(conn)
	for {
		frame, err := mav.ReadFrame(rd)
		if err != nil {
			return nil
		}
		select {
		case s.inbound <- tcpInbound{frame: frame, from: peer}:
		case <-s.done:
			return nil
		}
	}
}

// Send implements a method of the [mav.Transport] interface.
func (s *TCPServer) Send(frame []byte, to mav.PeerIdentity) error {
	s.mu.Lock()
	conn, ok := s.conns[to]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownPeer, to)
	}
	_, err := conn.Write(frame)
	return err
}

// Recv implements a method of the [mav.Transport] interface.
func (s *TCPServer) Recv() ([]byte, mav.PeerIdentity, error) {
	select {
	case in := <-s.inbound:
		return in.frame, in.from, nil
	case <-s.done:
		return nil, "", net.ErrClosed
	}
}

// Close implements a method of the [mav.Transport] interface. It stops the
// accept loop, closes every peer connection, and waits for the readers to
// exit.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	close(s.done)
	err := s.lst.Close()
	for _, c := range conns {
		c.Close()
	}
	s.tasks.Wait()
	return err
}
