// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

// Package transport provides implementations of the mav.Transport interface.
//
// Server-style transports (UDPServer, TCPServer) can observe many distinct
// peers; client-style transports (UDPClient, TCPClient) talk to exactly one
// fixed peer and implement mav.SinglePeer. The in-memory Hub connects
// endpoints without any real I/O and is intended for tests.
package transport

import "errors"

// ErrUnknownPeer is reported by a send addressed to a peer the transport
// has never seen or has already dropped.
var ErrUnknownPeer = errors.New("unknown peer")
