// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

// Package mav implements a schema-driven MAVLink client runtime.
//
// The package does not ship any message definitions. Messages are described
// by a dialect schema loaded at startup into a [MessageSet], which owns the
// immutable [MessageDefinition] of every known message and the values of
// every enum entry. A [Message] is a definition-bound record with typed
// dynamic field access; the frame [Codec] turns messages into wire frames
// and back, guarding each frame with a CRC-16/MCRF4XX checksum seeded per
// definition.
//
// # Runtimes and connections
//
// A [NetworkRuntime] owns one [Transport] and spawns the only background
// goroutines in the package: a receiver loop that decodes inbound bytes and
// demultiplexes them by sender, and an optional heartbeat emitter. Peers
// are told apart by their transport-level [PeerIdentity], an address and
// port, not the MAVLink system and component IDs inside the frames.
//
//	set, err := dialect.LoadFile("message_definitions/common.xml")
//	...
//	phy, err := transport.ListenUDP(14550)
//	...
//	rt := mav.NewRuntime(set, phy, &mav.Options{Heartbeat: hb}).Start()
//	defer rt.Stop()
//
//	conn, err := rt.AwaitConnection(5 * time.Second)
//
// # Transactions
//
// Request/response exchanges pre-register an [Expectation] before the
// request is sent, so a fast answer cannot slip past between send and
// receive:
//
//	exp, err := conn.Expect("AUTOPILOT_VERSION")
//	...
//	if err := conn.Send(req); err != nil { ... }
//	rsp, err := exp.Wait(time.Second)
//
// Messages received without a matching expectation are parked in bounded
// per-message queues, from which [Connection.Receive] drains them in
// arrival order.
package mav
