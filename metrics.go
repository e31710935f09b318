// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

package mav

import "expvar"

// runtimeMetrics record runtime activity counters.
type runtimeMetrics struct {
	frameRecv   expvar.Int // frames decoded from the transport
	frameSent   expvar.Int // frames encoded and handed to the transport
	decodeErr   expvar.Int // inbound frames dropped as undecodable
	heartbeats  expvar.Int // heartbeats emitted
	connsActive expvar.Int // connections currently known
	expPending  expvar.Int // expectations currently pending
	recvQueued  expvar.Int // messages parked in receive queues
	recvDropped expvar.Int // messages dropped from full receive queues

	emap *expvar.Map
}

var rootMetrics = newRuntimeMetrics()

func newRuntimeMetrics() *runtimeMetrics {
	rm := &runtimeMetrics{emap: new(expvar.Map)}
	rm.emap.Set("frames_received", &rm.frameRecv)
	rm.emap.Set("frames_sent", &rm.frameSent)
	rm.emap.Set("frames_undecodable", &rm.decodeErr)
	rm.emap.Set("heartbeats_sent", &rm.heartbeats)
	rm.emap.Set("connections_active", &rm.connsActive)
	rm.emap.Set("expectations_pending", &rm.expPending)
	rm.emap.Set("messages_queued", &rm.recvQueued)
	rm.emap.Set("messages_dropped", &rm.recvDropped)
	return rm
}
