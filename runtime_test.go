// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

package mav_test

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/sirupsen/logrus"

	"github.com/parafoil-dev/mav"
	"github.com/parafoil-dev/mav/transport"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// sendFrom encodes a message and injects it into the hub as if the named
// endpoint had sent it to the runtime under test.
func sendFrom(t *testing.T, from *transport.Endpoint, to string, c mav.Codec, name string, fields map[string]any) {
	t.Helper()
	m, err := c.Set.Create(name)
	if err != nil {
		t.Fatalf("Create %s: %v", name, err)
	}
	if err := m.SetFields(fields); err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	raw, err := c.Encode(m, mav.Header{SystemID: 1, ComponentID: 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := from.Send(raw, mav.PeerIdentity(to)); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestConnectionDiscovery(t *testing.T) {
	defer leaktest.Check(t)()

	ms := testSet(t)
	hub := transport.NewHub()
	gcs := hub.Endpoint("gcs")
	fmu := hub.Endpoint("fmu")
	defer fmu.Close()

	rt := mav.NewRuntime(ms, gcs, &mav.Options{Logger: quietLogger()}).Start()
	defer rt.Stop()

	c := mav.Codec{Set: ms}
	sendFrom(t, fmu, "gcs", c, "HEARTBEAT", map[string]any{"type": 6, "custom_mode": 77})

	conn, err := rt.AwaitConnection(5 * time.Second)
	if err != nil {
		t.Fatalf("AwaitConnection: unexpected error: %v", err)
	}
	if conn.Peer() != "fmu" {
		t.Errorf("peer: got %q, want fmu", conn.Peer())
	}

	m, err := conn.Receive("HEARTBEAT", 5*time.Second)
	if err != nil {
		t.Fatalf("Receive: unexpected error: %v", err)
	}
	if got, _ := mav.Get[uint32](m, "custom_mode"); got != 77 {
		t.Errorf("custom_mode: got %d, want 77", got)
	}
	if m.Header.SystemID != 1 {
		t.Errorf("header system id: got %d, want 1", m.Header.SystemID)
	}
	if conn.LastSeen().IsZero() {
		t.Error("LastSeen still zero after a received frame")
	}
}

func TestExpectBeforeArrival(t *testing.T) {
	defer leaktest.Check(t)()

	ms := testSet(t)
	hub := transport.NewHub()
	gcs := hub.Endpoint("gcs")
	fmu := hub.Endpoint("fmu")
	defer fmu.Close()

	rt := mav.NewRuntime(ms, gcs, &mav.Options{Logger: quietLogger()}).Start()
	defer rt.Stop()

	c := mav.Codec{Set: ms}
	sendFrom(t, fmu, "gcs", c, "HEARTBEAT", map[string]any{"type": 6})
	conn, err := rt.AwaitConnection(5 * time.Second)
	if err != nil {
		t.Fatalf("AwaitConnection: %v", err)
	}
	if _, err := conn.Receive("HEARTBEAT", 5*time.Second); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	// The response lands after the expectation is registered but before
	// anyone waits on it. It must be parked, not lost.
	exp, err := conn.Expect("PARAM_VALUE")
	if err != nil {
		t.Fatalf("Expect: %v", err)
	}
	sendFrom(t, fmu, "gcs", c, "PARAM_VALUE", map[string]any{"param_index": 3})

	// Dispatch is in order, so once this marker is through the answer is too.
	sendFrom(t, fmu, "gcs", c, "HEARTBEAT", map[string]any{"type": 6})
	if _, err := conn.Receive("HEARTBEAT", 5*time.Second); err != nil {
		t.Fatalf("Receive marker: %v", err)
	}

	m, err := exp.Wait(0)
	if err != nil {
		t.Fatalf("Wait: expectation not already fulfilled: %v", err)
	}
	if got, _ := mav.Get[int](m, "param_index"); got != 3 {
		t.Errorf("param_index: got %d, want 3", got)
	}
}

func TestExpectationTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	ms := testSet(t)
	hub := transport.NewHub()
	gcs := hub.Endpoint("gcs")
	fmu := hub.Endpoint("fmu")
	defer fmu.Close()

	rt := mav.NewRuntime(ms, gcs, &mav.Options{Logger: quietLogger()}).Start()
	defer rt.Stop()

	c := mav.Codec{Set: ms}
	sendFrom(t, fmu, "gcs", c, "HEARTBEAT", map[string]any{"type": 6})
	conn, err := rt.AwaitConnection(5 * time.Second)
	if err != nil {
		t.Fatalf("AwaitConnection: %v", err)
	}

	// Zero timeout polls the queue and leaves no expectation behind.
	if _, err := conn.Receive("PARAM_VALUE", 0); !errors.Is(err, mav.ErrTimeout) {
		t.Errorf("poll empty queue: got %v, want ErrTimeout", err)
	}
	exp, err := conn.Expect("PARAM_VALUE")
	if err != nil {
		t.Fatalf("Expect: %v", err)
	}
	if _, err := exp.Wait(10 * time.Millisecond); !errors.Is(err, mav.ErrTimeout) {
		t.Errorf("Wait: got %v, want ErrTimeout", err)
	}

	// A message arriving after the expiry goes to the queue, not to the
	// retracted expectation.
	sendFrom(t, fmu, "gcs", c, "PARAM_VALUE", map[string]any{"param_index": 9})
	m, err := conn.Receive("PARAM_VALUE", 5*time.Second)
	if err != nil {
		t.Fatalf("Receive after expiry: %v", err)
	}
	if got, _ := mav.Get[int](m, "param_index"); got != 9 {
		t.Errorf("param_index: got %d, want 9", got)
	}
}

func TestMultiPeerIsolation(t *testing.T) {
	defer leaktest.Check(t)()

	ms := testSet(t)
	hub := transport.NewHub()
	gcs := hub.Endpoint("gcs")
	fmu1 := hub.Endpoint("fmu1")
	fmu2 := hub.Endpoint("fmu2")
	defer fmu1.Close()
	defer fmu2.Close()

	conns := make(chan *mav.Connection, 2)
	rt := mav.NewRuntime(ms, gcs, &mav.Options{Logger: quietLogger()})
	rt.OnConnection(func(c *mav.Connection) { conns <- c })
	rt.Start()
	defer rt.Stop()

	c := mav.Codec{Set: ms}
	sendFrom(t, fmu1, "gcs", c, "HEARTBEAT", map[string]any{"custom_mode": 100})
	sendFrom(t, fmu2, "gcs", c, "HEARTBEAT", map[string]any{"custom_mode": 200})

	want := map[mav.PeerIdentity]uint32{"fmu1": 100, "fmu2": 200}
	for range 2 {
		var conn *mav.Connection
		select {
		case conn = <-conns:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for connections")
		}
		m, err := conn.Receive("HEARTBEAT", 5*time.Second)
		if err != nil {
			t.Fatalf("Receive from %v: %v", conn.Peer(), err)
		}
		got, _ := mav.Get[uint32](m, "custom_mode")
		if want[conn.Peer()] != got {
			t.Errorf("peer %v: custom_mode %d, want %d", conn.Peer(), got, want[conn.Peer()])
		}
		delete(want, conn.Peer())
	}
	if len(rt.Connections()) != 2 {
		t.Errorf("Connections: got %d, want 2", len(rt.Connections()))
	}
}

func TestSendSequence(t *testing.T) {
	defer leaktest.Check(t)()

	ms := testSet(t)
	hub := transport.NewHub()
	fmu := hub.Endpoint("fmu")
	defer fmu.Close()
	cli := hub.Client("gcs", "fmu")

	rt := mav.NewRuntime(ms, cli, &mav.Options{SystemID: 42, Logger: quietLogger()}).Start()
	defer rt.Stop()

	// A single-peer transport yields its connection without traffic.
	conn, err := rt.AwaitConnection(0)
	if err != nil {
		t.Fatalf("AwaitConnection: unexpected error: %v", err)
	}

	hb, err := ms.Create("HEARTBEAT")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c := mav.Codec{Set: ms}
	for want := range uint8(3) {
		if err := conn.Send(hb); err != nil {
			t.Fatalf("Send: %v", err)
		}
		raw, from, err := fmu.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if from != "gcs" {
			t.Errorf("sender: got %q, want gcs", from)
		}
		m, _, err := c.Decode(raw)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if m.Header.Seq != want {
			t.Errorf("sequence: got %d, want %d", m.Header.Seq, want)
		}
		if m.Header.SystemID != 42 || m.Header.ComponentID != 97 {
			t.Errorf("source ids: got %d/%d, want 42/97", m.Header.SystemID, m.Header.ComponentID)
		}
	}
}

func TestHeartbeatLoop(t *testing.T) {
	defer leaktest.Check(t)()

	ms := testSet(t)
	hub := transport.NewHub()
	fmu := hub.Endpoint("fmu")
	defer fmu.Close()
	cli := hub.Client("gcs", "fmu")

	hb, err := ms.Create("HEARTBEAT")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mav.Set(hb, "type", 6); err != nil {
		t.Fatalf("Set: %v", err)
	}

	const period = 20 * time.Millisecond
	rt := mav.NewRuntime(ms, cli, &mav.Options{
		Heartbeat:       hb,
		HeartbeatPeriod: period,
		Logger:          quietLogger(),
	}).Start()
	defer rt.Stop()

	c := mav.Codec{Set: ms}
	start := time.Now()
	for range 5 {
		raw, _, err := fmu.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		m, _, err := c.Decode(raw)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if m.Name() != "HEARTBEAT" {
			t.Fatalf("got message %s, want HEARTBEAT", m.Name())
		}
	}
	elapsed := time.Since(start)
	if elapsed < 3*period {
		t.Errorf("five heartbeats in %v, faster than the period allows", elapsed)
	}
	if elapsed > 50*period {
		t.Errorf("five heartbeats took %v, far beyond the period", elapsed)
	}
}

func TestRuntimeShutdown(t *testing.T) {
	defer leaktest.Check(t)()

	ms := testSet(t)
	hub := transport.NewHub()
	gcs := hub.Endpoint("gcs")
	fmu := hub.Endpoint("fmu")
	defer fmu.Close()

	rt := mav.NewRuntime(ms, gcs, &mav.Options{Logger: quietLogger()}).Start()

	c := mav.Codec{Set: ms}
	sendFrom(t, fmu, "gcs", c, "HEARTBEAT", map[string]any{"type": 6})
	conn, err := rt.AwaitConnection(5 * time.Second)
	if err != nil {
		t.Fatalf("AwaitConnection: %v", err)
	}

	// A receiver blocked with no deadline is woken by the teardown.
	errc := make(chan error, 1)
	go func() {
		_, err := conn.Receive("PARAM_VALUE", -1)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond) // let the receiver block

	if err := rt.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, mav.ErrRuntimeClosed) {
			t.Errorf("blocked Receive: got %v, want ErrRuntimeClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked Receive not woken by Stop")
	}

	// Everything after teardown reports the same terminal error.
	if _, err := conn.Expect("HEARTBEAT"); !errors.Is(err, mav.ErrRuntimeClosed) {
		t.Errorf("Expect after Stop: got %v, want ErrRuntimeClosed", err)
	}
	if _, err := conn.Receive("HEARTBEAT", time.Second); !errors.Is(err, mav.ErrRuntimeClosed) {
		t.Errorf("Receive after Stop: got %v, want ErrRuntimeClosed", err)
	}
	if err := conn.Send(nil); !errors.Is(err, mav.ErrRuntimeClosed) {
		t.Errorf("Send after Stop: got %v, want ErrRuntimeClosed", err)
	}
	if _, err := rt.AwaitConnection(time.Second); !errors.Is(err, mav.ErrRuntimeClosed) {
		t.Errorf("AwaitConnection after Stop: got %v, want ErrRuntimeClosed", err)
	}
}

func TestTransportFailureTearsDown(t *testing.T) {
	defer leaktest.Check(t)()

	ms := testSet(t)
	hub := transport.NewHub()
	gcs := hub.Endpoint("gcs")

	rt := mav.NewRuntime(ms, gcs, &mav.Options{Logger: quietLogger()}).Start()

	// Closing the transport under the runtime ends the receiver loop; the
	// shutdown counts as an orderly stop.
	gcs.Close()
	if err := rt.Wait(); err != nil {
		t.Errorf("Wait: unexpected error: %v", err)
	}
}

func TestUndecodableInputSkipped(t *testing.T) {
	defer leaktest.Check(t)()

	ms := testSet(t)
	hub := transport.NewHub()
	gcs := hub.Endpoint("gcs")
	fmu := hub.Endpoint("fmu")
	defer fmu.Close()

	rt := mav.NewRuntime(ms, gcs, &mav.Options{Logger: quietLogger()}).Start()
	defer rt.Stop()

	// Garbage is logged and dropped; the runtime keeps receiving.
	if err := fmu.Send([]byte{0x13, 0x37, 0xFF}, "gcs"); err != nil {
		t.Fatalf("Send garbage: %v", err)
	}
	c := mav.Codec{Set: ms}
	sendFrom(t, fmu, "gcs", c, "HEARTBEAT", map[string]any{"custom_mode": 5})

	conn, err := rt.AwaitConnection(5 * time.Second)
	if err != nil {
		t.Fatalf("AwaitConnection: %v", err)
	}
	m, err := conn.Receive("HEARTBEAT", 5*time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got, _ := mav.Get[uint32](m, "custom_mode"); got != 5 {
		t.Errorf("custom_mode: got %d, want 5", got)
	}
}
