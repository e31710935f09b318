// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

package mav_test

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/parafoil-dev/mav"
)

// encodeHeartbeat builds an encoded HEARTBEAT carrying the given custom mode.
func encodeHeartbeat(t *testing.T, c mav.Codec, custom uint32, hdr mav.Header) []byte {
	t.Helper()
	m, err := c.Set.Create("HEARTBEAT")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.SetFields(map[string]any{
		"custom_mode":   custom,
		"type":          6, // MAV_TYPE_GCS
		"autopilot":     8,
		"base_mode":     1,
		"system_status": 4,
	}); err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	raw, err := c.Encode(m, hdr)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return raw
}

func TestFrameRoundTrip(t *testing.T) {
	c := mav.Codec{Set: testSet(t)}
	hdr := mav.Header{Seq: 9, SystemID: 1, ComponentID: 2}
	raw := encodeHeartbeat(t, c, 0xABCD, hdr)

	if raw[0] != mav.Magic {
		t.Errorf("frame marker: got %02x, want %02x", raw[0], mav.Magic)
	}
	m, n, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if n != len(raw) {
		t.Errorf("Decode consumed %d bytes, want %d", n, len(raw))
	}
	if m.Name() != "HEARTBEAT" {
		t.Errorf("decoded message: got %s, want HEARTBEAT", m.Name())
	}
	if diff := cmp.Diff(hdr, m.Header); diff != "" {
		t.Errorf("header (-want, +got):\n%s", diff)
	}
	if got, _ := mav.Get[uint32](m, "custom_mode"); got != 0xABCD {
		t.Errorf("custom_mode: got %d, want %d", got, 0xABCD)
	}
	if got, _ := mav.Get[int](m, "system_status"); got != 4 {
		t.Errorf("system_status: got %d, want 4", got)
	}
}

func TestPayloadTruncation(t *testing.T) {
	ms := testSet(t)
	c := mav.Codec{Set: ms}

	// HEARTBEAT is eight payload bytes; with only the low byte of
	// custom_mode set, all trailing zeros are dropped.
	m, err := ms.Create("HEARTBEAT")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mav.Set(m, "custom_mode", 7); err != nil {
		t.Fatalf("Set: %v", err)
	}
	raw, err := c.Encode(m, mav.Header{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := mav.HeaderLen + 1 + mav.ChecksumLen; len(raw) != want {
		t.Errorf("truncated frame: %d bytes, want %d", len(raw), want)
	}

	// An all-zero payload still carries one byte.
	zero, err := ms.Create("HEARTBEAT")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rawZero, err := c.Encode(zero, mav.Header{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := mav.HeaderLen + 1 + mav.ChecksumLen; len(rawZero) != want {
		t.Errorf("zero frame: %d bytes, want %d", len(rawZero), want)
	}

	// Decoding zero-extends the payload back to full size.
	dec, _, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got, _ := mav.Get[uint32](dec, "custom_mode"); got != 7 {
		t.Errorf("custom_mode: got %d, want 7", got)
	}
	if got, _ := mav.Get[int](dec, "system_status"); got != 0 {
		t.Errorf("system_status: got %d, want 0", got)
	}
}

func TestChecksumRejectsCorruption(t *testing.T) {
	c := mav.Codec{Set: testSet(t)}
	raw := encodeHeartbeat(t, c, 0x01020304, mav.Header{SystemID: 1})

	// Any single corrupted byte must fail the decode, whatever byte it is.
	for i := range raw {
		bad := bytes.Clone(raw)
		bad[i] ^= 0x40
		var derr *mav.DecodeError
		if _, _, err := c.Decode(bad); !errors.As(err, &derr) {
			t.Errorf("byte %d corrupted: got %v, want DecodeError", i, err)
		}
	}
}

func TestDecodeUnknownMessage(t *testing.T) {
	ms := testSet(t)
	c := mav.Codec{Set: ms}

	// Encode under a richer set, decode under one missing the definition.
	rich := testSet(t)
	def, err := mav.NewMessageDefinition(555, "SECRET", []mav.Field{
		{Name: "x", Type: mav.FieldType{Kind: mav.KindUint8}},
	})
	if err != nil {
		t.Fatalf("NewMessageDefinition: %v", err)
	}
	if err := rich.Add(def); err != nil {
		t.Fatalf("Add: %v", err)
	}
	m, err := rich.Create("SECRET")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	raw, err := mav.Codec{Set: rich}.Encode(m, mav.Header{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, n, err := c.Decode(raw)
	if !errors.Is(err, mav.ErrUnknownMessage) {
		t.Errorf("Decode: got %v, want ErrUnknownMessage", err)
	}
	var derr *mav.DecodeError
	if !errors.As(err, &derr) || derr.ID != 555 {
		t.Errorf("Decode: error %v does not carry id 555", err)
	}
	// The consumed count still spans the frame, so the caller can skip it.
	if n != len(raw) {
		t.Errorf("Decode consumed %d bytes, want %d", n, len(raw))
	}
}

func TestDecodeChunk(t *testing.T) {
	c := mav.Codec{Set: testSet(t)}
	first := encodeHeartbeat(t, c, 1, mav.Header{Seq: 1})
	second := encodeHeartbeat(t, c, 2, mav.Header{Seq: 2})
	chunk := append(bytes.Clone(first), second...)

	var got []uint32
	for len(chunk) > 0 {
		m, n, err := c.Decode(chunk)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		v, _ := mav.Get[uint32](m, "custom_mode")
		got = append(got, v)
		chunk = chunk[n:]
	}
	if diff := cmp.Diff([]uint32{1, 2}, got); diff != "" {
		t.Errorf("chunk decode (-want, +got):\n%s", diff)
	}
}

func TestSignedFrames(t *testing.T) {
	var sig [mav.SignatureLen]byte
	for i := range sig {
		sig[i] = byte(i + 1)
	}
	signer := mav.Codec{Set: testSet(t), Sign: func([]byte) [mav.SignatureLen]byte { return sig }}
	raw := encodeHeartbeat(t, signer, 5, mav.Header{})

	if raw[2]&mav.IncompatSigned == 0 {
		t.Error("signed frame does not carry the signed incompat flag")
	}
	if got := raw[len(raw)-mav.SignatureLen:]; !bytes.Equal(got, sig[:]) {
		t.Errorf("signature trailer: got %x, want %x", got, sig)
	}

	// A codec without the key still decodes the frame and consumes the
	// trailer; verification is the application's concern.
	plain := mav.Codec{Set: testSet(t)}
	m, n, err := plain.Decode(raw)
	if err != nil {
		t.Fatalf("Decode signed: %v", err)
	}
	if n != len(raw) {
		t.Errorf("Decode consumed %d bytes, want %d", n, len(raw))
	}
	if got, _ := mav.Get[uint32](m, "custom_mode"); got != 5 {
		t.Errorf("custom_mode: got %d, want 5", got)
	}
}

func TestReadFrameResync(t *testing.T) {
	c := mav.Codec{Set: testSet(t)}
	first := encodeHeartbeat(t, c, 11, mav.Header{Seq: 3})
	second := encodeHeartbeat(t, c, 12, mav.Header{Seq: 4})

	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0x13, 0x9A, 0x42}) // line noise before the first marker
	stream.Write(first)
	stream.Write(second)

	r := bufio.NewReader(&stream)
	for i, want := range [][]byte{first, second} {
		got, err := mav.ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("ReadFrame %d: got %x, want %x", i, got, want)
		}
	}
	if _, err := mav.ReadFrame(r); err != io.EOF {
		t.Errorf("ReadFrame at end: got %v, want io.EOF", err)
	}
}
