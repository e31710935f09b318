// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

package mav

import (
	"bufio"
	"fmt"
	"io"

	"github.com/parafoil-dev/mav/wire"
	"github.com/sigurn/crc16"
)

// Wire framing constants.
const (
	Magic        = 0xFD // version marker byte
	HeaderLen    = 10   // marker through message ID
	ChecksumLen  = 2
	SignatureLen = 13

	// IncompatSigned is the incompatibility flag marking a signed frame.
	IncompatSigned = 0x01

	// MaxFrameLen is the largest possible encoded frame.
	MaxFrameLen = HeaderLen + 255 + ChecksumLen + SignatureLen
)

var mcrf4xx = crc16.MakeTable(crc16.CRC16_MCRF4XX)

// frameCRC computes the frame checksum: CRC-16/MCRF4XX over every header
// byte except the version marker, the payload, and the definition's
// extra-CRC seed byte.
func frameCRC(body []byte, seed byte) uint16 {
	crc := crc16.Init(mcrf4xx)
	crc = crc16.Update(crc, body, mcrf4xx)
	crc = crc16.Update(crc, []byte{seed}, mcrf4xx)
	return crc16.Complete(crc, mcrf4xx)
}

// A Header holds the per-frame envelope fields preceding the message ID.
type Header struct {
	IncompatFlags byte
	CompatFlags   byte
	Seq           uint8
	SystemID      uint8
	ComponentID   uint8
}

// A SignFunc produces the 13-byte signature trailer for an encoded frame.
// Signing itself is outside the codec; the codec only appends the trailer
// and marks the frame as signed.
type SignFunc func(frame []byte) [SignatureLen]byte

// A Codec encodes messages into wire frames and decodes wire frames back
// into messages. Decoding resolves message IDs against the message set to
// obtain the definition and its extra-CRC seed. A Codec is stateless apart
// from its configuration and is safe for concurrent use.
type Codec struct {
	Set  *MessageSet
	Sign SignFunc // optional; when set, encoded frames carry a signature
}

// Encode serializes m into a wire frame under the given header. Trailing
// payload bytes that are entirely zero are truncated, to a minimum of one
// byte for non-empty payloads.
func (c Codec) Encode(m *Message, hdr Header) ([]byte, error) {
	payload := m.payload
	n := len(payload)
	for n > 1 && payload[n-1] == 0 {
		n--
	}
	if c.Sign != nil {
		hdr.IncompatFlags |= IncompatSigned
	}

	var b wire.Builder
	b.Grow(HeaderLen + n + ChecksumLen + SignatureLen)
	b.Put(Magic, byte(n), hdr.IncompatFlags, hdr.CompatFlags, hdr.Seq, hdr.SystemID, hdr.ComponentID)
	b.Uint24(m.def.id)
	b.Put(payload[:n]...)
	b.Uint16(frameCRC(b.Bytes()[1:], m.def.crcExtra))
	if c.Sign != nil {
		sig := c.Sign(b.Bytes())
		b.Put(sig[:]...)
	}
	return b.Bytes(), nil
}

// Decode parses the first frame at the head of raw and reports the number of
// bytes it consumed, so a datagram carrying several frames can be drained by
// repeated calls. A truncated payload is zero-extended back to the
// definition's full buffer size before being exposed as a Message. Malformed
// or unrecognized frames are reported as a *DecodeError, never silently
// dropped.
func (c Codec) Decode(raw []byte) (*Message, int, error) {
	s := wire.NewScanner(raw)
	magic, err := s.Byte()
	if err != nil {
		return nil, 0, decodeErrf(0, "empty frame")
	}
	if magic != Magic {
		return nil, 0, decodeErrf(0, "bad version marker 0x%02x", magic)
	}
	head, err := s.Take(6)
	if err != nil {
		return nil, 0, decodeErrf(0, "truncated header (%d bytes)", len(raw))
	}
	plen := int(head[0])
	hdr := Header{
		IncompatFlags: head[1],
		CompatFlags:   head[2],
		Seq:           head[3],
		SystemID:      head[4],
		ComponentID:   head[5],
	}
	id, err := s.Uint24()
	if err != nil {
		return nil, 0, decodeErrf(0, "truncated header (%d bytes)", len(raw))
	}

	payload, err := s.Take(plen)
	if err != nil {
		return nil, 0, decodeErrf(id, "truncated payload (%d of %d bytes)", s.Len(), plen)
	}
	sum, err := s.Uint16()
	if err != nil {
		return nil, 0, decodeErrf(id, "missing checksum")
	}
	consumed := HeaderLen + plen + ChecksumLen
	if hdr.IncompatFlags&IncompatSigned != 0 {
		if _, err := s.Take(SignatureLen); err != nil {
			return nil, 0, decodeErrf(id, "missing signature trailer")
		}
		consumed += SignatureLen
	}

	def, ok := c.Set.DefinitionByID(id)
	if !ok {
		return nil, consumed, &DecodeError{
			Reason: fmt.Sprintf("unresolvable message id %d", id),
			ID:     id,
			Err:    ErrUnknownMessage,
		}
	}
	if plen > def.size {
		return nil, consumed, decodeErrf(id, "payload %d bytes exceeds %s size %d", plen, def.name, def.size)
	}
	if want := frameCRC(raw[1:HeaderLen+plen], def.crcExtra); sum != want {
		return nil, consumed, decodeErrf(id, "checksum mismatch (got %04x, want %04x)", sum, want)
	}

	m := newMessage(def)
	m.Header = hdr
	copy(m.payload, payload) // zero-extends: the buffer is already zero-filled
	return m, consumed, nil
}

// ReadFrame reads the next complete frame from a byte stream, skipping any
// garbage before the version marker so a reader joining mid-stream
// resynchronizes on the next frame boundary. The returned slice is a fresh
// copy containing the entire encoded frame.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != Magic {
			continue
		}
		head := make([]byte, HeaderLen)
		head[0] = Magic
		if _, err := io.ReadFull(r, head[1:]); err != nil {
			return nil, err
		}
		rest := int(head[1]) + ChecksumLen
		if head[2]&IncompatSigned != 0 {
			rest += SignatureLen
		}
		frame := make([]byte, HeaderLen+rest)
		copy(frame, head)
		if _, err := io.ReadFull(r, frame[HeaderLen:]); err != nil {
			return nil, err
		}
		return frame, nil
	}
}
