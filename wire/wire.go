// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

// Package wire provides support for encoding and decoding little-endian
// binary wire data as used by the MAVLink serialization format.
package wire

import (
	"encoding/binary"
	"io"
	"math"
)

// A Builder is a buffer that accumulates wire data. The zero value is ready
// for use as an empty builder. All multi-byte values are appended in
// little-endian order.
type Builder struct {
	buf []byte
}

// Put appends the specified bytes to b in order.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// Uint16 appends v to b in little-endian order.
func (b *Builder) Uint16(v uint16) { b.buf = binary.LittleEndian.AppendUint16(b.buf, v) }

// Uint24 appends the low-order 24 bits of v to b in little-endian order.
func (b *Builder) Uint24(v uint32) {
	b.buf = append(b.buf, byte(v), byte(v>>8), byte(v>>16))
}

// Uint32 appends v to b in little-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.LittleEndian.AppendUint32(b.buf, v) }

// Uint64 appends v to b in little-endian order.
func (b *Builder) Uint64(v uint64) { b.buf = binary.LittleEndian.AppendUint64(b.buf, v) }

// Float32 appends the IEEE-754 bit pattern of v to b in little-endian order.
func (b *Builder) Float32(v float32) { b.Uint32(math.Float32bits(v)) }

// Float64 appends the IEEE-754 bit pattern of v to b in little-endian order.
func (b *Builder) Float64(v float64) { b.Uint64(math.Float64bits(v)) }

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes reports the current contents of the buffer. The builder retains
// ownership of the reported slice, and the caller must not retain or modify
// its contents unless b will no longer be accessed.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset discards the contents of b and leaves it empty.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Grow resizes the internal buffer of b if necessary to ensure that at least
// n more bytes can be added without triggering another allocation.
func (b *Builder) Grow(n int) {
	want := len(b.buf) + n
	if cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner reads little-endian values from the contents of a buffer.
// Incomplete values report [io.ErrUnexpectedEOF].
type Scanner struct {
	rest []byte
}

// NewScanner constructs a [Scanner] that consumes data from input. The
// scanner does not modify the contents of input, but retains slices into it,
// so the caller should ensure it is not modified while the scanner is in use.
func NewScanner(input []byte) *Scanner { return &Scanner{rest: input} }

// Byte scans a single byte from the head of the input.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	out := s.rest[0]
	s.rest = s.rest[1:]
	return out, nil
}

// Uint16 parses a little-endian uint16 value from the head of the input.
func (s *Scanner) Uint16() (uint16, error) {
	if len(s.rest) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	out := binary.LittleEndian.Uint16(s.rest)
	s.rest = s.rest[2:]
	return out, nil
}

// Uint24 parses a little-endian 24-bit value from the head of the input.
func (s *Scanner) Uint24() (uint32, error) {
	if len(s.rest) < 3 {
		return 0, io.ErrUnexpectedEOF
	}
	out := uint32(s.rest[0]) | uint32(s.rest[1])<<8 | uint32(s.rest[2])<<16
	s.rest = s.rest[3:]
	return out, nil
}

// Uint32 parses a little-endian uint32 value from the head of the input.
func (s *Scanner) Uint32() (uint32, error) {
	if len(s.rest) < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	out := binary.LittleEndian.Uint32(s.rest)
	s.rest = s.rest[4:]
	return out, nil
}

// Uint64 parses a little-endian uint64 value from the head of the input.
func (s *Scanner) Uint64() (uint64, error) {
	if len(s.rest) < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	out := binary.LittleEndian.Uint64(s.rest)
	s.rest = s.rest[8:]
	return out, nil
}

// Take returns a slice of exactly n bytes from the head of the input. The
// value aliases the input, and the caller must not modify its contents.
func (s *Scanner) Take(n int) ([]byte, error) {
	if len(s.rest) < n {
		return nil, io.ErrUnexpectedEOF
	}
	out := s.rest[:n]
	s.rest = s.rest[n:]
	return out, nil
}

// Len reports the number of remaining unconsumed input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Rest returns a slice of the remaining unconsumed input of s. The reported
// slice is only valid until the next call to a method of s, and the caller
// must not modify its contents.
func (s *Scanner) Rest() []byte { return s.rest }
