// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

package mav

import (
	"encoding/binary"
	"fmt"
	"math"
)

// A Message is a schema-bound record: a borrowed reference to its definition
// plus a mutable payload buffer sized to the definition's maximum encoded
// length. Field access indexes into the buffer using the offsets resolved
// once at schema-load time.
//
// A Message is not safe for concurrent use. Passing a message to a send
// copies its payload into a frame, so the caller is free to reuse it.
type Message struct {
	// Header carries the frame header of a received message. It is zero for
	// messages constructed locally; the runtime fills in sequence and source
	// identifiers when the message is sent.
	Header Header

	def     *MessageDefinition
	payload []byte
}

func newMessage(d *MessageDefinition) *Message {
	return &Message{def: d, payload: make([]byte, d.size)}
}

// Definition reports the definition the message is bound to.
func (m *Message) Definition() *MessageDefinition { return m.def }

// Name reports the message's name.
func (m *Message) Name() string { return m.def.name }

// ID reports the message's numeric ID.
func (m *Message) ID() uint32 { return m.def.id }

// Payload exposes the message's raw payload buffer at its maximum encoded
// size. The buffer is owned by the message; the caller must not retain it.
func (m *Message) Payload() []byte { return m.payload }

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	return fmt.Sprintf("Message(%s, id=%d, %d bytes)", m.def.name, m.def.id, m.def.size)
}

// A Numeric is any Go numeric type usable with the typed field accessors.
type Numeric interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func (m *Message) scalarField(name string) (Field, error) {
	f, ok := m.def.Field(name)
	if !ok {
		return Field{}, fmt.Errorf("%w %q in %s", ErrUnknownField, name, m.def.name)
	}
	if f.Type.ArrayLen > 0 && f.Type.Kind != KindChar {
		return Field{}, fmt.Errorf("%w: field %q is an array", ErrWrongFieldType, name)
	}
	return f, nil
}

// Set assigns a numeric value to the named field. The value is converted to
// the field's native width and signedness: widening is exact, narrowing
// truncates. Truncation is the documented assignment policy, not an error.
func Set[T Numeric](m *Message, name string, v T) error {
	f, err := m.scalarField(name)
	if err != nil {
		return err
	}
	storeScalar(m.payload[f.offset:], f.Type.Kind, v)
	return nil
}

// Get reads the named field as type T. Reading a field of width at most 32
// bits into a wider type preserves the value exactly, sign-extended when the
// field is signed. Reading a 64-bit field into a narrower type may lose
// precision; avoiding that is the caller's responsibility.
func Get[T Numeric](m *Message, name string) (T, error) {
	f, err := m.scalarField(name)
	if err != nil {
		var zero T
		return zero, err
	}
	return loadScalar[T](m.payload[f.offset:], f.Type.Kind), nil
}

// SetArray assigns an ordered sequence of values to the named array field.
// A sequence longer than the declared array length is a length mismatch
// error; a shorter one fills the leading elements and zeroes the remainder.
func SetArray[T Numeric](m *Message, name string, vs []T) error {
	f, ok := m.def.Field(name)
	if !ok {
		return fmt.Errorf("%w %q in %s", ErrUnknownField, name, m.def.name)
	}
	n := max(1, f.Type.ArrayLen)
	if len(vs) > n {
		return fmt.Errorf("%w: %d values for %s field %q", ErrFieldLength, len(vs), f.Type, name)
	}
	esz := f.Type.Kind.Size()
	for i, v := range vs {
		storeScalar(m.payload[f.offset+i*esz:], f.Type.Kind, v)
	}
	clear(m.payload[f.offset+len(vs)*esz : f.offset+n*esz])
	return nil
}

// GetArray reads the named array field as an ordered sequence of type T,
// with the conversion rules of Get applied per element.
func GetArray[T Numeric](m *Message, name string) ([]T, error) {
	f, ok := m.def.Field(name)
	if !ok {
		return nil, fmt.Errorf("%w %q in %s", ErrUnknownField, name, m.def.name)
	}
	n := max(1, f.Type.ArrayLen)
	esz := f.Type.Kind.Size()
	out := make([]T, n)
	for i := range out {
		out[i] = loadScalar[T](m.payload[f.offset+i*esz:], f.Type.Kind)
	}
	return out, nil
}

// SetString assigns text to a char-array field. The text is truncated or
// null-padded to the declared array length.
func (m *Message) SetString(name, s string) error {
	f, ok := m.def.Field(name)
	if !ok {
		return fmt.Errorf("%w %q in %s", ErrUnknownField, name, m.def.name)
	}
	if f.Type.Kind != KindChar {
		return fmt.Errorf("%w: field %q is %s, not char", ErrWrongFieldType, name, f.Type)
	}
	n := max(1, f.Type.ArrayLen)
	copied := copy(m.payload[f.offset:f.offset+n], s)
	clear(m.payload[f.offset+copied : f.offset+n])
	return nil
}

// GetString reads a char-array field as text, trimmed at the first null byte
// or the full declared length.
func (m *Message) GetString(name string) (string, error) {
	f, ok := m.def.Field(name)
	if !ok {
		return "", fmt.Errorf("%w %q in %s", ErrUnknownField, name, m.def.name)
	}
	if f.Type.Kind != KindChar {
		return "", fmt.Errorf("%w: field %q is %s, not char", ErrWrongFieldType, name, f.Type)
	}
	n := max(1, f.Type.ArrayLen)
	raw := m.payload[f.offset : f.offset+n]
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i]), nil
		}
	}
	return string(raw), nil
}

// FloatUnpack reinterprets the raw bit pattern of a floating-point field as
// an integer of matching width, then converts it to T. Some definitions
// transmit integers inside fields declared as float for wire-format
// compatibility; a plain Get on such a field would interpret the bits as a
// float and silently produce the wrong value, so this is a deliberate,
// separate operation. It fails on fields not declared as float or double.
func FloatUnpack[T Numeric](m *Message, name string) (T, error) {
	var zero T
	f, err := m.scalarField(name)
	if err != nil {
		return zero, err
	}
	switch f.Type.Kind {
	case KindFloat32:
		bits := binary.LittleEndian.Uint32(m.payload[f.offset:])
		return T(int32(bits)), nil
	case KindFloat64:
		bits := binary.LittleEndian.Uint64(m.payload[f.offset:])
		return T(int64(bits)), nil
	default:
		return zero, fmt.Errorf("%w: FloatUnpack on %s field %q", ErrWrongFieldType, f.Type, name)
	}
}

// SetFields assigns multiple fields at once. Values may be any Go integer or
// float type, a string for char-array fields, or a typed slice for array
// fields. It stops at the first failing assignment.
func (m *Message) SetFields(vals map[string]any) error {
	for name, v := range vals {
		if err := m.setAny(name, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *Message) setAny(name string, v any) error {
	switch x := v.(type) {
	case int:
		return Set(m, name, x)
	case int8:
		return Set(m, name, x)
	case int16:
		return Set(m, name, x)
	case int32:
		return Set(m, name, x)
	case int64:
		return Set(m, name, x)
	case uint:
		return Set(m, name, x)
	case uint8:
		return Set(m, name, x)
	case uint16:
		return Set(m, name, x)
	case uint32:
		return Set(m, name, x)
	case uint64:
		return Set(m, name, x)
	case float32:
		return Set(m, name, x)
	case float64:
		return Set(m, name, x)
	case string:
		return m.SetString(name, x)
	case []byte:
		return SetArray(m, name, x)
	case []uint16:
		return SetArray(m, name, x)
	case []uint32:
		return SetArray(m, name, x)
	case []int32:
		return SetArray(m, name, x)
	case []float32:
		return SetArray(m, name, x)
	case []float64:
		return SetArray(m, name, x)
	default:
		return fmt.Errorf("%w: unsupported value type %T for field %q", ErrWrongFieldType, v, name)
	}
}

// storeScalar writes v at the head of buf using the native width and
// signedness of kind k. Narrowing conversions truncate.
func storeScalar[T Numeric](buf []byte, k FieldKind, v T) {
	switch k {
	case KindUint8, KindChar:
		buf[0] = byte(uint8(v))
	case KindInt8:
		buf[0] = byte(int8(v))
	case KindUint16:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case KindInt16:
		binary.LittleEndian.PutUint16(buf, uint16(int16(v)))
	case KindUint32:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case KindInt32:
		binary.LittleEndian.PutUint32(buf, uint32(int32(v)))
	case KindUint64:
		binary.LittleEndian.PutUint64(buf, uint64(v))
	case KindInt64:
		binary.LittleEndian.PutUint64(buf, uint64(int64(v)))
	case KindFloat32:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
	case KindFloat64:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(float64(v)))
	}
}

// loadScalar reads the native value of kind k at the head of buf and
// converts it to T.
func loadScalar[T Numeric](buf []byte, k FieldKind) T {
	switch k {
	case KindUint8, KindChar:
		return T(buf[0])
	case KindInt8:
		return T(int8(buf[0]))
	case KindUint16:
		return T(binary.LittleEndian.Uint16(buf))
	case KindInt16:
		return T(int16(binary.LittleEndian.Uint16(buf)))
	case KindUint32:
		return T(binary.LittleEndian.Uint32(buf))
	case KindInt32:
		return T(int32(binary.LittleEndian.Uint32(buf)))
	case KindUint64:
		return T(binary.LittleEndian.Uint64(buf))
	case KindInt64:
		return T(int64(binary.LittleEndian.Uint64(buf)))
	case KindFloat32:
		return T(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	case KindFloat64:
		return T(math.Float64frombits(binary.LittleEndian.Uint64(buf)))
	}
	panic(fmt.Sprintf("invalid field kind %d", k))
}
