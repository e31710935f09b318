// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

package mav

import (
	"fmt"

	"github.com/creachadair/mds/value"
	"github.com/sigurn/crc16"
)

// A FieldKind enumerates the primitive wire types a message field can have.
type FieldKind uint8

const (
	KindUint8 FieldKind = 1 + iota
	KindUint16
	KindUint32
	KindUint64
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindChar
)

// Size reports the encoded size in bytes of a single value of kind k.
func (k FieldKind) Size() int {
	switch k {
	case KindUint8, KindInt8, KindChar:
		return 1
	case KindUint16, KindInt16:
		return 2
	case KindUint32, KindInt32, KindFloat32:
		return 4
	case KindUint64, KindInt64, KindFloat64:
		return 8
	default:
		panic(fmt.Sprintf("invalid field kind %d", k))
	}
}

var kindNames = map[FieldKind]string{
	KindUint8:   "uint8_t",
	KindUint16:  "uint16_t",
	KindUint32:  "uint32_t",
	KindUint64:  "uint64_t",
	KindInt8:    "int8_t",
	KindInt16:   "int16_t",
	KindInt32:   "int32_t",
	KindInt64:   "int64_t",
	KindFloat32: "float",
	KindFloat64: "double",
	KindChar:    "char",
}

// String returns the MAVLink declaration name of k, such as "uint8_t".
func (k FieldKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind %d", uint8(k))
}

func (k FieldKind) isSigned() bool { return k >= KindInt8 && k <= KindInt64 }
func (k FieldKind) isFloat() bool  { return k == KindFloat32 || k == KindFloat64 }

// A FieldType describes the declared type of a message field: a primitive
// kind, an optional array length (0 means a scalar), and an optional enum
// name tag. Enums tag a field for symbolic assignment only; on the wire the
// field is its underlying integer type.
type FieldType struct {
	Kind     FieldKind
	ArrayLen int
	Enum     string
}

// Size reports the total encoded size in bytes of a field of type t.
func (t FieldType) Size() int { return t.Kind.Size() * max(1, t.ArrayLen) }

// String returns the MAVLink declaration of t, such as "char[16]".
func (t FieldType) String() string {
	return value.Cond(t.ArrayLen > 0,
		fmt.Sprintf("%v[%d]", t.Kind, t.ArrayLen),
		t.Kind.String())
}

// A Field is one named field of a message definition.
type Field struct {
	Name string
	Type FieldType

	// Extension marks a field added after the original message was frozen.
	// Extension fields are carried at the end of the payload and do not
	// contribute to the definition's extra-CRC seed.
	Extension bool

	offset int // byte offset in the payload buffer
}

// Offset reports the byte offset of f in the message payload buffer.
func (f Field) Offset() int { return f.offset }

// A MessageDefinition describes one message type: its numeric ID (at most 24
// bits), name, ordered fields in wire order, and the extra-CRC seed derived
// from the field layout. Definitions are immutable once constructed and are
// owned by their MessageSet for the life of the process.
type MessageDefinition struct {
	id       uint32
	name     string
	fields   []Field
	index    map[string]int
	size     int
	crcExtra byte
}

// NewMessageDefinition constructs a definition for the named message from
// fields given in wire order. Field offsets and the extra-CRC seed are
// computed here, once, at schema-load time.
func NewMessageDefinition(id uint32, name string, fields []Field) (*MessageDefinition, error) {
	if name == "" {
		return nil, schemaErrf("", "message %d has no name", id)
	}
	if id > 0xFFFFFF {
		return nil, schemaErrf(name, "id %d exceeds 24 bits", id)
	}
	d := &MessageDefinition{
		id:     id,
		name:   name,
		fields: make([]Field, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if f.Name == "" {
			return nil, schemaErrf(name, "field %d has no name", i)
		}
		if _, ok := d.index[f.Name]; ok {
			return nil, schemaErrf(name, "duplicate field %q", f.Name)
		}
		if f.Type.ArrayLen < 0 || f.Type.ArrayLen > 255 {
			return nil, schemaErrf(name, "field %q: invalid array length %d", f.Name, f.Type.ArrayLen)
		}
		f.offset = d.size
		d.size += f.Type.Size()
		d.fields[i] = f
		d.index[f.Name] = i
	}
	if d.size > 255 {
		return nil, schemaErrf(name, "payload size %d exceeds 255 bytes", d.size)
	}
	d.crcExtra = extraCRC(name, d.fields)
	return d, nil
}

// extraCRC derives the per-definition checksum seed from the message name and
// the layout of its non-extension fields, guarding decodes against a schema
// version mismatch between peers.
func extraCRC(name string, fields []Field) byte {
	crc := crc16.Init(mcrf4xx)
	crc = crc16.Update(crc, []byte(name+" "), mcrf4xx)
	for _, f := range fields {
		if f.Extension {
			continue
		}
		crc = crc16.Update(crc, []byte(f.Type.Kind.String()+" "), mcrf4xx)
		crc = crc16.Update(crc, []byte(f.Name+" "), mcrf4xx)
		if f.Type.ArrayLen > 0 {
			crc = crc16.Update(crc, []byte{byte(f.Type.ArrayLen)}, mcrf4xx)
		}
	}
	sum := crc16.Complete(crc, mcrf4xx)
	return byte(sum&0xFF) ^ byte(sum>>8)
}

// ID reports the numeric message ID of d.
func (d *MessageDefinition) ID() uint32 { return d.id }

// Name reports the message name of d.
func (d *MessageDefinition) Name() string { return d.name }

// Size reports the maximum encoded payload size of d in bytes.
func (d *MessageDefinition) Size() int { return d.size }

// ExtraCRC reports the checksum seed byte of d.
func (d *MessageDefinition) ExtraCRC() byte { return d.crcExtra }

// Fields returns the fields of d in wire order. The caller must not modify
// the returned slice.
func (d *MessageDefinition) Fields() []Field { return d.fields }

// Field reports the field of d with the given name, if it exists.
func (d *MessageDefinition) Field(name string) (Field, bool) {
	i, ok := d.index[name]
	if !ok {
		return Field{}, false
	}
	return d.fields[i], true
}

// String returns a human-friendly rendering of the definition.
func (d *MessageDefinition) String() string {
	return fmt.Sprintf("MessageDefinition(%s, id=%d, fields=%d, size=%d)",
		d.name, d.id, len(d.fields), d.size)
}

// A MessageSet is a registry of message definitions and enum entries loaded
// from a schema. A set is built once at startup and is read-only thereafter,
// so it may be shared freely between goroutines without locking.
type MessageSet struct {
	byName map[string]*MessageDefinition
	byID   map[uint32]*MessageDefinition
	enums  map[string]uint64
}

// NewMessageSet constructs a new, empty message set.
func NewMessageSet() *MessageSet {
	return &MessageSet{
		byName: make(map[string]*MessageDefinition),
		byID:   make(map[uint32]*MessageDefinition),
		enums:  make(map[string]uint64),
	}
}

// Add registers a definition in the set. Definitions must be unique by both
// name and ID. Add is not safe to call concurrently with readers; populate
// the set fully before sharing it.
func (ms *MessageSet) Add(def *MessageDefinition) error {
	if _, ok := ms.byName[def.name]; ok {
		return schemaErrf(def.name, "duplicate message name")
	}
	if prev, ok := ms.byID[def.id]; ok {
		return schemaErrf(def.name, "id %d already used by %s", def.id, prev.name)
	}
	ms.byName[def.name] = def
	ms.byID[def.id] = def
	return nil
}

// AddEnumEntry registers a single enum entry value under its globally unique
// entry name. Re-registering an entry with the same value is a no-op;
// conflicting values are a schema error.
func (ms *MessageSet) AddEnumEntry(entry string, val uint64) error {
	if prev, ok := ms.enums[entry]; ok && prev != val {
		return schemaErrf("", "enum entry %s redefined (%d vs %d)", entry, prev, val)
	}
	ms.enums[entry] = val
	return nil
}

// Definition reports the definition for the named message, if it exists.
func (ms *MessageSet) Definition(name string) (*MessageDefinition, bool) {
	d, ok := ms.byName[name]
	return d, ok
}

// DefinitionByID reports the definition with the given message ID, if it
// exists.
func (ms *MessageSet) DefinitionByID(id uint32) (*MessageDefinition, bool) {
	d, ok := ms.byID[id]
	return d, ok
}

// Len reports the number of message definitions in the set.
func (ms *MessageSet) Len() int { return len(ms.byName) }

// Create allocates a new zero-filled message bound to the named definition.
func (ms *MessageSet) Create(name string) (*Message, error) {
	d, ok := ms.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownMessage, name)
	}
	return newMessage(d), nil
}

// E resolves a symbolic enum entry name to its integer value.
func (ms *MessageSet) E(entry string) (uint64, error) {
	v, ok := ms.enums[entry]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownEnum, entry)
	}
	return v, nil
}

// IDForMessage resolves a message name to its numeric ID.
func (ms *MessageSet) IDForMessage(name string) (uint32, error) {
	d, ok := ms.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownMessage, name)
	}
	return d.id, nil
}
