// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

// Package dialect loads MAVLink dialect definition files into a
// mav.MessageSet.
//
// A dialect file declares messages (numeric id, name, ordered fields with a
// type, optional array length, and optional enum tag) and enums (named
// entries with integer values). Dialects may include other dialect files;
// includes are resolved relative to the including file and each file is
// loaded at most once.
//
// Field order in the file is declaration order. On the wire, MAVLink sorts
// the non-extension fields of a message by decreasing type size (stable
// within equal sizes); fields after the <extensions/> marker keep their
// declaration order at the end of the payload. The loader performs that
// reordering here, once, so the resulting definitions hold fields in wire
// order and the extra-CRC seed derived from them matches other MAVLink
// implementations.
package dialect

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/creachadair/mds/mapset"
	"github.com/parafoil-dev/mav"
)

// LoadFile parses the dialect file at path, resolves its includes, and
// builds a message set. Malformed field specs, duplicate message names or
// IDs, and conflicting enum entries are schema errors and fail the load.
func LoadFile(path string) (*mav.MessageSet, error) {
	ms := mav.NewMessageSet()
	seen := mapset.New[string]()
	if err := loadInto(ms, path, seen); err != nil {
		return nil, err
	}
	return ms, nil
}

// Load parses a single dialect document from r. A document with includes
// cannot be loaded from a stream and reports an error; use LoadFile.
func Load(r io.Reader) (*mav.MessageSet, error) {
	doc, err := parse(r)
	if err != nil {
		return nil, err
	}
	if len(doc.Includes) != 0 {
		return nil, fmt.Errorf("dialect stream has includes; load it from a file")
	}
	ms := mav.NewMessageSet()
	if err := apply(ms, doc); err != nil {
		return nil, err
	}
	return ms, nil
}

func loadInto(ms *mav.MessageSet, path string, seen mapset.Set[string]) error {
	clean := filepath.Clean(path)
	if seen.Has(clean) {
		return nil
	}
	seen.Add(clean)

	f, err := os.Open(clean)
	if err != nil {
		return fmt.Errorf("load dialect: %w", err)
	}
	doc, err := parse(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("load dialect %s: %w", clean, err)
	}

	// Included dialects are loaded first, so a dialect may reference the
	// enums of its includes.
	dir := filepath.Dir(clean)
	for _, inc := range doc.Includes {
		if err := loadInto(ms, filepath.Join(dir, inc), seen); err != nil {
			return err
		}
	}
	return apply(ms, doc)
}

type xmlDoc struct {
	XMLName  xml.Name     `xml:"mavlink"`
	Includes []string     `xml:"include"`
	Enums    []xmlEnum    `xml:"enums>enum"`
	Messages []xmlMessage `xml:"messages>message"`
}

type xmlEnum struct {
	Name    string     `xml:"name,attr"`
	Entries []xmlEntry `xml:"entry"`
}

type xmlEntry struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlField struct {
	Type      string `xml:"type,attr"`
	Name      string `xml:"name,attr"`
	Enum      string `xml:"enum,attr"`
	Extension bool   `xml:"-"`
}

type xmlMessage struct {
	ID     uint32
	Name   string
	Fields []xmlField
}

// UnmarshalXML walks the message element by token so that fields after the
// <extensions/> marker can be distinguished from the frozen field set.
func (m *xmlMessage) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, a := range start.Attr {
		switch a.Name.Local {
		case "id":
			id, err := strconv.ParseUint(a.Value, 10, 32)
			if err != nil {
				return fmt.Errorf("message id %q: %w", a.Value, err)
			}
			m.ID = uint32(id)
		case "name":
			m.Name = a.Value
		}
	}

	ext := false
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "field":
				var f xmlField
				if err := d.DecodeElement(&f, &t); err != nil {
					return err
				}
				f.Extension = ext
				m.Fields = append(m.Fields, f)
			case "extensions":
				ext = true
				if err := d.Skip(); err != nil {
					return err
				}
			default:
				// description, wip, deprecated, ...
				if err := d.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			if t.Name == start.Name {
				return nil
			}
		}
	}
}

func parse(r io.Reader) (*xmlDoc, error) {
	var doc xmlDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse dialect: %w", err)
	}
	return &doc, nil
}

// apply merges one parsed document into the message set.
func apply(ms *mav.MessageSet, doc *xmlDoc) error {
	for _, e := range doc.Enums {
		next := uint64(0)
		for _, entry := range e.Entries {
			val := next
			if entry.Value != "" {
				v, err := strconv.ParseUint(entry.Value, 0, 64)
				if err != nil {
					return fmt.Errorf("enum %s entry %s: bad value %q", e.Name, entry.Name, entry.Value)
				}
				val = v
			}
			if err := ms.AddEnumEntry(entry.Name, val); err != nil {
				return err
			}
			next = val + 1
		}
	}

	for _, msg := range doc.Messages {
		fields, err := wireOrder(msg)
		if err != nil {
			return err
		}
		def, err := mav.NewMessageDefinition(msg.ID, msg.Name, fields)
		if err != nil {
			return err
		}
		if err := ms.Add(def); err != nil {
			return err
		}
	}
	return nil
}

// wireOrder converts a message's declared fields to mav.Field values in
// MAVLink wire order.
func wireOrder(msg xmlMessage) ([]mav.Field, error) {
	fields := make([]mav.Field, 0, len(msg.Fields))
	var ext []mav.Field
	for _, f := range msg.Fields {
		ft, err := parseType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("message %s field %s: %w", msg.Name, f.Name, err)
		}
		ft.Enum = f.Enum
		mf := mav.Field{Name: f.Name, Type: ft, Extension: f.Extension}
		if f.Extension {
			ext = append(ext, mf)
		} else {
			fields = append(fields, mf)
		}
	}
	slices.SortStableFunc(fields, func(a, b mav.Field) int {
		return b.Type.Kind.Size() - a.Type.Kind.Size()
	})
	return append(fields, ext...), nil
}

var kindForName = map[string]mav.FieldKind{
	"uint8_t":                 mav.KindUint8,
	"uint8_t_mavlink_version": mav.KindUint8,
	"uint16_t":                mav.KindUint16,
	"uint32_t":                mav.KindUint32,
	"uint64_t":                mav.KindUint64,
	"int8_t":                  mav.KindInt8,
	"int16_t":                 mav.KindInt16,
	"int32_t":                 mav.KindInt32,
	"int64_t":                 mav.KindInt64,
	"float":                   mav.KindFloat32,
	"double":                  mav.KindFloat64,
	"char":                    mav.KindChar,
}

// parseType parses a declared field type such as "uint16_t" or "char[16]".
func parseType(s string) (mav.FieldType, error) {
	base := s
	arrayLen := 0
	if i := strings.IndexByte(s, '['); i >= 0 {
		if !strings.HasSuffix(s, "]") {
			return mav.FieldType{}, fmt.Errorf("malformed type %q", s)
		}
		n, err := strconv.Atoi(s[i+1 : len(s)-1])
		if err != nil || n <= 0 || n > 255 {
			return mav.FieldType{}, fmt.Errorf("malformed array length in %q", s)
		}
		base, arrayLen = s[:i], n
	}
	kind, ok := kindForName[base]
	if !ok {
		return mav.FieldType{}, fmt.Errorf("unknown type %q", s)
	}
	return mav.FieldType{Kind: kind, ArrayLen: arrayLen}, nil
}
