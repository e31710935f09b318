// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

package mav

import (
	"errors"
	"fmt"
)

// Sentinel errors reported by the message and connection APIs. Use errors.Is
// to test for them; most are returned wrapped with additional context.
var (
	// ErrTimeout is reported when a blocking receive or await expires before
	// a matching message arrives.
	ErrTimeout = errors.New("timed out")

	// ErrRuntimeClosed is reported by operations on a runtime or connection
	// after the runtime has been torn down. Blocked receives are woken with
	// this error during shutdown.
	ErrRuntimeClosed = errors.New("runtime is closed")

	// ErrUnknownMessage is reported when a message name or numeric ID does
	// not resolve to any definition in the message set.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrUnknownEnum is reported when an enum entry name does not resolve to
	// a value in any loaded enum.
	ErrUnknownEnum = errors.New("unknown enum entry")

	// ErrUnknownField is reported when a field name does not exist in the
	// message's definition.
	ErrUnknownField = errors.New("unknown field")

	// ErrFieldLength is reported when an array or string assignment does not
	// fit the field's declared array length.
	ErrFieldLength = errors.New("field length mismatch")

	// ErrWrongFieldType is reported when an accessor is used on a field whose
	// declared type it cannot serve, such as FloatUnpack on an integer field.
	ErrWrongFieldType = errors.New("wrong field type")
)

// A SchemaError reports a malformed or conflicting schema definition. Schema
// errors are fatal at load time: a message set is never partially built.
type SchemaError struct {
	Message string // offending message name, if known
	Reason  string
}

// Error satisfies the error interface.
func (e *SchemaError) Error() string {
	if e.Message == "" {
		return "schema: " + e.Reason
	}
	return fmt.Sprintf("schema: message %s: %s", e.Message, e.Reason)
}

func schemaErrf(msg, format string, args ...any) *SchemaError {
	return &SchemaError{Message: msg, Reason: fmt.Sprintf(format, args...)}
}

// A DecodeError reports a frame that could not be decoded. The receiver loop
// treats decode errors as recoverable: the frame is dropped and the loop
// continues.
type DecodeError struct {
	Reason string
	ID     uint32 // message ID, when the header was readable
	Err    error  // underlying cause, if any
}

// Error satisfies the error interface.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return "decode frame: " + e.Reason
}

// Unwrap reports the underlying error of e, or nil.
func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErrf(id uint32, format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), ID: id}
}
