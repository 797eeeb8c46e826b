package message

import (
	"errors"
	"fmt"
)

// Code is a stable numeric error code carried on the wire.
type Code int

const (
	RuntimeErrors Code = 0x10 // handler returned an error or panicked

	BadMagicNumber Code = 0x20
	BadType        Code = 0x21
	BadLength      Code = 0x22
	BadCBOR        Code = 0x23

	DuplicateStringIndex Code = 0x31
	DuplicateNumberIndex Code = 0x32

	InvalidMethod Code = 0x40
	OptionalNull  Code = 0x41 // handler returned None()
)

var codeNames = map[Code]string{
	RuntimeErrors:        "RuntimeErrors",
	BadMagicNumber:       "BadMagicNumber",
	BadType:              "BadType",
	BadLength:            "BadLength",
	BadCBOR:              "BadCBOR",
	DuplicateStringIndex: "DuplicateStringIndex",
	DuplicateNumberIndex: "DuplicateNumberIndex",
	InvalidMethod:        "InvalidMethod",
	OptionalNull:         "OptionalNull",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(0x%02x)", int(c))
}

// Known reports whether c is part of the error taxonomy.
func (c Code) Known() bool {
	_, ok := codeNames[c]
	return ok
}

// WireLevel reports whether c describes a malformed frame. Such errors are
// logged and dropped, never answered.
func (c Code) WireLevel() bool {
	return c >= BadMagicNumber && c <= BadCBOR
}

// Magic is the leading element of every frame and names its role.
type Magic uint8

const (
	MagicRequest      Magic = 0x00
	MagicResponse     Magic = 0x01
	MagicNotification Magic = 0x02 // reserved, not dispatched
)

// Error is an RPC error. Extra is local diagnostic context (a decoded frame,
// a recovered panic, a failure payload) and is never written to the wire.
type Error struct {
	Code    Code
	Message string
	Extra   any
}

func New(code Code) *Error {
	return &Error{Code: code}
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithExtra returns a copy of e carrying extra.
func (e *Error) WithExtra(extra any) *Error {
	cp := *e
	cp.Extra = extra
	return &cp
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "rpc: " + e.Code.String()
	}
	return "rpc: " + e.Code.String() + ": " + e.Message
}

// Unwrap exposes Extra when it is itself an error.
func (e *Error) Unwrap() error {
	if err, ok := e.Extra.(error); ok {
		return err
	}
	return nil
}

// Is matches any *Error with the same code, so errors.Is(err, New(InvalidMethod))
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// CodeOf returns the code of the first *Error in err's chain, or
// RuntimeErrors for any other non-nil error.
func CodeOf(err error) (Code, bool) {
	if err == nil {
		return 0, false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return RuntimeErrors, true
}

// VoidOk is the result written when a handler produces neither a value nor
// an error. It distinguishes "returned nothing" from an explicit null.
func VoidOk() map[uint64]uint64 {
	return map[uint64]uint64{0: 1}
}

// IsVoid reports whether v is a decoded VoidOk sentinel.
func IsVoid(v any) bool {
	switch m := v.(type) {
	case map[uint64]uint64:
		return len(m) == 1 && m[0] == 1
	case map[any]any:
		if len(m) != 1 {
			return false
		}
		for k, val := range m {
			ki, ok := AsInt64(k)
			if !ok || ki != 0 {
				return false
			}
			vi, ok := AsInt64(val)
			return ok && vi == 1
		}
	}
	return false
}
