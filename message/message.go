// Package message defines the values exchanged by the cborpc runtime: the
// error taxonomy, method keys, and the decoded call and result messages.
//
// A CallMessage is produced by the codec from one request frame and consumed
// once by the function table. A ResultMessage is built from the table's
// outcome and handed back to the codec to become one response frame.
package message

import (
	"math"
	"math/big"
	"strconv"
)

// Key addresses a registered method by string name or numeric index.
// The zero Key is the empty name.
type Key struct {
	name    string
	index   int64
	numeric bool
}

func Name(name string) Key { return Key{name: name} }

func Index(index int64) Key { return Key{index: index, numeric: true} }

func (k Key) IsNumeric() bool { return k.numeric }

func (k Key) Name() string { return k.name }

func (k Key) Index() int64 { return k.index }

func (k Key) String() string {
	if k.numeric {
		return "#" + strconv.FormatInt(k.index, 10)
	}
	return k.name
}

// Value returns the key as it appears on the wire.
func (k Key) Value() any {
	if k.numeric {
		return k.index
	}
	return k.name
}

// CallMessage is a validated request frame.
type CallMessage struct {
	MsgID  int64
	Method Key
	Params []any
}

// ResultMessage is the outcome of one call. When Error is set, Result is
// ignored by the encoder.
type ResultMessage struct {
	MsgID  int64
	Error  *Error
	Result any
}

// AsInt64 converts a decoded CBOR number into an int64. Floats are accepted
// only when integral; values outside the int64 range are rejected.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return AsInt64(float64(n))
	case *big.Int:
		if !n.IsInt64() {
			return 0, false
		}
		return n.Int64(), true
	case big.Int:
		return AsInt64(&n)
	}
	return 0, false
}

// IsNumber reports whether v is any decoded CBOR number.
func IsNumber(v any) bool {
	switch v.(type) {
	case int64, uint64, int, int32, uint32, float64, float32, *big.Int, big.Int:
		return true
	}
	return false
}
