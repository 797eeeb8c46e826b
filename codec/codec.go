// Package codec turns cborpc frames into messages and back.
//
// Every frame is one CBOR array:
//
//	request:  [0x00, msg_id, method, params]
//	response: [0x01, msg_id, error|null, result|null]
//
// All packages share the encoding and decoding modes defined here, so the
// same logical value always produces the same bytes (RFC 8949 Core
// Deterministic Encoding: sorted map keys, shortest integers, definite
// lengths).
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: build enc mode: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  32,
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		DefaultMapType:   reflect.TypeOf(map[any]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: build dec mode: " + err.Error())
	}
}

// Marshal encodes v with the shared deterministic mode.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v with the shared limits. Trailing bytes are an
// error.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
