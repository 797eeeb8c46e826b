package codec

import (
	"errors"

	"cborpc/message"
)

// FrameLen is the number of elements every frame carries.
const FrameLen = 4

// ErrEmptyResult is returned by EncodeResult in strict mode when a result
// carries neither an error nor a value. It marks a caller bug.
var ErrEmptyResult = errors.New("codec: both error and result are empty")

var errBadErrorSlot = errors.New("codec: malformed error slot")

// wireError is the only error shape written to the wire. Extra has no field
// here on purpose: it never leaves the process.
type wireError struct {
	Code    int     `cbor:"code"`
	Message *string `cbor:"message"`
}

// DecodeCall validates one inbound frame. The returned error is always a
// *message.Error whose Extra holds diagnostics for logging.
func DecodeCall(frame []byte) (message.CallMessage, error) {
	var raw any
	if err := Unmarshal(frame, &raw); err != nil {
		return message.CallMessage{}, message.New(message.BadCBOR).WithExtra(err)
	}

	arr, ok := raw.([]any)
	if !ok || len(arr) < FrameLen {
		return message.CallMessage{}, message.New(message.BadLength).WithExtra(raw)
	}
	magic, msgID, method, params := arr[0], arr[1], arr[2], arr[3]

	if !message.IsNumber(magic) {
		return message.CallMessage{}, message.New(message.BadType).WithExtra(raw)
	}
	if m, ok := message.AsInt64(magic); !ok || m != int64(message.MagicRequest) {
		return message.CallMessage{}, message.New(message.BadMagicNumber).WithExtra(raw)
	}

	id, ok := message.AsInt64(msgID)
	if !ok {
		return message.CallMessage{}, message.New(message.BadType).WithExtra(raw)
	}

	var key message.Key
	switch m := method.(type) {
	case string:
		key = message.Name(m)
	default:
		idx, ok := message.AsInt64(m)
		if !ok {
			return message.CallMessage{}, message.New(message.BadType).WithExtra(raw)
		}
		key = message.Index(idx)
	}

	args, ok := params.([]any)
	if !ok {
		return message.CallMessage{}, message.New(message.BadType).WithExtra(raw)
	}

	return message.CallMessage{MsgID: id, Method: key, Params: args}, nil
}

// EncodeResult builds a response frame. Extra is dropped from errors. With
// both error and result empty, strict mode returns ErrEmptyResult and
// non-strict mode writes message.VoidOk as the result.
func EncodeResult(res message.ResultMessage, strict bool) ([]byte, error) {
	var cleanError *wireError
	if res.Error != nil {
		cleanError = &wireError{Code: int(res.Error.Code)}
		if res.Error.Message != "" {
			msg := res.Error.Message
			cleanError.Message = &msg
		}
	}

	result := res.Result
	if cleanError != nil {
		result = nil
	} else if result == nil {
		if strict {
			return nil, ErrEmptyResult
		}
		result = message.VoidOk()
	}

	return Marshal([]any{message.MagicResponse, res.MsgID, cleanError, result})
}

// EncodeCall builds a request frame.
func EncodeCall(call message.CallMessage) ([]byte, error) {
	params := call.Params
	if params == nil {
		params = []any{}
	}
	return Marshal([]any{message.MagicRequest, call.MsgID, call.Method.Value(), params})
}

// DecodeResult validates one response frame on the calling side. A VoidOk
// result is returned as is; callers decide whether to collapse it to nil.
func DecodeResult(frame []byte) (message.ResultMessage, error) {
	var raw any
	if err := Unmarshal(frame, &raw); err != nil {
		return message.ResultMessage{}, message.New(message.BadCBOR).WithExtra(err)
	}

	arr, ok := raw.([]any)
	if !ok || len(arr) < FrameLen {
		return message.ResultMessage{}, message.New(message.BadLength).WithExtra(raw)
	}
	if !message.IsNumber(arr[0]) {
		return message.ResultMessage{}, message.New(message.BadType).WithExtra(raw)
	}
	if m, ok := message.AsInt64(arr[0]); !ok || m != int64(message.MagicResponse) {
		return message.ResultMessage{}, message.New(message.BadMagicNumber).WithExtra(raw)
	}
	id, ok := message.AsInt64(arr[1])
	if !ok {
		return message.ResultMessage{}, message.New(message.BadType).WithExtra(raw)
	}

	out := message.ResultMessage{MsgID: id, Result: arr[3]}
	if arr[2] != nil {
		rpcErr, err := decodeErrorSlot(arr[2])
		if err != nil {
			return message.ResultMessage{}, message.New(message.BadType).WithExtra(err)
		}
		out.Error = rpcErr
		out.Result = nil
	}
	return out, nil
}

func decodeErrorSlot(slot any) (*message.Error, error) {
	m, ok := slot.(map[any]any)
	if !ok {
		return nil, errBadErrorSlot
	}
	code, ok := message.AsInt64(m["code"])
	if !ok {
		return nil, errBadErrorSlot
	}
	out := &message.Error{Code: message.Code(code)}
	switch msg := m["message"].(type) {
	case nil:
	case string:
		out.Message = msg
	default:
		return nil, errBadErrorSlot
	}
	return out, nil
}
