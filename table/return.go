package table

import (
	"context"
	"fmt"

	"cborpc/message"
)

// Return is the shape a handler hands back. It is a closed set: build it
// with Value, Ok, Fail, Some, None, Defer or Go.
type Return interface {
	isReturn()
}

type (
	valueReturn    struct{ v any }
	okReturn       struct{ v any }
	failReturn     struct{ payload any }
	someReturn     struct{ v any }
	noneReturn     struct{}
	deferredReturn struct{ ch <-chan Return }
	raisedReturn   struct{ err *message.Error }
)

func (valueReturn) isReturn()    {}
func (okReturn) isReturn()       {}
func (failReturn) isReturn()     {}
func (someReturn) isReturn()     {}
func (noneReturn) isReturn()     {}
func (deferredReturn) isReturn() {}
func (raisedReturn) isReturn()   {}

// Value is a plain result.
func Value(v any) Return { return valueReturn{v: v} }

// Ok is the success side of a success/failure sum.
func Ok(v any) Return { return okReturn{v: v} }

// Fail is the failure side of a success/failure sum. The payload's code is
// kept only when it is a known error code; see failureError.
func Fail(payload any) Return { return failReturn{payload: payload} }

// Some is a present optional value.
func Some(v any) Return { return someReturn{v: v} }

// None is an absent optional value. It surfaces as OptionalNull.
func None() Return { return noneReturn{} }

// Defer is a value delivered later on ch. The table waits for one Return on
// ch and normalizes it in turn, so deferred values may nest.
func Defer(ch <-chan Return) Return { return deferredReturn{ch: ch} }

// Go runs fn on its own goroutine and returns its outcome as a deferred
// value. Errors and panics inside fn become RuntimeErrors.
func Go(fn func() (Return, error)) Return {
	ch := make(chan Return, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- raisedReturn{err: panicError(r)}
			}
		}()
		ret, err := fn()
		if err != nil {
			ch <- raisedReturn{err: handlerError(err)}
			return
		}
		ch <- ret
	}()
	return Defer(ch)
}

// normalize collapses any Return into a single success value or error.
func normalize(ctx context.Context, r Return) (any, *message.Error) {
	switch rv := r.(type) {
	case nil:
		return nil, nil
	case valueReturn:
		return rv.v, nil
	case okReturn:
		return rv.v, nil
	case failReturn:
		return nil, failureError(rv.payload)
	case someReturn:
		return rv.v, nil
	case noneReturn:
		return nil, message.New(message.OptionalNull)
	case deferredReturn:
		if rv.ch == nil {
			return nil, message.Errorf(message.RuntimeErrors, "deferred value has no channel")
		}
		select {
		case next, open := <-rv.ch:
			if !open {
				return nil, message.Errorf(message.RuntimeErrors, "deferred value closed without a result")
			}
			return normalize(ctx, next)
		case <-ctx.Done():
			return nil, message.New(message.RuntimeErrors).WithExtra(ctx.Err())
		}
	case raisedReturn:
		return nil, rv.err
	default:
		return nil, message.Errorf(message.RuntimeErrors, "unsupported return %T", r)
	}
}

// failureError builds the error for a Fail payload. The payload's code is
// trusted only when it belongs to the taxonomy.
func failureError(payload any) *message.Error {
	code := message.RuntimeErrors
	msg := ""
	switch p := payload.(type) {
	case *message.Error:
		if p != nil {
			code, msg = p.Code, p.Message
		}
	case message.Error:
		code, msg = p.Code, p.Message
	case map[string]any:
		code, msg = fieldsOf(p["code"], p["message"])
	case map[any]any:
		code, msg = fieldsOf(p["code"], p["message"])
	case error:
		msg = p.Error()
	}
	if !code.Known() {
		code = message.RuntimeErrors
	}
	return &message.Error{Code: code, Message: msg, Extra: payload}
}

func fieldsOf(rawCode, rawMsg any) (message.Code, string) {
	code := message.RuntimeErrors
	switch c := rawCode.(type) {
	case message.Code:
		code = c
	default:
		if n, ok := message.AsInt64(c); ok {
			code = message.Code(n)
		}
	}
	msg, _ := rawMsg.(string)
	return code, msg
}

func handlerError(err error) *message.Error {
	return &message.Error{Code: message.RuntimeErrors, Message: err.Error(), Extra: err}
}

func panicError(r any) *message.Error {
	out := &message.Error{Code: message.RuntimeErrors, Extra: r}
	switch v := r.(type) {
	case error:
		out.Message = v.Error()
	case string:
		out.Message = v
	case fmt.Stringer:
		out.Message = v.String()
	}
	return out
}
