package table

import (
	"context"
	"fmt"
	"reflect"

	"cborpc/codec"
	"cborpc/message"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	returnType  = reflect.TypeOf((*Return)(nil)).Elem()
)

// Reflect adapts an ordinary Go function into a Handler. fn may take a
// leading context.Context followed by any CBOR-decodable parameters, and may
// return nothing, a value, an error, or a value and an error. A value of type
// Return is normalized like any other handler result.
//
// Arguments are converted by re-encoding each decoded element into the
// parameter's type, so a wire uint64 fills an int32 parameter and a wire map
// fills a struct.
func Reflect(fn any) (Handler, error) {
	v := reflect.ValueOf(fn)
	typ := v.Type()
	if typ.Kind() != reflect.Func {
		return nil, fmt.Errorf("table: want a func, got %s", typ)
	}
	if typ.IsVariadic() {
		return nil, fmt.Errorf("table: variadic func %s not supported", typ)
	}

	first := 0
	if typ.NumIn() > 0 && typ.In(0) == contextType {
		first = 1
	}
	params := make([]reflect.Type, 0, typ.NumIn()-first)
	for i := first; i < typ.NumIn(); i++ {
		params = append(params, typ.In(i))
	}

	switch typ.NumOut() {
	case 0, 1:
	case 2:
		if typ.Out(1) != errorType {
			return nil, fmt.Errorf("table: second result of %s must be error", typ)
		}
	default:
		return nil, fmt.Errorf("table: func %s returns too many values", typ)
	}

	return func(ctx context.Context, args []any) (Return, error) {
		if len(args) != len(params) {
			return Fail(message.Errorf(message.RuntimeErrors, "expects %d arguments, got %d", len(params), len(args))), nil
		}
		in := make([]reflect.Value, 0, typ.NumIn())
		if first == 1 {
			in = append(in, reflect.ValueOf(ctx))
		}
		for i, p := range params {
			arg, err := convert(args[i], p)
			if err != nil {
				return Fail(message.Errorf(message.RuntimeErrors, "argument %d: %v", i, err)), nil
			}
			in = append(in, arg)
		}
		return results(v.Call(in))
	}, nil
}

// MustReflect is Reflect for functions known at compile time.
func MustReflect(fn any) Handler {
	h, err := Reflect(fn)
	if err != nil {
		panic(err)
	}
	return h
}

func convert(arg any, to reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(to), nil
	}
	if av := reflect.ValueOf(arg); av.Type().AssignableTo(to) {
		return av, nil
	}
	b, err := codec.Marshal(arg)
	if err != nil {
		return reflect.Value{}, err
	}
	ptr := reflect.New(to)
	if err := codec.Unmarshal(b, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}

func results(out []reflect.Value) (Return, error) {
	var err error
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		if e := out[n-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
		out = out[:n-1]
	}
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	if out[0].Type() == returnType {
		if out[0].IsNil() {
			return nil, nil
		}
		return out[0].Interface().(Return), nil
	}
	return Value(out[0].Interface()), nil
}

// RegisterService registers every exported method of rcvr that Reflect
// accepts as "<Type>.<Method>", assigning indices from base upward in method
// order. It returns the number of methods registered.
func (t *Table) RegisterService(rcvr any, base int64, opts RegisterOptions) (int, error) {
	v := reflect.ValueOf(rcvr)
	typ := v.Type()
	name := typ.Name()
	if typ.Kind() == reflect.Ptr {
		name = typ.Elem().Name()
	}
	if name == "" {
		return 0, fmt.Errorf("table: service %s has no type name", typ)
	}

	n := 0
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		h, err := Reflect(v.Method(i).Interface())
		if err != nil {
			continue
		}
		if err := t.Register(name+"."+m.Name, base+int64(n), h, opts); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
