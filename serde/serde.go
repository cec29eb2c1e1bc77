// Package serde converts structured Go values to script values and back.
//
// It complements the conversion table of the qjsbind package with the
// features a data format needs: struct tags with omitempty, positional
// structs, externally tagged enums, time values as Date objects, hooks
// through Marshaler and Unmarshaler, and cycle detection in both
// directions.
//
// Values are described by the qjs struct tag:
//
//	type Point struct {
//		_ struct{} `qjs:",array"` // encode as [x, y]
//		X int
//		Y int
//	}
//
//	type User struct {
//		Name  string `qjs:"name"`
//		Email string `qjs:"email,omitempty"`
//		Token string `qjs:"-"`
//	}
package serde

import (
	"errors"
	"reflect"

	"github.com/qjsbind/qjsbind"
)

var (
	ErrUnsupportedType = errors.New("unsupported type")
	ErrExpectedArray   = errors.New("expected array")
	ErrExpectedObject  = errors.New("expected object")
	ErrExpectedString  = errors.New("expected string")
	ErrExpectedNumber  = errors.New("expected number")
	ErrExpectedBool    = errors.New("expected boolean")
	ErrExpectedDate    = errors.New("expected date")
	ErrOverflow        = errors.New("value out of range")
	ErrUnknownVariant  = errors.New("unknown enum variant")
	ErrUnknownField    = errors.New("unknown field")
)

// Marshaler is implemented by types that build their own script value.
type Marshaler interface {
	MarshalJS(ctx *qjsbind.Context) (*qjsbind.OwnedValue, error)
}

// Unmarshaler is implemented by types that read themselves from a script
// value. The value is borrowed.
type Unmarshaler interface {
	UnmarshalJS(v *qjsbind.OwnedValue) error
}

var (
	marshalerType   = reflect.TypeOf((*Marshaler)(nil)).Elem()
	unmarshalerType = reflect.TypeOf((*Unmarshaler)(nil)).Elem()
)

// Option configures Unmarshal.
type Option func(*options)

type options struct {
	disallowUnknownFields bool
}

// DisallowUnknownFields makes object keys without a matching struct field
// an error.
func DisallowUnknownFields() Option {
	return func(o *options) {
		o.disallowUnknownFields = true
	}
}

// Marshal encodes v into a new value of ctx. A failing element releases
// everything built so far.
func Marshal(ctx *qjsbind.Context, v any) (*qjsbind.OwnedValue, error) {
	e := &encoder{ctx: ctx, visiting: map[visit]struct{}{}}
	defer e.release()
	return e.encode(reflect.ValueOf(v))
}

// Unmarshal decodes v into the value out points to. v stays owned by the
// caller.
func Unmarshal(v *qjsbind.OwnedValue, out any, opts ...Option) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return qjsbind.NewError(qjsbind.KindConversion).
			Op("unmarshal").
			Cause(ErrUnsupportedType).
			Detail("unmarshal target must be a non-nil pointer, got %T", out).
			Build()
	}

	d := newDecoder(v)
	for _, opt := range opts {
		opt(&d.opts)
	}
	defer d.release()
	return d.decode(rv.Elem())
}
