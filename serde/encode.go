package serde

import (
	"encoding"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/qjsbind/qjsbind"
	"github.com/qjsbind/qjsbind/abi"
	"github.com/qjsbind/qjsbind/js"
)

var (
	timeType          = reflect.TypeOf(time.Time{})
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// visit identifies a pointer, map or slice being encoded.
type visit struct {
	ptr uintptr
	typ reflect.Type
	len int
}

type encoder struct {
	ctx      *qjsbind.Context
	visiting map[visit]struct{}
	date     *qjsbind.Function
}

func (e *encoder) release() {
	if e.date != nil {
		e.date.Free()
	}
}

func (e *encoder) errorf(cause error, format string, args ...any) error {
	return qjsbind.NewError(qjsbind.KindConversion).Op("marshal").Cause(cause).Detail(format, args...).Build()
}

func (e *encoder) null() *qjsbind.OwnedValue {
	return qjsbind.NewOwned(e.ctx, abi.Null)
}

func (e *encoder) encode(rv reflect.Value) (*qjsbind.OwnedValue, error) {
	for rv.IsValid() && rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return e.null(), nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return e.null(), nil
	}

	t := rv.Type()
	if t.Implements(marshalerType) {
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return e.null(), nil
		}
		return rv.Interface().(Marshaler).MarshalJS(e.ctx)
	}
	if rv.Kind() != reflect.Pointer && rv.CanAddr() && reflect.PointerTo(t).Implements(marshalerType) {
		return rv.Addr().Interface().(Marshaler).MarshalJS(e.ctx)
	}

	if t == timeType {
		return e.encodeTime(rv.Interface().(time.Time))
	}
	if rv.CanInterface() {
		switch x := rv.Interface().(type) {
		case *qjsbind.OwnedValue, *qjsbind.Object, *qjsbind.Array, *qjsbind.Function,
			*qjsbind.Promise, *qjsbind.Module, *qjsbind.CompiledFunction, *big.Int:
			return e.ctx.ToValue(x)
		}
	}

	if v, ok := variantOf(t); ok {
		return e.encodeVariant(v, rv)
	}
	return e.encodeKind(rv)
}

func (e *encoder) encodeKind(rv reflect.Value) (*qjsbind.OwnedValue, error) {
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return e.null(), nil
		}
		leave, err := e.enter(rv)
		if err != nil {
			return nil, err
		}
		defer leave()
		return e.encode(rv.Elem())
	case reflect.Bool:
		return qjsbind.NewOwned(e.ctx, abi.Bool(rv.Bool())), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.number(float64(rv.Int()), rv.Int() >= math.MinInt32 && rv.Int() <= math.MaxInt32), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return e.number(float64(rv.Uint()), rv.Uint() <= math.MaxInt32), nil
	case reflect.Float32, reflect.Float64:
		return qjsbind.NewOwned(e.ctx, abi.Float64(rv.Float())), nil
	case reflect.String:
		return e.ctx.NewString(rv.String())
	case reflect.Func:
		if rv.IsNil() {
			return e.null(), nil
		}
		return e.ctx.ToValue(rv.Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return e.null(), nil
		}
		if _, ok := js.TypedArrayName(rv.Type()); ok {
			return e.ctx.ToValue(rv.Interface())
		}
		leave, err := e.enter(rv)
		if err != nil {
			return nil, err
		}
		defer leave()
		return e.encodeArray(rv)
	case reflect.Array:
		if _, ok := js.TypedArrayName(rv.Type()); ok {
			return e.ctx.ToValue(rv.Interface())
		}
		return e.encodeArray(rv)
	case reflect.Map:
		if rv.IsNil() {
			return e.null(), nil
		}
		leave, err := e.enter(rv)
		if err != nil {
			return nil, err
		}
		defer leave()
		return e.encodeMap(rv)
	case reflect.Struct:
		return e.encodeStruct(rv)
	}
	return nil, e.errorf(ErrUnsupportedType, "unsupported type %s", rv.Type())
}

func (e *encoder) number(f float64, small bool) *qjsbind.OwnedValue {
	if small {
		return qjsbind.NewOwned(e.ctx, abi.Int32(int32(f)))
	}
	return qjsbind.NewOwned(e.ctx, abi.Float64(f))
}

// enter marks a reference type as being encoded. Meeting it again below
// itself is a cycle.
func (e *encoder) enter(rv reflect.Value) (func(), error) {
	key := visit{ptr: rv.Pointer(), typ: rv.Type()}
	if rv.Kind() == reflect.Slice {
		key.len = rv.Len()
	}
	if _, ok := e.visiting[key]; ok {
		return nil, qjsbind.NewError(qjsbind.KindCircularReference).
			Op("marshal").
			Detail("circular reference detected through %s", rv.Type()).
			Build()
	}
	e.visiting[key] = struct{}{}
	return func() { delete(e.visiting, key) }, nil
}

// encodeArray builds the array element by element. A failing element
// releases the partial array.
func (e *encoder) encodeArray(rv reflect.Value) (*qjsbind.OwnedValue, error) {
	arr, err := e.ctx.NewArray()
	if err != nil {
		return nil, err
	}
	for i := 0; i < rv.Len(); i++ {
		v, err := e.encode(rv.Index(i))
		if err != nil {
			arr.Free()
			return nil, err
		}
		if err := arr.SetIndex(uint32(i), v); err != nil {
			arr.Free()
			return nil, err
		}
	}
	return arr.IntoValue(), nil
}

// encodeMap sorts the keys so the property order is stable.
func (e *encoder) encodeMap(rv reflect.Value) (*qjsbind.OwnedValue, error) {
	keys := make([]string, 0, rv.Len())
	values := make(map[string]reflect.Value, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key, err := e.mapKey(iter.Key())
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		values[key] = iter.Value()
	}
	sort.Strings(keys)

	obj, err := e.ctx.NewObject()
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		v, err := e.encode(values[key])
		if err != nil {
			obj.Free()
			return nil, err
		}
		if err := obj.SetProperty(key, v); err != nil {
			obj.Free()
			return nil, err
		}
	}
	return obj.IntoValue(), nil
}

func (e *encoder) mapKey(key reflect.Value) (string, error) {
	if key.Type().Implements(textMarshalerType) {
		if key.Kind() == reflect.Pointer && key.IsNil() {
			return "", nil
		}
		text, err := key.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return "", e.errorf(err, "map key %v", key)
		}
		return string(text), nil
	}
	switch key.Kind() {
	case reflect.String:
		return key.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(key.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(key.Uint(), 10), nil
	}
	return "", e.errorf(ErrUnsupportedType, "unsupported map key type %s", key.Type())
}

// encodeStruct writes the fields in declaration order. A struct without
// fields is null, a positional struct an array.
func (e *encoder) encodeStruct(rv reflect.Value) (*qjsbind.OwnedValue, error) {
	info := typeInfo(rv.Type())
	if info.array {
		return e.encodePositional(rv, info)
	}
	if len(info.fields) == 0 {
		return e.null(), nil
	}

	obj, err := e.ctx.NewObject()
	if err != nil {
		return nil, err
	}
	for _, f := range info.fields {
		fv, ok := fieldByIndex(rv, f.index, false)
		if !ok || (f.omitEmpty && isEmptyValue(fv)) {
			continue
		}
		v, err := e.encode(fv)
		if err != nil {
			obj.Free()
			return nil, err
		}
		if err := obj.SetProperty(f.name, v); err != nil {
			obj.Free()
			return nil, err
		}
	}
	return obj.IntoValue(), nil
}

func (e *encoder) encodePositional(rv reflect.Value, info *structInfo) (*qjsbind.OwnedValue, error) {
	arr, err := e.ctx.NewArray()
	if err != nil {
		return nil, err
	}
	for i, f := range info.fields {
		var v *qjsbind.OwnedValue
		if fv, ok := fieldByIndex(rv, f.index, false); ok {
			v, err = e.encode(fv)
		} else {
			v = e.null()
		}
		if err != nil {
			arr.Free()
			return nil, err
		}
		if err := arr.SetIndex(uint32(i), v); err != nil {
			arr.Free()
			return nil, err
		}
	}
	return arr.IntoValue(), nil
}

func (e *encoder) encodeVariant(v variant, rv reflect.Value) (*qjsbind.OwnedValue, error) {
	if isUnitVariant(rv.Type()) {
		return e.ctx.NewString(v.name)
	}

	payload, err := e.encodePayload(rv)
	if err != nil {
		return nil, err
	}
	obj, err := e.ctx.NewObject()
	if err != nil {
		payload.Free()
		return nil, err
	}
	if err := obj.SetProperty(v.name, payload); err != nil {
		obj.Free()
		return nil, err
	}
	return obj.IntoValue(), nil
}

// encodePayload encodes the content of a variant without looking its type
// up again.
func (e *encoder) encodePayload(rv reflect.Value) (*qjsbind.OwnedValue, error) {
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return e.null(), nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct {
		return e.encodeStruct(rv)
	}
	return e.encodeKind(rv)
}

// encodeTime creates a Date. Precision below a millisecond is lost.
func (e *encoder) encodeTime(t time.Time) (*qjsbind.OwnedValue, error) {
	if e.date == nil {
		ctor, err := dateConstructor(e.ctx)
		if err != nil {
			return nil, err
		}
		e.date = ctor
	}
	obj, err := e.date.New(qjsbind.NewOwned(e.ctx, abi.Float64(float64(t.UnixMilli()))))
	if err != nil {
		return nil, err
	}
	return obj.IntoValue(), nil
}

func dateConstructor(ctx *qjsbind.Context) (*qjsbind.Function, error) {
	global, err := ctx.Global()
	if err != nil {
		return nil, err
	}
	defer global.Free()

	v, err := global.PropertyRequire("Date")
	if err != nil {
		return nil, err
	}
	fn, err := v.IntoFunction()
	if err != nil {
		v.Free()
		return nil, err
	}
	return fn, nil
}
