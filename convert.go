package qjsbind

import (
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"

	"github.com/qjsbind/qjsbind/abi"
	"github.com/qjsbind/qjsbind/js"
)

// Conversion table shared by callbacks, globals, CallFunction and EvalAs.
//
//	Go                           JS
//	nil, nil pointer             null
//	bool                         boolean
//	integers                     number (Int when it fits an int32)
//	floats                       number
//	string                       string
//	*big.Int                     bigint
//	error                        Error (to JS only)
//	slices, arrays               Array
//	js typed array mirrors       typed array of the same name
//	maps with string/int keys    Object
//	structs                      Object of the exported fields
//	functions                    function created with CreateCallback
//	*OwnedValue and views        the value itself
//	any                          decoded generically (to Go only)
//
// Struct field names come from the qjs tag when present. Decoding a
// container that contains itself fails with a CircularReference error.
// Proxies are decoded as their target.

var (
	ownedValueType       = reflect.TypeOf((*OwnedValue)(nil))
	objectType           = reflect.TypeOf((*Object)(nil))
	arrayType            = reflect.TypeOf((*Array)(nil))
	functionType         = reflect.TypeOf((*Function)(nil))
	promiseType          = reflect.TypeOf((*Promise)(nil))
	moduleType           = reflect.TypeOf((*Module)(nil))
	compiledFunctionType = reflect.TypeOf((*CompiledFunction)(nil))
	bigIntType           = reflect.TypeOf((*big.Int)(nil))
)

const fieldTag = "qjs"

// ToValue converts a Go value. It never consumes its argument: values and
// views are cloned.
func (c *Context) ToValue(value any) (*OwnedValue, error) {
	if err := c.check("to value"); err != nil {
		return nil, err
	}

	switch v := value.(type) {
	case nil:
		return NewOwned(c, abi.Null), nil
	case *OwnedValue:
		if v == nil {
			return NewOwned(c, abi.Null), nil
		}
		return v.Clone(), nil
	case *Object:
		if v == nil {
			return NewOwned(c, abi.Null), nil
		}
		return v.OwnedValue.Clone(), nil
	case *Array:
		if v == nil {
			return NewOwned(c, abi.Null), nil
		}
		return v.OwnedValue.Clone(), nil
	case *Function:
		if v == nil {
			return NewOwned(c, abi.Null), nil
		}
		return v.OwnedValue.Clone(), nil
	case *Promise:
		if v == nil {
			return NewOwned(c, abi.Null), nil
		}
		return v.OwnedValue.Clone(), nil
	case *Module:
		if v == nil {
			return NewOwned(c, abi.Null), nil
		}
		return v.OwnedValue.Clone(), nil
	case *CompiledFunction:
		if v == nil {
			return NewOwned(c, abi.Null), nil
		}
		return v.OwnedValue.Clone(), nil
	case *big.Int:
		if v == nil {
			return NewOwned(c, abi.Null), nil
		}
		return c.construct("BigInt", false, v.String())
	case error:
		return c.construct("Error", true, v.Error())
	}

	return c.toValue(reflect.ValueOf(value))
}

// toValueConsuming is ToValue for results handed back to the engine: a
// value or view is passed on instead of cloned.
func (c *Context) toValueConsuming(value any) (*OwnedValue, error) {
	switch v := value.(type) {
	case *OwnedValue:
		if v != nil {
			return v, nil
		}
	case *Object:
		if v != nil {
			return v.OwnedValue, nil
		}
	case *Array:
		if v != nil {
			return v.OwnedValue, nil
		}
	case *Function:
		if v != nil {
			return v.OwnedValue, nil
		}
	case *Promise:
		if v != nil {
			return v.OwnedValue, nil
		}
	}
	return c.ToValue(value)
}

// toValues converts a list of arguments. On failure nothing stays owned.
func (c *Context) toValues(args []any) ([]*OwnedValue, error) {
	values := make([]*OwnedValue, 0, len(args))
	for _, arg := range args {
		v, err := c.ToValue(arg)
		if err != nil {
			freeAll(values)
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func (c *Context) toValue(rv reflect.Value) (*OwnedValue, error) {
	if !rv.IsValid() {
		return NewOwned(c, abi.Null), nil
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return NewOwned(c, abi.Null), nil
		}
		return c.ToValue(rv.Elem().Interface())
	case reflect.Bool:
		return NewOwned(c, abi.Bool(rv.Bool())), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return NewOwned(c, abi.Int32(int32(n))), nil
		}
		return NewOwned(c, abi.Float64(float64(n))), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n := rv.Uint()
		if n <= math.MaxInt32 {
			return NewOwned(c, abi.Int32(int32(n))), nil
		}
		return NewOwned(c, abi.Float64(float64(n))), nil
	case reflect.Float32, reflect.Float64:
		return NewOwned(c, abi.Float64(rv.Float())), nil
	case reflect.String:
		return c.NewString(rv.String())
	case reflect.Func:
		if rv.IsNil() {
			return NewOwned(c, abi.Null), nil
		}
		fn, err := c.CreateCallback(rv.Type().String(), rv.Interface())
		if err != nil {
			return nil, err
		}
		return fn.IntoValue(), nil
	case reflect.Slice, reflect.Array:
		if name, ok := js.TypedArrayName(rv.Type()); ok {
			return c.toTypedArray(name, rv)
		}
		arr, err := c.toArray(rv)
		if err != nil {
			return nil, err
		}
		return arr.IntoValue(), nil
	case reflect.Map:
		if rv.IsNil() {
			return NewOwned(c, abi.Null), nil
		}
		return c.mapToObject(rv)
	case reflect.Struct:
		return c.structToObject(rv)
	}

	return nil, conversionError("to value", ErrUnexpectedType, "unsupported type %s", rv.Type())
}

// toArray builds an array element by element. A failing element releases
// the partial array.
func (c *Context) toArray(rv reflect.Value) (*Array, error) {
	arr, err := c.NewArray()
	if err != nil {
		return nil, err
	}
	for i := 0; i < rv.Len(); i++ {
		v, err := c.toValue(rv.Index(i))
		if err != nil {
			arr.Free()
			return nil, err
		}
		if err := arr.SetIndex(uint32(i), v); err != nil {
			arr.Free()
			return nil, err
		}
	}
	return arr, nil
}

func (c *Context) toTypedArray(name string, rv reflect.Value) (*OwnedValue, error) {
	arr, err := c.toArray(rv)
	if err != nil {
		return nil, err
	}
	ctor, err := c.globalFunction(name)
	if err != nil {
		arr.Free()
		return nil, err
	}
	defer ctor.Free()

	obj, err := ctor.New(arr.IntoValue())
	if err != nil {
		return nil, err
	}
	return obj.IntoValue(), nil
}

func (c *Context) mapToObject(rv reflect.Value) (*OwnedValue, error) {
	keys := make([]string, 0, rv.Len())
	values := make(map[string]reflect.Value, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key, err := mapKey(iter.Key())
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		values[key] = iter.Value()
	}
	sort.Strings(keys)

	obj, err := c.NewObject()
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := c.setConverted(obj, key, values[key]); err != nil {
			obj.Free()
			return nil, err
		}
	}
	return obj.IntoValue(), nil
}

func mapKey(key reflect.Value) (string, error) {
	switch key.Kind() {
	case reflect.String:
		return key.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(key.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(key.Uint(), 10), nil
	}
	return "", conversionError("to value", ErrUnexpectedType, "unsupported map key type %s", key.Type())
}

func (c *Context) structToObject(rv reflect.Value) (*OwnedValue, error) {
	obj, err := c.NewObject()
	if err != nil {
		return nil, err
	}
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		name, ok := fieldName(t.Field(i))
		if !ok {
			continue
		}
		if err := c.setConverted(obj, name, rv.Field(i)); err != nil {
			obj.Free()
			return nil, err
		}
	}
	return obj.IntoValue(), nil
}

func (c *Context) setConverted(obj *Object, name string, rv reflect.Value) error {
	v, err := c.toValue(rv)
	if err != nil {
		return err
	}
	return obj.SetProperty(name, v)
}

// fieldName returns the property name of an exported field.
func fieldName(f reflect.StructField) (string, bool) {
	if !f.IsExported() {
		return "", false
	}
	tag := f.Tag.Get(fieldTag)
	if tag == "-" {
		return "", false
	}
	if tag != "" {
		return tag, true
	}
	return f.Name, true
}

// construct calls the global constructor name with a string argument. BigInt
// is not a constructor and is called instead.
func (c *Context) construct(name string, asNew bool, arg string) (*OwnedValue, error) {
	fn, err := c.globalFunction(name)
	if err != nil {
		return nil, err
	}
	defer fn.Free()

	s, err := c.NewString(arg)
	if err != nil {
		return nil, err
	}
	if asNew {
		obj, err := fn.New(s)
		if err != nil {
			return nil, err
		}
		return obj.IntoValue(), nil
	}
	return fn.Call(s)
}

func (c *Context) globalFunction(name string) (*Function, error) {
	global, err := c.Global()
	if err != nil {
		return nil, err
	}
	defer global.Free()

	v, err := global.PropertyRequire(name)
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

// Decode converts v into the value out points to. v stays owned by the
// caller; *OwnedValue and view targets receive a clone.
func (c *Context) Decode(v *OwnedValue, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return conversionError("decode", ErrUnexpectedType, "decode target must be a non-nil pointer, got %T", out)
	}
	return c.decodeValue(v, rv.Elem(), nil)
}

// DecodeAs converts v into a T.
func DecodeAs[T any](v *OwnedValue) (T, error) {
	var out T
	err := v.ctx.Decode(v, &out)
	return out, err
}

// decodeValue converts v into target. stack holds the containers being
// decoded, innermost last.
func (c *Context) decodeValue(v *OwnedValue, target reflect.Value, stack []abi.Value) error {
	t := target.Type()

	switch t {
	case ownedValueType:
		target.Set(reflect.ValueOf(v.Clone()))
		return nil
	case objectType, arrayType, functionType, promiseType, moduleType, compiledFunctionType:
		clone := v.Clone()
		view, err := viewOf(clone, t)
		if err != nil {
			clone.Free()
			return err
		}
		target.Set(view)
		return nil
	case bigIntType:
		n, err := decodeBigInt(v)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(n))
		return nil
	}

	if _, ok := js.TypedArrayName(t); ok {
		return c.decodeSequence(v, target, stack, true)
	}

	switch t.Kind() {
	case reflect.Pointer:
		if v.IsNull() || v.IsUndefined() {
			target.Set(reflect.Zero(t))
			return nil
		}
		elem := reflect.New(t.Elem())
		if err := c.decodeValue(v, elem.Elem(), stack); err != nil {
			return err
		}
		target.Set(elem)
		return nil
	case reflect.Interface:
		if t.NumMethod() != 0 {
			break
		}
		x, err := c.decodeAny(v, stack)
		if err != nil {
			return err
		}
		if x == nil {
			target.Set(reflect.Zero(t))
		} else {
			target.Set(reflect.ValueOf(x))
		}
		return nil
	case reflect.Bool:
		b, err := v.ToBool()
		if err != nil {
			return err
		}
		target.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := decodeInt(v)
		if err != nil {
			return err
		}
		if target.OverflowInt(n) {
			return conversionError("decode", ErrUnexpectedType, "%d overflows %s", n, t)
		}
		target.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := decodeInt(v)
		if err != nil {
			return err
		}
		if n < 0 || target.OverflowUint(uint64(n)) {
			return conversionError("decode", ErrUnexpectedType, "%d overflows %s", n, t)
		}
		target.SetUint(uint64(n))
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := v.ToFloat()
		if err != nil {
			return err
		}
		if target.OverflowFloat(f) {
			return conversionError("decode", ErrUnexpectedType, "%v overflows %s", f, t)
		}
		target.SetFloat(f)
		return nil
	case reflect.String:
		s, err := v.ToString()
		if err != nil {
			return err
		}
		target.SetString(s)
		return nil
	case reflect.Slice, reflect.Array:
		return c.decodeSequence(v, target, stack, false)
	case reflect.Map:
		return c.decodeMap(v, target, stack)
	case reflect.Struct:
		return c.decodeStruct(v, target, stack)
	}

	return conversionError("decode", ErrUnexpectedType, "unsupported target type %s", t)
}

// viewOf converts v into the view type t. On success the view owns v.
func viewOf(v *OwnedValue, t reflect.Type) (reflect.Value, error) {
	var (
		view any
		err  error
	)
	switch t {
	case objectType:
		view, err = v.IntoObject()
	case arrayType:
		view, err = v.IntoArray()
	case functionType:
		view, err = v.IntoFunction()
	case promiseType:
		view, err = v.IntoPromise()
	case moduleType:
		view, err = v.IntoModule()
	case compiledFunctionType:
		view, err = v.IntoCompiledFunction()
	default:
		return reflect.Value{}, conversionError("decode", ErrUnexpectedType, "%s is not a view type", t)
	}
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(view), nil
}

// decodeInt accepts Int values and Float64 values without fraction.
func decodeInt(v *OwnedValue) (int64, error) {
	switch v.Tag() {
	case abi.TagInt:
		return int64(v.value.Int32()), nil
	case abi.TagFloat64:
		f := v.value.Float64()
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f), nil
		}
		return 0, conversionError("decode", ErrUnexpectedType, "%v is not an integer", f)
	}
	return 0, unexpectedType("decode", "Int", v)
}

func decodeBigInt(v *OwnedValue) (*big.Int, error) {
	switch v.Tag() {
	case abi.TagInt:
		return big.NewInt(int64(v.value.Int32())), nil
	case abi.TagBigInt, abi.TagShortBigInt:
		s, err := v.JSToString()
		if err != nil {
			return nil, err
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, conversionError("decode", ErrUnexpectedType, "malformed bigint %q", s)
		}
		return n, nil
	}
	return nil, unexpectedType("decode", "BigInt", v)
}

// enter prepares a container for decoding: proxies are replaced by their
// target and a container already being decoded is rejected. The returned
// value is owned by the caller.
func (c *Context) enter(v *OwnedValue, stack []abi.Value) (*OwnedValue, []abi.Value, error) {
	container := v.Clone()
	if container.IsProxy() {
		target, err := container.ProxyTarget(true)
		container.Free()
		if err != nil {
			return nil, nil, err
		}
		container = target
	}

	for _, seen := range stack {
		if seen == container.value {
			container.Free()
			return nil, nil, NewError(KindCircularReference).Op("decode").Detail("circular reference detected").Build()
		}
	}
	return container, append(stack, container.value), nil
}

func (c *Context) decodeSequence(v *OwnedValue, target reflect.Value, stack []abi.Value, typed bool) error {
	if !v.IsObject() {
		return unexpectedType("decode", "Array", v)
	}
	container, stack, err := c.enter(v, stack)
	if err != nil {
		return err
	}
	defer container.Free()

	if !typed && !container.IsArray() {
		return unexpectedType("decode", "Array", container)
	}
	arr := &Array{Object{OwnedValue: container}}
	n, err := arr.Len()
	if err != nil {
		return err
	}

	t := target.Type()
	if t.Kind() == reflect.Slice {
		target.Set(reflect.MakeSlice(t, int(n), int(n)))
	} else {
		if n > int64(t.Len()) {
			return conversionError("decode", ErrUnexpectedType, "array of length %d does not fit %s", n, t)
		}
		target.Set(reflect.Zero(t))
	}

	for i := int64(0); i < n; i++ {
		elem, err := arr.index("decode", uint32(i))
		if err != nil {
			return err
		}
		err = c.decodeValue(elem, target.Index(int(i)), stack)
		elem.Free()
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) decodeMap(v *OwnedValue, target reflect.Value, stack []abi.Value) error {
	if !v.IsObject() {
		return unexpectedType("decode", "Object", v)
	}
	container, stack, err := c.enter(v, stack)
	if err != nil {
		return err
	}
	defer container.Free()

	it, err := (&Object{OwnedValue: container}).Properties()
	if err != nil {
		return err
	}
	defer it.Close()

	t := target.Type()
	m := reflect.MakeMapWithSize(t, it.Len())
	for it.Next() {
		key, err := parseMapKey(it.Key(), t.Key())
		if err != nil {
			return err
		}
		elem := reflect.New(t.Elem()).Elem()
		if err := c.decodeValue(it.Value(), elem, stack); err != nil {
			return err
		}
		m.SetMapIndex(key, elem)
	}
	if err := it.Err(); err != nil {
		return err
	}
	target.Set(m)
	return nil
}

func parseMapKey(key string, t reflect.Type) (reflect.Value, error) {
	k := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.String:
		k.SetString(key)
		return k, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(key, 10, t.Bits())
		if err == nil {
			k.SetInt(n)
			return k, nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(key, 10, t.Bits())
		if err == nil {
			k.SetUint(n)
			return k, nil
		}
	}
	return reflect.Value{}, conversionError("decode", ErrUnexpectedType, "key %q does not convert to %s", key, t)
}

func (c *Context) decodeStruct(v *OwnedValue, target reflect.Value, stack []abi.Value) error {
	if !v.IsObject() {
		return unexpectedType("decode", "Object", v)
	}
	container, stack, err := c.enter(v, stack)
	if err != nil {
		return err
	}
	defer container.Free()
	obj := &Object{OwnedValue: container}

	t := target.Type()
	for i := 0; i < t.NumField(); i++ {
		name, ok := fieldName(t.Field(i))
		if !ok {
			continue
		}
		field, err := obj.Property(name)
		if err != nil {
			return err
		}
		if field == nil {
			continue
		}
		err = c.decodeValue(field, target.Field(i), stack)
		field.Free()
		if err != nil {
			return err
		}
	}
	return nil
}

// decodeAny decodes without a target type: numbers become int64 when the
// engine stores them as Int and float64 otherwise, arrays []any and other
// objects map[string]any.
func (c *Context) decodeAny(v *OwnedValue, stack []abi.Value) (any, error) {
	switch v.Tag() {
	case abi.TagUndefined, abi.TagNull:
		return nil, nil
	case abi.TagBool:
		return v.value.Bool(), nil
	case abi.TagInt:
		return int64(v.value.Int32()), nil
	case abi.TagFloat64:
		return v.value.Float64(), nil
	case abi.TagString:
		return v.ToString()
	case abi.TagBigInt, abi.TagShortBigInt:
		return decodeBigInt(v)
	case abi.TagObject:
	default:
		return nil, unexpectedType("decode", "a data value", v)
	}

	if v.IsFunction() {
		return nil, unexpectedType("decode", "a data value", v)
	}

	if v.IsArray() {
		var out []any
		if err := c.decodeSequence(v, reflect.ValueOf(&out).Elem(), stack, false); err != nil {
			return nil, err
		}
		return out, nil
	}

	var out map[string]any
	if err := c.decodeMap(v, reflect.ValueOf(&out).Elem(), stack); err != nil {
		return nil, err
	}
	return out, nil
}
