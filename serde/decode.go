package serde

import (
	"encoding"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/qjsbind/qjsbind"
	"github.com/qjsbind/qjsbind/abi"
	"github.com/qjsbind/qjsbind/js"
)

var (
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

	// Targets the qjsbind conversion table already decodes.
	delegated = map[reflect.Type]bool{
		reflect.TypeOf((*qjsbind.OwnedValue)(nil)):       true,
		reflect.TypeOf((*qjsbind.Object)(nil)):           true,
		reflect.TypeOf((*qjsbind.Array)(nil)):            true,
		reflect.TypeOf((*qjsbind.Function)(nil)):         true,
		reflect.TypeOf((*qjsbind.Promise)(nil)):          true,
		reflect.TypeOf((*qjsbind.Module)(nil)):           true,
		reflect.TypeOf((*qjsbind.CompiledFunction)(nil)): true,
		reflect.TypeOf((*big.Int)(nil)):                  true,
	}
)

// frame is a container being decoded. Arrays are walked by index up to
// their length, objects with a property iterator.
type frame struct {
	container *qjsbind.OwnedValue
	array     *qjsbind.Array
	length    uint32
	index     uint32
	props     *qjsbind.PropertyIterator
	key       string
}

// decoder walks a value depth first. current is the value being decoded;
// entering a container moves it into a new frame, leaving makes the
// container current again.
type decoder struct {
	ctx     *qjsbind.Context
	opts    options
	paths   []*frame
	current *qjsbind.OwnedValue
	date    *qjsbind.Function
}

func newDecoder(v *qjsbind.OwnedValue) *decoder {
	return &decoder{ctx: v.Context(), current: v.Clone()}
}

func (d *decoder) release() {
	for _, f := range d.paths {
		if f.props != nil {
			f.props.Close()
		}
		f.container.Free()
	}
	d.paths = nil
	d.current.Free()
	d.current = nil
	if d.date != nil {
		d.date.Free()
	}
}

// path renders the position of current, like $.users[2].name.
func (d *decoder) path() string {
	var b strings.Builder
	b.WriteByte('$')
	for _, f := range d.paths {
		switch {
		case f.props != nil && f.key != "":
			b.WriteByte('.')
			b.WriteString(f.key)
		case f.props == nil && f.index > 0:
			fmt.Fprintf(&b, "[%d]", f.index-1)
		}
	}
	return b.String()
}

func (d *decoder) errorf(cause error, format string, args ...any) error {
	return qjsbind.NewError(qjsbind.KindConversion).
		Op("unmarshal").
		Cause(cause).
		Detail("%s at %s", fmt.Sprintf(format, args...), d.path()).
		Build()
}

func (d *decoder) unexpected(cause error) error {
	return d.errorf(cause, "%s, got %s", cause, d.current.Tag())
}

// enter resolves current to the container to walk: proxies are replaced by
// their innermost target, and a container already on the path is a cycle.
func (d *decoder) enter() (*qjsbind.OwnedValue, error) {
	container := d.current.Clone()
	if container.IsProxy() {
		target, err := container.ProxyTarget(true)
		container.Free()
		if err != nil {
			return nil, err
		}
		container = target
	}
	for _, f := range d.paths {
		if f.container.Equal(container) {
			container.Free()
			return nil, qjsbind.NewError(qjsbind.KindCircularReference).
				Op("unmarshal").
				Detail("circular reference detected at %s", d.path()).
				Build()
		}
	}
	return container, nil
}

func (d *decoder) enterArray() (uint32, error) {
	if !d.current.IsObject() {
		return 0, d.unexpected(ErrExpectedArray)
	}
	container, err := d.enter()
	if err != nil {
		return 0, err
	}
	arr, err := container.IntoArray()
	if err != nil {
		container.Free()
		return 0, d.unexpected(ErrExpectedArray)
	}
	n, err := arr.Len()
	if err != nil {
		container.Free()
		return 0, err
	}
	if n > math.MaxUint32 {
		container.Free()
		return 0, d.errorf(ErrOverflow, "array length %d", n)
	}

	d.paths = append(d.paths, &frame{container: container, array: arr, length: uint32(n)})
	d.current.Free()
	d.current = nil
	return uint32(n), nil
}

func (d *decoder) enterObject() error {
	if !d.current.IsObject() {
		return d.unexpected(ErrExpectedObject)
	}
	container, err := d.enter()
	if err != nil {
		return err
	}
	obj, err := container.IntoObject()
	if err != nil {
		container.Free()
		return err
	}
	it, err := obj.Properties()
	if err != nil {
		container.Free()
		return err
	}

	d.paths = append(d.paths, &frame{container: container, props: it})
	d.current.Free()
	d.current = nil
	return nil
}

// next makes the next element or property value current. Holes and
// undefined elements are decoded as undefined.
func (d *decoder) next() (bool, error) {
	f := d.paths[len(d.paths)-1]
	d.current.Free()
	d.current = nil

	if f.props != nil {
		if !f.props.Next() {
			return false, f.props.Err()
		}
		f.key = f.props.Key()
		d.current = f.props.Value().Clone()
		return true, nil
	}

	if f.index >= f.length {
		return false, nil
	}
	v, err := f.array.GetIndex(f.index)
	f.index++
	if err != nil {
		return false, err
	}
	if v == nil {
		v = qjsbind.NewOwned(d.ctx, abi.Undefined)
	}
	d.current = v
	return true, nil
}

func (d *decoder) leave() {
	f := d.paths[len(d.paths)-1]
	d.paths = d.paths[:len(d.paths)-1]
	if f.props != nil {
		f.props.Close()
	}
	d.current.Free()
	d.current = f.container
}

func (d *decoder) absent() bool {
	return d.current.IsNull() || d.current.IsUndefined()
}

func (d *decoder) decode(target reflect.Value) error {
	t := target.Type()

	if t.Kind() == reflect.Pointer && t.Implements(unmarshalerType) {
		if d.absent() {
			target.Set(reflect.Zero(t))
			return nil
		}
		if target.IsNil() {
			target.Set(reflect.New(t.Elem()))
		}
		return target.Interface().(Unmarshaler).UnmarshalJS(d.current)
	}
	if t.Kind() != reflect.Pointer && target.CanAddr() && reflect.PointerTo(t).Implements(unmarshalerType) {
		return target.Addr().Interface().(Unmarshaler).UnmarshalJS(d.current)
	}

	if t == timeType {
		return d.decodeTime(target)
	}
	if _, typed := js.TypedArrayName(t); delegated[t] || typed {
		if d.absent() && t.Kind() != reflect.Array {
			target.Set(reflect.Zero(t))
			return nil
		}
		return d.ctx.Decode(d.current, target.Addr().Interface())
	}
	if e, ok := enumOf(t); ok {
		return d.decodeVariant(e, target)
	}

	switch t.Kind() {
	case reflect.Pointer:
		if d.absent() {
			target.Set(reflect.Zero(t))
			return nil
		}
		if target.IsNil() {
			target.Set(reflect.New(t.Elem()))
		}
		return d.decode(target.Elem())
	case reflect.Interface:
		if t.NumMethod() != 0 {
			return d.errorf(ErrUnsupportedType, "interface %s is not a registered enum", t)
		}
		x, err := d.decodeAny()
		if err != nil {
			return err
		}
		if x == nil {
			target.Set(reflect.Zero(t))
		} else {
			target.Set(reflect.ValueOf(x))
		}
		return nil
	case reflect.Slice, reflect.Map:
		if d.absent() {
			target.Set(reflect.Zero(t))
			return nil
		}
	}

	// null and undefined leave value targets untouched.
	if d.absent() {
		return nil
	}

	switch t.Kind() {
	case reflect.Bool:
		b, err := d.current.ToBool()
		if err != nil {
			return d.unexpected(ErrExpectedBool)
		}
		target.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := d.int64()
		if err != nil {
			return err
		}
		if target.OverflowInt(n) {
			return d.errorf(ErrOverflow, "%d overflows %s", n, t)
		}
		target.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := d.int64()
		if err != nil {
			return err
		}
		if n < 0 || target.OverflowUint(uint64(n)) {
			return d.errorf(ErrOverflow, "%d overflows %s", n, t)
		}
		target.SetUint(uint64(n))
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := d.current.ToFloat()
		if err != nil {
			return d.unexpected(ErrExpectedNumber)
		}
		if target.OverflowFloat(f) {
			return d.errorf(ErrOverflow, "%v overflows %s", f, t)
		}
		target.SetFloat(f)
		return nil
	case reflect.String:
		if !d.current.IsString() {
			return d.unexpected(ErrExpectedString)
		}
		s, err := d.current.ToString()
		if err != nil {
			return err
		}
		target.SetString(s)
		return nil
	case reflect.Slice, reflect.Array:
		return d.decodeSequence(target)
	case reflect.Map:
		return d.decodeMap(target)
	case reflect.Struct:
		return d.decodeStruct(target)
	}
	return d.errorf(ErrUnsupportedType, "unsupported target type %s", t)
}

// int64 accepts Int values, Float64 values without fraction and BigInts
// that fit.
func (d *decoder) int64() (int64, error) {
	v := d.current
	switch v.Tag() {
	case abi.TagInt:
		n, _ := v.ToInt()
		return int64(n), nil
	case abi.TagFloat64:
		f, _ := v.ToFloat()
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f), nil
		}
		return 0, d.errorf(ErrExpectedNumber, "%v is not an integer", f)
	case abi.TagBigInt, abi.TagShortBigInt:
		n, err := qjsbind.DecodeAs[*big.Int](v)
		if err != nil {
			return 0, err
		}
		if !n.IsInt64() {
			return 0, d.errorf(ErrOverflow, "bigint %s overflows int64", n)
		}
		return n.Int64(), nil
	}
	return 0, d.unexpected(ErrExpectedNumber)
}

func (d *decoder) decodeSequence(target reflect.Value) error {
	n, err := d.enterArray()
	if err != nil {
		return err
	}

	t := target.Type()
	if t.Kind() == reflect.Slice {
		target.Set(reflect.MakeSlice(t, int(n), int(n)))
	} else {
		if int(n) > t.Len() {
			return d.errorf(ErrOverflow, "array of length %d does not fit %s", n, t)
		}
		target.Set(reflect.Zero(t))
	}

	for i := 0; ; i++ {
		ok, err := d.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := d.decode(target.Index(i)); err != nil {
			return err
		}
	}
	d.leave()
	return nil
}

func (d *decoder) decodeMap(target reflect.Value) error {
	if err := d.enterObject(); err != nil {
		return err
	}

	t := target.Type()
	if target.IsNil() {
		target.Set(reflect.MakeMap(t))
	}
	for {
		ok, err := d.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		key, err := d.mapKey(t.Key())
		if err != nil {
			return err
		}
		elem := reflect.New(t.Elem()).Elem()
		if err := d.decode(elem); err != nil {
			return err
		}
		target.SetMapIndex(key, elem)
	}
	d.leave()
	return nil
}

func (d *decoder) mapKey(t reflect.Type) (reflect.Value, error) {
	key := d.paths[len(d.paths)-1].key
	k := reflect.New(t)
	if reflect.PointerTo(t).Implements(textUnmarshalerType) {
		if err := k.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(key)); err != nil {
			return reflect.Value{}, d.errorf(err, "map key %q", key)
		}
		return k.Elem(), nil
	}

	k = k.Elem()
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
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := strconv.ParseUint(key, 10, t.Bits())
		if err == nil {
			k.SetUint(n)
			return k, nil
		}
	}
	return reflect.Value{}, d.errorf(ErrUnsupportedType, "key %q does not convert to %s", key, t)
}

func (d *decoder) decodeStruct(target reflect.Value) error {
	info := typeInfo(target.Type())
	if info.array {
		return d.decodePositional(target, info)
	}
	if len(info.fields) == 0 {
		return nil
	}

	if err := d.enterObject(); err != nil {
		return err
	}
	for {
		ok, err := d.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		key := d.paths[len(d.paths)-1].key
		i, ok := info.byName[key]
		if !ok {
			if d.opts.disallowUnknownFields {
				return d.errorf(ErrUnknownField, "unknown field %q in %s", key, target.Type())
			}
			continue
		}
		fv, _ := fieldByIndex(target, info.fields[i].index, true)
		if err := d.decode(fv); err != nil {
			return err
		}
	}
	d.leave()
	return nil
}

func (d *decoder) decodePositional(target reflect.Value, info *structInfo) error {
	n, err := d.enterArray()
	if err != nil {
		return err
	}
	if int(n) > len(info.fields) {
		return d.errorf(ErrOverflow, "array of length %d does not fit %s", n, target.Type())
	}
	for i := 0; ; i++ {
		ok, err := d.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		fv, _ := fieldByIndex(target, info.fields[i].index, true)
		if err := d.decode(fv); err != nil {
			return err
		}
	}
	d.leave()
	return nil
}

// decodeVariant accepts a variant name for unit variants and an object with
// a single key, the variant name, for the others.
func (d *decoder) decodeVariant(e *enum, target reflect.Value) error {
	if d.absent() {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}

	if d.current.IsString() {
		name, err := d.current.ToString()
		if err != nil {
			return err
		}
		t, ok := e.variants[name]
		if !ok {
			return d.errorf(ErrUnknownVariant, "unknown variant %q of %s", name, e.name)
		}
		if !isUnitVariant(t) {
			return d.errorf(ErrExpectedObject, "variant %q of %s has content", name, e.name)
		}
		target.Set(newVariant(t))
		return nil
	}

	if !d.current.IsObject() {
		return d.unexpected(ErrExpectedObject)
	}
	if err := d.enterObject(); err != nil {
		return err
	}
	ok, err := d.next()
	if err != nil {
		return err
	}
	if !ok {
		return d.errorf(ErrExpectedObject, "empty object for enum %s", e.name)
	}
	name := d.paths[len(d.paths)-1].key
	t, known := e.variants[name]
	if !known {
		return d.errorf(ErrUnknownVariant, "unknown variant %q of %s", name, e.name)
	}

	value := newVariant(t)
	content := value
	if t.Kind() == reflect.Pointer {
		content = value.Elem()
	}
	if err := d.decode(content); err != nil {
		return err
	}

	more, err := d.next()
	if err != nil {
		return err
	}
	if more {
		return d.errorf(ErrExpectedObject, "enum %s expects a single key", e.name)
	}
	d.leave()
	target.Set(value)
	return nil
}

// newVariant returns an addressable zero value of t, or a pointer to a new
// element for pointer variants.
func newVariant(t reflect.Type) reflect.Value {
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem())
	}
	return reflect.New(t).Elem()
}

// decodeTime accepts Date objects, RFC 3339 strings and milliseconds since
// the epoch.
func (d *decoder) decodeTime(target reflect.Value) error {
	v := d.current
	switch {
	case d.absent():
		return nil
	case v.IsString():
		s, err := v.ToString()
		if err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return d.errorf(err, "invalid time %q", s)
		}
		target.Set(reflect.ValueOf(t))
		return nil
	case v.IsNumber():
		ms, _ := v.ToFloat()
		target.Set(reflect.ValueOf(time.UnixMilli(int64(ms))))
		return nil
	}

	t, ok, err := d.asTime()
	if err != nil {
		return err
	}
	if !ok {
		return d.unexpected(ErrExpectedDate)
	}
	target.Set(reflect.ValueOf(t))
	return nil
}

// asTime reads current as a Date, reporting false for anything else.
func (d *decoder) asTime() (time.Time, bool, error) {
	if !d.current.IsObject() {
		return time.Time{}, false, nil
	}
	if d.date == nil {
		ctor, err := dateConstructor(d.ctx)
		if err != nil {
			return time.Time{}, false, err
		}
		d.date = ctor
	}

	obj := &qjsbind.Object{OwnedValue: d.current}
	isDate, err := obj.IsInstanceOf(&d.date.Object)
	if err != nil || !isDate {
		return time.Time{}, false, err
	}

	getTime, err := obj.PropertyRequire("getTime")
	if err != nil {
		return time.Time{}, false, err
	}
	fn, err := getTime.IntoFunction()
	if err != nil {
		getTime.Free()
		return time.Time{}, false, err
	}
	defer fn.Free()

	ms, err := fn.CallThis(d.current)
	if err != nil {
		return time.Time{}, false, err
	}
	defer ms.Free()
	f, err := ms.ToFloat()
	if err != nil {
		return time.Time{}, false, err
	}
	if math.IsNaN(f) {
		return time.Time{}, false, d.errorf(ErrExpectedDate, "invalid date")
	}
	return time.UnixMilli(int64(f)), true, nil
}

// decodeAny decodes without a target type. Numbers stored as Int become
// int64 and other numbers float64; Dates become time.Time, arrays []any and
// other objects map[string]any. Values without a data representation, like
// symbols and modules, decode as nil.
func (d *decoder) decodeAny() (any, error) {
	v := d.current
	switch v.Tag() {
	case abi.TagBool:
		b, _ := v.ToBool()
		return b, nil
	case abi.TagInt:
		n, _ := v.ToInt()
		return int64(n), nil
	case abi.TagFloat64:
		f, _ := v.ToFloat()
		return f, nil
	case abi.TagString:
		return v.ToString()
	case abi.TagBigInt, abi.TagShortBigInt:
		return qjsbind.DecodeAs[*big.Int](v)
	case abi.TagObject:
	default:
		return nil, nil
	}

	t, ok, err := d.asTime()
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	if v.IsArray() {
		var out []any
		err = d.decodeSequence(reflect.ValueOf(&out).Elem())
		return out, err
	}
	var out map[string]any
	err = d.decodeMap(reflect.ValueOf(&out).Elem())
	return out, err
}
