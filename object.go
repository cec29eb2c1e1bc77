package qjsbind

import (
	"github.com/qjsbind/qjsbind/abi"
)

// Object is a view of a value with the Object tag.
type Object struct {
	*OwnedValue
}

// IntoValue gives up the view. The returned value owns the reference.
func (o *Object) IntoValue() *OwnedValue {
	return o.OwnedValue
}

// Property reads name. It returns nil without error when the property is
// undefined, whether it is absent or holds undefined.
func (o *Object) Property(name string) (*OwnedValue, error) {
	v, err := o.ctx.wrap("property", o.ctx.engine.GetPropertyStr(o.ctx.c, o.value, name))
	if err != nil {
		return nil, err
	}
	if v.IsUndefined() {
		return nil, nil
	}
	return v, nil
}

// PropertyRequire is Property with an undefined property reported as
// ErrNotFound.
func (o *Object) PropertyRequire(name string) (*OwnedValue, error) {
	v, err := o.Property(name)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, conversionError("property require", ErrNotFound, "property '%s' not found", name)
	}
	return v, nil
}

// SetProperty stores value under name. value is consumed, on failure too.
func (o *Object) SetProperty(name string, value *OwnedValue) error {
	if o.ctx.engine.SetPropertyStr(o.ctx.c, o.value, name, value.Extract()) < 0 {
		return o.ctx.exception("set property")
	}
	return nil
}

// Set converts value and stores it under name.
func (o *Object) Set(name string, value any) error {
	v, err := o.ctx.ToValue(value)
	if err != nil {
		return err
	}
	return o.SetProperty(name, v)
}

// Get reads name and decodes it into out.
func (o *Object) Get(name string, out any) error {
	v, err := o.PropertyRequire(name)
	if err != nil {
		return err
	}
	defer v.Free()
	return o.ctx.Decode(v, out)
}

// IsPromise reports whether o is a native promise or a thenable with
// callable then and catch methods. Getters throwing while probing count as
// not a promise.
func (o *Object) IsPromise() bool {
	if o.ctx.engine.IsPromise(o.ctx.c, o.value) {
		return true
	}
	return o.isCallable("then") && o.isCallable("catch")
}

func (o *Object) isCallable(name string) bool {
	v := o.ctx.engine.GetPropertyStr(o.ctx.c, o.value, name)
	if v.IsException() {
		o.ctx.engine.FreeValue(o.ctx.c, o.ctx.engine.GetException(o.ctx.c))
		return false
	}
	defer o.ctx.engine.FreeValue(o.ctx.c, v)
	return v.Tag == abi.TagObject && o.ctx.engine.IsFunction(o.ctx.c, v)
}

// IsInstanceOf evaluates o instanceof ctor.
func (o *Object) IsInstanceOf(ctor *Object) (bool, error) {
	switch o.ctx.engine.IsInstanceOf(o.ctx.c, o.value, ctor.value) {
	case 1:
		return true, nil
	case 0:
		return false, nil
	}
	return false, o.ctx.exception("instance of")
}

// Keys returns the own enumerable keys in enumeration order.
func (o *Object) Keys() ([]string, error) {
	it, err := o.Properties()
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, it.Key())
	}
	return keys, it.Err()
}

// Properties returns an iterator over the own enumerable properties.
func (o *Object) Properties() (*PropertyIterator, error) {
	return newPropertyIterator(o)
}
