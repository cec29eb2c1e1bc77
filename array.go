package qjsbind

import (
	"math"
)

// Array is a view of an Array object, or a proxy of one.
type Array struct {
	Object
}

func (a *Array) IntoValue() *OwnedValue {
	return a.OwnedValue
}

// Len returns the length property.
func (a *Array) Len() (int64, error) {
	n := a.ctx.engine.GetLength(a.ctx.c, a.value)
	if n < 0 {
		return 0, a.ctx.exception("length")
	}
	return n, nil
}

// GetIndex reads element i. It returns nil without error for undefined
// elements.
func (a *Array) GetIndex(i uint32) (*OwnedValue, error) {
	v, err := a.index("get index", i)
	if err != nil {
		return nil, err
	}
	if v.IsUndefined() {
		return nil, nil
	}
	return v, nil
}

func (a *Array) index(op string, i uint32) (*OwnedValue, error) {
	return a.ctx.wrap(op, a.ctx.engine.GetPropertyUint32(a.ctx.c, a.value, i))
}

// SetIndex stores value at i. value is consumed, on failure too.
func (a *Array) SetIndex(i uint32, value *OwnedValue) error {
	if a.ctx.engine.SetPropertyUint32(a.ctx.c, a.value, i, value.Extract()) < 0 {
		return a.ctx.exception("set index")
	}
	return nil
}

// Push appends value at the current length. value is consumed, on failure
// too.
func (a *Array) Push(value *OwnedValue) error {
	n, err := a.Len()
	if err != nil {
		value.Free()
		return err
	}
	if n >= math.MaxUint32 {
		value.Free()
		return conversionError("push", nil, "array length %d out of range", n)
	}
	return a.SetIndex(uint32(n), value)
}

// Elements returns every element up to the length, undefined ones
// included. The caller owns the returned values.
func (a *Array) Elements() ([]*OwnedValue, error) {
	n, err := a.Len()
	if err != nil {
		return nil, err
	}

	elements := make([]*OwnedValue, 0, n)
	for i := int64(0); i < n; i++ {
		v, err := a.index("elements", uint32(i))
		if err != nil {
			freeAll(elements)
			return nil, err
		}
		elements = append(elements, v)
	}
	return elements, nil
}

// Iterate calls f for each element until f returns false. The value is
// only valid during the call.
func (a *Array) Iterate(f func(i int, v *OwnedValue) bool) error {
	n, err := a.Len()
	if err != nil {
		return err
	}
	for i := int64(0); i < n; i++ {
		v, err := a.index("iterate", uint32(i))
		if err != nil {
			return err
		}
		next := f(int(i), v)
		v.Free()
		if !next {
			break
		}
	}
	return nil
}

func freeAll(values []*OwnedValue) {
	for _, v := range values {
		v.Free()
	}
}

// NewArrayOf builds an array of values. The values are consumed, on
// failure too.
func (c *Context) NewArrayOf(values ...*OwnedValue) (*Array, error) {
	arr, err := c.NewArray()
	if err != nil {
		freeAll(values)
		return nil, err
	}
	for i, v := range values {
		if err := arr.SetIndex(uint32(i), v); err != nil {
			freeAll(values[i+1:])
			arr.Free()
			return nil, err
		}
	}
	return arr, nil
}
