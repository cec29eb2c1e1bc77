package qjsbind

import (
	"github.com/qjsbind/qjsbind/abi"
)

// PropertyIterator walks a snapshot of the own enumerable string and symbol
// keys of an object, reading each value as it goes. Symbol keys are
// reported by their description. The first error stops the iteration.
//
//	it, err := obj.Properties()
//	if err != nil {
//		return err
//	}
//	defer it.Close()
//	for it.Next() {
//		fmt.Println(it.Key(), it.Value())
//	}
//	return it.Err()
type PropertyIterator struct {
	obj    *Object
	names  abi.PropertyEnum
	count  uint32
	cursor uint32
	key    string
	value  *OwnedValue
	err    error
	closed bool
}

func newPropertyIterator(o *Object) (*PropertyIterator, error) {
	names, count, ok := o.ctx.engine.GetOwnPropertyNames(o.ctx.c, o.value,
		abi.PropertyStrings|abi.PropertySymbols|abi.PropertyEnumerable)
	if !ok {
		return nil, o.ctx.exception("properties")
	}
	return &PropertyIterator{
		obj:   &Object{OwnedValue: o.Clone()},
		names: names,
		count: count,
	}, nil
}

func (it *PropertyIterator) Len() int {
	return int(it.count)
}

// Next advances to the next property. It returns false at the end, after
// an error and once the iterator is closed.
func (it *PropertyIterator) Next() bool {
	it.value.Free()
	it.value = nil
	it.key = ""

	if it.closed || it.err != nil || it.cursor >= it.count {
		return false
	}

	c := it.obj.ctx
	atom := c.engine.PropertyEnumAtom(c.c, it.names, it.cursor)
	it.cursor++

	key, err := c.wrap("property key", c.engine.AtomToString(c.c, atom))
	if err != nil {
		it.err = err
		return false
	}
	s, err := key.JSToString()
	key.Free()
	if err != nil {
		it.err = err
		return false
	}

	value, err := c.wrap("property value", c.engine.GetProperty(c.c, it.obj.value, atom))
	if err != nil {
		it.err = err
		return false
	}

	it.key = s
	it.value = value
	return true
}

func (it *PropertyIterator) Key() string {
	return it.key
}

// Value returns the value of the current property. The iterator keeps
// ownership; Clone it to keep it past the next call to Next.
func (it *PropertyIterator) Value() *OwnedValue {
	return it.value
}

func (it *PropertyIterator) Err() error {
	return it.err
}

// Close releases the key snapshot. It is safe to call more than once.
func (it *PropertyIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.value.Free()
	it.value = nil

	c := it.obj.ctx
	if it.obj.live() {
		c.engine.FreePropertyEnum(c.c, it.names, it.count)
	}
	it.obj.Free()
}
