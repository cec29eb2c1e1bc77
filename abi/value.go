package abi

import "fmt"

// Tag is the type tag of a foreign value. The numbering follows the QuickJS
// C headers so values can cross the wasm boundary without translation.
type Tag int32

const (
	TagBigInt           Tag = -9
	TagSymbol           Tag = -8
	TagString           Tag = -7
	TagModule           Tag = -3
	TagFunctionBytecode Tag = -2
	TagObject           Tag = -1

	TagInt           Tag = 0
	TagBool          Tag = 1
	TagNull          Tag = 2
	TagUndefined     Tag = 3
	TagUninitialized Tag = 4
	TagCatchOffset   Tag = 5
	TagException     Tag = 6
	TagShortBigInt   Tag = 7
	TagFloat64       Tag = 8
)

// HasRefCount reports whether values with this tag point into engine
// managed heap storage.
func (t Tag) HasRefCount() bool {
	return t < 0
}

func (t Tag) String() string {
	switch t {
	case TagBigInt:
		return "BigInt"
	case TagSymbol:
		return "Symbol"
	case TagString:
		return "String"
	case TagModule:
		return "Module"
	case TagFunctionBytecode:
		return "FunctionBytecode"
	case TagObject:
		return "Object"
	case TagInt:
		return "Int"
	case TagBool:
		return "Bool"
	case TagNull:
		return "Null"
	case TagUndefined:
		return "Undefined"
	case TagUninitialized:
		return "Uninitialized"
	case TagCatchOffset:
		return "CatchOffset"
	case TagException:
		return "Exception"
	case TagShortBigInt:
		return "ShortBigInt"
	case TagFloat64:
		return "Float64"
	}
	return fmt.Sprintf("Tag(%d)", int32(t))
}

// Value is a foreign handle: a tag plus a 64 bit payload. For immediate tags
// the payload is the scalar itself, for heap tags it is an engine specific
// reference. A Value does not own anything by itself.
type Value struct {
	Tag  Tag
	Bits uint64
}

var (
	Undefined = Value{Tag: TagUndefined}
	Null      = Value{Tag: TagNull}
	Exception = Value{Tag: TagException}
	True      = Value{Tag: TagBool, Bits: 1}
	False     = Value{Tag: TagBool}
)

func (v Value) IsException() bool {
	return v.Tag == TagException
}

func (v Value) IsUndefined() bool {
	return v.Tag == TagUndefined
}

func (v Value) IsNull() bool {
	return v.Tag == TagNull
}

func (v Value) IsObject() bool {
	return v.Tag == TagObject
}

func (v Value) String() string {
	return fmt.Sprintf("%s(%#x)", v.Tag, v.Bits)
}
