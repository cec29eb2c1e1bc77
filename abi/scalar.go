package abi

import "math"

func Int32(i int32) Value {
	return Value{Tag: TagInt, Bits: uint64(uint32(i))}
}

func Float64(f float64) Value {
	return Value{Tag: TagFloat64, Bits: math.Float64bits(f)}
}

func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Int32 returns the payload of an Int tagged value.
func (v Value) Int32() int32 {
	return int32(uint32(v.Bits))
}

// Float64 returns the payload of a Float64 tagged value.
func (v Value) Float64() float64 {
	return math.Float64frombits(v.Bits)
}

// Bool returns the payload of a Bool tagged value.
func (v Value) Bool() bool {
	return v.Bits != 0
}
