package js

import "reflect"

// Typed array mirrors. A Go value of one of these types converts to a JS
// typed array of the same name, and a callback parameter of one of these
// types accepts the matching typed array.
type (
	Int8Array    []int8
	Uint8Array   []uint8
	Int16Array   []int16
	Uint16Array  []uint16
	Int32Array   []int32
	Uint32Array  []uint32
	Float32Array []float32
	Float64Array []float64
)

var typedArrays = map[reflect.Type]string{
	reflect.TypeOf(Int8Array(nil)):    "Int8Array",
	reflect.TypeOf(Uint8Array(nil)):   "Uint8Array",
	reflect.TypeOf(Int16Array(nil)):   "Int16Array",
	reflect.TypeOf(Uint16Array(nil)):  "Uint16Array",
	reflect.TypeOf(Int32Array(nil)):   "Int32Array",
	reflect.TypeOf(Uint32Array(nil)):  "Uint32Array",
	reflect.TypeOf(Float32Array(nil)): "Float32Array",
	reflect.TypeOf(Float64Array(nil)): "Float64Array",
}

// TypedArrayName returns the JS constructor name of a mirror type.
func TypedArrayName(t reflect.Type) (string, bool) {
	name, ok := typedArrays[t]
	return name, ok
}
