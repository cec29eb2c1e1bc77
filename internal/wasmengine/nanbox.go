package wasmengine

import (
	"math"

	"github.com/qjsbind/qjsbind/abi"
)

// QuickJS on wasm32 packs a JSValue into 64 bits: the tag in the upper half
// and the payload in the lower half. Doubles are stored shifted by
// float64TagAddend so that their upper half never collides with a tag.
const (
	tagFirst         = int32(abi.TagBigInt)
	float64TagAddend = uint64(0x7ff80000 - int64(tagFirst) + 1)
	// canonicalNaN is 0x7ff8000000000000 - float64TagAddend<<32 modulo 2^64.
	canonicalNaN = uint64(0xfffffff600000000)
)

// decode turns a guest JSValue into a Value. For heap tags Bits holds the
// guest pointer, so the same object always decodes to the same Value.
func decode(raw uint64) abi.Value {
	tag := int32(raw >> 32)
	if uint32(tag-tagFirst) >= uint32(int32(abi.TagFloat64)-tagFirst) {
		return abi.Float64(math.Float64frombits(raw + float64TagAddend<<32))
	}
	return abi.Value{Tag: abi.Tag(tag), Bits: uint64(uint32(raw))}
}

func encode(v abi.Value) uint64 {
	if v.Tag == abi.TagFloat64 {
		if v.Bits&0x7fffffffffffffff > 0x7ff0000000000000 {
			return canonicalNaN
		}
		return v.Bits - float64TagAddend<<32
	}
	return uint64(uint32(v.Tag))<<32 | uint64(uint32(v.Bits))
}
