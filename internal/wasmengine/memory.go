package wasmengine

import (
	"fmt"

	"github.com/qjsbind/qjsbind/abi"
)

// malloc reserves size bytes of guest memory. Allocations are released with
// free by the caller. It returns 0 when the guest heap is exhausted.
func (e *Engine) malloc(size uint32) uint32 {
	return uint32(e.call(exportMalloc, uint64(size)))
}

// outOfMemory raises an InternalError for a failed allocation in c and
// returns abi.Exception.
func (e *Engine) outOfMemory(c abi.Context) abi.Value {
	if e.fault != nil || e.throwingOOM {
		return abi.Exception
	}
	e.throwingOOM = true
	defer func() { e.throwingOOM = false }()
	return e.ThrowError(c, "InternalError", "out of memory")
}

func (e *Engine) free(ptr uint32) {
	if ptr != 0 {
		e.call(exportFree, uint64(ptr))
	}
}

// writeString copies s into guest memory with a terminating NUL and returns
// the pointer and the length without the NUL. The pointer is 0 when the
// allocation failed.
func (e *Engine) writeString(s string) (uint32, uint32) {
	size := uint32(len(s))
	ptr := e.malloc(size + 1)
	if ptr == 0 {
		return 0, 0
	}
	buf := make([]byte, size+1)
	copy(buf, s)
	if !e.memory().Write(ptr, buf) {
		panic(fmt.Errorf("wasm engine: write of %d bytes at %#x out of range", size+1, ptr))
	}
	return ptr, size
}

func (e *Engine) readString(ptr, size uint32) string {
	buf, ok := e.memory().Read(ptr, size)
	if !ok {
		panic(fmt.Errorf("wasm engine: read of %d bytes at %#x out of range", size, ptr))
	}
	return string(buf)
}

// readCString reads a NUL terminated string.
func (e *Engine) readCString(ptr uint32) string {
	mem := e.memory()
	var size uint32
	for {
		b, ok := mem.ReadByte(ptr + size)
		if !ok {
			panic(fmt.Errorf("wasm engine: unterminated string at %#x", ptr))
		}
		if b == 0 {
			break
		}
		size++
	}
	return e.readString(ptr, size)
}

// writeValues stores values as an array of JSValues and returns its
// pointer, or 0 for an empty slice. ok is false when the allocation failed.
func (e *Engine) writeValues(values []abi.Value) (ptr uint32, ok bool) {
	if len(values) == 0 {
		return 0, true
	}
	ptr = e.malloc(uint32(8 * len(values)))
	if ptr == 0 {
		return 0, false
	}
	for i, v := range values {
		if !e.memory().WriteUint64Le(ptr+uint32(8*i), encode(v)) {
			panic(fmt.Errorf("wasm engine: value array at %#x out of range", ptr))
		}
	}
	return ptr, true
}

func (e *Engine) readValues(ptr, count uint32) []abi.Value {
	values := make([]abi.Value, count)
	for i := range values {
		raw, ok := e.memory().ReadUint64Le(ptr + uint32(8*i))
		if !ok {
			panic(fmt.Errorf("wasm engine: value array at %#x out of range", ptr))
		}
		values[i] = decode(raw)
	}
	return values
}

func (e *Engine) readUint32(ptr uint32) uint32 {
	v, ok := e.memory().ReadUint32Le(ptr)
	if !ok {
		panic(fmt.Errorf("wasm engine: read at %#x out of range", ptr))
	}
	return v
}

func (e *Engine) readInt64(ptr uint32) int64 {
	v, ok := e.memory().ReadUint64Le(ptr)
	if !ok {
		panic(fmt.Errorf("wasm engine: read at %#x out of range", ptr))
	}
	return int64(v)
}
