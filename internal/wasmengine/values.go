package wasmengine

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/qjsbind/qjsbind/abi"
)

func (e *Engine) value(name string, params ...uint64) abi.Value {
	raw := e.call(name, params...)
	if e.fault != nil {
		return abi.Exception
	}
	return decode(raw)
}

// status calls an export returning a C int, -1 once the guest has trapped.
func (e *Engine) status(name string, params ...uint64) int32 {
	raw := e.call(name, params...)
	if e.fault != nil {
		return -1
	}
	return api.DecodeI32(raw)
}

func (e *Engine) DupValue(c abi.Context, v abi.Value) abi.Value {
	if !v.Tag.HasRefCount() {
		return v
	}
	return e.value(exportDupValue, uint64(c), encode(v))
}

func (e *Engine) FreeValue(c abi.Context, v abi.Value) {
	if !v.Tag.HasRefCount() {
		return
	}
	e.call(exportFreeValue, uint64(c), encode(v))
}

func (e *Engine) RefCount(c abi.Context, v abi.Value) int {
	if !v.Tag.HasRefCount() {
		return -1
	}
	return int(e.status(exportRefCount, uint64(c), encode(v)))
}

func (e *Engine) NewString(c abi.Context, s string) abi.Value {
	ptr, size := e.writeString(s)
	if ptr == 0 {
		return e.outOfMemory(c)
	}
	defer e.free(ptr)
	return e.value(exportNewStringLen, uint64(c), uint64(ptr), uint64(size))
}

func (e *Engine) NewObject(c abi.Context) abi.Value {
	return e.value(exportNewObject, uint64(c))
}

func (e *Engine) NewArray(c abi.Context) abi.Value {
	return e.value(exportNewArray, uint64(c))
}

func (e *Engine) ToGoString(c abi.Context, v abi.Value) (string, bool) {
	size := e.malloc(4)
	if size == 0 {
		return "", false
	}
	defer e.free(size)
	ptr := uint32(e.call(exportToCStringLen2, uint64(c), uint64(size), encode(v), 0))
	if ptr == 0 {
		return "", false
	}
	defer e.call(exportFreeCString, uint64(c), uint64(ptr))
	return e.readString(ptr, e.readUint32(size)), true
}

func (e *Engine) ToStringValue(c abi.Context, v abi.Value) abi.Value {
	return e.value(exportToString, uint64(c), encode(v))
}

func (e *Engine) JSONStringify(c abi.Context, v abi.Value) abi.Value {
	return e.value(exportJSONStringify, uint64(c), encode(v), encode(abi.Undefined), encode(abi.Undefined))
}

func (e *Engine) Eval(c abi.Context, code, filename string, flags abi.EvalFlags) abi.Value {
	input, size := e.writeString(code)
	if input == 0 {
		return e.outOfMemory(c)
	}
	defer e.free(input)
	name, _ := e.writeString(filename)
	if name == 0 {
		return e.outOfMemory(c)
	}
	defer e.free(name)
	return e.value(exportEval, uint64(c), uint64(input), uint64(size), uint64(name), api.EncodeI32(int32(flags)))
}

func (e *Engine) EvalFunction(c abi.Context, fn abi.Value) abi.Value {
	return e.value(exportEvalFunction, uint64(c), encode(fn))
}

func (e *Engine) GetGlobalObject(c abi.Context) abi.Value {
	return e.value(exportGetGlobalObject, uint64(c))
}

func (e *Engine) GetPropertyStr(c abi.Context, obj abi.Value, name string) abi.Value {
	ptr, _ := e.writeString(name)
	if ptr == 0 {
		return e.outOfMemory(c)
	}
	defer e.free(ptr)
	return e.value(exportGetPropertyStr, uint64(c), encode(obj), uint64(ptr))
}

func (e *Engine) SetPropertyStr(c abi.Context, obj abi.Value, name string, v abi.Value) int32 {
	ptr, _ := e.writeString(name)
	if ptr == 0 {
		e.FreeValue(c, v)
		e.outOfMemory(c)
		return -1
	}
	defer e.free(ptr)
	return e.status(exportSetPropertyStr, uint64(c), encode(obj), uint64(ptr), encode(v))
}

func (e *Engine) GetPropertyUint32(c abi.Context, obj abi.Value, index uint32) abi.Value {
	return e.value(exportGetPropertyUint32, uint64(c), encode(obj), uint64(index))
}

func (e *Engine) SetPropertyUint32(c abi.Context, obj abi.Value, index uint32, v abi.Value) int32 {
	return e.status(exportSetPropertyUint32, uint64(c), encode(obj), uint64(index), encode(v))
}

func (e *Engine) GetLength(c abi.Context, obj abi.Value) int64 {
	out := e.malloc(8)
	if out == 0 {
		e.outOfMemory(c)
		return -1
	}
	defer e.free(out)
	if e.status(exportGetLength, uint64(c), encode(obj), uint64(out)) < 0 {
		return -1
	}
	return e.readInt64(out)
}

// propertyEnumSize is sizeof(JSPropertyEnum): a bool padded to 4 bytes
// followed by the atom.
const propertyEnumSize = 8

// GetOwnPropertyNames returns the guest pointer of the JSPropertyEnum array
// as the enumeration handle.
func (e *Engine) GetOwnPropertyNames(c abi.Context, obj abi.Value, flags abi.PropertyFlags) (abi.PropertyEnum, uint32, bool) {
	out := e.malloc(8)
	if out == 0 {
		e.outOfMemory(c)
		return 0, 0, false
	}
	defer e.free(out)
	status := e.status(exportGetOwnPropertyNames, uint64(c), uint64(out), uint64(out+4), encode(obj), api.EncodeI32(int32(flags)))
	if status < 0 {
		return 0, 0, false
	}
	return abi.PropertyEnum(e.readUint32(out)), e.readUint32(out + 4), true
}

func (e *Engine) PropertyEnumAtom(_ abi.Context, names abi.PropertyEnum, index uint32) abi.Atom {
	return abi.Atom(e.readUint32(uint32(names) + index*propertyEnumSize + 4))
}

func (e *Engine) FreePropertyEnum(c abi.Context, names abi.PropertyEnum, count uint32) {
	if names == 0 {
		return
	}
	e.call(exportFreePropertyEnum, uint64(c), uint64(names), uint64(count))
}

func (e *Engine) AtomToString(c abi.Context, atom abi.Atom) abi.Value {
	return e.value(exportAtomToString, uint64(c), uint64(atom))
}

func (e *Engine) GetProperty(c abi.Context, obj abi.Value, atom abi.Atom) abi.Value {
	return e.value(exportGetProperty, uint64(c), encode(obj), uint64(atom))
}

func (e *Engine) Call(c abi.Context, fn, this abi.Value, args []abi.Value) abi.Value {
	argv, ok := e.writeValues(args)
	if !ok {
		return e.outOfMemory(c)
	}
	defer e.free(argv)
	return e.value(exportCall, uint64(c), encode(fn), encode(this), uint64(len(args)), uint64(argv))
}

func (e *Engine) CallConstructor(c abi.Context, fn abi.Value, args []abi.Value) abi.Value {
	argv, ok := e.writeValues(args)
	if !ok {
		return e.outOfMemory(c)
	}
	defer e.free(argv)
	return e.value(exportCallConstructor, uint64(c), encode(fn), uint64(len(args)), uint64(argv))
}

func (e *Engine) IsArray(c abi.Context, v abi.Value) bool {
	return v.IsObject() && e.call(exportIsArray, uint64(c), encode(v)) != 0
}

func (e *Engine) IsFunction(c abi.Context, v abi.Value) bool {
	return v.IsObject() && e.call(exportIsFunction, uint64(c), encode(v)) != 0
}

func (e *Engine) IsPromise(c abi.Context, v abi.Value) bool {
	return v.IsObject() && e.call(exportIsPromise, uint64(c), encode(v)) != 0
}

func (e *Engine) IsInstanceOf(c abi.Context, v, ctor abi.Value) int32 {
	return e.status(exportIsInstanceOf, uint64(c), encode(v), encode(ctor))
}

func (e *Engine) IsProxy(c abi.Context, v abi.Value) bool {
	if !v.IsObject() || !e.has(exportIsProxy) {
		return false
	}
	return e.call(exportIsProxy, uint64(c), encode(v)) != 0
}

func (e *Engine) GetProxyTarget(c abi.Context, v abi.Value) abi.Value {
	if !e.has(exportGetProxyTarget) {
		return e.ThrowError(c, "TypeError", "proxy targets are not supported by this QuickJS build")
	}
	return e.value(exportGetProxyTarget, uint64(c), encode(v))
}

// NewCFunctionData copies data into guest memory; the shim duplicates the
// values into the function object, so the copy is freed right away.
func (e *Engine) NewCFunctionData(c abi.Context, fn abi.FunctionID, length, magic int32, data []abi.Value) abi.Value {
	ptr, ok := e.writeValues(data)
	if !ok {
		return e.outOfMemory(c)
	}
	defer e.free(ptr)
	return e.value(exportNewCFunctionData, uint64(c), uint64(fn), api.EncodeI32(length), api.EncodeI32(magic), uint64(len(data)), uint64(ptr))
}

func (e *Engine) HasException(c abi.Context) bool {
	return e.call(exportHasException, uint64(c)) != 0
}

func (e *Engine) GetException(c abi.Context) abi.Value {
	return e.value(exportGetException, uint64(c))
}

func (e *Engine) Throw(c abi.Context, v abi.Value) abi.Value {
	return e.value(exportThrow, uint64(c), encode(v))
}

// ThrowError constructs the error with the global constructor name. QuickJS
// defines InternalError, so every name the bridge uses exists.
func (e *Engine) ThrowError(c abi.Context, name, message string) abi.Value {
	global := e.GetGlobalObject(c)
	defer e.FreeValue(c, global)

	ctor := e.GetPropertyStr(c, global, name)
	if ctor.IsException() {
		return ctor
	}
	if !e.IsFunction(c, ctor) {
		e.FreeValue(c, ctor)
		ctor = e.GetPropertyStr(c, global, "Error")
		if ctor.IsException() {
			return ctor
		}
	}
	defer e.FreeValue(c, ctor)

	msg := e.NewString(c, message)
	if msg.IsException() {
		return msg
	}
	defer e.FreeValue(c, msg)

	err := e.CallConstructor(c, ctor, []abi.Value{msg})
	if err.IsException() {
		return err
	}
	return e.Throw(c, err)
}
