package wasmengine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/qjsbind/qjsbind/abi"
)

const (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// exportHostFunctions adds the imports the shim calls back into: function
// calls, module resolution, rejection tracking and interrupt polling.
func exportHostFunctions(b wazero.HostModuleBuilder) wazero.HostModuleBuilder {
	b.NewFunctionBuilder().
		WithName("qjs_host_call").
		WithParameterNames("ctx", "fn", "this", "argc", "argv", "magic", "datalen", "data").
		WithResultNames("value").
		WithGoModuleFunction(api.GoModuleFunc(hostCall), []api.ValueType{i32, i32, i64, i32, i32, i32, i32, i32}, []api.ValueType{i64}).
		Export("qjs_host_call")

	b.NewFunctionBuilder().
		WithName("qjs_interrupt").
		WithParameterNames("rt").
		WithResultNames("interrupt").
		WithGoModuleFunction(api.GoModuleFunc(hostInterrupt), []api.ValueType{i32}, []api.ValueType{i32}).
		Export("qjs_interrupt")

	b.NewFunctionBuilder().
		WithName("qjs_module_normalize").
		WithParameterNames("ctx", "base", "name").
		WithResultNames("normalized").
		WithGoModuleFunction(api.GoModuleFunc(hostModuleNormalize), []api.ValueType{i32, i32, i32}, []api.ValueType{i32}).
		Export("qjs_module_normalize")

	b.NewFunctionBuilder().
		WithName("qjs_module_loader").
		WithParameterNames("ctx", "name").
		WithResultNames("module").
		WithGoModuleFunction(api.GoModuleFunc(hostModuleLoader), []api.ValueType{i32, i32}, []api.ValueType{i64}).
		Export("qjs_module_loader")

	b.NewFunctionBuilder().
		WithName("qjs_promise_rejection").
		WithParameterNames("ctx", "promise", "reason", "handled").
		WithGoModuleFunction(api.GoModuleFunc(hostPromiseRejection), []api.ValueType{i32, i64, i64, i32}, []api.ValueType{}).
		Export("qjs_promise_rejection")

	return b
}

func hostCall(ctx context.Context, _ api.Module, stack []uint64) {
	e := MustFromContext(ctx)
	c := abi.Context(api.DecodeU32(stack[0]))
	id := abi.FunctionID(api.DecodeU32(stack[1]))
	this := decode(stack[2])
	args := e.readValues(api.DecodeU32(stack[4]), api.DecodeU32(stack[3]))
	magic := api.DecodeI32(stack[5])
	data := e.readValues(api.DecodeU32(stack[7]), api.DecodeU32(stack[6]))

	fn, ok := e.hostFunction(id)
	if !ok {
		stack[0] = encode(e.ThrowError(c, "InternalError", "unknown host function"))
		return
	}
	stack[0] = encode(fn(c, this, args, magic, data))
}

func hostInterrupt(ctx context.Context, _ api.Module, stack []uint64) {
	e := MustFromContext(ctx)
	rt := abi.Runtime(api.DecodeU32(stack[0]))
	rs, ok := e.runtimes[rt]
	if !ok || rs.interrupt == nil {
		stack[0] = 0
		return
	}
	stack[0] = flag(rs.interrupt(rt))
}

// hostModuleNormalize returns a malloc'd name the shim hands to QuickJS, or
// 0 with an exception pending.
func hostModuleNormalize(ctx context.Context, _ api.Module, stack []uint64) {
	e := MustFromContext(ctx)
	c := abi.Context(api.DecodeU32(stack[0]))
	base := e.readCString(api.DecodeU32(stack[1]))
	name := e.readCString(api.DecodeU32(stack[2]))

	rs := e.stateOf(c)
	if rs == nil || rs.normalize == nil {
		stack[0] = 0
		e.ThrowError(c, "ReferenceError", "no module normalizer registered")
		return
	}
	normalized, ok := rs.normalize(c, base, name)
	if !ok {
		stack[0] = 0
		return
	}
	ptr, _ := e.writeString(normalized)
	if ptr == 0 {
		e.outOfMemory(c)
	}
	stack[0] = api.EncodeU32(ptr)
}

func hostModuleLoader(ctx context.Context, _ api.Module, stack []uint64) {
	e := MustFromContext(ctx)
	c := abi.Context(api.DecodeU32(stack[0]))
	name := e.readCString(api.DecodeU32(stack[1]))

	rs := e.stateOf(c)
	if rs == nil || rs.loader == nil {
		stack[0] = encode(e.ThrowError(c, "ReferenceError", "could not load module '"+name+"': no module loader registered"))
		return
	}
	module := rs.loader(c, name)
	if !module.IsException() && module.Tag != abi.TagModule {
		e.logger.Warn("module loader returned a non module value", zap.String("name", name), zap.Stringer("tag", module.Tag))
		e.FreeValue(c, module)
		module = e.ThrowError(c, "TypeError", "module loader did not return a module")
	}
	stack[0] = encode(module)
}

func hostPromiseRejection(ctx context.Context, _ api.Module, stack []uint64) {
	e := MustFromContext(ctx)
	c := abi.Context(api.DecodeU32(stack[0]))
	rs := e.stateOf(c)
	if rs == nil || rs.tracker == nil {
		return
	}
	rs.tracker(c, decode(stack[1]), decode(stack[2]), api.DecodeU32(stack[3]) != 0)
}
