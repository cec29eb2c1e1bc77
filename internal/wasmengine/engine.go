// Package wasmengine implements abi.Engine on a QuickJS-ng build compiled to
// WebAssembly and run by wazero. The guest is the stock C API plus a small
// shim (the JS_Ext_ exports); host callbacks, the module loader, the
// interrupt handler and the rejection tracker reach Go through the imports
// of the "env" host module.
package wasmengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/qjsbind/qjsbind/abi"
)

// EngineKey is the context key the engine is attached under. Host imports
// look the engine up through it.
type EngineKey struct{}

type Config struct {
	// Module is the wasm binary of the QuickJS build.
	Module []byte
	Logger *zap.Logger
	Stdout io.Writer
	Stderr io.Writer
	// RuntimeConfig defaults to wazero.NewRuntimeConfig().
	RuntimeConfig wazero.RuntimeConfig
}

type runtimeState struct {
	interrupt abi.InterruptHandler
	normalize abi.ModuleNormalizer
	loader    abi.ModuleLoader
	tracker   abi.PromiseRejectionTracker
}

// Engine is a wazero backed abi.Engine. Runtime and Context handles are
// guest pointers. Like QuickJS it is not safe for concurrent use.
type Engine struct {
	ctx     context.Context
	runtime wazero.Runtime
	module  api.Module
	logger  *zap.Logger
	exports map[string]api.Function

	runtimes  map[abi.Runtime]*runtimeState
	contexts  map[abi.Context]abi.Runtime
	functions []abi.HostFunction
	closed    bool

	// fault is the trap that stopped the guest.
	fault       error
	// throwingOOM is set while an out of memory error is being raised.
	throwingOOM bool
}

var (
	_ abi.Engine  = (*Engine)(nil)
	_ abi.Faulter = (*Engine)(nil)
)

// New compiles and instantiates the guest. The engine owns the wazero
// runtime and releases it with Close.
func New(ctx context.Context, config Config) (*Engine, error) {
	if len(config.Module) == 0 {
		return nil, errors.New("wasm engine: no QuickJS module given")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.RuntimeConfig == nil {
		config.RuntimeConfig = wazero.NewRuntimeConfig()
	}

	e := &Engine{
		logger:   config.Logger,
		runtimes: map[abi.Runtime]*runtimeState{},
		contexts: map[abi.Context]abi.Runtime{},
	}
	e.ctx = e.Attach(ctx)

	r := wazero.NewRuntimeWithConfig(e.ctx, config.RuntimeConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(e.ctx, r); err != nil {
		r.Close(e.ctx)
		return nil, fmt.Errorf("wasm engine: could not instantiate WASI: %w", err)
	}

	compiled, err := r.CompileModule(e.ctx, config.Module)
	if err != nil {
		r.Close(e.ctx)
		return nil, fmt.Errorf("wasm engine: could not compile module: %w", err)
	}

	missing, err := validateExports(compiled)
	if err != nil {
		r.Close(e.ctx)
		return nil, err
	}
	for _, name := range missing {
		e.logger.Warn("optional QuickJS export missing", zap.String("export", name))
	}

	if _, err := exportHostFunctions(r.NewHostModuleBuilder("env")).Instantiate(e.ctx); err != nil {
		r.Close(e.ctx)
		return nil, fmt.Errorf("wasm engine: could not instantiate host module: %w", err)
	}

	moduleConfig := wazero.NewModuleConfig().
		WithStartFunctions("_initialize").
		WithName("")
	if config.Stdout != nil {
		moduleConfig = moduleConfig.WithStdout(config.Stdout)
	}
	if config.Stderr != nil {
		moduleConfig = moduleConfig.WithStderr(config.Stderr)
	}

	mod, err := r.InstantiateModule(e.ctx, compiled, moduleConfig)
	if err != nil {
		r.Close(e.ctx)
		return nil, fmt.Errorf("wasm engine: could not instantiate module: %w", err)
	}

	e.runtime = r
	e.module = mod
	e.exports = lookupExports(mod)

	e.logger.Debug("QuickJS module instantiated",
		zap.Int("exports", len(e.exports)),
		zap.Uint32("memory_pages", mod.Memory().Size()/65536))

	return e, nil
}

// Attach returns a context carrying the engine.
func (e *Engine) Attach(ctx context.Context) context.Context {
	return context.WithValue(ctx, EngineKey{}, e)
}

func FromContext(ctx context.Context) (*Engine, error) {
	e, ok := ctx.Value(EngineKey{}).(*Engine)
	if !ok || e == nil {
		return nil, errors.New("no wasm engine attached to the context")
	}
	return e, nil
}

// MustFromContext is FromContext for host imports, where a missing engine
// means the module was instantiated outside of New.
func MustFromContext(ctx context.Context) *Engine {
	e, err := FromContext(ctx)
	if err != nil {
		panic(fmt.Errorf("could not get the wasm engine from the context: %w, the QuickJS module must be instantiated with wasmengine.New", err))
	}
	return e
}

// Close tears down the guest and the wazero runtime.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.runtime.Close(e.ctx)
}

// Fault returns the trap that stopped the guest, or nil. A trap leaves the
// guest heap in an unknown state: from then on no export is entered, values
// come back as exceptions and statuses as -1.
func (e *Engine) Fault() error {
	return e.fault
}

// call invokes a guest export. It returns 0 once the guest has trapped.
func (e *Engine) call(name string, params ...uint64) uint64 {
	if e.fault != nil {
		return 0
	}
	fn, ok := e.exports[name]
	if !ok {
		panic(unexportedFunctionError{name: name})
	}
	results, err := fn.Call(e.ctx, params...)
	if err != nil {
		e.fault = fmt.Errorf("wasm engine: %s: %w", name, err)
		if e.logger != nil {
			e.logger.Error("guest trapped", zap.String("export", name), zap.Error(err))
		}
		return 0
	}
	if len(results) == 0 {
		return 0
	}
	return results[0]
}

func (e *Engine) has(name string) bool {
	_, ok := e.exports[name]
	return ok
}

func (e *Engine) memory() api.Memory {
	return e.module.Memory()
}

func (e *Engine) state(rt abi.Runtime) *runtimeState {
	rs, ok := e.runtimes[rt]
	if !ok {
		panic(fmt.Errorf("wasm engine: invalid runtime %#x", uint32(rt)))
	}
	return rs
}

// stateOf returns the runtime state a context belongs to.
func (e *Engine) stateOf(c abi.Context) *runtimeState {
	rt, ok := e.contexts[c]
	if !ok {
		return nil
	}
	return e.runtimes[rt]
}

func (e *Engine) NewRuntime() (abi.Runtime, error) {
	rt := abi.Runtime(e.call(exportNewRuntime))
	if rt == 0 {
		return 0, errors.New("JS_NewRuntime returned null")
	}
	e.runtimes[rt] = &runtimeState{}
	return rt, nil
}

func (e *Engine) FreeRuntime(rt abi.Runtime) {
	if _, ok := e.runtimes[rt]; !ok {
		return
	}
	for c, owner := range e.contexts {
		if owner == rt {
			e.FreeContext(c)
		}
	}
	e.call(exportFreeRuntime, uint64(rt))
	delete(e.runtimes, rt)
}

// SetMemoryLimit caps the QuickJS allocator. The guest address space is 32
// bits wide, larger limits are clamped.
func (e *Engine) SetMemoryLimit(rt abi.Runtime, limit uint64) {
	if limit > math.MaxUint32 {
		limit = math.MaxUint32
	}
	e.call(exportSetMemoryLimit, uint64(rt), limit)
}

func (e *Engine) SetInterruptHandler(rt abi.Runtime, handler abi.InterruptHandler) {
	e.state(rt).interrupt = handler
	e.call(exportSetInterruptHandler, uint64(rt), flag(handler != nil))
}

func (e *Engine) SetModuleLoader(rt abi.Runtime, normalize abi.ModuleNormalizer, loader abi.ModuleLoader) {
	rs := e.state(rt)
	rs.normalize = normalize
	rs.loader = loader
	e.call(exportSetModuleLoader, uint64(rt), flag(loader != nil))
}

func (e *Engine) SetHostPromiseRejectionTracker(rt abi.Runtime, tracker abi.PromiseRejectionTracker) {
	e.state(rt).tracker = tracker
	e.call(exportSetPromiseRejectionTracker, uint64(rt), flag(tracker != nil))
}

func (e *Engine) ExecutePendingJob(rt abi.Runtime) (int32, abi.Context) {
	slot := e.malloc(4)
	if slot == 0 {
		return -1, 0
	}
	defer e.free(slot)
	status := e.status(exportExecutePendingJob, uint64(rt), uint64(slot))
	if status < 0 && e.fault != nil {
		return status, 0
	}
	return status, abi.Context(e.readUint32(slot))
}

func (e *Engine) IsJobPending(rt abi.Runtime) bool {
	return e.call(exportIsJobPending, uint64(rt)) != 0
}

func (e *Engine) NewContext(rt abi.Runtime) (abi.Context, error) {
	e.state(rt)
	c := abi.Context(e.call(exportNewContext, uint64(rt)))
	if c == 0 {
		return 0, errors.New("JS_NewContext returned null")
	}
	e.contexts[c] = rt
	return c, nil
}

func (e *Engine) FreeContext(c abi.Context) {
	if _, ok := e.contexts[c]; !ok {
		return
	}
	e.call(exportFreeContext, uint64(c))
	delete(e.contexts, c)
}

func (e *Engine) RegisterHostFunction(fn abi.HostFunction) abi.FunctionID {
	e.functions = append(e.functions, fn)
	return abi.FunctionID(len(e.functions))
}

func (e *Engine) hostFunction(id abi.FunctionID) (abi.HostFunction, bool) {
	if id < 1 || int(id) > len(e.functions) {
		return nil, false
	}
	return e.functions[id-1], true
}

func flag(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
