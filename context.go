// Package qjsbind embeds a JavaScript engine with owned values.
//
// Every *OwnedValue holds one reference to an engine value and must be
// released with Free. Typed views (Object, Array, Function, Promise,
// Module, CompiledFunction) wrap an OwnedValue after checking its type.
// Go functions become script functions through AddCallback, and promises
// returned by script are awaited by the Context.
package qjsbind

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/qjsbind/qjsbind/abi"
	"github.com/qjsbind/qjsbind/internal/gojaengine"
)

const (
	scriptFilename = "script.js"
	moduleFilename = "module.js"
)

// Context owns one engine runtime with one context in it. It is not safe for
// concurrent use. Independent contexts may run on different goroutines as
// long as they do not share an engine.
type Context struct {
	ctx         context.Context
	engine      abi.Engine
	rt          abi.Runtime
	c           abi.Context
	gen         uint64
	logger      *zap.Logger
	memoryLimit uint64

	// callbacks is append only. The engine keeps the registry index of every
	// function it created, so entries live until Reset or Close.
	mu         sync.Mutex
	callbacks  []*callback
	trampoline abi.FunctionID

	// loop is the context the last drained job belonged to.
	loopMu sync.Mutex
	loop   abi.Context

	resolver  *Function
	console   ConsoleBackend
	loader    ModuleLoader
	normalize ModuleNormalizer
	interrupt func() bool
	tracker   RejectionTracker

	// fault is set when a callback panicked and cleared once the resulting
	// exception reached the host.
	fault  bool
	closed bool
}

// NewContext creates a runtime and a context. ctx is observed while scripts
// run: once it is done, running scripts are interrupted.
func NewContext(ctx context.Context, opts ...Option) (*Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.engine == nil {
		cfg.engine = gojaengine.New()
	}
	if cfg.logger == nil {
		cfg.logger = Logger()
	}

	rt, err := cfg.engine.NewRuntime()
	if err != nil {
		return nil, internalError("new context", fmt.Errorf("could not create runtime: %w", err))
	}
	if cfg.memoryLimit > 0 {
		cfg.engine.SetMemoryLimit(rt, cfg.memoryLimit)
	}

	c, err := cfg.engine.NewContext(rt)
	if err != nil {
		cfg.engine.FreeRuntime(rt)
		return nil, internalError("new context", fmt.Errorf("could not create context: %w", err))
	}

	qc := &Context{
		ctx:         ctx,
		engine:      cfg.engine,
		rt:          rt,
		c:           c,
		logger:      cfg.logger,
		memoryLimit: cfg.memoryLimit,
		interrupt:   cfg.interrupt,
	}
	qc.trampoline = cfg.engine.RegisterHostFunction(qc.dispatch)
	qc.installInterruptHandler()
	cfg.engine.SetHostPromiseRejectionTracker(rt, qc.trackRejection)

	if cfg.loader != nil {
		qc.SetModuleLoader(cfg.loader, cfg.normalizer)
	}
	if cfg.console != nil {
		if err := qc.SetConsole(cfg.console); err != nil {
			qc.Close()
			return nil, err
		}
	}

	qc.logger.Debug("context created",
		zap.Uint32("runtime", uint32(rt)),
		zap.Uint32("context", uint32(c)),
		zap.Uint64("memory_limit", cfg.memoryLimit))

	return qc, nil
}

// Engine returns the engine backing the context.
func (c *Context) Engine() abi.Engine {
	return c.engine
}

// Raw returns the engine handles of the runtime and the context.
func (c *Context) Raw() (abi.Runtime, abi.Context) {
	return c.rt, c.c
}

// Close frees the context, then the runtime. Values created in the context
// must not be used afterwards.
func (c *Context) Close() {
	if c.closed {
		return
	}
	if c.resolver != nil {
		c.resolver.Free()
		c.resolver = nil
	}
	c.engine.FreeContext(c.c)
	c.engine.FreeRuntime(c.rt)
	c.closed = true

	c.mu.Lock()
	c.callbacks = nil
	c.mu.Unlock()

	c.logger.Debug("context closed", zap.Uint32("context", uint32(c.c)))
}

// Reset replaces the engine context with a fresh one and drops every
// registered callback. The runtime, its memory limit, module loader and
// handlers are kept. Values created before the reset must not be used
// afterwards.
func (c *Context) Reset() error {
	if c.closed {
		return internalError("reset", ErrClosed)
	}

	if c.resolver != nil {
		c.resolver.Free()
		c.resolver = nil
	}
	c.engine.FreeContext(c.c)
	c.mu.Lock()
	c.callbacks = nil
	c.mu.Unlock()
	c.fault = false
	c.gen++

	ctx, err := c.engine.NewContext(c.rt)
	if err != nil {
		return internalError("reset", fmt.Errorf("could not create context: %w", err))
	}
	c.c = ctx

	c.logger.Debug("context reset", zap.Uint32("context", uint32(ctx)))

	if c.console != nil {
		return c.SetConsole(c.console)
	}
	return nil
}

func (c *Context) check(op string) error {
	if c.closed {
		return internalError(op, ErrClosed)
	}
	return nil
}

// wrap takes ownership of a handle returned by the engine, turning the
// exception tag into the pending exception.
func (c *Context) wrap(op string, v abi.Value) (*OwnedValue, error) {
	if v.IsException() {
		return nil, c.exception(op)
	}
	return &OwnedValue{ctx: c, value: v, gen: c.gen}, nil
}

// Global returns the global object.
func (c *Context) Global() (*Object, error) {
	if err := c.check("global"); err != nil {
		return nil, err
	}
	global, err := c.wrap("global", c.engine.GetGlobalObject(c.c))
	if err != nil {
		return nil, err
	}
	return global.IntoObject()
}

// SetGlobal converts value and stores it as a global variable.
func (c *Context) SetGlobal(name string, value any) error {
	global, err := c.Global()
	if err != nil {
		return err
	}
	defer global.Free()
	return global.Set(name, value)
}

// Eval evaluates code as a script. A resulting promise is awaited.
func (c *Context) Eval(code string) (*OwnedValue, error) {
	return c.EvalFile(code, scriptFilename)
}

// EvalFile is Eval with a filename for stack traces and module resolution.
func (c *Context) EvalFile(code, filename string) (*OwnedValue, error) {
	if err := c.check("eval"); err != nil {
		return nil, err
	}
	return c.resolve("eval", c.engine.Eval(c.c, code, filename, abi.EvalGlobal))
}

// EvalModule evaluates code as an ES module. The result is always undefined
// once the module finished evaluating.
func (c *Context) EvalModule(code string) (*OwnedValue, error) {
	if err := c.check("eval module"); err != nil {
		return nil, err
	}
	return c.resolve("eval module", c.engine.Eval(c.c, code, moduleFilename, abi.EvalModule))
}

// RunModule loads the module name through the module loader, resolved
// against ".", and evaluates it.
func (c *Context) RunModule(name string) error {
	if err := c.check("run module"); err != nil {
		return err
	}
	result, err := c.resolve("run module", c.engine.Eval(c.c, "import "+strconv.Quote(name)+";", ".", abi.EvalModule))
	if err != nil {
		return err
	}
	result.Free()
	return nil
}

// Compile compiles code as a script without running it.
func (c *Context) Compile(code, filename string) (*CompiledFunction, error) {
	if err := c.check("compile"); err != nil {
		return nil, err
	}
	v, err := c.wrap("compile", c.engine.Eval(c.c, code, filename, abi.EvalGlobal|abi.EvalCompileOnly))
	if err != nil {
		return nil, err
	}
	fn, err := v.IntoCompiledFunction()
	if err != nil {
		v.Free()
		return nil, err
	}
	return fn, nil
}

// CompileModule compiles code as a module named name without evaluating it.
func (c *Context) CompileModule(name, code string) (*Module, error) {
	if err := c.check("compile module"); err != nil {
		return nil, err
	}
	v, err := c.wrap("compile module", c.engine.Eval(c.c, code, name, abi.EvalModule|abi.EvalCompileOnly))
	if err != nil {
		return nil, err
	}
	m, err := v.IntoModule()
	if err != nil {
		v.Free()
		return nil, err
	}
	return m, nil
}

// CallFunction calls the global function name with converted arguments and
// awaits a resulting promise.
func (c *Context) CallFunction(name string, args ...any) (*OwnedValue, error) {
	global, err := c.Global()
	if err != nil {
		return nil, err
	}
	defer global.Free()

	value, err := global.PropertyRequire(name)
	if err != nil {
		return nil, err
	}
	fn, err := value.IntoFunction()
	if err != nil {
		value.Free()
		return nil, err
	}
	defer fn.Free()

	values, err := c.toValues(args)
	if err != nil {
		return nil, err
	}

	result, err := fn.Call(values...)
	if err != nil {
		return nil, err
	}
	return c.await("call function", result)
}

// Await consumes v and drives it to settlement when it is a thenable.
func (c *Context) Await(v *OwnedValue) (*OwnedValue, error) {
	if err := c.check("await"); err != nil {
		v.Free()
		return nil, err
	}
	return c.await("await", v)
}

// EvalAs evaluates code and converts the result to T.
func EvalAs[T any](c *Context, code string) (T, error) {
	var out T
	value, err := c.Eval(code)
	if err != nil {
		return out, err
	}
	defer value.Free()
	err = c.Decode(value, &out)
	return out, err
}

// ExecutePendingJob runs queued jobs until the queue is empty.
func (c *Context) ExecutePendingJob() error {
	if err := c.check("execute pending job"); err != nil {
		return err
	}
	for {
		status, err := c.runJob("execute pending job")
		if err != nil {
			return err
		}
		if status == 0 {
			return nil
		}
	}
}

// runJob runs one job and reports the engine status.
func (c *Context) runJob(op string) (int32, error) {
	status, jobContext := c.engine.ExecutePendingJob(c.rt)

	c.loopMu.Lock()
	c.loop = jobContext
	loop := c.loop
	c.loopMu.Unlock()

	if status < 0 {
		if loop == 0 {
			return status, c.exception(op)
		}
		return status, c.exceptionIn(op, loop)
	}
	return status, nil
}

func (c *Context) NewObject() (*Object, error) {
	v, err := c.wrap("new object", c.engine.NewObject(c.c))
	if err != nil {
		return nil, err
	}
	return v.IntoObject()
}

func (c *Context) NewArray() (*Array, error) {
	v, err := c.wrap("new array", c.engine.NewArray(c.c))
	if err != nil {
		return nil, err
	}
	return v.IntoArray()
}

func (c *Context) NewString(s string) (*OwnedValue, error) {
	return c.wrap("new string", c.engine.NewString(c.c, s))
}

// SetInterruptHandler replaces the interrupt handler. The handler may be
// called from another goroutine while a script runs.
func (c *Context) SetInterruptHandler(handler func() bool) {
	c.interrupt = handler
	c.installInterruptHandler()
}

func (c *Context) installInterruptHandler() {
	handler := c.interrupt
	done := c.ctx.Done()
	if handler == nil && done == nil {
		c.engine.SetInterruptHandler(c.rt, nil)
		return
	}
	c.engine.SetInterruptHandler(c.rt, func(abi.Runtime) bool {
		if done != nil {
			select {
			case <-done:
				return true
			default:
			}
		}
		return handler != nil && handler()
	})
}

// RejectionTracker observes promise rejections. The engine reports every
// rejection, including ones that get a handler attached later, so a call
// with handled false does not prove the rejection stays unhandled.
type RejectionTracker func(promise *Promise, reason *OwnedValue, handled bool)

// SetHostPromiseRejectionTracker installs tracker. The values passed to it
// are only valid during the call.
func (c *Context) SetHostPromiseRejectionTracker(tracker RejectionTracker) {
	c.tracker = tracker
}

func (c *Context) trackRejection(_ abi.Context, promise, reason abi.Value, handled bool) {
	if c.tracker == nil {
		c.logger.Debug("promise rejection", zap.Bool("handled", handled))
		return
	}

	p := Own(c, promise)
	r := Own(c, reason)
	defer p.Free()
	defer r.Free()
	c.tracker(&Promise{Object{OwnedValue: p}}, r, handled)
}
