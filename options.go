package qjsbind

import (
	"go.uber.org/zap"

	"github.com/qjsbind/qjsbind/abi"
)

type config struct {
	engine      abi.Engine
	memoryLimit uint64
	logger      *zap.Logger
	console     ConsoleBackend
	loader      ModuleLoader
	normalizer  ModuleNormalizer
	interrupt   func() bool
}

// Option configures a Context created with NewContext.
type Option func(*config)

// WithEngine selects the engine backend. By default every context gets its
// own pure Go engine. An engine may be shared by contexts that are driven
// from the same goroutine.
func WithEngine(engine abi.Engine) Option {
	return func(c *config) {
		c.engine = engine
	}
}

// WithMemoryLimit sets the memory ceiling of the runtime in bytes.
//
// On the wasm engine this is the QuickJS allocator limit of the guest. On
// the goja engine, the default, there is no per runtime accounting: the
// limit applies to the growth of the process wide Go heap while script runs,
// so allocations of unrelated goroutines count against it. Every apparent
// overrun forces a full runtime.GC before the script fails. Treat it as a
// coarse guard against runaway scripts, not as a quota.
func WithMemoryLimit(bytes uint64) Option {
	return func(c *config) {
		c.memoryLimit = bytes
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithConsole installs globalThis.console backed by backend.
func WithConsole(backend ConsoleBackend) Option {
	return func(c *config) {
		c.console = backend
	}
}

// WithModuleLoader registers a module loader and an optional normalizer.
func WithModuleLoader(loader ModuleLoader, normalizer ModuleNormalizer) Option {
	return func(c *config) {
		c.loader = loader
		c.normalizer = normalizer
	}
}

// WithInterruptHandler registers a handler polled while scripts run.
// Returning true aborts the running script.
func WithInterruptHandler(handler func() bool) Option {
	return func(c *config) {
		c.interrupt = handler
	}
}
