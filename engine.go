package qjsbind

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/qjsbind/qjsbind/abi"
	"github.com/qjsbind/qjsbind/internal/gojaengine"
	"github.com/qjsbind/qjsbind/internal/wasmengine"
)

// WasmEngine is an engine running a QuickJS build under wazero. It must be
// closed once every context using it is closed.
type WasmEngine interface {
	abi.Engine
	Close() error
}

// HandleCounter is implemented by engines that can report their live heap
// handles.
type HandleCounter interface {
	CountHandles() int
}

// NewGojaEngine returns a pure Go engine. This is the default of
// NewContext.
func NewGojaEngine() abi.Engine {
	return gojaengine.New()
}

type WasmConfig struct {
	// Module is the QuickJS wasm build, see internal/wasmengine for the
	// exports it needs.
	Module []byte
	Logger *zap.Logger
	Stdout io.Writer
	Stderr io.Writer
}

// NewWasmEngine instantiates a QuickJS wasm build. ctx is used for every
// call into the guest.
func NewWasmEngine(ctx context.Context, config WasmConfig) (WasmEngine, error) {
	if config.Logger == nil {
		config.Logger = Logger()
	}
	e, err := wasmengine.New(ctx, wasmengine.Config{
		Module: config.Module,
		Logger: config.Logger,
		Stdout: config.Stdout,
		Stderr: config.Stderr,
	})
	if err != nil {
		return nil, internalError("new wasm engine", err)
	}
	return e, nil
}

// CountHandles returns the live heap handles of the engine behind c, or -1
// when the engine does not track them.
func (c *Context) CountHandles() int {
	if counter, ok := c.engine.(HandleCounter); ok {
		return counter.CountHandles()
	}
	return -1
}
