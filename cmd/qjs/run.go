package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/qjsbind/qjsbind"
)

type runner struct {
	config *Config
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer
}

// newContext creates a context as configured. The returned function closes
// the context and its engine.
func (r *runner) newContext(ctx context.Context) (*qjsbind.Context, func(), error) {
	opts := []qjsbind.Option{
		qjsbind.WithLogger(r.logger),
		qjsbind.WithModuleLoader(fileLoader(r.config.Path(r.config.ModuleRoot)), nil),
	}
	if r.config.MemoryLimit > 0 {
		opts = append(opts, qjsbind.WithMemoryLimit(r.config.MemoryLimit))
	}

	switch r.config.Console {
	case "stdout":
		opts = append(opts, qjsbind.WithConsole(qjsbind.WriterConsole(r.stdout, qjsbind.LevelLog)))
	case "verbose":
		opts = append(opts, qjsbind.WithConsole(qjsbind.WriterConsole(r.stdout, qjsbind.LevelTrace)))
	case "log":
		opts = append(opts, qjsbind.WithConsole(qjsbind.ZapConsole(r.logger.Named("console"))))
	case "off":
		opts = append(opts, qjsbind.WithConsole(qjsbind.DiscardConsole))
	}

	closeEngine := func() {}
	if r.config.Engine == "wasm" {
		module, err := os.ReadFile(r.config.Path(r.config.Wasm))
		if err != nil {
			return nil, nil, err
		}
		wasmEngine, err := qjsbind.NewWasmEngine(ctx, qjsbind.WasmConfig{
			Module: module,
			Logger: r.logger.Named("wasm"),
			Stdout: r.stdout,
			Stderr: r.stderr,
		})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, qjsbind.WithEngine(wasmEngine))
		closeEngine = func() {
			if err := wasmEngine.Close(); err != nil {
				r.logger.Warn("could not close the wasm engine", zap.Error(err))
			}
		}
	} else {
		opts = append(opts, qjsbind.WithEngine(qjsbind.NewGojaEngine()))
	}

	c, err := qjsbind.NewContext(ctx, opts...)
	if err != nil {
		closeEngine()
		return nil, nil, err
	}
	return c, func() {
		c.Close()
		closeEngine()
	}, nil
}

// fileLoader reads modules from root. Names can not leave root.
func fileLoader(root string) qjsbind.ModuleLoader {
	return func(name string) (string, error) {
		file := filepath.Join(root, filepath.FromSlash(path.Clean("/"+name)))
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// runFile evaluates a script, or a module when module is set, and prints
// the result of a script.
func (r *runner) runFile(c *qjsbind.Context, file string, module bool) error {
	if module {
		root, err := filepath.Abs(r.config.Path(r.config.ModuleRoot))
		if err != nil {
			return err
		}
		abs, err := filepath.Abs(file)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("module %s is outside the module root %s", file, root)
		}
		r.logger.Debug("running module", zap.String("file", file), zap.String("name", rel))
		return c.RunModule("./" + filepath.ToSlash(rel))
	}

	source, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	r.logger.Debug("running script", zap.String("file", file))
	return r.eval(c, string(source), filepath.Base(file))
}

func (r *runner) eval(c *qjsbind.Context, code, filename string) error {
	v, err := c.EvalFile(code, filename)
	if err != nil {
		return err
	}
	defer v.Free()
	r.printValue(v)
	return nil
}

// printValue writes v as JSON where possible. undefined is not printed.
func (r *runner) printValue(v *qjsbind.OwnedValue) {
	if v.IsUndefined() {
		return
	}
	s, err := v.ToJSON()
	if err != nil || v.IsFunction() || v.IsSymbol() {
		s = qjsbind.FormatArgs([]*qjsbind.OwnedValue{v})
	}
	fmt.Fprintln(r.stdout, s)
}

// report prints err and returns the exit code for it. A cancelled ctx
// means the run was interrupted.
func (r *runner) report(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return 0
	case ctx.Err() != nil:
		fmt.Fprintln(r.stderr, "interrupted")
		return 130
	case errors.Is(err, qjsbind.ErrException):
		fmt.Fprintln(r.stderr, "Uncaught", err)
	default:
		fmt.Fprintln(r.stderr, err)
	}
	return 1
}
