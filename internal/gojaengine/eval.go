package gojaengine

import (
	"github.com/dop251/goja"

	"github.com/qjsbind/qjsbind/abi"
)

func (e *Engine) Eval(c abi.Context, code, filename string, flags abi.EvalFlags) abi.Value {
	cs := e.context(c)
	if flags&abi.EvalModule != 0 {
		return e.evalModule(cs, code, filename, flags&abi.EvalCompileOnly != 0)
	}

	program, err := goja.Compile(filename, code, flags&abi.EvalStrict != 0)
	if err != nil {
		e.setPending(cs, err)
		return abi.Exception
	}
	if flags&abi.EvalCompileOnly != 0 {
		return e.heapValue(c, abi.TagFunctionBytecode, program)
	}

	return e.run(cs, true, func() (goja.Value, error) {
		return cs.vm.RunProgram(program)
	})
}

func (e *Engine) EvalFunction(c abi.Context, fn abi.Value) abi.Value {
	cs := e.context(c)
	defer e.FreeValue(c, fn)

	if fn.Tag != abi.TagFunctionBytecode && fn.Tag != abi.TagModule {
		return e.ThrowError(c, "TypeError", "bytecode function expected")
	}
	entry, err := e.heap.get(uint32(fn.Bits))
	if err != nil {
		return e.ThrowError(c, "TypeError", "bytecode function expected")
	}

	switch compiled := entry.value.(type) {
	case *goja.Program:
		return e.run(cs, true, func() (goja.Value, error) {
			return cs.vm.RunProgram(compiled)
		})
	case *moduleRecord:
		return e.run(cs, true, func() (goja.Value, error) {
			if err := e.evaluateModule(cs, compiled); err != nil {
				return nil, err
			}
			return e.resolvedPromise(cs), nil
		})
	}
	return e.ThrowError(c, "TypeError", "bytecode function expected")
}

// resolvedPromise mirrors module evaluation in QuickJS, which yields a
// promise settled with undefined.
func (e *Engine) resolvedPromise(cs *contextState) goja.Value {
	promise, resolve, _ := cs.vm.NewPromise()
	_ = resolve(goja.Undefined())
	return cs.vm.ToValue(promise)
}
