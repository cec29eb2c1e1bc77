// Package gojaengine implements the abi.Engine contract on top of goja, a
// JavaScript interpreter written in Go. Reference counting, tags, the pending
// exception slot and the job queue are emulated so code written against the
// QuickJS ABI behaves the same on both backends.
package gojaengine

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/qjsbind/qjsbind/abi"
)

type runtimeState struct {
	id          abi.Runtime
	memoryLimit uint64
	interrupt   abi.InterruptHandler
	normalize   abi.ModuleNormalizer
	loader      abi.ModuleLoader
	tracker     abi.PromiseRejectionTracker
	contexts    []*contextState
}

type contextState struct {
	id      abi.Context
	rt      *runtimeState
	vm      *goja.Runtime
	depth   int
	dirty   bool
	pending goja.Value
	thrown  bool
	modules map[string]*moduleRecord
	empty   *goja.Program
}

// Engine is a goja backed abi.Engine. Like QuickJS it is not safe for
// concurrent use; every runtime created from it must be driven by one
// goroutine at a time.
type Engine struct {
	runtimes    map[abi.Runtime]*runtimeState
	contexts    map[abi.Context]*contextState
	nextRuntime abi.Runtime
	nextContext abi.Context
	heap        *handleHeap
	atoms       *atomTable
	enums       map[abi.PropertyEnum][]abi.Atom
	nextEnum    abi.PropertyEnum
	functions   []abi.HostFunction
}

var _ abi.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{
		runtimes: map[abi.Runtime]*runtimeState{},
		contexts: map[abi.Context]*contextState{},
		heap:     newHandleHeap(),
		atoms:    newAtomTable(),
		enums:    map[abi.PropertyEnum][]abi.Atom{},
	}
}

// CountHandles returns the number of live heap handles. It is meant for
// leak checks in tests.
func (e *Engine) CountHandles() int {
	return e.heap.count()
}

func (e *Engine) runtime(rt abi.Runtime) *runtimeState {
	rs, ok := e.runtimes[rt]
	if !ok {
		panic(fmt.Errorf("goja engine: invalid runtime %d", rt))
	}
	return rs
}

func (e *Engine) context(c abi.Context) *contextState {
	cs, ok := e.contexts[c]
	if !ok {
		panic(fmt.Errorf("goja engine: invalid context %d", c))
	}
	return cs
}

func (e *Engine) NewRuntime() (abi.Runtime, error) {
	e.nextRuntime++
	rs := &runtimeState{id: e.nextRuntime}
	e.runtimes[rs.id] = rs
	return rs.id, nil
}

func (e *Engine) FreeRuntime(rt abi.Runtime) {
	rs, ok := e.runtimes[rt]
	if !ok {
		return
	}
	for _, cs := range rs.contexts {
		e.dropContext(cs)
	}
	delete(e.runtimes, rt)
}

// SetMemoryLimit caps heap growth while script runs. goja has no allocator
// of its own, so this is the growth of the process wide Go heap since the
// outermost entry, sampled every millisecond. Allocations of other
// goroutines count too. Exceeding it forces a runtime.GC to confirm before
// the script fails with out of memory.
func (e *Engine) SetMemoryLimit(rt abi.Runtime, limit uint64) {
	e.runtime(rt).memoryLimit = limit
}

func (e *Engine) SetInterruptHandler(rt abi.Runtime, handler abi.InterruptHandler) {
	e.runtime(rt).interrupt = handler
}

func (e *Engine) SetModuleLoader(rt abi.Runtime, normalize abi.ModuleNormalizer, loader abi.ModuleLoader) {
	rs := e.runtime(rt)
	rs.normalize = normalize
	rs.loader = loader
}

func (e *Engine) SetHostPromiseRejectionTracker(rt abi.Runtime, tracker abi.PromiseRejectionTracker) {
	e.runtime(rt).tracker = tracker
}

// ExecutePendingJob flushes the job queue of one context that ran script
// since the last call. goja only exposes the queue through the end of a top
// level run, so a whole queue counts as one job here. A context that is
// still inside the interpreter runs the jobs queued so far directly.
func (e *Engine) ExecutePendingJob(rt abi.Runtime) (int32, abi.Context) {
	rs := e.runtime(rt)
	for _, cs := range rs.contexts {
		if hasNestedJobs(cs) {
			return e.runNestedJobs(cs), cs.id
		}
		if !cs.dirty || cs.depth > 0 {
			continue
		}
		result := e.enter(cs, func() (goja.Value, error) {
			return cs.vm.RunProgram(cs.empty)
		})
		cs.dirty = false
		if result.IsException() {
			return -1, cs.id
		}
		return 1, cs.id
	}
	return 0, 0
}

func (e *Engine) IsJobPending(rt abi.Runtime) bool {
	for _, cs := range e.runtime(rt).contexts {
		if (cs.dirty && cs.depth == 0) || hasNestedJobs(cs) {
			return true
		}
	}
	return false
}

func (e *Engine) NewContext(rt abi.Runtime) (abi.Context, error) {
	rs := e.runtime(rt)
	empty, err := goja.Compile("", "", false)
	if err != nil {
		return 0, fmt.Errorf("could not prepare context: %w", err)
	}

	e.nextContext++
	cs := &contextState{
		id:      e.nextContext,
		rt:      rs,
		vm:      goja.New(),
		modules: map[string]*moduleRecord{},
		empty:   empty,
	}
	cs.vm.SetPromiseRejectionTracker(func(p *goja.Promise, op goja.PromiseRejectionOperation) {
		if rs.tracker == nil {
			return
		}
		promise := e.wrap(cs, cs.vm.ToValue(p))
		reason := e.wrap(cs, p.Result())
		rs.tracker(cs.id, promise, reason, op == goja.PromiseRejectionHandle)
		e.FreeValue(cs.id, promise)
		e.FreeValue(cs.id, reason)
	})

	rs.contexts = append(rs.contexts, cs)
	e.contexts[cs.id] = cs
	return cs.id, nil
}

func (e *Engine) FreeContext(c abi.Context) {
	cs, ok := e.contexts[c]
	if !ok {
		return
	}
	rs := cs.rt
	for i := range rs.contexts {
		if rs.contexts[i] == cs {
			rs.contexts = append(rs.contexts[:i], rs.contexts[i+1:]...)
			break
		}
	}
	e.dropContext(cs)
}

func (e *Engine) dropContext(cs *contextState) {
	e.heap.dropContext(cs.id)
	delete(e.contexts, cs.id)
}

func (e *Engine) RegisterHostFunction(fn abi.HostFunction) abi.FunctionID {
	e.functions = append(e.functions, fn)
	return abi.FunctionID(len(e.functions))
}

func (e *Engine) hostFunction(id abi.FunctionID) abi.HostFunction {
	if id < 1 || int(id) > len(e.functions) {
		panic(fmt.Errorf("goja engine: invalid function id %d", id))
	}
	return e.functions[id-1]
}
