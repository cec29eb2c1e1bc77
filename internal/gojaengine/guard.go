package gojaengine

import (
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/qjsbind/qjsbind/abi"
)

var (
	errOutOfMemory = errors.New("out of memory")
	errInterrupted = errors.New("interrupted")
)

const watchInterval = time.Millisecond

// enter runs f and converts whatever it throws into the pending exception of
// cs. The result is returned as a new reference.
func (e *Engine) enter(cs *contextState, f func() (goja.Value, error)) abi.Value {
	return e.run(cs, false, f)
}

// run is enter for entries that execute arbitrary script. Top level entries
// are watched for the memory ceiling and the interrupt handler.
func (e *Engine) run(cs *contextState, watched bool, f func() (goja.Value, error)) abi.Value {
	var w *watcher
	if watched && cs.depth == 0 {
		w = e.watch(cs)
	}

	cs.depth++
	if watched {
		cs.dirty = true
	}
	result, err := f()
	cs.depth--

	if w != nil {
		if w.finish(cs) && err == nil {
			err = errOutOfMemory
		}
		runtime.KeepAlive(result)
	}

	if err != nil {
		e.setPending(cs, err)
		return abi.Exception
	}
	return e.wrap(cs, result)
}

// try runs f, which may call into script through goja accessors, and
// reports whether it completed without throwing.
func (e *Engine) try(cs *contextState, f func()) bool {
	return !e.enter(cs, func() (goja.Value, error) {
		if ex := cs.vm.Try(f); ex != nil {
			return nil, ex
		}
		return nil, nil
	}).IsException()
}

func (e *Engine) setPending(cs *contextState, err error) {
	cs.pending = e.thrownValue(cs, err)
	cs.thrown = true
}

// thrownValue maps an error returned by goja to the value script would see
// in a catch clause.
func (e *Engine) thrownValue(cs *contextState, err error) goja.Value {
	var (
		thrown      thrownError
		exception   *goja.Exception
		interrupted *goja.InterruptedError
		overflow    *goja.StackOverflowError
		syntaxErr   *goja.CompilerSyntaxError
		refErr      *goja.CompilerReferenceError
	)

	switch {
	case errors.As(err, &thrown):
		return thrown.value
	case errors.As(err, &overflow):
		return e.newError(cs, "InternalError", "stack overflow")
	case errors.As(err, &exception):
		return exception.Value()
	case errors.Is(err, errOutOfMemory):
		return e.newError(cs, "InternalError", "out of memory")
	case errors.As(err, &interrupted):
		if errors.Is(interrupted, errOutOfMemory) {
			return e.newError(cs, "InternalError", "out of memory")
		}
		return e.newError(cs, "InternalError", "interrupted")
	case errors.As(err, &syntaxErr):
		return e.newError(cs, "SyntaxError", strings.TrimPrefix(syntaxErr.Error(), "SyntaxError: "))
	case errors.As(err, &refErr):
		return e.newError(cs, "ReferenceError", refErr.Message)
	case strings.HasPrefix(err.Error(), "SyntaxError: "):
		return e.newError(cs, "SyntaxError", strings.TrimPrefix(err.Error(), "SyntaxError: "))
	}
	return e.newError(cs, "InternalError", err.Error())
}

// newError builds an error object with a global constructor. Names goja
// does not define, like InternalError, become an Error with that name.
func (e *Engine) newError(cs *contextState, name, message string) goja.Value {
	var result goja.Value
	ex := cs.vm.Try(func() {
		if ctor, ok := goja.AssertConstructor(cs.vm.Get(name)); ok {
			obj, err := ctor(nil, cs.vm.ToValue(message))
			if err == nil {
				result = obj
				return
			}
		}

		ctor, _ := goja.AssertConstructor(cs.vm.Get("Error"))
		obj, err := ctor(nil, cs.vm.ToValue(message))
		if err != nil {
			panic(err)
		}
		_ = obj.Set("name", name)
		result = obj
	})
	if ex != nil {
		return cs.vm.ToValue(name + ": " + message)
	}
	return result
}

func (e *Engine) HasException(c abi.Context) bool {
	return e.context(c).thrown
}

func (e *Engine) GetException(c abi.Context) abi.Value {
	cs := e.context(c)
	if !cs.thrown {
		return abi.Null
	}
	thrown := cs.pending
	cs.pending = nil
	cs.thrown = false
	return e.wrap(cs, thrown)
}

// takePending clears and returns the pending exception as a goja value, so
// a native function can rethrow it into the interpreter.
func (e *Engine) takePending(cs *contextState) goja.Value {
	if !cs.thrown {
		return e.newError(cs, "InternalError", "exception without pending value")
	}
	thrown := cs.pending
	cs.pending = nil
	cs.thrown = false
	return thrown
}

func (e *Engine) Throw(c abi.Context, v abi.Value) abi.Value {
	cs := e.context(c)
	cs.pending = e.unwrap(cs, v)
	cs.thrown = true
	e.FreeValue(c, v)
	return abi.Exception
}

func (e *Engine) ThrowError(c abi.Context, name, message string) abi.Value {
	cs := e.context(c)
	cs.pending = e.newError(cs, name, message)
	cs.thrown = true
	return abi.Exception
}

type watcher struct {
	stop     chan struct{}
	done     chan struct{}
	limit    uint64
	baseline uint64
	oom      atomic.Bool
}

// watch starts a goroutine polling the interrupt handler and the heap growth
// since entry. goja can only be interrupted from outside the interpreter
// loop, which is why this is not done inline.
func (e *Engine) watch(cs *contextState) *watcher {
	rs := cs.rt
	if rs.memoryLimit == 0 && rs.interrupt == nil {
		return nil
	}

	w := &watcher{
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		limit: rs.memoryLimit,
	}
	if w.limit > 0 {
		w.baseline = heapAlloc(false)
	}

	interrupt := rs.interrupt
	go func() {
		defer close(w.done)

		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
			}

			if interrupt != nil && interrupt(rs.id) {
				cs.vm.Interrupt(errInterrupted)
				return
			}
			if w.exceeded() {
				w.oom.Store(true)
				cs.vm.Interrupt(errOutOfMemory)
				return
			}
		}
	}()

	return w
}

// finish stops the watcher and reports whether the memory ceiling was hit
// by what the entry left behind.
func (w *watcher) finish(cs *contextState) bool {
	close(w.stop)
	<-w.done
	cs.vm.ClearInterrupt()

	if w.oom.Load() {
		return true
	}
	return w.exceeded()
}

func (w *watcher) exceeded() bool {
	if w.limit == 0 {
		return false
	}
	if heapAlloc(false) <= w.baseline+w.limit {
		return false
	}
	// Garbage counts until it is collected, confirm before failing.
	return heapAlloc(true) > w.baseline+w.limit
}

// heapAlloc reads HeapAlloc of the whole process, after a full collection
// when collect is set.
var heapAlloc = func(collect bool) uint64 {
	if collect {
		runtime.GC()
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}
