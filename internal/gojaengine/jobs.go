package gojaengine

import (
	"reflect"
	"unsafe"

	"github.com/dop251/goja"
)

// goja drains its promise job queue only when the outermost call into the
// runtime returns. A host callback that awaits a promise runs below that
// call, so it reaches the queue through the unexported jobQueue field.
var jobQueueOffset, hasJobQueue = func() (uintptr, bool) {
	f, ok := reflect.TypeOf((*goja.Runtime)(nil)).Elem().FieldByName("jobQueue")
	if !ok || f.Type != reflect.TypeOf([]func(){}) {
		return 0, false
	}
	return f.Offset, true
}()

// nestedJobs returns the job queue of vm, or nil when this goja version
// keeps it elsewhere.
func nestedJobs(vm *goja.Runtime) *[]func() {
	if !hasJobQueue {
		return nil
	}
	return (*[]func())(unsafe.Add(unsafe.Pointer(vm), jobQueueOffset))
}

// hasNestedJobs reports whether cs is inside the interpreter with promise
// jobs queued.
func hasNestedJobs(cs *contextState) bool {
	if cs.depth == 0 {
		return false
	}
	queue := nestedJobs(cs.vm)
	return queue != nil && len(*queue) > 0
}

// runNestedJobs runs the jobs queued so far. Jobs they queue in turn are
// left for the next call.
func (e *Engine) runNestedJobs(cs *contextState) int32 {
	queue := nestedJobs(cs.vm)
	jobs := *queue
	*queue = nil

	result := e.enter(cs, func() (goja.Value, error) {
		if ex := cs.vm.Try(func() {
			for _, job := range jobs {
				job()
			}
		}); ex != nil {
			return nil, ex
		}
		return nil, nil
	})
	if result.IsException() {
		return -1
	}
	return 1
}
