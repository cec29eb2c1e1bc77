// Package abi describes the C-style boundary of an embedded JavaScript engine
// the way QuickJS exposes it: opaque runtime and context handles, tagged values
// with manual reference counting, a pending exception slot per context and a
// queue of jobs the host has to drain itself.
//
// Backends implement Engine. Every method that returns a heap tagged Value
// hands one reference to the caller. Methods documented as consuming an
// argument take over the caller's reference, even on failure.
package abi

type Runtime uint32

type Context uint32

type Atom uint32

// PropertyEnum is a snapshot of the property names of an object. It must be
// released with FreePropertyEnum.
type PropertyEnum uint32

// FunctionID identifies a HostFunction registered with an engine. It plays
// the role of a C function pointer and stays valid for the engine's lifetime.
type FunctionID uint32

type EvalFlags int32

const (
	EvalGlobal      EvalFlags = 0
	EvalModule      EvalFlags = 1 << 0
	EvalStrict      EvalFlags = 1 << 3
	EvalCompileOnly EvalFlags = 1 << 5
)

type PromiseState int32

const (
	PromisePending PromiseState = iota
	PromiseFulfilled
	PromiseRejected
)

func (s PromiseState) String() string {
	switch s {
	case PromisePending:
		return "pending"
	case PromiseFulfilled:
		return "fulfilled"
	case PromiseRejected:
		return "rejected"
	}
	return "unknown"
}

type PropertyFlags int32

const (
	PropertyStrings    PropertyFlags = 1 << 0
	PropertySymbols    PropertyFlags = 1 << 1
	PropertyEnumerable PropertyFlags = 1 << 4
)

// HostFunction is the native side of a function created with
// NewCFunctionData. The arguments and data are borrowed. The returned value
// is owned by the engine; return Exception after Throw to raise.
type HostFunction func(c Context, this Value, args []Value, magic int32, data []Value) Value

// ModuleNormalizer resolves name relative to base. Returning false means an
// exception is pending on c.
type ModuleNormalizer func(c Context, base, name string) (string, bool)

// ModuleLoader returns a compiled module (TagModule) for a normalized name,
// or Exception with an exception pending on c.
type ModuleLoader func(c Context, name string) Value

// PromiseRejectionTracker is called for rejections and for handlers attached
// to already rejected promises. Both values are borrowed.
type PromiseRejectionTracker func(c Context, promise, reason Value, isHandled bool)

// InterruptHandler is polled while scripts run. Returning true aborts the
// running script with an uncatchable error.
type InterruptHandler func(rt Runtime) bool

type Engine interface {
	NewRuntime() (Runtime, error)
	FreeRuntime(rt Runtime)
	SetMemoryLimit(rt Runtime, limit uint64)
	SetInterruptHandler(rt Runtime, handler InterruptHandler)
	SetModuleLoader(rt Runtime, normalize ModuleNormalizer, loader ModuleLoader)
	SetHostPromiseRejectionTracker(rt Runtime, tracker PromiseRejectionTracker)
	// ExecutePendingJob runs at most one queued job. It returns 1 when a job
	// ran, 0 when the queue was empty and a negative value when the job threw,
	// together with the context the job belonged to.
	ExecutePendingJob(rt Runtime) (int32, Context)
	IsJobPending(rt Runtime) bool

	NewContext(rt Runtime) (Context, error)
	FreeContext(c Context)
	RegisterHostFunction(fn HostFunction) FunctionID

	DupValue(c Context, v Value) Value
	FreeValue(c Context, v Value)
	// RefCount reports the reference count of a heap value, or -1 for
	// immediates.
	RefCount(c Context, v Value) int

	NewString(c Context, s string) Value
	NewObject(c Context) Value
	NewArray(c Context) Value
	// ToGoString converts v with the ToString algorithm. It returns false with
	// an exception pending when the conversion throws.
	ToGoString(c Context, v Value) (string, bool)
	ToStringValue(c Context, v Value) Value
	JSONStringify(c Context, v Value) Value

	Eval(c Context, code, filename string, flags EvalFlags) Value
	// EvalFunction runs compiled function bytecode or a compiled module. It
	// consumes fn.
	EvalFunction(c Context, fn Value) Value

	GetGlobalObject(c Context) Value
	GetPropertyStr(c Context, obj Value, name string) Value
	// SetPropertyStr consumes v. It returns a negative value on exception.
	SetPropertyStr(c Context, obj Value, name string, v Value) int32
	GetPropertyUint32(c Context, obj Value, index uint32) Value
	// SetPropertyUint32 consumes v. It returns a negative value on exception.
	SetPropertyUint32(c Context, obj Value, index uint32, v Value) int32
	// GetLength returns -1 with an exception pending on failure.
	GetLength(c Context, obj Value) int64
	GetOwnPropertyNames(c Context, obj Value, flags PropertyFlags) (PropertyEnum, uint32, bool)
	PropertyEnumAtom(c Context, names PropertyEnum, index uint32) Atom
	FreePropertyEnum(c Context, names PropertyEnum, count uint32)
	AtomToString(c Context, atom Atom) Value
	GetProperty(c Context, obj Value, atom Atom) Value

	Call(c Context, fn, this Value, args []Value) Value
	CallConstructor(c Context, fn Value, args []Value) Value

	IsArray(c Context, v Value) bool
	IsFunction(c Context, v Value) bool
	IsPromise(c Context, v Value) bool
	// IsInstanceOf returns -1 with an exception pending on failure.
	IsInstanceOf(c Context, v, ctor Value) int32
	IsProxy(c Context, v Value) bool
	GetProxyTarget(c Context, v Value) Value

	PromiseState(c Context, p Value) PromiseState
	PromiseResult(c Context, p Value) Value
	PromiseThen(c Context, p, onFulfilled Value) Value
	PromiseThen2(c Context, p, onFulfilled, onRejected Value) Value
	PromiseCatch(c Context, p, onRejected Value) Value
	PromiseFinally(c Context, p, onFinally Value) Value
	PromiseResolve(c Context, v Value) Value
	PromiseReject(c Context, v Value) Value
	PromiseAll(c Context, iterable Value) Value
	PromiseAllSettled(c Context, iterable Value) Value
	PromiseRace(c Context, iterable Value) Value
	PromiseAny(c Context, iterable Value) Value
	// PromiseWithResolvers returns an object with promise, resolve and reject
	// properties.
	PromiseWithResolvers(c Context) Value

	HasException(c Context) bool
	// GetException returns and clears the pending exception.
	GetException(c Context) Value
	// Throw consumes v, makes it the pending exception and returns Exception.
	Throw(c Context, v Value) Value
	// ThrowError raises a new error object of the named constructor, such as
	// "TypeError" or "InternalError", and returns Exception.
	ThrowError(c Context, name, message string) Value

	// NewCFunctionData creates a function object that calls fn with a copy
	// of data. data is borrowed.
	NewCFunctionData(c Context, fn FunctionID, length, magic int32, data []Value) Value
}

// Faulter is implemented by engines that can break down for good, such as a
// guest that trapped. Fault returns the cause once that happened.
type Faulter interface {
	Fault() error
}
