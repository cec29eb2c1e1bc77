package qjsbind

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/qjsbind/qjsbind/abi"
	"github.com/qjsbind/qjsbind/internal/gojaengine"

	g "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = g.Describe("Evaluating", g.Label("context"), func() {
	g.It("returns results", func() {
		Expect(EvalAs[string](ctx, "['a', 'b'].join('-')")).To(Equal("a-b"))
	})

	g.It("reports syntax errors as exceptions", func() {
		_, err := ctx.Eval("function (")
		Expect(err).To(MatchError(ErrException))
		Expect(err.Error()).To(HavePrefix("SyntaxError"))
		freeError(err)
	})

	g.It("keeps the thrown value", func() {
		_, err := ctx.Eval("throw new RangeError('too far')")
		var e *Error
		Expect(err).To(BeAssignableToTypeOf(e))
		e = err.(*Error)
		Expect(e.Kind).To(Equal(KindException))
		Expect(e.Op).To(Equal("eval"))
		Expect(e.Value.ToString()).To(Equal("RangeError: too far"))
		e.Value.Free()
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	g.It("keeps percent signs in exception messages", func() {
		_, err := ctx.Eval("throw new Error('100% done, %d left')")
		Expect(err).To(MatchError(ErrException))
		Expect(err.Error()).To(Equal("Error: 100% done, %d left"))
		freeError(err)
	})

	g.It("stays usable after an exception", func() {
		_, err := ctx.Eval("undefinedFunction()")
		Expect(err).To(MatchError(ErrException))
		freeError(err)
		Expect(ctx.GetException("check")).To(BeNil())
		Expect(EvalAs[int](ctx, "6 * 7")).To(Equal(42))
	})

	g.It("calls global functions with converted arguments", func() {
		v := eval("function greet(name, times) { return (name + '!').repeat(times) }")
		v.Free()

		result, err := ctx.CallFunction("greet", "hey", 2)
		Expect(err).To(BeNil())
		defer result.Free()
		Expect(result.ToString()).To(Equal("hey!hey!"))

		_, err = ctx.CallFunction("missing")
		Expect(err).To(MatchError(ErrNotFound))
	})

	g.It("runs pending jobs", func() {
		v := eval("globalThis.order = []; Promise.resolve().then(() => order.push('job')); order.push('sync'); 0")
		v.Free()
		Expect(ctx.ExecutePendingJob()).To(Succeed())
		Expect(EvalAs[[]string](ctx, "order")).To(Equal([]string{"sync", "job"}))
	})
})

var _ = g.Describe("Runtime limits", g.Label("context"), func() {
	g.It("fails with out of memory over the limit", func() {
		limited, err := NewContext(context.Background(), WithEngine(gojaengine.New()), WithMemoryLimit(1<<20))
		Expect(err).To(BeNil())
		defer limited.Close()

		_, err = limited.Eval("let a = []; for (let i = 0; i < 1e7; i++) a.push({i}); a.length")
		Expect(err).To(MatchError(ErrOutOfMemory))
		Expect(err.Error()).To(Equal("Out of memory: runtime memory limit exceeded"))
	})

	g.It("interrupts scripts once the context is done", func() {
		cctx, cancel := context.WithCancel(context.Background())
		cancelled, err := NewContext(cctx, WithEngine(gojaengine.New()))
		Expect(err).To(BeNil())
		defer cancelled.Close()

		cancel()
		_, err = cancelled.Eval("for (;;) {}")
		Expect(err).To(MatchError(ErrException))
		Expect(err.Error()).To(ContainSubstring("interrupted"))
	})

	g.It("polls the interrupt handler", func() {
		calls := 0
		ctx.SetInterruptHandler(func() bool {
			calls++
			return calls > 2
		})

		_, err := ctx.Eval("while (true) {}")
		Expect(err).To(MatchError(ErrException))
		Expect(calls).To(BeNumerically(">", 2))

		ctx.SetInterruptHandler(nil)
		Expect(EvalAs[int](ctx, "1")).To(Equal(1))
	})
})

var _ = g.Describe("Context lifecycle", g.Label("context"), func() {
	g.It("starts over on reset", func() {
		v := eval("globalThis.kept = 1")
		v.Free()
		Expect(ctx.Reset()).To(Succeed())

		Expect(EvalAs[string](ctx, "typeof kept")).To(Equal("undefined"))
	})

	g.It("fails every operation once closed", func() {
		closed, err := NewContext(context.Background(), WithEngine(gojaengine.New()))
		Expect(err).To(BeNil())
		closed.Close()
		closed.Close()

		_, err = closed.Eval("1")
		Expect(err).To(MatchError(ErrInternal))
		Expect(err).To(MatchError(ErrClosed))
		Expect(closed.Reset()).To(MatchError(ErrClosed))
		_, err = closed.ToValue(1)
		Expect(err).To(MatchError(ErrClosed))
	})

	g.It("takes job exceptions from the context the job ran in", func() {
		engine := &failingJobs{Engine: gojaengine.New()}
		c, err := NewContext(context.Background(), WithEngine(engine))
		Expect(err).To(BeNil())
		defer c.Close()

		rt, own := c.Raw()
		engine.other, err = engine.NewContext(rt)
		Expect(err).To(BeNil())

		err = c.ExecutePendingJob()
		Expect(err).To(MatchError(ErrException))
		Expect(err.Error()).To(Equal("Error: elsewhere"))
		freeError(err)
		Expect(engine.HasException(engine.other)).To(BeFalse())
		Expect(engine.HasException(own)).To(BeFalse())
		engine.FreeContext(engine.other)
	})

	g.It("reports a broken engine as an internal error", func() {
		engine := &brokenEngine{Engine: gojaengine.New()}
		c, err := NewContext(context.Background(), WithEngine(engine))
		Expect(err).To(BeNil())
		defer c.Close()

		engine.fault = fmt.Errorf("wasm engine: JS_Eval: unreachable")
		_, err = c.Eval("1")
		Expect(err).To(MatchError(ErrInternal))
		Expect(err.Error()).To(ContainSubstring("JS_Eval: unreachable"))
	})

	g.It("logs through the configured logger", func() {
		core, logs := observer.New(zap.DebugLevel)
		logged, err := NewContext(context.Background(), WithEngine(gojaengine.New()), WithLogger(zap.New(core)))
		Expect(err).To(BeNil())
		Expect(logged.AddCallback("explode", func() { panic("logged") })).To(Succeed())

		_, err = logged.Eval("explode()")
		Expect(err).To(MatchError(ErrInternal))
		logged.Close()

		Expect(logs.FilterMessage("context created").Len()).To(Equal(1))
		Expect(logs.FilterMessage("callback panicked").Len()).To(Equal(1))
		Expect(logs.FilterMessage("context closed").Len()).To(Equal(1))
	})
})

var _ = g.Describe("Console", g.Label("context"), func() {
	g.It("writes console calls", func() {
		var out bytes.Buffer
		Expect(ctx.SetConsole(WriterConsole(&out, LevelLog))).To(Succeed())

		v := eval("console.debug('hidden'); console.log('hello', 1, {a: [true]}); console.error('bad'); 0")
		v.Free()
		Expect(out.String()).To(Equal("hello 1 {\"a\":[true]}\nerror: bad\n"))
	})

	g.It("survives a reset", func() {
		var levels []Level
		Expect(ctx.SetConsole(ConsoleFunc(func(level Level, args []*OwnedValue) {
			levels = append(levels, level)
		}))).To(Succeed())
		Expect(ctx.Reset()).To(Succeed())

		v := eval("console.warn('again'); 0")
		v.Free()
		Expect(levels).To(Equal([]Level{LevelWarn}))
	})

	g.It("logs to zap", func() {
		core, logs := observer.New(zap.DebugLevel)
		Expect(ctx.SetConsole(ZapConsole(zap.New(core)))).To(Succeed())

		v := eval("console.info('from script', 2); 0")
		v.Free()
		Expect(logs.FilterMessage("from script 2").Len()).To(Equal(1))
	})

	g.It("parses level names", func() {
		level, ok := ParseLevel("warn")
		Expect(ok).To(BeTrue())
		Expect(level).To(Equal(LevelWarn))
		_, ok = ParseLevel("loud")
		Expect(ok).To(BeFalse())
		Expect(Level(42).String()).To(Equal("Level(42)"))
	})
})

var _ = g.Describe("Modules", g.Label("context"), func() {
	var sources map[string]string

	g.BeforeEach(func() {
		sources = map[string]string{
			"lib/math.js": "export const two = 2\nexport function double(x) { return x * two }",
			"main.js":     "import { double } from './lib/math.js'\nglobalThis.result = double(21)",
			"broken.js":   "import './missing.js'",
		}
		ctx.SetModuleLoader(func(name string) (string, error) {
			source, ok := sources[name]
			if !ok {
				return "", fmt.Errorf("no such file")
			}
			return source, nil
		}, nil)
	})

	g.It("runs modules through the loader", func() {
		Expect(ctx.RunModule("./main.js")).To(Succeed())
		Expect(EvalAs[int](ctx, "result")).To(Equal(42))
	})

	g.It("evaluates inline modules", func() {
		v, err := ctx.EvalModule("import { two } from 'lib/math.js'\nglobalThis.fromModule = two")
		Expect(err).To(BeNil())
		Expect(v.IsUndefined()).To(BeTrue())
		Expect(EvalAs[int](ctx, "fromModule")).To(Equal(2))
	})

	g.It("reports loader failures", func() {
		err := ctx.RunModule("./broken.js")
		Expect(err).To(MatchError(ErrException))
		Expect(err.Error()).To(ContainSubstring("could not load module 'missing.js'"))
		freeError(err)
	})

	g.It("normalizes relative specifiers", func() {
		Expect(DefaultNormalizer("lib/a/b.js", "../c.js")).To(Equal("lib/c.js"))
		Expect(DefaultNormalizer("lib/a.js", "pkg")).To(Equal("pkg"))
		Expect(DefaultNormalizer(".", "./main.js")).To(Equal("main.js"))
	})
})

// failingJobs fails its first job in a second context of the runtime.
type failingJobs struct {
	*gojaengine.Engine
	other  abi.Context
	failed bool
}

func (e *failingJobs) ExecutePendingJob(rt abi.Runtime) (int32, abi.Context) {
	if e.other == 0 || e.failed {
		return e.Engine.ExecutePendingJob(rt)
	}
	e.failed = true
	e.ThrowError(e.other, "Error", "elsewhere")
	return -1, e.other
}

// brokenEngine fails every evaluation once fault is set, without an
// exception pending.
type brokenEngine struct {
	*gojaengine.Engine
	fault error
}

func (e *brokenEngine) Fault() error {
	return e.fault
}

func (e *brokenEngine) Eval(c abi.Context, code, filename string, flags abi.EvalFlags) abi.Value {
	if e.fault != nil {
		return abi.Exception
	}
	return e.Engine.Eval(c, code, filename, flags)
}
