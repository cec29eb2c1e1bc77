package wasmengine

import (
	"context"
	"errors"

	"github.com/tetratelabs/wazero/api"

	"github.com/qjsbind/qjsbind/abi"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// stubExport answers calls of one export without a guest.
type stubExport struct {
	api.Function
	result func(params []uint64) ([]uint64, error)
	calls  int
}

func (f *stubExport) Call(_ context.Context, params ...uint64) ([]uint64, error) {
	f.calls++
	return f.result(params)
}

func returns(raw uint64) *stubExport {
	return &stubExport{result: func([]uint64) ([]uint64, error) { return []uint64{raw}, nil }}
}

func stubEngine(exports map[string]*stubExport) *Engine {
	e := &Engine{
		ctx:      context.Background(),
		exports:  map[string]api.Function{},
		runtimes: map[abi.Runtime]*runtimeState{},
		contexts: map[abi.Context]abi.Runtime{},
	}
	for name, fn := range exports {
		e.exports[name] = fn
	}
	return e
}

var _ = Describe("Guest failures", Label("guest"), func() {
	const c = abi.Context(16)

	It("raises out of memory when the guest heap is exhausted", func() {
		global := returns(encode(abi.Undefined))
		e := stubEngine(map[string]*stubExport{
			exportMalloc:          returns(0),
			exportGetGlobalObject: global,
		})

		Expect(e.NewString(c, "text").IsException()).To(BeTrue())
		Expect(e.Eval(c, "1", "main.js", abi.EvalGlobal).IsException()).To(BeTrue())
		Expect(e.Call(c, abi.Undefined, abi.Undefined, []abi.Value{abi.Int32(1)}).IsException()).To(BeTrue())
		Expect(e.SetPropertyStr(c, abi.Undefined, "x", abi.Int32(1))).To(Equal(int32(-1)))
		Expect(e.GetLength(c, abi.Undefined)).To(Equal(int64(-1)))

		status, job := e.ExecutePendingJob(1)
		Expect(status).To(Equal(int32(-1)))
		Expect(job).To(Equal(abi.Context(0)))

		Expect(e.Fault()).To(BeNil())
		Expect(e.throwingOOM).To(BeFalse())
		// One attempt to raise the error per failed operation, none nested.
		Expect(global.calls).To(Equal(5))
	})

	It("stops entering a trapped guest", func() {
		malloc := &stubExport{result: func([]uint64) ([]uint64, error) {
			return nil, errors.New("wasm error: unreachable")
		}}
		e := stubEngine(map[string]*stubExport{exportMalloc: malloc})

		Expect(e.Eval(c, "1", "main.js", abi.EvalGlobal).IsException()).To(BeTrue())
		Expect(e.Fault()).To(MatchError(ContainSubstring("malloc: wasm error: unreachable")))

		Expect(e.HasException(c)).To(BeFalse())
		Expect(e.GetGlobalObject(c).IsException()).To(BeTrue())
		Expect(e.SetPropertyStr(c, abi.Undefined, "x", abi.Int32(1))).To(Equal(int32(-1)))
		Expect(e.RefCount(c, abi.Value{Tag: abi.TagObject})).To(Equal(-1))
		status, _ := e.ExecutePendingJob(1)
		Expect(status).To(Equal(int32(-1)))
		Expect(malloc.calls).To(Equal(1))
	})
})
