package qjsbind

import (
	"errors"

	"github.com/qjsbind/qjsbind/abi"

	g "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = g.Describe("Resolving promises", g.Label("resolver"), func() {
	g.It("returns the fulfillment value", func() {
		Expect(EvalAs[int](ctx, "Promise.resolve(123)")).To(Equal(123))
	})

	g.It("returns a rejection as an exception", func() {
		_, err := ctx.Eval("Promise.reject('boom')")
		Expect(err).To(MatchError(ErrException))
		Expect(err.Error()).To(ContainSubstring("boom"))
		freeError(err)
	})

	g.It("follows chains and async functions", func() {
		Expect(EvalAs[int](ctx, "Promise.resolve(1).then((v) => v + 1).then((v) => Promise.resolve(v * 10))")).To(Equal(20))
		Expect(EvalAs[string](ctx, "(async () => { await null; return 'async' })()")).To(Equal("async"))
	})

	g.It("awaits thenables that are no native promise", func() {
		Expect(EvalAs[string](ctx, "({then(resolve) { resolve('thenable') }, catch() {}})")).To(Equal("thenable"))
	})

	g.It("awaits results of called functions", func() {
		_, err := ctx.Eval("async function fetchValue(n) { return n * 2 }")
		Expect(err).To(BeNil())
		result, err := ctx.CallFunction("fetchValue", 21)
		Expect(err).To(BeNil())
		Expect(result.ToInt()).To(Equal(int32(42)))
	})

	g.It("awaits promises from inside callbacks", func() {
		Expect(ctx.AddCallback("inner", func() (int, error) {
			return EvalAs[int](ctx, "Promise.resolve(5).then((x) => x * 2)")
		})).To(Succeed())

		Expect(EvalAs[int](ctx, "inner() + 1")).To(Equal(11))
		Expect(EvalAs[int](ctx, "Promise.resolve(1).then(() => inner())")).To(Equal(10))
		Expect(EvalAs[int](ctx, "(async () => (await inner()) + (await inner()))()")).To(Equal(20))
	})

	g.It("reports promises nothing can settle", func() {
		_, err := ctx.Eval("new Promise(() => {})")
		Expect(err).To(MatchError(ErrInternal))
		Expect(err.Error()).To(ContainSubstring("no pending jobs"))
	})

	g.It("settles promises created by the host", func() {
		promise, resolve, reject, err := ctx.NewPromise()
		Expect(err).To(BeNil())
		defer promise.Free()
		defer reject.Free()
		Expect(promise.State()).To(Equal(abi.PromisePending))

		result, err := resolve.Invoke("done")
		Expect(err).To(BeNil())
		result.Free()
		Expect(promise.State()).To(Equal(abi.PromiseFulfilled))

		value, err := promise.Await()
		Expect(err).To(BeNil())
		Expect(value.ToString()).To(Equal("done"))
		value.Free()
		resolve.Free()
	})

	g.It("rejects promises created by the host", func() {
		promise, resolve, reject, err := ctx.NewPromise()
		Expect(err).To(BeNil())
		defer promise.Free()
		defer resolve.Free()
		defer reject.Free()

		reason, err := ctx.ToValue(errors.New("refused"))
		Expect(err).To(BeNil())
		result, err := reject.Call(reason)
		Expect(err).To(BeNil())
		result.Free()

		Expect(promise.State()).To(Equal(abi.PromiseRejected))
		_, err = promise.Await()
		Expect(err).To(MatchError(ErrException))
		Expect(err.Error()).To(Equal("Error: refused"))
		freeError(err)
	})

	g.It("combines promises", func() {
		one, err := ctx.PromiseResolve(NewOwned(ctx, abi.Int32(1)))
		Expect(err).To(BeNil())
		defer one.Free()
		two, err := eval("({p: Promise.resolve(2)})").IntoObject()
		Expect(err).To(BeNil())
		defer two.Free()
		var p *Promise
		Expect(two.Get("p", &p)).To(Succeed())
		defer p.Free()

		all, err := ctx.PromiseAll(one, p)
		Expect(err).To(BeNil())
		defer all.Free()
		value, err := all.Await()
		Expect(err).To(BeNil())
		defer value.Free()
		Expect(DecodeAs[[]int](value)).To(Equal([]int{1, 2}))

		race, err := ctx.PromiseRace(p, one)
		Expect(err).To(BeNil())
		defer race.Free()
		winner, err := race.Await()
		Expect(err).To(BeNil())
		Expect(winner.ToInt()).To(Equal(int32(2)))
	})

	g.It("attaches handlers from the host", func() {
		rejected, err := ctx.PromiseReject(NewOwned(ctx, abi.Int32(5)))
		Expect(err).To(BeNil())
		defer rejected.Free()

		handler, err := ctx.CreateCallback("recover", func(n int) int { return n * 100 })
		Expect(err).To(BeNil())
		defer handler.Free()

		recovered, err := rejected.Catch(handler)
		Expect(err).To(BeNil())
		defer recovered.Free()

		value, err := recovered.Await()
		Expect(err).To(BeNil())
		Expect(value.ToInt()).To(Equal(int32(500)))
	})

	g.It("reports rejections to the tracker", func() {
		var reasons []string
		ctx.SetHostPromiseRejectionTracker(func(promise *Promise, reason *OwnedValue, handled bool) {
			if handled {
				return
			}
			s, err := reason.JSToString()
			Expect(err).To(BeNil())
			reasons = append(reasons, s)
		})

		v := eval("Promise.reject(new Error('lost')); 1")
		v.Free()
		Expect(reasons).To(Equal([]string{"Error: lost"}))
	})
})
