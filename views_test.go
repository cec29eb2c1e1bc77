package qjsbind

import (
	g "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = g.Describe("Objects", g.Label("views"), func() {
	g.It("reads, writes and lists properties", func() {
		obj, err := ctx.NewObject()
		Expect(err).To(BeNil())
		defer obj.Free()

		Expect(obj.Set("name", "qjs")).To(Succeed())
		Expect(obj.Set("size", 3)).To(Succeed())

		var name string
		Expect(obj.Get("name", &name)).To(Succeed())
		Expect(name).To(Equal("qjs"))

		keys, err := obj.Keys()
		Expect(err).To(BeNil())
		Expect(keys).To(Equal([]string{"name", "size"}))
	})

	g.It("tells absent properties apart from failures", func() {
		obj := evalObject("({present: 1, empty: undefined})")
		defer obj.Free()

		v, err := obj.Property("missing")
		Expect(err).To(BeNil())
		Expect(v).To(BeNil())

		v, err = obj.Property("empty")
		Expect(err).To(BeNil())
		Expect(v).To(BeNil())

		_, err = obj.PropertyRequire("missing")
		Expect(err).To(MatchError(ErrNotFound))
		Expect(err.Error()).To(ContainSubstring("property 'missing' not found"))
	})

	g.It("reports getters that throw", func() {
		obj := evalObject("({get broken() { throw new Error('getter failed') }})")
		defer obj.Free()

		_, err := obj.Property("broken")
		Expect(err).To(MatchError(ErrException))
		Expect(err.Error()).To(Equal("Error: getter failed"))
		freeError(err)
	})

	g.It("recognizes promises and thenables", func() {
		holder := evalObject(`({
			promise: new Promise(() => {}),
			thenable: {then() {}, catch() {}},
			plain: {then: 1},
		})`)
		defer holder.Free()

		for name, want := range map[string]bool{"promise": true, "thenable": true, "plain": false} {
			v, err := holder.PropertyRequire(name)
			Expect(err).To(BeNil())
			obj, err := v.IntoObject()
			Expect(err).To(BeNil())
			Expect(obj.IsPromise()).To(Equal(want), name)
			obj.Free()
		}
	})

	g.It("checks instanceof", func() {
		obj := evalObject("new Date()")
		defer obj.Free()
		date := evalObject("Date")
		defer date.Free()
		array := evalObject("Array")
		defer array.Free()

		ok, err := obj.IsInstanceOf(date)
		Expect(err).To(BeNil())
		Expect(ok).To(BeTrue())

		ok, err = obj.IsInstanceOf(array)
		Expect(err).To(BeNil())
		Expect(ok).To(BeFalse())
	})
})

var _ = g.Describe("Property iterator", g.Label("views"), func() {
	g.It("walks own enumerable properties in order", func() {
		obj := evalObject("({b: 1, a: 'two', c: [3]})")
		defer obj.Free()

		it, err := obj.Properties()
		Expect(err).To(BeNil())
		defer it.Close()
		Expect(it.Len()).To(Equal(3))

		var keys []string
		for it.Next() {
			keys = append(keys, it.Key())
			Expect(it.Value()).NotTo(BeNil())
		}
		Expect(it.Err()).To(BeNil())
		Expect(keys).To(Equal([]string{"b", "a", "c"}))
	})

	g.It("stops on the first error", func() {
		obj := evalObject("({a: 1, get b() { throw new Error('bad getter') }, c: 3})")
		defer obj.Free()

		it, err := obj.Properties()
		Expect(err).To(BeNil())

		Expect(it.Next()).To(BeTrue())
		Expect(it.Key()).To(Equal("a"))
		Expect(it.Next()).To(BeFalse())
		Expect(it.Err()).To(MatchError(ErrException))
		Expect(it.Err().Error()).To(ContainSubstring("bad getter"))
		Expect(it.Next()).To(BeFalse())

		freeError(it.Err())
		it.Close()
		it.Close()
		obj.Free()
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	g.It("returns nothing once closed", func() {
		obj := evalObject("({a: 1})")
		defer obj.Free()

		it, err := obj.Properties()
		Expect(err).To(BeNil())
		it.Close()
		Expect(it.Next()).To(BeFalse())
		Expect(it.Err()).To(BeNil())
	})
})

var _ = g.Describe("Arrays", g.Label("views"), func() {
	g.It("pushes, indexes and iterates", func() {
		arr, err := ctx.NewArray()
		Expect(err).To(BeNil())
		defer arr.Free()

		for _, s := range []string{"a", "b", "c"} {
			v, err := ctx.NewString(s)
			Expect(err).To(BeNil())
			Expect(arr.Push(v)).To(Succeed())
		}

		n, err := arr.Len()
		Expect(err).To(BeNil())
		Expect(n).To(Equal(int64(3)))

		second, err := arr.GetIndex(1)
		Expect(err).To(BeNil())
		s, err := second.ToString()
		second.Free()
		Expect(err).To(BeNil())
		Expect(s).To(Equal("b"))

		missing, err := arr.GetIndex(10)
		Expect(err).To(BeNil())
		Expect(missing).To(BeNil())

		var seen []int
		Expect(arr.Iterate(func(i int, v *OwnedValue) bool {
			seen = append(seen, i)
			return i < 1
		})).To(Succeed())
		Expect(seen).To(Equal([]int{0, 1}))
	})

	g.It("builds arrays from owned values", func() {
		one, _ := ctx.ToValue(1)
		two, _ := ctx.ToValue("two")
		arr, err := ctx.NewArrayOf(one, two)
		Expect(err).To(BeNil())

		elements, err := arr.Elements()
		Expect(err).To(BeNil())
		Expect(elements).To(HaveLen(2))
		Expect(elements[0].IsInt()).To(BeTrue())
		freeAll(elements)

		arr.Free()
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	g.It("accepts proxies of arrays", func() {
		v := eval("new Proxy([1, 2], {})")
		arr, err := v.IntoArray()
		Expect(err).To(BeNil())
		defer arr.Free()

		n, err := arr.Len()
		Expect(err).To(BeNil())
		Expect(n).To(Equal(int64(2)))
	})
})

var _ = g.Describe("Functions", g.Label("views"), func() {
	g.It("calls with owned arguments", func() {
		fn, err := eval("(function (a, b) { return a * b })").IntoFunction()
		Expect(err).To(BeNil())
		defer fn.Free()

		a, _ := ctx.ToValue(6)
		b, _ := ctx.ToValue(7)
		result, err := fn.Call(a, b)
		Expect(err).To(BeNil())
		n, err := result.ToInt()
		Expect(err).To(BeNil())
		Expect(n).To(Equal(int32(42)))
	})

	g.It("binds this", func() {
		fn, err := eval("(function () { return this.value })").IntoFunction()
		Expect(err).To(BeNil())
		defer fn.Free()

		this := evalObject("({value: 'bound'})")
		defer this.Free()

		result, err := fn.CallThis(this.OwnedValue)
		Expect(err).To(BeNil())
		defer result.Free()
		Expect(result.ToString()).To(Equal("bound"))
	})

	g.It("constructs", func() {
		fn, err := eval("(class Point { constructor(x) { this.x = x } })").IntoFunction()
		Expect(err).To(BeNil())
		defer fn.Free()

		x, _ := ctx.ToValue(3)
		point, err := fn.New(x)
		Expect(err).To(BeNil())
		defer point.Free()

		var got int
		Expect(point.Get("x", &got)).To(Succeed())
		Expect(got).To(Equal(3))
	})

	g.It("converts arguments and awaits results on invoke", func() {
		fn, err := eval("(async function (name) { return 'hello ' + name })").IntoFunction()
		Expect(err).To(BeNil())
		defer fn.Free()

		result, err := fn.Invoke("world")
		Expect(err).To(BeNil())
		defer result.Free()
		Expect(result.ToString()).To(Equal("hello world"))
	})

	g.It("returns the thrown error", func() {
		fn, err := eval("(function () { throw new TypeError('wrong') })").IntoFunction()
		Expect(err).To(BeNil())
		defer fn.Free()

		_, err = fn.Call()
		Expect(err).To(MatchError(ErrException))
		Expect(err.Error()).To(Equal("TypeError: wrong"))
		freeError(err)
	})
})

var _ = g.Describe("Compiled code", g.Label("views"), func() {
	g.It("runs a compiled script more than once", func() {
		Expect(ctx.SetGlobal("counter", 0)).To(Succeed())
		compiled, err := ctx.Compile("counter += 1", "counter.js")
		Expect(err).To(BeNil())

		first, err := compiled.Clone().Eval()
		Expect(err).To(BeNil())
		first.Free()
		second, err := compiled.Eval()
		Expect(err).To(BeNil())
		Expect(second.ToInt()).To(Equal(int32(2)))
	})

	g.It("evaluates a compiled module once asked to", func() {
		module, err := ctx.CompileModule("flag.js", "globalThis.loaded = true")
		Expect(err).To(BeNil())

		loaded, err := EvalAs[any](ctx, "globalThis.loaded")
		Expect(err).To(BeNil())
		Expect(loaded).To(BeNil())

		result, err := module.Eval()
		Expect(err).To(BeNil())
		result.Free()

		Expect(EvalAs[bool](ctx, "loaded")).To(BeTrue())
	})

	g.It("reports syntax errors at compile time", func() {
		_, err := ctx.Compile("let = ;", "broken.js")
		Expect(err).To(MatchError(ErrException))
		Expect(err.Error()).To(ContainSubstring("SyntaxError"))
		freeError(err)
	})
})
