package qjsbind

import (
	"errors"
	"math/big"

	"github.com/qjsbind/qjsbind/js"

	g "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type address struct {
	Street string `qjs:"street"`
	Number int    `qjs:"number"`
}

type person struct {
	Name     string         `qjs:"name"`
	Age      uint8          `qjs:"age"`
	Tags     []string       `qjs:"tags"`
	Address  *address       `qjs:"address"`
	Scores   map[string]int `qjs:"scores"`
	Internal string         `qjs:"-"`
	Extra    map[int]float64
	private  bool
}

var _ = g.Describe("Converting to script", g.Label("convert"), func() {
	g.It("sets globals", func() {
		Expect(ctx.SetGlobal("x", 42)).To(Succeed())
		Expect(EvalAs[int](ctx, "x")).To(Equal(42))
	})

	g.It("picks Int or Float64 for numbers", func() {
		small, err := ctx.ToValue(int64(7))
		Expect(err).To(BeNil())
		Expect(small.IsInt()).To(BeTrue())

		large, err := ctx.ToValue(int64(1) << 40)
		Expect(err).To(BeNil())
		Expect(large.IsFloat()).To(BeTrue())

		fraction, err := ctx.ToValue(float32(0.5))
		Expect(err).To(BeNil())
		Expect(fraction.IsFloat()).To(BeTrue())
	})

	g.It("converts nil and nil pointers to null", func() {
		for _, value := range []any{nil, (*address)(nil), map[string]int(nil), (*OwnedValue)(nil)} {
			v, err := ctx.ToValue(value)
			Expect(err).To(BeNil())
			Expect(v.IsNull()).To(BeTrue())
		}
	})

	g.It("converts structs by their tags", func() {
		Expect(ctx.SetGlobal("p", person{
			Name:     "Ada",
			Age:      36,
			Tags:     []string{"math"},
			Address:  &address{Street: "Main", Number: 1},
			Internal: "hidden",
			private:  true,
		})).To(Succeed())

		keys, err := EvalAs[[]string](ctx, "Object.keys(p)")
		Expect(err).To(BeNil())
		Expect(keys).To(Equal([]string{"name", "age", "tags", "address", "scores", "Extra"}))
		Expect(EvalAs[string](ctx, "p.address.street + ' ' + p.tags[0]")).To(Equal("Main math"))
		Expect(EvalAs[bool](ctx, "p.scores === null")).To(BeTrue())
	})

	g.It("converts maps with sorted keys", func() {
		Expect(ctx.SetGlobal("m", map[int]string{3: "c", 1: "a", 2: "b"})).To(Succeed())
		Expect(EvalAs[string](ctx, "Object.values(m).join('')")).To(Equal("abc"))
	})

	g.It("converts errors to Error objects", func() {
		Expect(ctx.SetGlobal("failure", errors.New("went wrong"))).To(Succeed())
		Expect(EvalAs[bool](ctx, "failure instanceof Error")).To(BeTrue())
		Expect(EvalAs[string](ctx, "failure.message")).To(Equal("went wrong"))
	})

	g.It("converts big integers", func() {
		n, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
		Expect(ok).To(BeTrue())
		Expect(ctx.SetGlobal("big", n)).To(Succeed())
		Expect(EvalAs[string](ctx, "typeof big")).To(Equal("bigint"))

		doubled, err := EvalAs[*big.Int](ctx, "big * 2n")
		Expect(err).To(BeNil())
		Expect(doubled.String()).To(Equal("246913578024691357802469135780"))
	})

	g.It("converts typed array mirrors", func() {
		Expect(ctx.SetGlobal("bytes", js.Uint8Array{1, 2, 255})).To(Succeed())
		Expect(EvalAs[bool](ctx, "bytes instanceof Uint8Array && bytes[2] === 255")).To(BeTrue())

		ints, err := EvalAs[js.Int32Array](ctx, "new Int32Array([1, -2, 3])")
		Expect(err).To(BeNil())
		Expect(ints).To(Equal(js.Int32Array{1, -2, 3}))
	})

	g.It("does not leak when an element fails to convert", func() {
		_, err := ctx.ToValue([]any{1, "two", map[string]any{"three": 3}, make(chan int)})
		Expect(err).To(MatchError(ErrConversion))
		Expect(err).To(MatchError(ErrUnexpectedType))
		Expect(ctx.CountHandles()).To(Equal(handles))

		_, err = ctx.ToValue(struct {
			Name string
			Done chan struct{}
		}{Name: "job"})
		Expect(err).To(MatchError(ErrUnexpectedType))
		Expect(ctx.CountHandles()).To(Equal(handles))

		_, err = ctx.ToValue(map[float64]int{1.5: 1})
		Expect(err).To(MatchError(ErrUnexpectedType))
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	g.It("passes values through", func() {
		obj := evalObject("({})")
		defer obj.Free()

		v, err := ctx.ToValue(obj)
		Expect(err).To(BeNil())
		defer v.Free()
		Expect(v.Equal(obj.OwnedValue)).To(BeTrue())
		Expect(obj.RefCount()).To(Equal(2))
	})
})

var _ = g.Describe("Converting from script", g.Label("convert"), func() {
	g.It("decodes arrays into typed slices", func() {
		Expect(EvalAs[[]int32](ctx, "[1, 2, 3]")).To(Equal([]int32{1, 2, 3}))
		Expect(EvalAs[[2]string](ctx, "['a']")).To(Equal([2]string{"a", ""}))
	})

	g.It("decodes objects into structs", func() {
		p, err := EvalAs[person](ctx, `({
			name: 'Grace',
			age: 85,
			tags: ['navy', 'cobol'],
			address: {street: 'Broad', number: 7},
			scores: {a: 1, b: 2},
			Extra: {1: 0.5},
			ignored: true,
		})`)
		Expect(err).To(BeNil())
		Expect(p).To(Equal(person{
			Name:    "Grace",
			Age:     85,
			Tags:    []string{"navy", "cobol"},
			Address: &address{Street: "Broad", Number: 7},
			Scores:  map[string]int{"a": 1, "b": 2},
			Extra:   map[int]float64{1: 0.5},
		}))
	})

	g.It("round trips through script", func() {
		original := person{
			Name:    "Linus",
			Age:     28,
			Tags:    []string{"kernel"},
			Address: &address{Street: "Ring", Number: 3},
			Scores:  map[string]int{"git": 10},
			Extra:   map[int]float64{2: 1.25},
		}
		v, err := ctx.ToValue(original)
		Expect(err).To(BeNil())
		defer v.Free()

		decoded, err := DecodeAs[person](v)
		Expect(err).To(BeNil())
		Expect(decoded).To(Equal(original))
	})

	g.It("decodes without a target type", func() {
		v, err := EvalAs[any](ctx, "({a: 1, b: [true, 'x', 1.5, null]})")
		Expect(err).To(BeNil())
		Expect(v).To(Equal(map[string]any{
			"a": int64(1),
			"b": []any{true, "x", 1.5, nil},
		}))
	})

	g.It("detects circular references", func() {
		_, err := EvalAs[map[string]any](ctx, "const a = {}; a.self = a; a")
		Expect(err).To(MatchError(ErrCircularReference))
		Expect(err.Error()).To(ContainSubstring("circular reference detected"))

		_, err = EvalAs[[]any](ctx, "const b = [1]; b.push([b]); b")
		Expect(err).To(MatchError(ErrCircularReference))
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	g.It("accepts shared references that are not circular", func() {
		v, err := EvalAs[map[string]map[string]int](ctx, "const s = {v: 1}; ({x: s, y: s})")
		Expect(err).To(BeNil())
		Expect(v).To(Equal(map[string]map[string]int{"x": {"v": 1}, "y": {"v": 1}}))
	})

	g.It("decodes proxies as their target", func() {
		Expect(EvalAs[map[string]int](ctx, "new Proxy({a: 1}, {get: () => 99})")).To(Equal(map[string]int{"a": 1}))
		Expect(EvalAs[[]int](ctx, "new Proxy([4, 5], {})")).To(Equal([]int{4, 5}))
	})

	g.It("rejects values of the wrong type", func() {
		_, err := EvalAs[int](ctx, "'seven'")
		Expect(err).To(MatchError(ErrConversion))

		_, err = EvalAs[int](ctx, "1.5")
		Expect(err).To(MatchError(ErrUnexpectedType))

		_, err = EvalAs[int8](ctx, "300")
		Expect(err).To(MatchError(ErrConversion))

		_, err = EvalAs[uint](ctx, "-1")
		Expect(err).To(MatchError(ErrConversion))

		_, err = EvalAs[[]int](ctx, "({length: 1})")
		Expect(err).To(MatchError(ErrUnexpectedType))

		_, err = EvalAs[map[int]string](ctx, "({key: 'value'})")
		Expect(err).To(MatchError(ErrUnexpectedType))

		_, err = EvalAs[any](ctx, "() => 1")
		Expect(err).To(MatchError(ErrConversion))

		err = ctx.Decode(ownedInt(1), 0)
		Expect(err).To(MatchError(ErrUnexpectedType))
	})

	g.It("clones values into value targets", func() {
		obj := evalObject("({})")
		defer obj.Free()

		var v *OwnedValue
		Expect(ctx.Decode(obj.OwnedValue, &v)).To(Succeed())
		Expect(v.Equal(obj.OwnedValue)).To(BeTrue())
		Expect(obj.RefCount()).To(Equal(2))
		v.Free()

		var fn *Function
		Expect(ctx.Decode(obj.OwnedValue, &fn)).To(MatchError(ErrUnexpectedType))
		Expect(obj.RefCount()).To(Equal(1))
	})
})

func ownedInt(n int32) *OwnedValue {
	v, err := ctx.ToValue(n)
	Expect(err).To(BeNil())
	return v
}
