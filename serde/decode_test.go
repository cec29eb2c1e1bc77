package serde_test

import (
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/qjsbind/qjsbind"
	"github.com/qjsbind/qjsbind/serde"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type user struct {
	Name  string   `qjs:"name"`
	Email string   `qjs:"email,omitempty"`
	Tags  []string `qjs:"tags"`
	Home  *point   `qjs:"home"`
	Shape Shape    `qjs:"shape"`
}

type upper string

func (u *upper) UnmarshalJS(v *qjsbind.OwnedValue) error {
	s, err := v.ToString()
	if err != nil {
		return err
	}
	*u = upper(strings.ToUpper(s))
	return nil
}

var _ = Describe("Unmarshal", Label("decode"), func() {
	It("decodes primitives", func() {
		var (
			b bool
			n int
			f float64
			s string
		)
		Expect(unmarshalEval("true", &b)).To(Succeed())
		Expect(unmarshalEval("6 * 7", &n)).To(Succeed())
		Expect(unmarshalEval("0.25", &f)).To(Succeed())
		Expect(unmarshalEval("'hi'", &s)).To(Succeed())
		Expect([]any{b, n, f, s}).To(Equal([]any{true, 42, 0.25, "hi"}))
	})

	It("decodes structs", func() {
		var u user
		Expect(unmarshalEval(`({name: "ann", tags: ["a", "b"], home: [3, 4], shape: "Empty", extra: 1})`, &u)).To(Succeed())
		Expect(u).To(Equal(user{
			Name:  "ann",
			Tags:  []string{"a", "b"},
			Home:  &point{X: 3, Y: 4},
			Shape: Empty{},
		}))
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	It("decodes every variant shape", func() {
		cases := map[string]Shape{
			`"Empty"`:                          Empty{},
			`({Nothing: []})`:                  Nothing{},
			`({Circle: {a: 233, foo: "Bar"}})`: Circle{Radius: 233, Label: "Bar"},
			`({Pair: [true, 2233]})`:           Pair{Ok: true, N: 2233},
			`({Name: "bar"})`:                  Name("bar"),
		}
		for code, want := range cases {
			var s Shape
			Expect(unmarshalEval(code, &s)).To(Succeed(), code)
			Expect(s).To(Equal(want), code)
		}
	})

	It("rejects malformed variants", func() {
		var s Shape
		err := unmarshalEval(`"Hexagon"`, &s)
		Expect(errors.Is(err, serde.ErrUnknownVariant)).To(BeTrue())

		err = unmarshalEval(`"Circle"`, &s)
		Expect(errors.Is(err, serde.ErrExpectedObject)).To(BeTrue())

		err = unmarshalEval(`({Name: "a", Empty: null})`, &s)
		Expect(err).To(MatchError(ContainSubstring("expects a single key")))

		err = unmarshalEval(`12`, &s)
		Expect(errors.Is(err, serde.ErrExpectedObject)).To(BeTrue())
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	It("round trips", func() {
		in := user{
			Name:  "bob",
			Email: "bob@example.com",
			Tags:  []string{"x"},
			Home:  &point{X: -1, Y: 1},
			Shape: Circle{Radius: 2, Label: "c"},
		}
		v, err := serde.Marshal(ctx, in)
		Expect(err).To(BeNil())
		defer v.Free()

		var out user
		Expect(serde.Unmarshal(v, &out)).To(Succeed())
		Expect(out).To(Equal(in))
	})

	It("decodes without a target type", func() {
		var x any
		Expect(unmarshalEval(`({a: [1, 1.5, "s", null], b: {c: true}, d: 5n})`, &x)).To(Succeed())
		Expect(x).To(Equal(map[string]any{
			"a": []any{int64(1), 1.5, "s", nil},
			"b": map[string]any{"c": true},
			"d": big.NewInt(5),
		}))

		Expect(unmarshalEval("Symbol('s')", &x)).To(Succeed())
		Expect(x).To(BeNil())
	})

	It("decodes holes as zero values", func() {
		var ns []int
		Expect(unmarshalEval("[1, , 3]", &ns)).To(Succeed())
		Expect(ns).To(Equal([]int{1, 0, 3}))

		var xs []any
		Expect(unmarshalEval("[1, undefined, 3]", &xs)).To(Succeed())
		Expect(xs).To(Equal([]any{int64(1), nil, int64(3)}))
	})

	It("leaves value targets alone on null", func() {
		n := 5
		p := &n
		Expect(unmarshalEval("null", &n)).To(Succeed())
		Expect(n).To(Equal(5))
		Expect(unmarshalEval("null", &p)).To(Succeed())
		Expect(p).To(BeNil())
	})

	It("decodes bigints that fit", func() {
		var n int64
		Expect(unmarshalEval("2n ** 40n", &n)).To(Succeed())
		Expect(n).To(Equal(int64(1) << 40))

		err := unmarshalEval("2n ** 70n", &n)
		Expect(errors.Is(err, serde.ErrOverflow)).To(BeTrue())

		var small int8
		err = unmarshalEval("300", &small)
		Expect(errors.Is(err, serde.ErrOverflow)).To(BeTrue())
	})

	It("decodes dates", func() {
		var t time.Time
		Expect(unmarshalEval("new Date(86400000)", &t)).To(Succeed())
		Expect(t.Equal(time.UnixMilli(86400000))).To(BeTrue())

		Expect(unmarshalEval(`"2024-02-29T12:00:00Z"`, &t)).To(Succeed())
		Expect(t.Equal(time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC))).To(BeTrue())

		err := unmarshalEval("({})", &t)
		Expect(errors.Is(err, serde.ErrExpectedDate)).To(BeTrue())
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	It("uses UnmarshalJS", func() {
		var names []upper
		Expect(unmarshalEval(`["a", "b"]`, &names)).To(Succeed())
		Expect(names).To(Equal([]upper{"A", "B"}))
	})

	It("detects circular references", func() {
		var x any
		err := unmarshalEval("const a = {n: 1}; a.self = a; a", &x)
		Expect(err).To(MatchError(qjsbind.ErrCircularReference))
		Expect(err.Error()).To(ContainSubstring("circular reference detected at $.self"))

		err = unmarshalEval("const b = [1]; b.push([b]); b", &x)
		Expect(err).To(MatchError(qjsbind.ErrCircularReference))
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	It("accepts shared references", func() {
		var x map[string][]int
		Expect(unmarshalEval("const s = [1, 2]; ({a: s, b: s})", &x)).To(Succeed())
		Expect(x).To(Equal(map[string][]int{"a": {1, 2}, "b": {1, 2}}))
	})

	It("decodes proxies as their target", func() {
		var ns []int
		Expect(unmarshalEval("new Proxy(new Proxy([1, 2, 3], {}), {})", &ns)).To(Succeed())
		Expect(ns).To(Equal([]int{1, 2, 3}))

		var m map[string]string
		Expect(unmarshalEval(`new Proxy({k: "v"}, {})`, &m)).To(Succeed())
		Expect(m).To(Equal(map[string]string{"k": "v"}))
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	It("reports where decoding failed", func() {
		var out struct {
			Users []user `qjs:"users"`
		}
		err := unmarshalEval(`({users: [{name: "a"}, {name: 3}]})`, &out)
		Expect(errors.Is(err, serde.ErrExpectedString)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("at $.users[1].name"))
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	It("can disallow unknown fields", func() {
		var u user
		Expect(unmarshalEval(`({name: "a", age: 3})`, &u)).To(Succeed())

		err := unmarshalEval(`({name: "a", age: 3})`, &u, serde.DisallowUnknownFields())
		Expect(errors.Is(err, serde.ErrUnknownField)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring(`unknown field "age"`))
	})

	It("clones script value targets", func() {
		var holder struct {
			Fn *qjsbind.Function `qjs:"fn"`
		}
		Expect(unmarshalEval("({fn: (x) => x * 2})", &holder)).To(Succeed())
		defer holder.Fn.Free()

		out, err := holder.Fn.Invoke(21)
		Expect(err).To(BeNil())
		n, err := out.ToInt()
		Expect(err).To(BeNil())
		Expect(n).To(Equal(int32(42)))
	})

	It("needs a pointer", func() {
		v := eval("1")
		var n int
		Expect(serde.Unmarshal(v, n)).To(MatchError(qjsbind.ErrConversion))
	})
})
