package serde_test

import (
	"errors"
	"time"

	"github.com/qjsbind/qjsbind"
	"github.com/qjsbind/qjsbind/abi"
	"github.com/qjsbind/qjsbind/serde"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type unit struct{}

type point struct {
	_ struct{} `qjs:",array"`
	X int
	Y int
}

type Base struct {
	ID int `qjs:"id"`
}

type document struct {
	Base
	Title  string            `qjs:"title"`
	Notes  string            `qjs:"notes,omitempty"`
	Secret string            `qjs:"-"`
	Shapes []Shape           `qjs:"shapes"`
	Meta   map[string]string `qjs:"meta,omitempty"`
	hidden int
}

type node struct {
	Next *node
}

type celsius float64

func (c celsius) MarshalJS(ctx *qjsbind.Context) (*qjsbind.OwnedValue, error) {
	return ctx.NewString("hot")
}

var _ = Describe("Marshal", Label("encode"), func() {
	It("encodes primitives", func() {
		Expect(marshalJSON(true)).To(Equal("true"))
		Expect(marshalJSON(1.5)).To(Equal("1.5"))
		Expect(marshalJSON("hello")).To(Equal(`"hello"`))

		n, err := serde.Marshal(ctx, 42)
		Expect(err).To(BeNil())
		Expect(n.Raw()).To(Equal(abi.Int32(42)))

		wide, err := serde.Marshal(ctx, int64(1)<<40)
		Expect(err).To(BeNil())
		Expect(wide.IsFloat()).To(BeTrue())
	})

	It("encodes absent values as null", func() {
		Expect(marshalJSON(nil)).To(Equal("null"))
		Expect(marshalJSON((*int)(nil))).To(Equal("null"))
		Expect(marshalJSON(unit{})).To(Equal("null"))
		Expect(marshalJSON([]int(nil))).To(Equal("null"))
		Expect(marshalJSON([]int{})).To(Equal("[]"))
	})

	It("encodes enum variants externally tagged", func() {
		Expect(marshalJSON(Empty{})).To(Equal(`"Empty"`))
		Expect(marshalJSON(Nothing{})).To(Equal(`{"Nothing":[]}`))
		Expect(marshalJSON(Circle{Radius: 233, Label: "Bar"})).To(Equal(`{"Circle":{"a":233,"foo":"Bar"}}`))
		Expect(marshalJSON(Pair{Ok: true, N: 2233})).To(Equal(`{"Pair":[true,2233]}`))
		Expect(marshalJSON(Name("bar"))).To(Equal(`{"Name":"bar"}`))
		Expect(marshalJSON(&Circle{Radius: 1})).To(Equal(`{"Circle":{"a":1,"foo":""}}`))
	})

	It("encodes positional structs as arrays", func() {
		Expect(marshalJSON(point{X: 1, Y: 2})).To(Equal("[1,2]"))
		Expect(marshalJSON([]point{{X: 1}, {Y: 2}})).To(Equal("[[1,0],[0,2]]"))
	})

	It("follows the struct tags", func() {
		doc := document{
			Base:   Base{ID: 7},
			Title:  "shapes",
			Secret: "s3cr3t",
			Shapes: []Shape{Empty{}, Name("x")},
			hidden: 1,
		}
		Expect(marshalJSON(doc)).To(Equal(`{"id":7,"title":"shapes","shapes":["Empty",{"Name":"x"}]}`))

		doc.Notes = "n"
		doc.Meta = map[string]string{"b": "2", "a": "1"}
		Expect(marshalJSON(doc)).To(Equal(`{"id":7,"title":"shapes","notes":"n","shapes":["Empty",{"Name":"x"}],"meta":{"a":"1","b":"2"}}`))
	})

	It("encodes maps with sorted keys", func() {
		Expect(marshalJSON(map[int]bool{3: true, 1: false})).To(Equal(`{"1":false,"3":true}`))
		Expect(marshalJSON(map[string]any{"z": nil, "a": []any{1, "b"}})).To(Equal(`{"a":[1,"b"],"z":null}`))
	})

	It("encodes times as dates", func() {
		v, err := serde.Marshal(ctx, time.UnixMilli(86400000))
		Expect(err).To(BeNil())
		Expect(ctx.SetGlobal("d", v)).To(Succeed())
		v.Free()

		check := eval("d instanceof Date && d.getTime()")
		defer check.Free()
		n, err := check.ToFloat()
		Expect(err).To(BeNil())
		Expect(n).To(Equal(86400000.0))
	})

	It("uses MarshalJS", func() {
		Expect(marshalJSON(celsius(40))).To(Equal(`"hot"`))
		Expect(marshalJSON(map[string]celsius{"today": 40})).To(Equal(`{"today":"hot"}`))
	})

	It("passes script values through", func() {
		obj := eval("({a: 1})")
		defer obj.Free()
		Expect(marshalJSON(map[string]any{"inner": obj})).To(Equal(`{"inner":{"a":1}}`))
	})

	It("rejects cycles", func() {
		n := &node{}
		n.Next = n
		_, err := serde.Marshal(ctx, n)
		Expect(err).To(MatchError(qjsbind.ErrCircularReference))
		Expect(ctx.CountHandles()).To(Equal(handles))

		m := map[string]any{}
		m["self"] = m
		_, err = serde.Marshal(ctx, m)
		Expect(err).To(MatchError(qjsbind.ErrCircularReference))
	})

	It("allows shared values", func() {
		shared := &point{X: 1, Y: 1}
		Expect(marshalJSON([]*point{shared, shared})).To(Equal("[[1,1],[1,1]]"))
	})

	It("releases partial results on failure", func() {
		_, err := serde.Marshal(ctx, []any{1, "two", map[string]any{"x": []int{1}}, make(chan int)})
		Expect(errors.Is(err, serde.ErrUnsupportedType)).To(BeTrue())
		Expect(err).To(MatchError(qjsbind.ErrConversion))
		Expect(ctx.CountHandles()).To(Equal(handles))

		_, err = serde.Marshal(ctx, map[string]any{"a": 1, "b": func() {}, "c": complex(1, 2)})
		Expect(errors.Is(err, serde.ErrUnsupportedType)).To(BeTrue())
	})
})
