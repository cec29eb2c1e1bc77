package qjsbind

import (
	g "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = g.Describe("Owned values", g.Label("value"), func() {
	g.It("counts one reference per owner", func() {
		obj, err := ctx.NewObject()
		Expect(err).To(BeNil())
		Expect(obj.RefCount()).To(Equal(1))

		clone := obj.Clone()
		Expect(obj.RefCount()).To(Equal(2))
		Expect(clone.Equal(obj.OwnedValue)).To(BeTrue())

		clone.Free()
		Expect(obj.RefCount()).To(Equal(1))
		obj.Free()
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	g.It("leaves the heap as it was after clones are freed", func() {
		v := eval("({a: [1, 2, 3], b: 'text'})")
		clones := []*OwnedValue{v.Clone(), v.Clone(), v.Clone()}
		for _, c := range clones {
			c.Free()
		}
		v.Free()
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	g.It("ignores a second free", func() {
		v := eval("({})")
		keep := v.Clone()
		v.Free()
		v.Free()
		Expect(keep.RefCount()).To(Equal(1))
		keep.Free()
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	g.It("ignores frees of values that outlived a reset", func() {
		v := eval("({})")
		Expect(ctx.Reset()).To(Succeed())
		v.Free()

		after := eval("({})")
		Expect(after.RefCount()).To(Equal(1))
		after.Free()
	})

	g.It("hands the reference over on extract", func() {
		v := eval("({})")
		raw := v.Extract()
		v.Free()

		owned := NewOwned(ctx, raw)
		Expect(owned.RefCount()).To(Equal(1))
		owned.Free()
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	g.It("releases the old reference on replace", func() {
		v := eval("({})")
		other := eval("[]")
		v.Replace(other.Extract())
		Expect(v.IsArray()).To(BeTrue())
		v.Free()
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	g.It("reports the tag of primitives", func() {
		for code, check := range map[string]func(*OwnedValue) bool{
			"undefined": (*OwnedValue).IsUndefined,
			"null":      (*OwnedValue).IsNull,
			"true":      (*OwnedValue).IsBool,
			"7":         (*OwnedValue).IsInt,
			"7.5":       (*OwnedValue).IsFloat,
			"'s'":       (*OwnedValue).IsString,
			"Symbol()":  (*OwnedValue).IsSymbol,
			"7n":        (*OwnedValue).IsBigInt,
		} {
			v := eval(code)
			Expect(check(v)).To(BeTrue(), code)
			v.Free()
		}
	})

	g.It("extracts primitives of the right tag", func() {
		v := eval("42")
		n, err := v.ToInt()
		Expect(err).To(BeNil())
		Expect(n).To(Equal(int32(42)))

		f, err := v.ToFloat()
		Expect(err).To(BeNil())
		Expect(f).To(Equal(42.0))

		_, err = v.ToString()
		Expect(err).To(MatchError(ErrConversion))
		Expect(err).To(MatchError(ErrUnexpectedType))
	})

	g.It("converts any value the way String does", func() {
		v := eval("[1, 'a', null]")
		defer v.Free()
		s, err := v.JSToString()
		Expect(err).To(BeNil())
		Expect(s).To(Equal("1,a,"))

		json, err := v.ToJSON()
		Expect(err).To(BeNil())
		Expect(json).To(Equal(`[1,"a",null]`))
	})

	g.It("keeps the value when a downcast fails", func() {
		v := eval("'not an object'")
		_, err := v.IntoObject()
		Expect(err).To(MatchError(ErrUnexpectedType))
		_, err = v.IntoFunction()
		Expect(err).To(MatchError(ErrConversion))

		s, err := v.ToString()
		Expect(err).To(BeNil())
		Expect(s).To(Equal("not an object"))
		v.Free()
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	g.It("splits arrays into owned elements", func() {
		v := eval("[1, 'two', {}]")
		elements, err := v.ToSlice()
		Expect(err).To(BeNil())
		Expect(elements).To(HaveLen(3))
		Expect(elements[1].String()).To(Equal(`"two"`))
		freeAll(elements)
		v.Free()
		Expect(ctx.CountHandles()).To(Equal(handles))
	})

	g.It("resolves proxy targets", func() {
		v := eval("new Proxy(new Proxy({inner: true}, {}), {})")
		defer v.Free()
		Expect(v.IsProxy()).To(BeTrue())

		target, err := v.ProxyTarget(true)
		Expect(err).To(BeNil())
		defer target.Free()
		Expect(target.IsProxy()).To(BeFalse())

		obj := &Object{OwnedValue: target}
		var inner bool
		Expect(obj.Get("inner", &inner)).To(Succeed())
		Expect(inner).To(BeTrue())
	})
})
