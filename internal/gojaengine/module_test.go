package gojaengine

import (
	"github.com/qjsbind/qjsbind/abi"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Rewriting module source", Label("module"), func() {
	It("turns imports into lookups on the module registry", func() {
		source, err := transformModule(`import def, {a, b as c} from "./dep.js"
import * as ns from 'ns'
import "side"
console.log(a)`)
		Expect(err).To(BeNil())
		Expect(source).To(ContainSubstring(`const __qjs_m0 = __qjs_import("./dep.js"); const {a, b: c} = __qjs_m0; const def = __qjs_m0.default;`))
		Expect(source).To(ContainSubstring(`const __qjs_m1 = __qjs_import("ns"); const ns = __qjs_m1;`))
		Expect(source).To(ContainSubstring(`__qjs_import("side");`))
	})

	It("keeps every statement on its line", func() {
		source, err := transformModule("export const a = 1\nexport function f() {}\nthrow new Error('x')")
		Expect(err).To(BeNil())
		Expect(source).To(HavePrefix(`(function(__qjs_import, __qjs_export, __qjs_reexport) { "use strict"; __qjs_export("a", () => a); __qjs_export("f", () => f); const a = 1`))
		Expect(source).To(ContainSubstring("\n function f() {}\nthrow new Error('x')\n})"))
	})

	It("binds default exports", func() {
		source, err := transformModule("export default 40 + 2")
		Expect(err).To(BeNil())
		Expect(source).To(ContainSubstring(`__qjs_export("default", () => __qjs_default);`))
		Expect(source).To(ContainSubstring(`const __qjs_default = 40 + 2`))

		source, err = transformModule("export default class Point {}")
		Expect(err).To(BeNil())
		Expect(source).To(ContainSubstring(`__qjs_export("default", () => Point);`))
		Expect(source).To(ContainSubstring("class Point {}"))
	})

	It("forwards re-exports", func() {
		source, err := transformModule("export * from './all.js'\nexport {x as y, z} from './some.js'")
		Expect(err).To(BeNil())
		Expect(source).To(ContainSubstring(`__qjs_reexport("./all.js", null);`))
		Expect(source).To(ContainSubstring(`__qjs_reexport("./some.js", {"y": "x", "z": "z"});`))
	})

	It("splits statements sharing a line", func() {
		source, err := transformModule(`import { twice } from './lib/math.js'; console.log(twice(21)); export const n = 1; export { n as m }`)
		Expect(err).To(BeNil())
		Expect(source).To(ContainSubstring(`const __qjs_m0 = __qjs_import("./lib/math.js"); const {twice} = __qjs_m0; console.log(twice(21));`))
		Expect(source).To(ContainSubstring(`__qjs_export("n", () => n); __qjs_export("m", () => n);`))
		Expect(source).To(ContainSubstring(` const n = 1;`))
		Expect(source).NotTo(ContainSubstring("export const"))
		Expect(source).NotTo(ContainSubstring("export {"))
	})

	It("leaves semicolons in strings, comments and blocks alone", func() {
		code := "const s = 'a; import x from \"y\"'; // ; export const z = 1\nfunction f() { return 1; }; export { f }"
		source, err := transformModule(code)
		Expect(err).To(BeNil())
		Expect(source).To(ContainSubstring(`const s = 'a; import x from "y"'; // ; export const z = 1`))
		Expect(source).To(ContainSubstring("function f() { return 1; };"))
		Expect(source).To(ContainSubstring(`__qjs_export("f", () => f);`))
		Expect(source).NotTo(ContainSubstring("__qjs_import("))
	})

	It("rejects malformed namespace imports", func() {
		_, err := transformModule(`import * from "x"`)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Evaluating modules", Label("module"), func() {
	var sources map[string]string

	BeforeEach(func() {
		sources = map[string]string{
			"lib/math.js":  "export const two = 2\nexport function double(x) { return x * two }\nexport default 'math'",
			"lib/all.js":   "export * from './math.js'\nexport {default as name} from './math.js'",
			"lib/broken.js": "throw new Error('broken module')",
		}
		engine.SetModuleLoader(rt, nil, func(c abi.Context, name string) abi.Value {
			source, ok := sources[name]
			if !ok {
				return engine.ThrowError(c, "ReferenceError", "could not load module '"+name+"'")
			}
			return engine.Eval(c, source, name, abi.EvalModule|abi.EvalCompileOnly)
		})
	})

	module := func(code string) abi.Value {
		return engine.Eval(c, code, "main.js", abi.EvalModule)
	}

	It("resolves to a settled promise", func() {
		p := module("globalThis.result = 1")
		defer engine.FreeValue(c, p)
		Expect(engine.IsPromise(c, p)).To(BeTrue())
		Expect(engine.PromiseState(c, p)).To(Equal(abi.PromiseFulfilled))
		Expect(eval("result").Int32()).To(Equal(int32(1)))
	})

	It("links imports relative to the importing module", func() {
		engine.FreeValue(c, module(`import label, {double} from "./lib/math.js"
globalThis.result = label + ":" + double(21)`))

		result := eval("result")
		Expect(goString(result)).To(Equal("math:42"))
		engine.FreeValue(c, result)
	})

	It("links imports followed by code on the same line", func() {
		engine.FreeValue(c, module(`import { double } from './lib/math.js'; globalThis.result = double(21);`))

		result := eval("result")
		Expect(result.Int32()).To(Equal(int32(42)))
		engine.FreeValue(c, result)
	})

	It("follows re-exports", func() {
		engine.FreeValue(c, module(`import * as all from "./lib/all.js"
globalThis.result = all.name + all.two + ("default" in all)`))

		result := eval("result")
		Expect(goString(result)).To(Equal("math2false"))
		engine.FreeValue(c, result)
	})

	It("evaluates a module once", func() {
		sources["lib/count.js"] = "globalThis.count = (globalThis.count || 0) + 1"
		engine.FreeValue(c, module(`import "./lib/count.js"
import "./lib/count.js"`))
		Expect(eval("count").Int32()).To(Equal(int32(1)))
	})

	It("reports failures of dependencies", func() {
		Expect(module(`import "./lib/broken.js"`).IsException()).To(BeTrue())
		Expect(exception()).To(Equal("Error: broken module"))
	})

	It("reports missing modules", func() {
		Expect(module(`import "./lib/missing.js"`).IsException()).To(BeTrue())
		Expect(exception()).To(Equal("ReferenceError: could not load module 'lib/missing.js'"))
	})

	It("compiles a module for later evaluation", func() {
		compiled := engine.Eval(c, "globalThis.late = true", "late.js", abi.EvalModule|abi.EvalCompileOnly)
		Expect(compiled.Tag).To(Equal(abi.TagModule))
		Expect(eval("globalThis.late")).To(Equal(abi.Undefined))

		p := engine.EvalFunction(c, compiled)
		Expect(engine.PromiseState(c, p)).To(Equal(abi.PromiseFulfilled))
		engine.FreeValue(c, p)
		Expect(eval("globalThis.late")).To(Equal(abi.True))
	})

	It("uses the normalizer when one is set", func() {
		engine.SetModuleLoader(rt, func(c abi.Context, base, name string) (string, bool) {
			return "lib/" + name + ".js", true
		}, func(c abi.Context, name string) abi.Value {
			return engine.Eval(c, sources[name], name, abi.EvalModule|abi.EvalCompileOnly)
		})

		engine.FreeValue(c, module(`import {two} from "math"
globalThis.result = two`))
		Expect(eval("result").Int32()).To(Equal(int32(2)))
	})
})
