package gojaengine

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/dop251/goja"

	"github.com/qjsbind/qjsbind/abi"
)

// goja has no ES module support. Module sources are rewritten into a
// function whose imports and exports go through a per context registry:
//
//	import {a as b} from "./m.js"   ->  const {a: b} = __qjs_import("./m.js");
//	export const x = 1              ->  const x = 1   (plus a live getter for x)
//
// Only static declarations at the top level are recognized, one statement
// per line or several separated by semicolons. Dynamic import()
// and top level await are not supported.

type moduleState int

const (
	moduleCompiled moduleState = iota
	moduleEvaluating
	moduleEvaluated
	moduleFailed
)

type moduleRecord struct {
	name    string
	program *goja.Program
	exports *goja.Object
	state   moduleState
	failure goja.Value
}

// thrownError carries a JS value thrown out of a native helper.
type thrownError struct {
	value goja.Value
}

func (e thrownError) Error() string {
	return fmt.Sprintf("thrown: %v", e.value)
}

func (e *Engine) evalModule(cs *contextState, code, filename string, compileOnly bool) abi.Value {
	record, err := compileModule(filename, code)
	if err != nil {
		e.setPending(cs, err)
		return abi.Exception
	}
	if compileOnly {
		return e.heapValue(cs.id, abi.TagModule, record)
	}

	return e.run(cs, true, func() (goja.Value, error) {
		if err := e.evaluateModule(cs, record); err != nil {
			return nil, err
		}
		return e.resolvedPromise(cs), nil
	})
}

func compileModule(name, code string) (*moduleRecord, error) {
	source, err := transformModule(code)
	if err != nil {
		return nil, err
	}
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, err
	}
	return &moduleRecord{name: name, program: program}, nil
}

func (e *Engine) evaluateModule(cs *contextState, record *moduleRecord) error {
	switch record.state {
	case moduleEvaluating, moduleEvaluated:
		return nil
	case moduleFailed:
		return thrownError{value: record.failure}
	}

	vm := cs.vm
	record.state = moduleEvaluating
	record.exports = vm.NewObject()
	cs.modules[record.name] = record

	fail := func(err error) error {
		record.state = moduleFailed
		record.failure = e.thrownValue(cs, err)
		return thrownError{value: record.failure}
	}

	body, err := vm.RunProgram(record.program)
	if err != nil {
		return fail(err)
	}
	fn, ok := goja.AssertFunction(body)
	if !ok {
		return fail(fmt.Errorf("module %s did not compile to a function", record.name))
	}

	importFn := func(call goja.FunctionCall) goja.Value {
		exports, err := e.importModule(cs, record.name, call.Argument(0).String())
		if err != nil {
			panic(e.thrownValue(cs, err))
		}
		return exports
	}
	exportFn := func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if err := record.exports.DefineAccessorProperty(name, call.Argument(1), nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			panic(e.thrownValue(cs, err))
		}
		return goja.Undefined()
	}
	reexportFn := func(call goja.FunctionCall) goja.Value {
		source, err := e.importModule(cs, record.name, call.Argument(0).String())
		if err != nil {
			panic(e.thrownValue(cs, err))
		}
		names := map[string]string{}
		if mapping, ok := call.Argument(1).(*goja.Object); ok {
			for _, exported := range mapping.Keys() {
				names[exported] = mapping.Get(exported).String()
			}
		} else {
			for _, key := range source.Keys() {
				if key != "default" {
					names[key] = key
				}
			}
		}
		for exported, local := range names {
			local := local
			getter := vm.ToValue(func(goja.FunctionCall) goja.Value {
				return source.Get(local)
			})
			if err := record.exports.DefineAccessorProperty(exported, getter, nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
				panic(e.thrownValue(cs, err))
			}
		}
		return goja.Undefined()
	}

	if _, err := fn(goja.Undefined(), vm.ToValue(importFn), vm.ToValue(exportFn), vm.ToValue(reexportFn)); err != nil {
		return fail(err)
	}
	record.state = moduleEvaluated
	return nil
}

func (e *Engine) importModule(cs *contextState, base, specifier string) (*goja.Object, error) {
	rs := cs.rt
	name := defaultNormalize(base, specifier)
	if rs.normalize != nil {
		normalized, ok := rs.normalize(cs.id, base, specifier)
		if !ok {
			return nil, thrownError{value: e.takePending(cs)}
		}
		name = normalized
	}

	record, ok := cs.modules[name]
	if !ok {
		if rs.loader == nil {
			return nil, thrownError{value: e.newError(cs, "ReferenceError", fmt.Sprintf("could not load module '%s'", name))}
		}
		loaded := rs.loader(cs.id, name)
		if loaded.IsException() {
			return nil, thrownError{value: e.takePending(cs)}
		}
		entry, err := e.heap.get(uint32(loaded.Bits))
		if loaded.Tag != abi.TagModule || err != nil {
			e.FreeValue(cs.id, loaded)
			return nil, thrownError{value: e.newError(cs, "TypeError", fmt.Sprintf("module loader for '%s' did not return a module", name))}
		}
		record = entry.value.(*moduleRecord)
		record.name = name
		e.FreeValue(cs.id, loaded)
	}

	if err := e.evaluateModule(cs, record); err != nil {
		return nil, err
	}
	return record.exports, nil
}

// defaultNormalize resolves relative specifiers against the directory of
// base, like the default QuickJS normalizer. Bare specifiers are kept.
func defaultNormalize(base, specifier string) string {
	if !strings.HasPrefix(specifier, ".") {
		return specifier
	}
	return path.Join(path.Dir(base), specifier)
}

var (
	identifier = `[A-Za-z_$][\w$]*`

	reImportFrom    = regexp.MustCompile(`^\s*import\s+(.+?)\s+from\s+['"]([^'"]+)['"]\s*;?\s*$`)
	reImportBare    = regexp.MustCompile(`^\s*import\s+['"]([^'"]+)['"]\s*;?\s*$`)
	reExportFrom    = regexp.MustCompile(`^\s*export\s+(\*|\{[^}]*\})\s+from\s+['"]([^'"]+)['"]\s*;?\s*$`)
	reExportList    = regexp.MustCompile(`^\s*export\s+\{([^}]*)\}\s*;?\s*$`)
	reExportDefault = regexp.MustCompile(`^(\s*)export\s+default\s+`)
	reNamedDefault  = regexp.MustCompile(`^(?:async\s+)?function\s*\*?\s*(` + identifier + `)\s*\(|^class\s+(` + identifier + `)\b`)
	reExportDecl    = regexp.MustCompile(`^(\s*)export\s+((?:async\s+)?function\s*\*?\s*(` + identifier + `)|class\s+(` + identifier + `)|(?:const|let|var)\s+(` + identifier + `))`)
)

// transformModule rewrites module source into a function expression. Every
// statement keeps its line so error positions stay meaningful.
func transformModule(code string) (string, error) {
	var (
		out     []string
		exports []string
		imports int
	)
	for i, line := range splitStatements(code) {
		var b strings.Builder
		for _, seg := range line {
			if !seg.topLevel {
				b.WriteString(seg.text)
				continue
			}
			stmt, err := rewriteStatement(seg.text, &imports, &exports)
			if err != nil {
				return "", fmt.Errorf("SyntaxError: %w on line %d", err, i+1)
			}
			b.WriteString(stmt)
		}
		out = append(out, b.String())
	}

	header := `(function(__qjs_import, __qjs_export, __qjs_reexport) { "use strict"; ` + strings.Join(exports, " ")
	return header + strings.Join(out, "\n") + "\n})", nil
}

// rewriteStatement rewrites one top level statement when it is an import or
// an export and returns any other statement unchanged.
func rewriteStatement(stmt string, imports *int, exports *[]string) (string, error) {
	switch {
	case reImportBare.MatchString(stmt):
		m := reImportBare.FindStringSubmatch(stmt)
		return fmt.Sprintf("__qjs_import(%q);", m[1]), nil

	case reImportFrom.MatchString(stmt):
		m := reImportFrom.FindStringSubmatch(stmt)
		ns := fmt.Sprintf("__qjs_m%d", *imports)
		*imports++
		bindings, err := importBindings(m[1], ns)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("const %s = __qjs_import(%q); %s", ns, m[2], bindings), nil

	case reExportFrom.MatchString(stmt):
		m := reExportFrom.FindStringSubmatch(stmt)
		if m[1] == "*" {
			return fmt.Sprintf("__qjs_reexport(%q, null);", m[2]), nil
		}
		var pairs []string
		for _, spec := range splitList(strings.Trim(m[1], "{}")) {
			local, exported := aliasPair(spec)
			pairs = append(pairs, fmt.Sprintf("%q: %q", exported, local))
		}
		return fmt.Sprintf("__qjs_reexport(%q, {%s});", m[2], strings.Join(pairs, ", ")), nil

	case reExportList.MatchString(stmt):
		m := reExportList.FindStringSubmatch(stmt)
		for _, spec := range splitList(m[1]) {
			local, exported := aliasPair(spec)
			*exports = append(*exports, exportGetter(exported, local))
		}
		return "", nil

	case reExportDefault.MatchString(stmt):
		m := reExportDefault.FindStringSubmatch(stmt)
		rest := stmt[len(m[0]):]
		if d := reNamedDefault.FindStringSubmatch(rest); d != nil {
			*exports = append(*exports, exportGetter("default", d[1]+d[2]))
			return m[1] + rest, nil
		}
		*exports = append(*exports, exportGetter("default", "__qjs_default"))
		return m[1] + "const __qjs_default = " + rest, nil

	case reExportDecl.MatchString(stmt):
		m := reExportDecl.FindStringSubmatch(stmt)
		name := m[3] + m[4] + m[5]
		*exports = append(*exports, exportGetter(name, name))
		return m[1] + stmt[len(m[1])+len("export"):], nil
	}
	return stmt, nil
}

// segment is a piece of a source line. Only segments starting outside of
// brackets, strings and comments can hold an import or an export.
type segment struct {
	text     string
	topLevel bool
}

// splitStatements cuts code into lines, and every line after each top level
// semicolon.
func splitStatements(code string) [][]segment {
	var (
		lines   [][]segment
		line    []segment
		start   int
		depth   int
		top     = true
		quote   byte // the delimiter of the open string
		comment byte // '/' in a line comment, '*' in a block comment
	)
	cut := func(end int) {
		line = append(line, segment{text: code[start:end], topLevel: top})
		start = end
	}

	for i := 0; i < len(code); i++ {
		ch := code[i]
		if ch == '\n' {
			cut(i)
			lines = append(lines, line)
			line = nil
			start = i + 1
			if comment == '/' {
				comment = 0
			}
			top = depth == 0 && quote == 0 && comment == 0
			continue
		}

		switch {
		case comment == '*':
			if ch == '*' && i+1 < len(code) && code[i+1] == '/' {
				comment = 0
				i++
			}
		case comment == '/':
		case quote != 0:
			if ch == '\\' && i+1 < len(code) && code[i+1] != '\n' {
				i++
			} else if ch == quote {
				quote = 0
			}
		case ch == '/' && i+1 < len(code) && (code[i+1] == '/' || code[i+1] == '*'):
			comment = code[i+1]
			i++
		case ch == '"' || ch == '\'' || ch == '`':
			quote = ch
		case ch == '(' || ch == '[' || ch == '{':
			depth++
		case ch == ')' || ch == ']' || ch == '}':
			if depth > 0 {
				depth--
			}
		case ch == ';' && depth == 0:
			cut(i + 1)
			top = true
		}
	}
	cut(len(code))
	return append(lines, line)
}

func exportGetter(exported, local string) string {
	return fmt.Sprintf("__qjs_export(%q, () => %s);", exported, local)
}

// importBindings turns an import clause into destructuring of ns.
func importBindings(clause, ns string) (string, error) {
	var out []string
	clause = strings.TrimSpace(clause)

	if open := strings.Index(clause, "{"); open >= 0 {
		end := strings.Index(clause, "}")
		if end < open {
			return "", fmt.Errorf("malformed import clause %q", clause)
		}
		var named []string
		for _, spec := range splitList(clause[open+1 : end]) {
			imported, local := aliasPair(spec)
			if imported == local {
				named = append(named, local)
			} else {
				named = append(named, fmt.Sprintf("%s: %s", imported, local))
			}
		}
		out = append(out, fmt.Sprintf("const {%s} = %s;", strings.Join(named, ", "), ns))
		clause = strings.TrimSpace(clause[:open] + clause[end+1:])
	}

	for _, part := range splitList(clause) {
		if strings.HasPrefix(part, "*") {
			fields := strings.Fields(part)
			if len(fields) != 3 || fields[1] != "as" {
				return "", fmt.Errorf("malformed namespace import %q", part)
			}
			out = append(out, fmt.Sprintf("const %s = %s;", fields[2], ns))
			continue
		}
		out = append(out, fmt.Sprintf("const %s = %s.default;", part, ns))
	}

	return strings.Join(out, " "), nil
}

func splitList(list string) []string {
	var out []string
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// aliasPair splits "a as b" into ("a", "b") and "a" into ("a", "a").
func aliasPair(spec string) (string, string) {
	fields := strings.Fields(spec)
	if len(fields) == 3 && fields[1] == "as" {
		return fields[0], fields[2]
	}
	return spec, spec
}
