package serde

import (
	"reflect"
	"strings"
	"sync"
)

const tagName = "qjs"

// field is an encodable struct field. index is the path through embedded
// structs.
type field struct {
	name      string
	index     []int
	typ       reflect.Type
	omitEmpty bool
}

// structInfo describes how a struct type is laid out in script. Structs
// marked with a blank `qjs:",array"` field are encoded positionally.
type structInfo struct {
	fields []field
	byName map[string]int
	array  bool
}

var structCache sync.Map // map[reflect.Type]*structInfo

func typeInfo(t reflect.Type) *structInfo {
	if info, ok := structCache.Load(t); ok {
		return info.(*structInfo)
	}
	info := buildInfo(t)
	actual, _ := structCache.LoadOrStore(t, info)
	return actual.(*structInfo)
}

func buildInfo(t reflect.Type) *structInfo {
	info := &structInfo{byName: map[string]int{}}
	collectFields(t, nil, info)
	for i, f := range info.fields {
		info.byName[f.name] = i
	}
	return info
}

func collectFields(t reflect.Type, index []int, info *structInfo) {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		name, opts := parseTag(sf.Tag.Get(tagName))

		if sf.Name == "_" {
			if opts.has("array") {
				info.array = true
			}
			continue
		}
		if name == "-" && opts == "" {
			continue
		}

		path := append(append([]int(nil), index...), i)
		if sf.Anonymous && name == "" {
			ft := sf.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				collectFields(ft, path, info)
				continue
			}
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		info.fields = append(info.fields, field{
			name:      name,
			index:     path,
			typ:       sf.Type,
			omitEmpty: opts.has("omitempty"),
		})
	}
}

type tagOptions string

func parseTag(tag string) (string, tagOptions) {
	name, opts, _ := strings.Cut(tag, ",")
	return name, tagOptions(opts)
}

func (o tagOptions) has(name string) bool {
	for s := string(o); s != ""; {
		var opt string
		opt, s, _ = strings.Cut(s, ",")
		if opt == name {
			return true
		}
	}
	return false
}

// fieldByIndex walks index, allocating nil embedded pointers when alloc is
// set. It reports false when a nil embedded pointer is in the way.
func fieldByIndex(v reflect.Value, index []int, alloc bool) (reflect.Value, bool) {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				if !alloc {
					return reflect.Value{}, false
				}
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v, true
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Interface, reflect.Pointer:
		return v.IsZero()
	}
	return false
}
