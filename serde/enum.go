package serde

import (
	"fmt"
	"reflect"
	"sync"
)

// Enums are interfaces whose implementations are the variants. A variant
// is encoded externally tagged, by the shape of its type:
//
//	struct with no fields          "Name"
//	struct with a ",array" marker  {"Name": [fields...]}
//	other struct                   {"Name": {fields...}}
//	any other type                 {"Name": value}
//
// Decoding into a registered interface picks the variant by name.

type enum struct {
	name     string
	variants map[string]reflect.Type
}

type variant struct {
	name string
	enum *enum
}

var (
	enumsMu  sync.RWMutex
	enums    = map[reflect.Type]*enum{}
	variants = map[reflect.Type]variant{}
)

// RegisterEnum registers the variants of the interface E by name. Each
// value is a zero value of a variant type. Pointer variants are registered
// under their element type as well, so both forms encode the same way.
//
//	serde.RegisterEnum(map[string]Shape{
//		"Empty":  Empty{},
//		"Circle": Circle{},
//		"Square": Square(0),
//	})
func RegisterEnum[E any](named map[string]E) error {
	iface := reflect.TypeOf((*E)(nil)).Elem()
	if iface.Kind() != reflect.Interface {
		return fmt.Errorf("register enum: %s is not an interface", iface)
	}

	e := &enum{name: iface.String(), variants: make(map[string]reflect.Type, len(named))}
	types := make(map[reflect.Type]string, len(named))
	for name, zero := range named {
		t := reflect.TypeOf(zero)
		if t == nil {
			return fmt.Errorf("register enum %s: variant %s is nil", e.name, name)
		}
		if prev, ok := types[t]; ok {
			return fmt.Errorf("register enum %s: variants %s and %s share type %s", e.name, prev, name, t)
		}
		types[t] = name
		e.variants[name] = t
	}

	enumsMu.Lock()
	defer enumsMu.Unlock()
	for t := range types {
		if v, ok := variants[t]; ok && v.enum.name != e.name {
			return fmt.Errorf("register enum %s: %s is already a variant of %s", e.name, t, v.enum.name)
		}
	}
	enums[iface] = e
	for t, name := range types {
		variants[t] = variant{name: name, enum: e}
		if t.Kind() == reflect.Pointer {
			variants[t.Elem()] = variant{name: name, enum: e}
		}
	}
	return nil
}

// MustRegisterEnum is RegisterEnum for package initialization.
func MustRegisterEnum[E any](named map[string]E) {
	if err := RegisterEnum(named); err != nil {
		panic(err)
	}
}

func variantOf(t reflect.Type) (variant, bool) {
	enumsMu.RLock()
	defer enumsMu.RUnlock()
	v, ok := variants[t]
	return v, ok
}

func enumOf(t reflect.Type) (*enum, bool) {
	enumsMu.RLock()
	defer enumsMu.RUnlock()
	e, ok := enums[t]
	return e, ok
}

// isUnitVariant reports whether t encodes as a bare name.
func isUnitVariant(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct && len(typeInfo(t).fields) == 0 && !typeInfo(t).array
}
