package gojaengine

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/qjsbind/qjsbind/abi"
)

type handle struct {
	value    any
	ctx      abi.Context
	refCount int
}

// handleHeap hands out refcounted ids for heap values. Objects and symbols
// are interned so one JS identity always maps to one id, which keeps
// identity comparison on abi.Value meaningful.
type handleHeap struct {
	allocated []*handle
	freelist  []uint32
	objects   map[*goja.Object]uint32
	symbols   map[*goja.Symbol]uint32
	live      int
}

func newHandleHeap() *handleHeap {
	return &handleHeap{
		// id 0 is never handed out.
		allocated: []*handle{nil},
		objects:   map[*goja.Object]uint32{},
		symbols:   map[*goja.Symbol]uint32{},
	}
}

func (h *handleHeap) get(id uint32) (*handle, error) {
	if id < 1 || int(id) > len(h.allocated)-1 || h.allocated[id] == nil {
		return nil, fmt.Errorf("invalid id: %d", id)
	}

	return h.allocated[id], nil
}

func (h *handleHeap) allocate(entry *handle) uint32 {
	var id uint32

	// Reuse freed slots when available.
	if len(h.freelist) > 0 {
		id = h.freelist[len(h.freelist)-1]
		h.freelist = h.freelist[:len(h.freelist)-1]
		h.allocated[id] = entry
	} else {
		id = uint32(len(h.allocated))
		h.allocated = append(h.allocated, entry)
	}

	switch v := entry.value.(type) {
	case *goja.Object:
		h.objects[v] = id
	case *goja.Symbol:
		h.symbols[v] = id
	}

	h.live++
	return id
}

// acquire returns a new reference to value, reusing the interned id of an
// object or symbol that is already on the heap.
func (h *handleHeap) acquire(c abi.Context, value any) uint32 {
	var id uint32
	var ok bool
	switch v := value.(type) {
	case *goja.Object:
		id, ok = h.objects[v]
	case *goja.Symbol:
		id, ok = h.symbols[v]
	}
	if ok {
		h.allocated[id].refCount++
		return id
	}

	return h.allocate(&handle{value: value, ctx: c, refCount: 1})
}

func (h *handleHeap) free(id uint32) {
	entry := h.allocated[id]
	switch v := entry.value.(type) {
	case *goja.Object:
		delete(h.objects, v)
	case *goja.Symbol:
		delete(h.symbols, v)
	}

	h.allocated[id] = nil
	h.freelist = append(h.freelist, id)
	h.live--
}

func (h *handleHeap) incref(id uint32) error {
	entry, err := h.get(id)
	if err != nil {
		return err
	}
	entry.refCount++
	return nil
}

func (h *handleHeap) decref(id uint32) error {
	entry, err := h.get(id)
	if err != nil {
		return err
	}

	entry.refCount--
	if entry.refCount == 0 {
		h.free(id)
	}

	return nil
}

// dropContext releases every handle that belongs to a freed context.
func (h *handleHeap) dropContext(c abi.Context) {
	for id, entry := range h.allocated {
		if entry != nil && entry.ctx == c {
			h.free(uint32(id))
		}
	}
}

func (h *handleHeap) count() int {
	return h.live
}

type atomEntry struct {
	key      any
	refCount int
}

// atomTable interns property keys. A key is either a string or a
// *goja.Symbol.
type atomTable struct {
	entries  []*atomEntry
	freelist []abi.Atom
	byString map[string]abi.Atom
	bySymbol map[*goja.Symbol]abi.Atom
}

func newAtomTable() *atomTable {
	return &atomTable{
		entries:  []*atomEntry{nil},
		byString: map[string]abi.Atom{},
		bySymbol: map[*goja.Symbol]abi.Atom{},
	}
}

func (t *atomTable) intern(key any) abi.Atom {
	var atom abi.Atom
	var ok bool
	switch k := key.(type) {
	case string:
		atom, ok = t.byString[k]
	case *goja.Symbol:
		atom, ok = t.bySymbol[k]
	}
	if ok {
		t.entries[atom].refCount++
		return atom
	}

	entry := &atomEntry{key: key, refCount: 1}
	if len(t.freelist) > 0 {
		atom = t.freelist[len(t.freelist)-1]
		t.freelist = t.freelist[:len(t.freelist)-1]
		t.entries[atom] = entry
	} else {
		atom = abi.Atom(len(t.entries))
		t.entries = append(t.entries, entry)
	}

	switch k := key.(type) {
	case string:
		t.byString[k] = atom
	case *goja.Symbol:
		t.bySymbol[k] = atom
	}
	return atom
}

func (t *atomTable) lookup(atom abi.Atom) (any, bool) {
	if atom < 1 || int(atom) > len(t.entries)-1 || t.entries[atom] == nil {
		return nil, false
	}
	return t.entries[atom].key, true
}

func (t *atomTable) release(atom abi.Atom) {
	if atom < 1 || int(atom) > len(t.entries)-1 || t.entries[atom] == nil {
		return
	}

	entry := t.entries[atom]
	entry.refCount--
	if entry.refCount > 0 {
		return
	}

	switch k := entry.key.(type) {
	case string:
		delete(t.byString, k)
	case *goja.Symbol:
		delete(t.bySymbol, k)
	}
	t.entries[atom] = nil
	t.freelist = append(t.freelist, atom)
}
