package cdecl

import (
	"github.com/emirpasic/gods/maps/linkedhashmap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/ollama/cffi/ctypes"
)

// Symbol is a declared function or extern variable.
type Symbol struct {
	Name     string
	Type     ctypes.Type
	Variable bool
}

// Tables holds everything declared in a session. A declaration batch works
// on a clone and replaces the live tables only when the whole batch
// resolved.
type Tables struct {
	typedefs  map[string]ctypes.Type
	tags      map[string]ctypes.Type
	constants map[string]int64
	interned  map[string]ctypes.Type

	// symbols keeps declaration order
	symbols *linkedhashmap.Map
}

func newTables() *Tables {
	return &Tables{
		typedefs:  make(map[string]ctypes.Type),
		tags:      make(map[string]ctypes.Type),
		constants: make(map[string]int64),
		interned:  make(map[string]ctypes.Type),
		symbols:   linkedhashmap.New(),
	}
}

func (t *Tables) clone() *Tables {
	c := &Tables{
		typedefs:  maps.Clone(t.typedefs),
		tags:      maps.Clone(t.tags),
		constants: maps.Clone(t.constants),
		interned:  maps.Clone(t.interned),
		symbols:   linkedhashmap.New(),
	}

	it := t.symbols.Iterator()
	for it.Next() {
		c.symbols.Put(it.Key(), it.Value())
	}

	return c
}

func (t *Tables) Typedef(name string) (ctypes.Type, bool) {
	typ, ok := t.typedefs[name]
	return typ, ok
}

// Typedefs returns the typedef names in sorted order.
func (t *Tables) Typedefs() []string {
	names := maps.Keys(t.typedefs)
	slices.Sort(names)
	return names
}

// Tag returns the struct, union or enum registered as e.g. "struct foo".
func (t *Tables) Tag(key string) (ctypes.Type, bool) {
	typ, ok := t.tags[key]
	return typ, ok
}

// Tags returns the tag keys in sorted order.
func (t *Tables) Tags() []string {
	keys := maps.Keys(t.tags)
	slices.Sort(keys)
	return keys
}

func (t *Tables) Symbol(name string) (Symbol, bool) {
	v, ok := t.symbols.Get(name)
	if !ok {
		return Symbol{}, false
	}
	return v.(Symbol), true
}

// Symbols returns functions and variables in declaration order.
func (t *Tables) Symbols() []Symbol {
	symbols := make([]Symbol, 0, t.symbols.Size())
	for _, v := range t.symbols.Values() {
		symbols = append(symbols, v.(Symbol))
	}
	return symbols
}

func (t *Tables) Constant(name string) (int64, bool) {
	v, ok := t.constants[name]
	return v, ok
}

// Constants returns the constant names in sorted order.
func (t *Tables) Constants() []string {
	names := maps.Keys(t.constants)
	slices.Sort(names)
	return names
}

// intern returns the canonical descriptor spelled like typ, registering typ
// if it is the first.
func (t *Tables) intern(typ ctypes.Type) ctypes.Type {
	key := typ.String()
	if existing, ok := t.interned[key]; ok {
		return existing
	}

	t.interned[key] = typ
	return typ
}
