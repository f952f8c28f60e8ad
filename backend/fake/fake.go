// Package fake is a pure Go backend. Its type handles print as readable
// strings, native functions are Go implementations installed with Define,
// and memory is emulated.
package fake

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ollama/cffi/backend"
	"github.com/ollama/cffi/ctypes"
)

func init() {
	backend.Register("fake", func(backend.Options) (backend.Backend, error) {
		return New(), nil
	})
}

type kind int

const (
	kindPrimitive kind = iota
	kindPointer
	kindArray
	kindStruct
	kindFunction
)

// Type is the fake backend's type handle.
type Type struct {
	kind kind
	name string

	elem   *Type
	length int

	args    []*Type
	result  *Type
	varargs bool

	fields   []backend.Field
	complete bool
}

func (t *Type) String() string {
	return t.format(make(map[*Type]bool))
}

// format spells t. A struct reached again through its own members prints
// its name.
func (t *Type) format(seen map[*Type]bool) string {
	switch t.kind {
	case kindPointer:
		return fmt.Sprintf("<pointer to %s>", t.elem.format(seen))
	case kindArray:
		if t.length < 0 {
			return fmt.Sprintf("<array %s x ?>", t.elem.format(seen))
		}
		return fmt.Sprintf("<array %s x %d>", t.elem.format(seen), t.length)
	case kindFunction:
		args := make([]string, len(t.args))
		for i, arg := range t.args {
			args[i] = arg.format(seen)
		}
		return fmt.Sprintf("<func (%s), %s, %t>", strings.Join(args, ", "), t.result.format(seen), t.varargs)
	case kindStruct:
		if !t.complete || seen[t] {
			return t.name
		}
		seen[t] = true
		defer delete(seen, t)

		fields := make([]string, len(t.fields))
		for i, f := range t.fields {
			fields[i] = f.Type.(*Type).format(seen) + f.Name
		}
		return strings.Join(fields, ", ")
	default:
		return "<" + t.name + ">"
	}
}

// Fields returns a completed struct's members.
func (t *Type) Fields() []backend.Field { return t.fields }

// Impl implements a native function: args holds the encoded arguments and
// ret the zeroed return slot.
type Impl func(args [][]byte, ret []byte) error

type Option func(*Backend)

// Strict makes LoadLibrary and Lookup fail for anything not defined.
func Strict() Option {
	return func(b *Backend) { b.strict = true }
}

// WithTarget lays values out for target instead of the host.
func WithTarget(target *ctypes.Target) Option {
	return func(b *Backend) { b.target = target }
}

type Backend struct {
	strict bool
	target *ctypes.Target
	memory *memory

	mu        sync.Mutex
	libraries map[string]map[string]any
	code      map[uintptr]*Function
}

var _ backend.Backend = (*Backend)(nil)

func New(opts ...Option) *Backend {
	b := &Backend{
		target:    ctypes.HostTarget(),
		memory:    newMemory(),
		libraries: make(map[string]map[string]any),
		code:      make(map[uintptr]*Function),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Target() *ctypes.Target { return b.target }

func handle(t backend.Type) (*Type, error) {
	if t, ok := t.(*Type); ok {
		return t, nil
	}
	return nil, fmt.Errorf("fake: foreign type handle %T", t)
}

func (b *Backend) PrimitiveType(name string) (backend.Type, error) {
	if name != strings.ToLower(name) {
		return nil, fmt.Errorf("fake: primitive %q is not spelled in lower case", name)
	}
	return &Type{kind: kindPrimitive, name: name}, nil
}

func (b *Backend) PointerType(item backend.Type) (backend.Type, error) {
	elem, err := handle(item)
	if err != nil {
		return nil, err
	}
	return &Type{kind: kindPointer, elem: elem}, nil
}

func (b *Backend) ArrayType(ptr backend.Type, length int) (backend.Type, error) {
	p, err := handle(ptr)
	if err != nil {
		return nil, err
	}
	if p.kind != kindPointer {
		return nil, fmt.Errorf("fake: array built from non-pointer %s", p)
	}
	return &Type{kind: kindArray, elem: p, length: length}, nil
}

func (b *Backend) StructType(name string) (backend.Type, error) {
	return &Type{kind: kindStruct, name: name}, nil
}

func (b *Backend) CompleteStruct(s backend.Type, fields []backend.Field, size, align int) error {
	t, err := handle(s)
	if err != nil {
		return err
	}
	if t.kind != kindStruct {
		return fmt.Errorf("fake: %s is not a struct", t)
	}
	if t.complete {
		return fmt.Errorf("fake: %s completed twice", t.name)
	}

	for _, f := range fields {
		if _, err := handle(f.Type); err != nil {
			return err
		}
	}

	t.fields = fields
	t.complete = true
	return nil
}

func (b *Backend) FunctionType(args []backend.Type, result backend.Type, varargs bool) (backend.Type, error) {
	t := &Type{kind: kindFunction, varargs: varargs}
	for _, arg := range args {
		a, err := handle(arg)
		if err != nil {
			return nil, err
		}
		t.args = append(t.args, a)
	}

	r, err := handle(result)
	if err != nil {
		return nil, err
	}
	t.result = r
	return t, nil
}

func (b *Backend) Alloc(size int) (uintptr, error) {
	if size < 0 {
		return 0, fmt.Errorf("fake: negative allocation %d", size)
	}
	return b.memory.alloc(size, false), nil
}

func (b *Backend) Free(addr uintptr) error { return b.memory.free(addr) }

func (b *Backend) Read(addr uintptr, dst []byte) error { return b.memory.read(addr, dst) }

func (b *Backend) Write(addr uintptr, src []byte) error { return b.memory.write(addr, src) }

// Define installs impl as function name of library lib and returns its
// address.
func (b *Backend) Define(lib, name string, impl Impl) uintptr {
	addr := b.memory.alloc(0, true)

	b.mu.Lock()
	defer b.mu.Unlock()

	fn := &Function{name: name, addr: addr, impl: impl}
	b.library(lib)[name] = fn
	b.code[addr] = fn
	return addr
}

// DefineVariable allocates size bytes of emulated memory as variable name of
// library lib and returns its address.
func (b *Backend) DefineVariable(lib, name string, size int) uintptr {
	addr := b.memory.alloc(size, false)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.library(lib)[name] = addr
	return addr
}

func (b *Backend) library(name string) map[string]any {
	lib, ok := b.libraries[name]
	if !ok {
		lib = make(map[string]any)
		b.libraries[name] = lib
	}
	return lib
}

func (b *Backend) LoadLibrary(name string) (backend.Library, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.libraries[name]; !ok && b.strict {
		return nil, fmt.Errorf("fake: %q: %w", name, backend.ErrLibraryNotFound)
	}

	slog.Debug("fake: loaded library", "name", name)
	return &Library{backend: b, name: name}, nil
}

func (b *Backend) NewCallback(fn backend.Type, h backend.Handler) (backend.Callback, error) {
	t, err := handle(fn)
	if err != nil {
		return nil, err
	}
	if t.kind != kindFunction {
		return nil, fmt.Errorf("fake: callback of non-function type %s", t)
	}

	addr := b.memory.alloc(0, true)
	f := &Function{name: fmt.Sprintf("callback@%#x", addr), typ: t, addr: addr}
	f.impl = func(args [][]byte, ret []byte) error {
		h(args, ret)
		return nil
	}

	b.mu.Lock()
	b.code[addr] = f
	b.mu.Unlock()

	return &Callback{backend: b, addr: addr}, nil
}

func (b *Backend) FunctionAt(fn backend.Type, addr uintptr) (backend.Function, error) {
	t, err := handle(fn)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	target, ok := b.code[addr]
	if !ok {
		return nil, fmt.Errorf("fake: no function at %#x", addr)
	}
	return &Function{name: target.name, typ: t, addr: addr, impl: target.impl}, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.code)
	clear(b.libraries)
	b.memory.reset()
	return nil
}

type Library struct {
	backend *Backend
	name    string
}

func (l *Library) Name() string { return l.name }

func (l *Library) Lookup(name string, t backend.Type) (backend.Symbol, error) {
	typ, err := handle(t)
	if err != nil {
		return nil, err
	}

	b := l.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	def, ok := b.libraries[l.name][name]
	switch def := def.(type) {
	case *Function:
		if typ.kind != kindFunction {
			return nil, fmt.Errorf("fake: %s is a function, not %s", name, typ)
		}
		return &Function{name: name, typ: typ, addr: def.addr, impl: def.impl}, nil
	case uintptr:
		if typ.kind == kindFunction {
			return nil, fmt.Errorf("fake: %s is a variable, not %s", name, typ)
		}
		return &Variable{name: name, typ: typ, addr: def}, nil
	}

	if !ok && !b.strict && typ.kind == kindFunction {
		return &Function{name: name, typ: typ}, nil
	}
	return nil, fmt.Errorf("fake: %s in %q: %w", name, l.name, backend.ErrSymbolNotFound)
}

func (l *Library) Close() error { return nil }

type Variable struct {
	name string
	typ  *Type
	addr uintptr
}

func (v *Variable) Name() string       { return v.name }
func (v *Variable) Type() backend.Type { return v.typ }
func (v *Variable) Addr() uintptr      { return v.addr }

var errNoImpl = errors.New("function has no implementation")

type Function struct {
	name string
	typ  *Type
	addr uintptr
	impl Impl
}

func (f *Function) Name() string       { return f.name }
func (f *Function) Type() backend.Type { return f.typ }
func (f *Function) Addr() uintptr      { return f.addr }

func (f *Function) Call(args [][]byte, varargs []backend.Type, ret []byte) error {
	if n := len(f.typ.args); len(args) != n+len(varargs) {
		return fmt.Errorf("fake: %s takes %d arguments, got %d", f.name, n, len(args))
	}
	if len(varargs) > 0 && !f.typ.varargs {
		return fmt.Errorf("fake: %s is not variadic", f.name)
	}
	if f.impl == nil {
		return fmt.Errorf("fake: %s: %w", f.name, errNoImpl)
	}
	return f.impl(args, ret)
}

type Callback struct {
	backend *Backend
	addr    uintptr
	once    sync.Once
}

func (c *Callback) Addr() uintptr { return c.addr }

func (c *Callback) Free() error {
	c.once.Do(func() {
		c.backend.mu.Lock()
		delete(c.backend.code, c.addr)
		c.backend.mu.Unlock()
		// the backend may have been closed already
		_ = c.backend.memory.free(c.addr)
	})
	return nil
}
