// Package backend defines what a native call implementation has to provide:
// concrete handles for C types, library loading, calls, raw memory and
// callbacks. Backends register themselves by name.
package backend

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/ollama/cffi/ctypes"
)

var (
	ErrSymbolNotFound  = errors.New("symbol not found")
	ErrLibraryNotFound = errors.New("library not found")
	ErrUnsupported     = errors.New("not supported by backend")
)

// Type is a backend's concrete handle for a C type.
type Type interface {
	String() string
}

// Field is a completed struct member. BitSize is -1 for ordinary members.
type Field struct {
	Name      string
	Type      Type
	BitOffset int
	BitSize   int
}

// TypeFactory builds concrete type handles. Primitive names are the lower
// case C spellings, e.g. "unsigned long long". Every struct handle is
// completed exactly once, with its fields in declaration order.
type TypeFactory interface {
	PrimitiveType(name string) (Type, error)
	PointerType(item Type) (Type, error)
	ArrayType(ptr Type, length int) (Type, error)
	// StructType creates an incomplete struct or union; name is spelled
	// "struct x" or "union x".
	StructType(name string) (Type, error)
	CompleteStruct(s Type, fields []Field, size, align int) error
	FunctionType(args []Type, result Type, varargs bool) (Type, error)
	LoadLibrary(name string) (Library, error)
}

type Library interface {
	Name() string
	// Lookup resolves name as a value of type t. Function types yield a
	// Function.
	Lookup(name string, t Type) (Symbol, error)
	Close() error
}

type Symbol interface {
	Name() string
	Type() Type
	Addr() uintptr
}

// Function calls native code. args holds one encoded buffer per argument,
// the fixed ones followed by the variadic ones, whose types are listed in
// varargs. ret receives the encoded result and is empty for void.
type Function interface {
	Symbol
	Call(args [][]byte, varargs []Type, ret []byte) error
}

// Memory is native memory addressed by the backend.
type Memory interface {
	Alloc(size int) (uintptr, error)
	Free(addr uintptr) error
	Read(addr uintptr, dst []byte) error
	Write(addr uintptr, src []byte) error
}

// Handler runs a callback invocation: args are the encoded arguments, ret
// the zeroed return slot to fill in.
type Handler func(args [][]byte, ret []byte)

type Callback interface {
	Addr() uintptr
	Free() error
}

type Backend interface {
	TypeFactory
	Memory

	NewCallback(fn Type, h Handler) (Callback, error)
	// FunctionAt makes the function at addr callable as fn.
	FunctionAt(fn Type, addr uintptr) (Function, error)
	Close() error
}

// Targeted is implemented by backends that fix the ABI values are laid out
// for. Backends that don't are used with the host ABI.
type Targeted interface {
	Target() *ctypes.Target
}

type Options struct {
	// LibraryPath is searched, in order, for libraries given by bare name.
	LibraryPath []string
}

var backends = make(map[string]func(Options) (Backend, error))

func Register(name string, f func(Options) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func New(name string, opts Options) (Backend, error) {
	if backend, ok := backends[name]; ok {
		slog.Debug("loading backend", "name", name)
		return backend(opts)
	}

	return nil, fmt.Errorf("unsupported backend %q, have %v", name, Names())
}

// Names lists the registered backends.
func Names() []string {
	names := maps.Keys(backends)
	slices.Sort(names)
	return names
}
