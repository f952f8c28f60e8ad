package ffi

import (
	"fmt"
	"io"
	"strings"

	"github.com/ollama/cffi/backend"
	"github.com/ollama/cffi/cdecl"
	"github.com/ollama/cffi/ctypes"
)

// Cdef declares the C declarations in src. Declarations accumulate across
// calls; a failing batch leaves the session unchanged.
func (s *Session) Cdef(src string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolver.Cdef(src); err != nil {
		return err
	}
	s.log.Debug("cdef", "bytes", len(src))
	return nil
}

// CdefFile is Cdef for declarations read from r, such as a header file.
func (s *Session) CdefFile(r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolver.CdefReader(r); err != nil {
		return err
	}
	s.log.Debug("cdef", "source", "reader")
	return nil
}

// ParseType resolves a type name such as "struct foo *" or "int(*)(double)".
// With forcePointer an outer array type becomes a pointer to its element.
func (s *Session) ParseType(text string, forcePointer bool) (ctypes.Type, error) {
	key := typeKey{text: strings.TrimSpace(text), forcePointer: forcePointer}
	if t, ok := s.parsed.Get(key); ok {
		return t, nil
	}

	s.mu.Lock()
	t, err := s.resolver.ParseType(key.text, forcePointer)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.parsed.Add(key, t)
	return t, nil
}

func (s *Session) TypeOf(name string) (ctypes.Type, error) {
	return s.ParseType(name, false)
}

// BType returns the backend handle of the named type.
func (s *Session) BType(text string) (backend.Type, error) {
	t, err := s.ParseType(text, false)
	if err != nil {
		return nil, err
	}
	return s.Realize(t)
}

// Realize returns the backend handle of t. Identical types realize to the
// identical handle for the life of the session. A pointer to a function
// realizes as the function's handle.
func (s *Session) Realize(t ctypes.Type) (backend.Type, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realize(t)
}

func (s *Session) realize(t ctypes.Type) (backend.Type, error) {
	t = s.resolver.Canonical(t)

	if st, ok := t.(*ctypes.Struct); ok {
		return s.realizeStruct(st)
	}

	if h, ok := s.handles[t]; ok {
		return h, nil
	}

	var h backend.Type
	var err error
	switch t := t.(type) {
	case *ctypes.Void:
		h, err = s.backend.PrimitiveType("void")
	case *ctypes.Primitive:
		h, err = s.backend.PrimitiveType(t.Name)
	case *ctypes.Enum:
		if !t.IsComplete() {
			return nil, &TypeError{Name: t.String(), Err: ctypes.ErrIncomplete}
		}
		h, err = s.realize(t.Base())
	case *ctypes.Pointer:
		if fn, ok := t.Elem.(*ctypes.Function); ok {
			h, err = s.realize(fn)
			break
		}

		var elem backend.Type
		if elem, err = s.realize(t.Elem); err == nil {
			h, err = s.backend.PointerType(elem)
		}
	case *ctypes.Array:
		var ptr backend.Type
		if ptr, err = s.realize(s.target.PointerTo(t.Elem)); err == nil {
			h, err = s.backend.ArrayType(ptr, t.Len)
		}
	case *ctypes.Function:
		h, err = s.realizeFunction(t)
	default:
		return nil, fmt.Errorf("cannot realize %T", t)
	}
	if err != nil {
		return nil, err
	}

	s.handles[t] = h
	s.log.Debug("realized", "type", t, "handle", h)
	return h, nil
}

func (s *Session) realizeFunction(fn *ctypes.Function) (backend.Type, error) {
	args := make([]backend.Type, len(fn.Args))
	for i, arg := range fn.Args {
		h, err := s.realize(arg)
		if err != nil {
			return nil, err
		}
		args[i] = h
	}

	result, err := s.realize(fn.Result)
	if err != nil {
		return nil, err
	}
	return s.backend.FunctionType(args, result, fn.Varargs)
}

// realizeStruct creates a struct's handle on first use and completes it
// once the struct itself is complete, so pointers to a forward declared
// struct share the handle that is completed later.
func (s *Session) realizeStruct(st *ctypes.Struct) (backend.Type, error) {
	h, ok := s.handles[st]
	if !ok {
		var err error
		if h, err = s.backend.StructType(st.String()); err != nil {
			return nil, err
		}
		s.handles[st] = h
		s.pending[st] = h
	}

	if _, waiting := s.pending[st]; !waiting || !st.IsComplete() {
		return h, nil
	}

	// fields may point back at st
	delete(s.pending, st)

	fields := make([]backend.Field, len(st.Fields()))
	for i, f := range st.Fields() {
		ft, err := s.realize(f.Type)
		if err != nil {
			s.pending[st] = h
			return nil, err
		}
		fields[i] = backend.Field{Name: f.Name, Type: ft, BitOffset: f.BitOffset, BitSize: f.BitSize}
	}

	if err := s.backend.CompleteStruct(h, fields, st.Size(), st.Align()); err != nil {
		return nil, err
	}
	s.log.Debug("completed", "type", st, "fields", len(fields), "size", st.Size())
	return h, nil
}

func (s *Session) sized(text string) (ctypes.Type, error) {
	t, err := s.ParseType(text, false)
	if err != nil {
		return nil, err
	}
	if !ctypes.IsComplete(t) {
		return nil, &TypeError{Name: text, Err: ctypes.ErrIncomplete}
	}
	return t, nil
}

func (s *Session) Sizeof(text string) (int, error) {
	t, err := s.sized(text)
	if err != nil {
		return 0, err
	}
	return t.Size(), nil
}

func (s *Session) Alignof(text string) (int, error) {
	t, err := s.sized(text)
	if err != nil {
		return 0, err
	}
	return t.Align(), nil
}

// Offsetof returns the byte offset of a member of a struct or union type.
// Nested members are named with dots, e.g. "inner.x".
func (s *Session) Offsetof(text, member string) (int, error) {
	t, err := s.sized(text)
	if err != nil {
		return 0, err
	}

	f, err := fieldPath(t, member)
	if err != nil {
		return 0, &TypeError{Name: text, Err: err}
	}
	if f.IsBitfield() {
		return 0, typeErrorf(text, "cannot take the offset of bitfield %s", member)
	}
	return f.Offset, nil
}

// fieldPath resolves a dotted member path to a field whose Offset is
// relative to the outermost struct.
func fieldPath(t ctypes.Type, path string) (ctypes.Field, error) {
	var out ctypes.Field
	for i, name := range strings.Split(path, ".") {
		st, ok := t.(*ctypes.Struct)
		if !ok {
			return ctypes.Field{}, fmt.Errorf("%s has no members", t)
		}

		f, ok := st.Field(name)
		if !ok {
			return ctypes.Field{}, fmt.Errorf("%s has no member %q", st, name)
		}

		if i > 0 {
			f.Offset += out.Offset
			f.BitOffset += out.Offset * 8
		}
		out, t = f, f.Type
	}
	return out, nil
}

// Constant evaluates an integer constant expression over the declared
// enumerators and #defines, e.g. "FLAG_A | FLAG_B".
func (s *Session) Constant(expr string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolver.Constant(expr)
}

// Declarations lists the declared functions and variables in declaration
// order.
func (s *Session) Declarations() []cdecl.Symbol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolver.Tables().Symbols()
}

// Typedefs lists the declared typedef names.
func (s *Session) Typedefs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolver.Tables().Typedefs()
}

// functionType resolves a signature given as a function type, a pointer to
// one, or a typedef of either.
func (s *Session) functionType(signature string) (*ctypes.Function, error) {
	t, err := s.ParseType(signature, false)
	if err != nil {
		return nil, err
	}

	if p, ok := t.(*ctypes.Pointer); ok {
		t = p.Elem
	}
	fn, ok := t.(*ctypes.Function)
	if !ok {
		return nil, typeErrorf(signature, "%s is not a function type", t)
	}
	return fn, nil
}

func typeErrorf(name, format string, args ...any) *TypeError {
	return &TypeError{Name: name, Msg: fmt.Sprintf(format, args...)}
}
