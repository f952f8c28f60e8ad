package ffi

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ollama/cffi/backend"
	"github.com/ollama/cffi/ctypes"
	"github.com/ollama/cffi/cvalue"
	"github.com/ollama/cffi/logutil"
)

// Library is a loaded native library. Symbols are resolved against the
// session's declarations.
type Library struct {
	session *Session
	lib     backend.Library

	mu      sync.Mutex
	symbols map[string]any
}

// Load opens a library by name or path. An empty name stands for the
// running process and the libraries already loaded into it.
func (s *Session) Load(name string) (*Library, error) {
	lib, err := s.backend.LoadLibrary(name)
	if err != nil {
		return nil, err
	}

	l := &Library{session: s, lib: lib, symbols: make(map[string]any)}

	s.mu.Lock()
	s.libraries = append(s.libraries, l)
	s.mu.Unlock()

	s.log.Debug("loaded library", "name", name)
	return l, nil
}

func (l *Library) Name() string { return l.lib.Name() }

// Lookup resolves a declared symbol, returning a *Function or a *Variable.
func (l *Library) Lookup(name string) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sym, ok := l.symbols[name]; ok {
		return sym, nil
	}

	s := l.session
	s.mu.Lock()
	decl, ok := s.resolver.Tables().Symbol(name)
	if !ok {
		s.mu.Unlock()
		return nil, &LookupError{Library: l.Name(), Name: name, Err: ErrNotDeclared}
	}

	var h backend.Type
	var err error
	switch t := decl.Type.(type) {
	case *ctypes.Pointer:
		if _, ok := t.Elem.(*ctypes.Function); ok && decl.Variable {
			// function pointer variables are plain memory
			h, err = s.realize(s.target.PointerTo(s.target.Void()))
			break
		}
		h, err = s.realize(t)
	default:
		h, err = s.realize(t)
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	bsym, err := l.lib.Lookup(name, h)
	if err != nil {
		return nil, &LookupError{Library: l.Name(), Name: name, Err: err}
	}

	var sym any
	if fn, ok := decl.Type.(*ctypes.Function); ok {
		bfn, ok := bsym.(backend.Function)
		if !ok {
			return nil, &LookupError{Library: l.Name(), Name: name, Err: fmt.Errorf("backend returned %T for a function", bsym)}
		}
		sym = &Function{session: s, name: name, typ: fn, handle: h, fn: bfn}
	} else {
		sym = &Variable{session: s, name: name, typ: decl.Type, addr: bsym.Addr()}
	}

	l.symbols[name] = sym
	return sym, nil
}

func (l *Library) Function(name string) (*Function, error) {
	sym, err := l.Lookup(name)
	if err != nil {
		return nil, err
	}
	fn, ok := sym.(*Function)
	if !ok {
		return nil, &LookupError{Library: l.Name(), Name: name, Err: errors.New("not a function")}
	}
	return fn, nil
}

func (l *Library) Variable(name string) (*Variable, error) {
	sym, err := l.Lookup(name)
	if err != nil {
		return nil, err
	}
	v, ok := sym.(*Variable)
	if !ok {
		return nil, &LookupError{Library: l.Name(), Name: name, Err: errors.New("not a variable")}
	}
	return v, nil
}

// Function is a callable native function.
type Function struct {
	session *Session
	name    string
	typ     *ctypes.Function
	handle  backend.Type
	fn      backend.Function
}

func (f *Function) Name() string { return f.name }

func (f *Function) Type() *ctypes.Function { return f.typ }

// BType is the backend handle of the function's type.
func (f *Function) BType() backend.Type { return f.handle }

// Addr is the function's native entry point.
func (f *Function) Addr() uintptr { return f.fn.Addr() }

// Raw returns the backend form of the function, which takes and returns
// encoded bytes.
func (f *Function) Raw() backend.Function { return f.fn }

// FunctionAt makes the native code at addr callable with the given
// signature, e.g. "int(*)(int, int)" or a function pointer typedef.
func (s *Session) FunctionAt(signature string, addr uintptr) (*Function, error) {
	fn, err := s.functionType(signature)
	if err != nil {
		return nil, err
	}

	h, err := s.Realize(fn)
	if err != nil {
		return nil, err
	}

	bfn, err := s.backend.FunctionAt(h, addr)
	if err != nil {
		return nil, err
	}
	return &Function{session: s, name: fmt.Sprintf("%#x", addr), typ: fn, handle: h, fn: bfn}, nil
}

// Call invokes the function. Arguments are matched to the declared
// parameters; variadic arguments are passed with the default argument
// promotions (see cvalue.Promote). The result is decoded as described in
// package cvalue, nil for void.
func (f *Function) Call(args ...any) (any, error) {
	s, ft := f.session, f.typ
	if len(args) < len(ft.Args) || (!ft.Varargs && len(args) != len(ft.Args)) {
		want := fmt.Sprint(len(ft.Args))
		if ft.Varargs {
			want = "at least " + want
		}
		return nil, typeErrorf(f.name, "takes %s arguments, got %d", want, len(args))
	}

	var temps []uintptr
	defer func() {
		for _, addr := range temps {
			s.backend.Free(addr)
		}
	}()

	bufs := make([][]byte, len(args))
	var varargs []backend.Type
	for i, arg := range args {
		var t ctypes.Type
		if i < len(ft.Args) {
			t = ft.Args[i]
		} else {
			pt, v, err := cvalue.Promote(s.target, arg)
			if err != nil {
				return nil, argError(f.name, i, err)
			}

			h, err := s.Realize(pt)
			if err != nil {
				return nil, argError(f.name, i, err)
			}
			t, arg = pt, v
			varargs = append(varargs, h)
		}

		buf, temp, err := s.encodeArg(t, arg)
		if temp != 0 {
			temps = append(temps, temp)
		}
		if err != nil {
			return nil, argError(f.name, i, err)
		}
		bufs[i] = buf
	}

	ret := make([]byte, max(ft.Result.Size(), 0))

	s.trace("call", "function", f.name, logutil.Addr("addr", f.Addr()), "args", len(args))
	if err := f.fn.Call(bufs, varargs, ret); err != nil {
		return nil, fmt.Errorf("%s: %w", f.name, err)
	}

	if ft.Result.Kind() == ctypes.KindVoid {
		return nil, nil
	}
	return cvalue.Decode(s.target, ft.Result, ret)
}

// encodeArg encodes one argument. A Go string passed for a pointer is
// copied into a temporary NUL terminated native buffer, whose address is
// returned so it can be freed after the call.
func (s *Session) encodeArg(t ctypes.Type, v any) ([]byte, uintptr, error) {
	if t.Size() < 0 {
		return nil, 0, &TypeError{Name: t.String(), Err: ctypes.ErrIncomplete}
	}

	var temp uintptr
	if _, ok := t.(*ctypes.Pointer); ok {
		var b []byte
		switch sv := v.(type) {
		case string:
			b = append([]byte(sv), 0)
		case []byte:
			b = sv
		}

		if b != nil {
			addr, err := s.backend.Alloc(max(len(b), 1))
			if err != nil {
				return nil, 0, err
			}
			if err := s.backend.Write(addr, b); err != nil {
				return nil, addr, err
			}
			temp, v = addr, addr
		}
	}

	buf := make([]byte, t.Size())
	if err := cvalue.Encode(s.target, t, v, buf); err != nil {
		return nil, temp, err
	}
	return buf, temp, nil
}

// Variable is a global variable of a loaded library.
type Variable struct {
	session *Session
	name    string
	typ     ctypes.Type
	addr    uintptr
}

func (v *Variable) Name() string      { return v.name }
func (v *Variable) Type() ctypes.Type { return v.typ }
func (v *Variable) Addr() uintptr     { return v.addr }

func (v *Variable) Get() (any, error) {
	size := v.typ.Size()
	if size < 0 {
		return nil, &TypeError{Name: v.name, Err: ctypes.ErrIncomplete}
	}

	buf := make([]byte, size)
	if err := v.session.backend.Read(v.addr, buf); err != nil {
		return nil, fmt.Errorf("%s: %w", v.name, err)
	}
	return cvalue.Decode(v.session.target, v.typ, buf)
}

func (v *Variable) Set(value any) error {
	size := v.typ.Size()
	if size < 0 {
		return &TypeError{Name: v.name, Err: ctypes.ErrIncomplete}
	}

	buf := make([]byte, size)
	if err := cvalue.Encode(v.session.target, v.typ, value, buf); err != nil {
		return &TypeError{Name: v.name, Err: err}
	}
	return v.session.backend.Write(v.addr, buf)
}
