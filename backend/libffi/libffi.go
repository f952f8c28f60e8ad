//go:build cgo && !windows

package libffi

/*
#cgo pkg-config: libffi
#cgo linux LDFLAGS: -ldl
#include <ffi.h>
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>

static ffi_cif *cffi_alloc_cif(void) {
	return (ffi_cif *)calloc(1, sizeof(ffi_cif));
}

static int cffi_prep_cif(ffi_cif *cif, unsigned int nargs, ffi_type *rtype, ffi_type **atypes) {
	return ffi_prep_cif(cif, FFI_DEFAULT_ABI, nargs, rtype, atypes);
}

static int cffi_prep_cif_var(ffi_cif *cif, unsigned int nfixed, unsigned int ntotal, ffi_type *rtype, ffi_type **atypes) {
	return ffi_prep_cif_var(cif, FFI_DEFAULT_ABI, nfixed, ntotal, rtype, atypes);
}

static void cffi_call(ffi_cif *cif, uintptr_t fn, void *rvalue, void **avalue) {
	ffi_call(cif, (void (*)(void))fn, rvalue, avalue);
}

static int cffi_struct_offsets(ffi_type *t, size_t *offsets) {
	return ffi_get_struct_offsets(FFI_DEFAULT_ABI, t, offsets);
}

extern void cffiCallbackInvoke(ffi_cif *cif, void *ret, void **args, uintptr_t user);

static void cffi_thunk(ffi_cif *cif, void *ret, void **args, void *user) {
	cffiCallbackInvoke(cif, ret, args, (uintptr_t)user);
}

static void *cffi_closure(ffi_cif *cif, uintptr_t user, void **code) {
	ffi_closure *c = ffi_closure_alloc(sizeof(ffi_closure), code);
	if (c == NULL) {
		return NULL;
	}
	if (ffi_prep_closure_loc(c, cif, cffi_thunk, (void *)user, *code) != FFI_OK) {
		ffi_closure_free(c);
		return NULL;
	}
	return c;
}

static void cffi_closure_free(void *c) {
	ffi_closure_free(c);
}

static void *cffi_dlopen(const char *path) {
	return dlopen(path, RTLD_NOW | RTLD_LOCAL);
}

static void *cffi_dlsym(void *h, const char *name) {
	dlerror();
	return dlsym(h, name);
}
*/
import "C"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"runtime/cgo"
	"strings"
	"sync"
	"unsafe"

	"github.com/ollama/cffi/backend"
	"github.com/ollama/cffi/ctypes"
	"github.com/ollama/cffi/logutil"
)

func init() {
	backend.Register("libffi", func(opts backend.Options) (backend.Backend, error) {
		return New(opts), nil
	})
}

var (
	ptrSize    = C.size_t(unsafe.Sizeof(uintptr(0)))
	ffiArgSize = int(C.sizeof_ffi_arg)
)

var errNotByValue = errors.New("type cannot be passed by value")

type kind int

const (
	kindVoid kind = iota
	kindPrimitive
	kindPointer
	kindArray
	kindStruct
	kindFunction
)

// Type is a libffi type handle. ffi is nil for types libffi cannot pass by
// value: incomplete structs and structs with bitfields. A function handle
// also stands for pointers to the function, so it passes as a pointer.
type Type struct {
	kind kind
	name string
	ffi  *C.ffi_type
	size int

	integral bool
	signed   bool

	elem   *Type
	length int

	fields   []backend.Field
	complete bool

	args    []*Type
	result  *Type
	varargs bool
	cif     *C.ffi_cif
}

func (t *Type) String() string {
	switch t.kind {
	case kindPointer:
		return t.elem.String() + " *"
	case kindArray:
		return fmt.Sprintf("%s[%d]", t.elem.elem, t.length)
	case kindFunction:
		args := make([]string, len(t.args))
		for i, a := range t.args {
			args[i] = a.String()
		}
		if t.varargs {
			args = append(args, "...")
		}
		return fmt.Sprintf("%s(%s)", t.result, strings.Join(args, ", "))
	default:
		return t.name
	}
}

// Backend calls native code through libffi.
type Backend struct {
	target *ctypes.Target
	paths  []string

	mu        sync.Mutex
	allocs    []unsafe.Pointer
	libraries []*Library
	callbacks map[*Callback]struct{}
}

var _ backend.Backend = (*Backend)(nil)

func New(opts backend.Options) *Backend {
	return &Backend{
		target:    ctypes.HostTarget(),
		paths:     opts.LibraryPath,
		callbacks: make(map[*Callback]struct{}),
	}
}

// Target is the ABI of the running process.
func (b *Backend) Target() *ctypes.Target { return b.target }

func handle(t backend.Type) (*Type, error) {
	if t, ok := t.(*Type); ok {
		return t, nil
	}
	return nil, fmt.Errorf("libffi: foreign type handle %T", t)
}

// calloc returns zeroed C memory owned by the backend until Close.
func (b *Backend) calloc(n, size C.size_t) unsafe.Pointer {
	p := C.calloc(n, size)
	b.mu.Lock()
	b.allocs = append(b.allocs, p)
	b.mu.Unlock()
	return p
}

func intType(size int, signed bool) *C.ffi_type {
	switch {
	case size == 1 && signed:
		return &C.ffi_type_sint8
	case size == 1:
		return &C.ffi_type_uint8
	case size == 2 && signed:
		return &C.ffi_type_sint16
	case size == 2:
		return &C.ffi_type_uint16
	case size == 4 && signed:
		return &C.ffi_type_sint32
	case size == 4:
		return &C.ffi_type_uint32
	case signed:
		return &C.ffi_type_sint64
	default:
		return &C.ffi_type_uint64
	}
}

func (b *Backend) PrimitiveType(name string) (backend.Type, error) {
	if name == "void" {
		return &Type{kind: kindVoid, name: name, ffi: &C.ffi_type_void}, nil
	}

	p, ok := b.target.Primitive(name)
	if !ok {
		return nil, fmt.Errorf("libffi: unknown primitive %q", name)
	}

	t := &Type{kind: kindPrimitive, name: name, size: p.Size(), integral: p.IsInteger(), signed: p.Signed}
	switch p.Encoding {
	case ctypes.EncodingFloat32:
		t.ffi = &C.ffi_type_float
	case ctypes.EncodingFloat64:
		t.ffi = &C.ffi_type_double
	case ctypes.EncodingLongDouble:
		t.ffi = &C.ffi_type_longdouble
	case ctypes.EncodingFloat16, ctypes.EncodingBFloat16:
		// passed in integer registers, like an unsigned short
		t.ffi = &C.ffi_type_uint16
		t.integral, t.signed = true, false
	default:
		t.ffi = intType(p.Size(), p.Signed)
	}
	return t, nil
}

func (b *Backend) PointerType(item backend.Type) (backend.Type, error) {
	elem, err := handle(item)
	if err != nil {
		return nil, err
	}
	return &Type{kind: kindPointer, elem: elem, ffi: &C.ffi_type_pointer, size: b.target.PointerSize}, nil
}

func (b *Backend) ArrayType(ptr backend.Type, length int) (backend.Type, error) {
	p, err := handle(ptr)
	if err != nil {
		return nil, err
	}
	if p.kind != kindPointer {
		return nil, fmt.Errorf("libffi: array built from non-pointer %s", p)
	}

	// arrays are never passed by value; the element runs go into struct
	// ffi_types
	size := -1
	if length >= 0 && p.elem.size >= 0 {
		size = length * p.elem.size
	}
	return &Type{kind: kindArray, elem: p, length: length, size: size}, nil
}

func (b *Backend) StructType(name string) (backend.Type, error) {
	return &Type{kind: kindStruct, name: name, size: -1}, nil
}

func (b *Backend) CompleteStruct(s backend.Type, fields []backend.Field, size, align int) error {
	t, err := handle(s)
	if err != nil {
		return err
	}
	if t.kind != kindStruct || t.complete {
		return fmt.Errorf("libffi: cannot complete %s", t)
	}

	t.fields = fields
	t.size = size
	t.complete = true

	elements, ok := b.elements(t)
	if !ok {
		slog.Debug("libffi: struct is not passable by value", "type", t.name)
		return nil
	}

	ft := (*C.ffi_type)(b.calloc(1, C.sizeof_ffi_type))
	ft._type = C.FFI_TYPE_STRUCT

	list := b.calloc(C.size_t(len(elements)+1), ptrSize)
	copy(unsafe.Slice((**C.ffi_type)(list), len(elements)), elements)
	ft.elements = (**C.ffi_type)(list)

	offsets := C.calloc(C.size_t(len(elements)+1), C.sizeof_size_t)
	defer C.free(offsets)
	if status := C.cffi_struct_offsets(ft, (*C.size_t)(offsets)); status != C.FFI_OK {
		return fmt.Errorf("libffi: layout of %s failed with status %d", t.name, int(status))
	}
	if int(ft.size) != size || int(ft.alignment) != align {
		return fmt.Errorf("libffi: %s has size %d align %d, libffi computed %d and %d", t.name, size, align, ft.size, ft.alignment)
	}

	t.ffi = ft
	return nil
}

// elements lists the ffi_types a struct is passed as. Arrays expand to runs
// of their element type; unions become a run of their most aligned member.
func (b *Backend) elements(t *Type) ([]*C.ffi_type, bool) {
	isUnion := strings.HasPrefix(t.name, "union ")

	var out []*C.ffi_type
	var widest *Type
	for _, f := range t.fields {
		if f.BitSize >= 0 {
			return nil, false
		}

		ft := f.Type.(*Type)
		run, ok := b.run(ft)
		if !ok {
			return nil, false
		}

		if isUnion {
			if widest == nil || alignment(ft) > alignment(widest) {
				widest = ft
			}
			continue
		}
		out = append(out, run...)
	}

	if isUnion {
		if widest == nil || widest.size <= 0 || t.size%widest.size != 0 {
			return nil, false
		}
		run, _ := b.run(widest)
		for n := 0; n < t.size/widest.size; n++ {
			out = append(out, run...)
		}
	}
	return out, len(out) > 0
}

func (b *Backend) run(t *Type) ([]*C.ffi_type, bool) {
	if t.kind != kindArray {
		return []*C.ffi_type{t.ffi}, t.ffi != nil
	}

	elem := t.elem.elem
	if t.length < 0 {
		// flexible array member
		return nil, true
	}

	inner, ok := b.run(elem)
	if !ok {
		return nil, false
	}

	var out []*C.ffi_type
	for i := 0; i < t.length; i++ {
		out = append(out, inner...)
	}
	return out, true
}

func alignment(t *Type) int {
	if t.kind == kindArray {
		return alignment(t.elem.elem)
	}
	if t.ffi == nil {
		return 0
	}
	if t.ffi.alignment == 0 {
		// primitives are filled in statically; structs after layout
		return t.size
	}
	return int(t.ffi.alignment)
}

func (b *Backend) FunctionType(args []backend.Type, result backend.Type, varargs bool) (backend.Type, error) {
	t := &Type{kind: kindFunction, varargs: varargs, ffi: &C.ffi_type_pointer, size: b.target.PointerSize}
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

// prepare builds a cif for calling fn with the given argument types. The
// caller frees the cif and its type vector with release.
func prepare(fn *Type, args []*Type) (*C.ffi_cif, func(), error) {
	if fn.result.ffi == nil {
		return nil, nil, fmt.Errorf("libffi: result %s: %w", fn.result, errNotByValue)
	}

	for i, a := range args {
		if a.ffi == nil {
			return nil, nil, fmt.Errorf("libffi: argument %d %s: %w", i+1, a, errNotByValue)
		}
	}

	atypes := (**C.ffi_type)(C.calloc(C.size_t(max(len(args), 1)), ptrSize))
	copy(unsafe.Slice(atypes, len(args)), ffiTypes(args))

	cif := C.cffi_alloc_cif()
	release := func() {
		C.free(unsafe.Pointer(cif))
		C.free(unsafe.Pointer(atypes))
	}

	var status C.int
	if fn.varargs {
		status = C.cffi_prep_cif_var(cif, C.uint(len(fn.args)), C.uint(len(args)), fn.result.ffi, atypes)
	} else {
		status = C.cffi_prep_cif(cif, C.uint(len(args)), fn.result.ffi, atypes)
	}
	if status != C.FFI_OK {
		release()
		return nil, nil, fmt.Errorf("libffi: preparing %s failed with status %d", fn, int(status))
	}
	return cif, release, nil
}

func ffiTypes(types []*Type) []*C.ffi_type {
	out := make([]*C.ffi_type, len(types))
	for i, t := range types {
		out[i] = t.ffi
	}
	return out
}

func (b *Backend) Alloc(size int) (uintptr, error) {
	p := C.calloc(1, C.size_t(max(size, 1)))
	if p == nil {
		return 0, fmt.Errorf("libffi: out of memory allocating %d bytes", size)
	}
	return uintptr(p), nil
}

// Addresses handed out by the backend are C heap or native library memory,
// which the Go collector never moves, so they round trip through uintptr.
func cptr(addr uintptr) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&addr))
}

func (b *Backend) Free(addr uintptr) error {
	C.free(cptr(addr))
	return nil
}

func bytesAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(cptr(addr)), n)
}

func (b *Backend) Read(addr uintptr, dst []byte) error {
	if addr == 0 {
		return errors.New("libffi: read from NULL")
	}
	copy(dst, bytesAt(addr, len(dst)))
	return nil
}

func (b *Backend) Write(addr uintptr, src []byte) error {
	if addr == 0 {
		return errors.New("libffi: write to NULL")
	}
	copy(bytesAt(addr, len(src)), src)
	return nil
}

func (b *Backend) LoadLibrary(name string) (backend.Library, error) {
	var errs []string
	for _, path := range candidates(name, b.paths) {
		var h unsafe.Pointer
		if path == "" {
			h = C.cffi_dlopen(nil)
		} else {
			cpath := C.CString(path)
			h = C.cffi_dlopen(cpath)
			C.free(unsafe.Pointer(cpath))
		}

		if h != nil {
			slog.Debug("libffi: opened library", "name", name, "path", path)
			lib := &Library{name: name, handle: h}

			b.mu.Lock()
			b.libraries = append(b.libraries, lib)
			b.mu.Unlock()
			return lib, nil
		}

		if e := C.dlerror(); e != nil {
			errs = append(errs, C.GoString(e))
		}
	}

	return nil, fmt.Errorf("libffi: %q: %w: %s", name, backend.ErrLibraryNotFound, strings.Join(errs, "; "))
}

func (b *Backend) FunctionAt(fn backend.Type, addr uintptr) (backend.Function, error) {
	t, err := handle(fn)
	if err != nil {
		return nil, err
	}
	return newFunction(fmt.Sprintf("%#x", addr), t, addr)
}

func (b *Backend) NewCallback(fn backend.Type, h backend.Handler) (backend.Callback, error) {
	t, err := handle(fn)
	if err != nil {
		return nil, err
	}
	if t.kind != kindFunction || t.varargs {
		return nil, fmt.Errorf("libffi: callback of type %s: %w", t, backend.ErrUnsupported)
	}

	cif, release, err := prepare(t, t.args)
	if err != nil {
		return nil, err
	}

	cb := &Callback{backend: b, release: release}
	cb.handle = cgo.NewHandle(&callbackContext{fn: t, handler: h})

	var code unsafe.Pointer
	cb.closure = C.cffi_closure(cif, C.uintptr_t(cb.handle), &code)
	if cb.closure == nil {
		cb.handle.Delete()
		release()
		return nil, errors.New("libffi: cannot allocate closure")
	}
	cb.code = uintptr(code)

	b.mu.Lock()
	b.callbacks[cb] = struct{}{}
	b.mu.Unlock()
	return cb, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	callbacks := b.callbacks
	libraries := b.libraries
	allocs := b.allocs
	b.callbacks = make(map[*Callback]struct{})
	b.libraries, b.allocs = nil, nil
	b.mu.Unlock()

	for cb := range callbacks {
		cb.free()
	}

	var errs []error
	for _, lib := range libraries {
		if err := lib.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	for _, p := range allocs {
		C.free(p)
	}
	return errors.Join(errs...)
}

type Library struct {
	name   string
	handle unsafe.Pointer
	once   sync.Once
}

func (l *Library) Name() string { return l.name }

func (l *Library) Lookup(name string, t backend.Type) (backend.Symbol, error) {
	typ, err := handle(t)
	if err != nil {
		return nil, err
	}

	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	addr := C.cffi_dlsym(l.handle, cname)
	if addr == nil {
		return nil, fmt.Errorf("libffi: %s in %q: %w", name, l.name, backend.ErrSymbolNotFound)
	}

	if typ.kind == kindFunction {
		f, err := newFunction(name, typ, uintptr(addr))
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return &Variable{name: name, typ: typ, addr: uintptr(addr)}, nil
}

func (l *Library) Close() error {
	var err error
	l.once.Do(func() {
		if C.dlclose(l.handle) != 0 {
			err = fmt.Errorf("libffi: closing %q: %s", l.name, C.GoString(C.dlerror()))
		}
	})
	return err
}

type Variable struct {
	name string
	typ  *Type
	addr uintptr
}

func (v *Variable) Name() string       { return v.name }
func (v *Variable) Type() backend.Type { return v.typ }
func (v *Variable) Addr() uintptr      { return v.addr }

type Function struct {
	name string
	typ  *Type
	addr uintptr

	// cif of fixed arity functions, prepared once and kept for the life of
	// the process
	cif *C.ffi_cif
}

func newFunction(name string, t *Type, addr uintptr) (*Function, error) {
	if t.kind != kindFunction {
		return nil, fmt.Errorf("libffi: %s is not a function type", t)
	}

	f := &Function{name: name, typ: t, addr: addr}
	if !t.varargs {
		if t.cif == nil {
			cif, _, err := prepare(t, t.args)
			if err != nil {
				return nil, err
			}
			t.cif = cif
		}
		f.cif = t.cif
	}
	return f, nil
}

func (f *Function) Name() string       { return f.name }
func (f *Function) Type() backend.Type { return f.typ }
func (f *Function) Addr() uintptr      { return f.addr }

func (f *Function) Call(args [][]byte, varargs []backend.Type, ret []byte) error {
	t := f.typ
	if len(args) != len(t.args)+len(varargs) {
		return fmt.Errorf("libffi: %s takes %d arguments, got %d", f.name, len(t.args), len(args))
	}

	cif := f.cif
	if t.varargs {
		types := append([]*Type(nil), t.args...)
		for _, v := range varargs {
			vt, err := handle(v)
			if err != nil {
				return err
			}
			types = append(types, vt)
		}

		var release func()
		var err error
		cif, release, err = prepare(t, types)
		if err != nil {
			return err
		}
		defer release()
	} else if len(varargs) > 0 {
		return fmt.Errorf("libffi: %s is not variadic", f.name)
	}

	// argument storage must be C memory: libffi keeps no Go pointers
	argv := (*unsafe.Pointer)(C.calloc(C.size_t(max(len(args), 1)), ptrSize))
	defer C.free(unsafe.Pointer(argv))

	slots := unsafe.Slice(argv, len(args))
	for i, a := range args {
		p := C.calloc(1, C.size_t(max(len(a), 8)))
		defer C.free(p)
		copy(unsafe.Slice((*byte)(p), len(a)), a)
		slots[i] = p
	}

	rvalue := C.calloc(1, C.size_t(max(len(ret), ffiArgSize, 16)))
	defer C.free(rvalue)

	logutil.Trace("libffi: call", "function", f.name, logutil.Addr("addr", f.addr), "args", len(args))
	C.cffi_call(cif, C.uintptr_t(f.addr), rvalue, argv)

	if t.result.kind == kindVoid {
		return nil
	}

	if widened(t.result) {
		putNarrow(ret, uint64(*(*C.ffi_arg)(rvalue)))
	} else {
		copy(ret, unsafe.Slice((*byte)(rvalue), len(ret)))
	}
	return nil
}

// widened reports whether libffi passes t through a full ffi_arg slot, as
// it does for integral returns narrower than a register.
func widened(t *Type) bool {
	return t.kind == kindPrimitive && t.integral && t.size < ffiArgSize
}

func putNarrow(dst []byte, v uint64) {
	switch len(dst) {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.NativeEndian.PutUint16(dst, uint16(v))
	case 4:
		binary.NativeEndian.PutUint32(dst, uint32(v))
	}
}

func getWide(src []byte, signed bool) uint64 {
	switch len(src) {
	case 1:
		if signed {
			return uint64(int8(src[0]))
		}
		return uint64(src[0])
	case 2:
		v := binary.NativeEndian.Uint16(src)
		if signed {
			return uint64(int16(v))
		}
		return uint64(v)
	case 4:
		v := binary.NativeEndian.Uint32(src)
		if signed {
			return uint64(int32(v))
		}
		return uint64(v)
	}
	return 0
}

type Callback struct {
	backend *Backend
	closure unsafe.Pointer
	code    uintptr
	handle  cgo.Handle
	release func()
	once    sync.Once
}

func (c *Callback) Addr() uintptr { return c.code }

func (c *Callback) Free() error {
	c.backend.mu.Lock()
	delete(c.backend.callbacks, c)
	c.backend.mu.Unlock()

	c.free()
	return nil
}

func (c *Callback) free() {
	c.once.Do(func() {
		C.cffi_closure_free(c.closure)
		c.handle.Delete()
		c.release()
	})
}
