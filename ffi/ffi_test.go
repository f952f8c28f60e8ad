package ffi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/cffi/backend"
	"github.com/ollama/cffi/backend/fake"
	"github.com/ollama/cffi/ctypes"
)

var amd64 = ctypes.NewTarget("linux", "amd64")

func fakeSession(t *testing.T, opts ...fake.Option) (*Session, *fake.Backend) {
	t.Helper()
	b := fake.New(append([]fake.Option{fake.WithTarget(amd64)}, opts...)...)
	s, err := NewWithBackend(b)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, b
}

func lookupFunction(t *testing.T, s *Session, lib, name string) *Function {
	t.Helper()
	l, err := s.Load(lib)
	require.NoError(t, err)
	fn, err := l.Function(name)
	require.NoError(t, err)
	return fn
}

func btype(t *testing.T, s *Session, text string) string {
	t.Helper()
	h, err := s.BType(text)
	require.NoError(t, err)
	return h.String()
}

func TestSimple(t *testing.T) {
	s, _ := fakeSession(t)
	require.NoError(t, s.Cdef("double sin(double x);"))

	fn := lookupFunction(t, s, "m", "sin")
	assert.Equal(t, "sin", fn.Name())
	assert.Equal(t, "<func (<double>), <double>, false>", fn.BType().String())
}

func TestPipe(t *testing.T) {
	s, _ := fakeSession(t)
	require.NoError(t, s.Cdef("int pipe(int pipefd[2]);"))

	fn := lookupFunction(t, s, "", "pipe")
	assert.Equal(t, "pipe", fn.Name())
	assert.Equal(t, "<func (<pointer to <int>>), <int>, false>", fn.BType().String())

	require.Len(t, fn.Type().Args, 1)
	assert.Equal(t, "int *", fn.Type().Args[0].String())
	assert.False(t, fn.Type().Varargs)
}

func TestVararg(t *testing.T) {
	s, _ := fakeSession(t)
	require.NoError(t, s.Cdef("short foo(int, ...);"))

	fn := lookupFunction(t, s, "", "foo")
	assert.Equal(t, "<func (<int>), <short>, true>", fn.BType().String())
}

func TestNoArgs(t *testing.T) {
	s, _ := fakeSession(t)
	require.NoError(t, s.Cdef("int foo(void);"))

	fn := lookupFunction(t, s, "", "foo")
	assert.Equal(t, "<func (), <int>, false>", fn.BType().String())
}

func TestTypedef(t *testing.T) {
	s, _ := fakeSession(t)
	require.NoError(t, s.Cdef(`
		typedef unsigned int UInt;
		typedef UInt UIntReally;
		UInt foo(void);
	`))

	assert.Equal(t, "<unsigned int>", btype(t, s, "UIntReally"))

	fn := lookupFunction(t, s, "", "foo")
	assert.Equal(t, "<func (), <unsigned int>, false>", fn.BType().String())

	u, err := s.TypeOf("UIntReally")
	require.NoError(t, err)
	assert.Same(t, amd64.MustPrimitive("unsigned int"), u)
	assert.Same(t, u, fn.Type().Result)
}

func TestTypedefMoreComplex(t *testing.T) {
	s, _ := fakeSession(t)
	require.NoError(t, s.Cdef(`
		typedef struct { int a, b; } foo_t, *foo_p;
		int foo(foo_p[]);
	`))

	assert.Equal(t, "<int>a, <int>b", btype(t, s, "foo_t"))
	assert.Equal(t, "<pointer to <int>a, <int>b>", btype(t, s, "foo_p"))

	fn := lookupFunction(t, s, "", "foo")
	assert.Equal(t, "<func (<pointer to <pointer to <int>a, <int>b>>), <int>, false>", fn.BType().String())
}

func TestTypedefArrayForcePointer(t *testing.T) {
	s, _ := fakeSession(t)
	require.NoError(t, s.Cdef("typedef int array_t[5];"))

	typ, err := s.ParseType("array_t", false)
	require.NoError(t, err)
	h, err := s.Realize(typ)
	require.NoError(t, err)
	assert.Equal(t, "<array <pointer to <int>> x 5>", h.String())

	typ, err = s.ParseType("array_t", true)
	require.NoError(t, err)
	h, err = s.Realize(typ)
	require.NoError(t, err)
	assert.Equal(t, "<pointer to <int>>", h.String())
}

func TestTypedefArrayConvertArrayToPointer(t *testing.T) {
	s, _ := fakeSession(t)
	require.NoError(t, s.Cdef("typedef int (*fn_t)(int[5]);"))

	assert.Equal(t, "<func (<pointer to <int>>), <int>, false>", btype(t, s, "fn_t"))
}

func TestRemoveComments(t *testing.T) {
	s, _ := fakeSession(t)
	require.NoError(t, s.Cdef(`
		double /*comment here*/ sin   // blah blah
		/* multi-
		   line-
		   //comment */  (
		// foo
		double // bar      /* <- ignored, because it's in a comment itself
		x, double/*several*//*comment*/y) /*on the same line*/
		;
	`))

	fn := lookupFunction(t, s, "m", "sin")
	assert.Equal(t, "sin", fn.Name())
	assert.Equal(t, "<func (<double>, <double>), <double>, false>", fn.BType().String())
}

func TestHandlesAreShared(t *testing.T) {
	s, _ := fakeSession(t)

	a, err := s.BType("int *")
	require.NoError(t, err)
	b, err := s.BType("int*")
	require.NoError(t, err)
	assert.Same(t, a, b)

	f1, err := s.BType("int (*)(int x[5])")
	require.NoError(t, err)
	f2, err := s.BType("int (*)(int *x)")
	require.NoError(t, err)
	assert.Same(t, f1, f2)
}

func TestForwardDeclaredStruct(t *testing.T) {
	s, _ := fakeSession(t)
	require.NoError(t, s.Cdef("struct node; struct node *head(void);"))

	p, err := s.BType("struct node *")
	require.NoError(t, err)
	assert.Equal(t, "<pointer to struct node>", p.String())

	_, err = s.Sizeof("struct node")
	var terr *TypeError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ctypes.ErrIncomplete)

	require.NoError(t, s.Cdef("struct node { struct node *next; int value; };"))
	n, err := s.BType("struct node")
	require.NoError(t, err)
	assert.Equal(t, "<pointer to struct node>next, <int>value", n.String())

	// the pointer handle made before completion sees the fields
	assert.Equal(t, "<pointer to <pointer to struct node>next, <int>value>", p.String())

	fields := n.(*fake.Type).Fields()
	require.Len(t, fields, 2)
	assert.Equal(t, 64, fields[1].BitOffset)
}

func TestLayoutQueries(t *testing.T) {
	s, _ := fakeSession(t)
	require.NoError(t, s.Cdef(`
		struct inner { char c; double d; };
		struct outer { short s; struct inner in; unsigned flags : 3; };
	`))

	size, err := s.Sizeof("struct outer")
	require.NoError(t, err)
	assert.Equal(t, 32, size)

	align, err := s.Alignof("struct outer")
	require.NoError(t, err)
	assert.Equal(t, 8, align)

	off, err := s.Offsetof("struct outer", "in.d")
	require.NoError(t, err)
	assert.Equal(t, 16, off)

	_, err = s.Offsetof("struct outer", "flags")
	assert.Error(t, err)

	_, err = s.Offsetof("struct outer", "missing")
	assert.Error(t, err)

	_, err = s.Sizeof("void")
	assert.ErrorIs(t, err, ctypes.ErrIncomplete)
}

func TestConstantsAndDeclarations(t *testing.T) {
	s, _ := fakeSession(t)
	require.NoError(t, s.Cdef(`
		#define FLAG_A 1
		enum color { RED, GREEN = 4, BLUE };
		int b(void);
		extern int counter;
		int a(int);
	`))

	v, err := s.Constant("FLAG_A | BLUE")
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	var names []string
	for _, d := range s.Declarations() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"b", "counter", "a"}, names)

	assert.Equal(t, "<int>", btype(t, s, "enum color"))
}

func TestErrors(t *testing.T) {
	s, _ := fakeSession(t, fake.Strict())

	var serr *SyntaxError
	require.ErrorAs(t, s.Cdef("int foo(;"), &serr)

	require.NoError(t, s.Cdef("typedef int myint;"))
	var terr *TypeError
	require.ErrorAs(t, s.Cdef("typedef long myint; int ok(void);"), &terr)
	assert.Equal(t, "myint", terr.Name)
	assert.Empty(t, s.Declarations())

	_, err := s.TypeOf("no_such_t")
	assert.Error(t, err)

	_, err = s.Load("c")
	assert.ErrorIs(t, err, backend.ErrLibraryNotFound)

	b := s.Backend().(*fake.Backend)
	b.DefineVariable("c", "unused", 4)
	require.NoError(t, s.Cdef("int getpid(void);"))
	lib, err := s.Load("c")
	require.NoError(t, err)

	var lerr *LookupError
	_, err = lib.Lookup("undeclared")
	require.ErrorAs(t, err, &lerr)
	assert.ErrorIs(t, err, ErrNotDeclared)
	assert.Equal(t, "undeclared", lerr.Name)

	_, err = lib.Lookup("getpid")
	require.ErrorAs(t, err, &lerr)
	assert.ErrorIs(t, err, backend.ErrSymbolNotFound)
	assert.True(t, strings.Contains(err.Error(), "getpid"))
}

func TestWithBackendOption(t *testing.T) {
	s, err := New(WithBackend("fake"), WithTypeCacheSize(4))
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &fake.Backend{}, s.Backend())
	assert.NotEmpty(t, s.ID())

	_, err = New(WithBackend("no-such-backend"))
	assert.Error(t, err)

	_, err = New(WithBackend("fake"), WithTypeCacheSize(0))
	assert.Error(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
