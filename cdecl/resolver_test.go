package cdecl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/cffi/cparser"
	"github.com/ollama/cffi/ctypes"
)

func newResolver(t *testing.T, src string) *Resolver {
	t.Helper()
	r := NewResolver(ctypes.NewTarget("linux", "amd64"))
	require.NoError(t, r.Cdef(src))
	return r
}

func symbolType(t *testing.T, r *Resolver, name string) *ctypes.Function {
	t.Helper()
	sym, ok := r.Tables().Symbol(name)
	require.True(t, ok, name)
	fn, ok := sym.Type.(*ctypes.Function)
	require.True(t, ok, name)
	return fn
}

func TestPipeDecay(t *testing.T) {
	r := newResolver(t, "int pipe(int pipefd[2]);")

	fn := symbolType(t, r, "pipe")
	require.Len(t, fn.Args, 1)
	assert.Equal(t, "int *", fn.Args[0].String())
	assert.Same(t, r.Target().MustPrimitive("int"), fn.Result)
	assert.False(t, fn.Varargs)
}

func TestDecayedSignaturesAreIdentical(t *testing.T) {
	r := newResolver(t, `
		typedef int (*fn_a)(int x[5]);
		typedef int (*fn_b)(int *x);
		typedef int array_t[5];
		typedef int (*fn_c)(array_t);
	`)

	a, _ := r.Tables().Typedef("fn_a")
	b, _ := r.Tables().Typedef("fn_b")
	c, _ := r.Tables().Typedef("fn_c")
	assert.Same(t, a, b)
	assert.Same(t, a, c)
	assert.Equal(t, "int(*)(int *)", a.String())
}

func TestTypedefChain(t *testing.T) {
	r := newResolver(t, `
		typedef unsigned int UInt;
		typedef UInt UIntReally;
		typedef UIntReally UIntReallyReally;
		UInt foo(void);
	`)

	uint := r.Target().MustPrimitive("unsigned int")
	for _, name := range []string{"UInt", "UIntReally", "UIntReallyReally"} {
		typ, ok := r.Tables().Typedef(name)
		require.True(t, ok)
		assert.Same(t, uint, typ, name)
	}

	fn := symbolType(t, r, "foo")
	assert.Same(t, uint, fn.Result)
	assert.Empty(t, fn.Args)
}

func TestVarargs(t *testing.T) {
	r := newResolver(t, "short foo(int, ...);")

	fn := symbolType(t, r, "foo")
	require.Len(t, fn.Args, 1)
	assert.Same(t, r.Target().MustPrimitive("int"), fn.Args[0])
	assert.Same(t, r.Target().MustPrimitive("short"), fn.Result)
	assert.True(t, fn.Varargs)
}

func TestCommentsBetweenTokens(t *testing.T) {
	r := newResolver(t, `
        double /*comment here*/ sin   // blah blah
        /* multi-
           line-
           //comment */  (
        // foo
        double // bar      /* <- ignored, because it's in a comment itself
        x, double/*several*//*comment*/y) /*on the same line*/
        ;
	`)

	fn := symbolType(t, r, "sin")
	assert.Equal(t, "double(double, double)", fn.String())
}

func TestStructFieldOrder(t *testing.T) {
	r := newResolver(t, `
		typedef struct { int a, b; } foo_t, *foo_p;
		int foo(foo_p[]);
	`)

	typ, ok := r.Tables().Typedef("foo_t")
	require.True(t, ok)
	s := typ.(*ctypes.Struct)

	var names []string
	for _, f := range s.Fields() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Equal(t, 8, s.Size())

	fooP, _ := r.Tables().Typedef("foo_p")
	assert.Equal(t, "struct $foo_t *", fooP.String())

	fn := symbolType(t, r, "foo")
	assert.Equal(t, "struct $foo_t **", fn.Args[0].String())
}

func TestForwardReferences(t *testing.T) {
	r := NewResolver(ctypes.NewTarget("linux", "amd64"))
	require.NoError(t, r.Cdef("struct node; struct node *head(void);"))

	tag, ok := r.Tables().Tag("struct node")
	require.True(t, ok)
	assert.False(t, tag.(*ctypes.Struct).IsComplete())

	err := r.Cdef("struct list { struct node first; };")
	var terr *TypeError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ctypes.ErrIncomplete)
	assert.Equal(t, "struct list", terr.Name)

	err = r.Cdef("struct node nodes[4];")
	assert.ErrorIs(t, err, ctypes.ErrIncomplete)

	require.NoError(t, r.Cdef("struct node { struct node *next; int value; };"))
	assert.True(t, tag.(*ctypes.Struct).IsComplete())
	assert.Equal(t, 16, tag.Size())

	// the pointer type resolved before completion is the same descriptor
	fn := symbolType(t, r, "head")
	ptr, err := r.ParseType("struct node *", false)
	require.NoError(t, err)
	assert.Same(t, ptr, fn.Result)
}

func TestRedefinitions(t *testing.T) {
	r := newResolver(t, `
		typedef int myint;
		struct point { int x, y; };
		enum color { RED, GREEN };
		int abs(int);
		#define LIMIT 10
	`)

	// identical redefinitions are accepted
	require.NoError(t, r.Cdef(`
		typedef int myint;
		struct point { int x, y; };
		enum color { RED, GREEN };
		int abs(int);
		#define LIMIT 10
	`))

	cases := []string{
		"typedef long myint;",
		"struct point { int x; };",
		"union point { int x; };",
		"enum color { RED = 1, GREEN };",
		"long abs(long);",
		"#define LIMIT 11",
	}

	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			err := r.Cdef(src)
			var terr *TypeError
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, 1, terr.Line)
		})
	}

	assert.ErrorIs(t, r.Cdef("typedef long myint;"), ErrRedefinition)
}

func TestFailedBatchLeavesNoTrace(t *testing.T) {
	r := newResolver(t, "struct pending;")

	err := r.Cdef(`
		typedef int fresh_t;
		struct pending { int a; };
		int uses(fresh_t);
		#define SIZE 4
		struct broken { struct missing m; };
	`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 6")

	_, ok := r.Tables().Typedef("fresh_t")
	assert.False(t, ok)
	_, ok = r.Tables().Symbol("uses")
	assert.False(t, ok)
	_, ok = r.Tables().Constant("SIZE")
	assert.False(t, ok)
	_, ok = r.Tables().Tag("struct broken")
	assert.False(t, ok)

	tag, _ := r.Tables().Tag("struct pending")
	assert.False(t, tag.(*ctypes.Struct).IsComplete())
}

func TestEnums(t *testing.T) {
	r := newResolver(t, `
		enum flags { A = 1, B = A << 1, C, D = -1 };
		enum big { HUGE = 0x80000000 };
		int masks[C + 1];
	`)

	c, ok := r.Tables().Constant("C")
	require.True(t, ok)
	assert.Equal(t, int64(3), c)

	d, _ := r.Tables().Constant("D")
	assert.Equal(t, int64(-1), d)

	flags, _ := r.Tables().Tag("enum flags")
	assert.Equal(t, "int", flags.(*ctypes.Enum).Base().Name)

	big, _ := r.Tables().Tag("enum big")
	assert.Equal(t, "unsigned int", big.(*ctypes.Enum).Base().Name)

	sym, _ := r.Tables().Symbol("masks")
	assert.True(t, sym.Variable)
	assert.Equal(t, "int[4]", sym.Type.String())

	v, err := r.Constant("B | C")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestInvalidTypes(t *testing.T) {
	cases := map[string]string{
		"typedef int (fns[3])(void);":   "array of functions",
		"typedef int (f(void))[3];":     "function returns",
		"void nothing;":                 "void",
		"int f(void x);":                "parameter has type void",
		"UnknownT g(void);":             "unknown type name",
		"int arr[MISSING];":             "unknown constant",
		"int arr[1 / 0];":               "division by zero",
		"struct s { int f(void); };":    "function type",
		"struct q; union q { int a; };": "tag already declared",
	}

	for src, msg := range cases {
		t.Run(src, func(t *testing.T) {
			r := NewResolver(ctypes.NewTarget("linux", "amd64"))
			err := r.Cdef(src)
			var terr *TypeError
			require.ErrorAs(t, err, &terr)
			assert.Contains(t, err.Error(), msg)
		})
	}
}

func TestArrayLimits(t *testing.T) {
	r := NewResolver(ctypes.NewTarget("linux", "amd64"))
	require.NoError(t, r.Cdef("int ok[1 << 4];"))
	sym, ok := r.Tables().Symbol("ok")
	require.True(t, ok)
	assert.Equal(t, 16, sym.Type.(*ctypes.Array).Len)

	cases := map[string]error{
		"int big[4611686018427387904];":                           ctypes.ErrTooLarge,
		"long wide[(1 << 60) / 8 + 1];":                           ctypes.ErrTooLarge,
		"struct two { char a[1152921504606846975]; char b[2]; };": ctypes.ErrTooLarge,
		"int x[1 << 70];":                                         errShiftCount,
		"int y[1 >> -1];":                                         errShiftCount,
	}

	for src, want := range cases {
		t.Run(src, func(t *testing.T) {
			r := NewResolver(ctypes.NewTarget("linux", "amd64"))
			err := r.Cdef(src)
			var terr *TypeError
			require.ErrorAs(t, err, &terr)
			assert.ErrorIs(t, err, want)
		})
	}
}

func TestParseTypeForcePointer(t *testing.T) {
	r := newResolver(t, "typedef int array_t[5];")

	arr, err := r.ParseType("array_t", false)
	require.NoError(t, err)
	assert.Equal(t, "int[5]", arr.String())

	ptr, err := r.ParseType("array_t", true)
	require.NoError(t, err)
	assert.Equal(t, "int *", ptr.String())

	same, err := r.ParseType("int *", false)
	require.NoError(t, err)
	assert.Same(t, same, ptr)

	// force_pointer leaves non-arrays alone
	i, err := r.ParseType("int", true)
	require.NoError(t, err)
	assert.Equal(t, "int", i.String())
}

func TestSymbolsInDeclarationOrder(t *testing.T) {
	r := newResolver(t, "int zeta(void); extern int alpha; double mid(double);")

	var names []string
	for _, s := range r.Tables().Symbols() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
}

func TestCdefReaderAcrossCalls(t *testing.T) {
	r := NewResolver(ctypes.NewTarget("linux", "amd64"))
	require.NoError(t, r.CdefReader(strings.NewReader("typedef struct { int x; } *handle_t;")))
	require.NoError(t, r.CdefReader(strings.NewReader("typedef struct { int y; } *other_t;")))

	a, _ := r.Tables().Typedef("handle_t")
	b, _ := r.Tables().Typedef("other_t")
	assert.NotEqual(t, a.String(), b.String())

	f, err := cparser.Parse("int use(handle_t);")
	require.NoError(t, err)
	require.NoError(t, r.Declare(f))
}
