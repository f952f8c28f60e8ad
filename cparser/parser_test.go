package cparser

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripComments(t *testing.T) {
	src := "double /*comment here*/ sin   // blah blah\n" +
		"/* multi-\n   line-\n   //comment */  (\n" +
		"// foo\n" +
		"double // bar      /* <- ignored, because it's in a comment itself\n" +
		"x, double/*several*//*comment*/y) /*on the same line*/\n;"

	out, err := StripComments(src)
	require.NoError(t, err)

	assert.Len(t, out, len(src))
	assert.Equal(t, strings.Count(src, "\n"), strings.Count(out, "\n"))
	assert.Equal(t, "double sin ( double x, double y) ;", strings.Join(strings.Fields(out), " "))

	_, err = StripComments("int a; /* never closed")
	var serr *SyntaxError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 1, serr.Line)
	assert.Equal(t, 8, serr.Col)
	assert.Contains(t, serr.Error(), "unterminated comment")
}

func TestParseFunctions(t *testing.T) {
	cases := []struct {
		src  string
		name string
		want string
	}{
		{"double sin(double x);", "sin", "double(double)"},
		{"int pipe(int pipefd[2]);", "pipe", "int(int[2])"},
		{"short foo(int, ...);", "foo", "short(int, ...)"},
		{"int foo(void);", "foo", "int(void)"},
		{"int foo();", "foo", "int(void)"},
		{"extern const char *strerror(int errnum);", "strerror", "char *(int)"},
		{"int (*signal(int sig, void (*handler)(int)))(int);", "signal", "int(*(int, void(*)(int)))(int)"},
		{"unsigned long long int strtoull(const char *restrict s, char ** __restrict end, int base);", "strtoull", "unsigned long long(char *, char **, int)"},
		{"void qsort(void *base, size_t n, size_t size, int (*cmp)(const void *, const void *));", "qsort", "void(void *, size_t, size_t, int(*)(void *, void *))"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse(tt.src)
			require.NoError(t, err)
			require.Len(t, f.Decls, 1)

			d := f.Decls[0]
			assert.Equal(t, DeclFunction, d.Kind)
			assert.Equal(t, tt.name, d.Name)
			assert.Equal(t, tt.want, d.Type.String())
		})
	}
}

func TestParseCommaDeclarators(t *testing.T) {
	f, err := Parse("extern int a, *b, c[4];")
	require.NoError(t, err)
	require.Len(t, f.Decls, 3)

	var got []string
	for _, d := range f.Decls {
		assert.Equal(t, DeclVariable, d.Kind)
		got = append(got, Spell(d.Type, d.Name))
	}
	assert.Equal(t, []string{"int a", "int *b", "int c[4]"}, got)
}

func TestParseTypedefs(t *testing.T) {
	f, err := Parse(`
		typedef unsigned int UInt;
		typedef UInt UIntReally;
		UInt foo(void);
	`)
	require.NoError(t, err)
	require.Len(t, f.Decls, 3)

	assert.Equal(t, DeclTypedef, f.Decls[0].Kind)
	assert.Equal(t, &NamedType{Name: "unsigned int"}, f.Decls[0].Type)
	assert.Equal(t, &NamedType{Name: "UInt"}, f.Decls[1].Type)
	assert.Equal(t, "UInt(void)", f.Decls[2].Type.String())
}

func TestParseAnonymousTags(t *testing.T) {
	counter := 0
	f, err := Parse(`
		typedef struct { int a, b; } foo_t, *foo_p;
		typedef struct { int x; } *bar_p;
		struct outer { struct { char c; } inner; union { int i; float f; }; };
		enum { RED, GREEN = 5, BLUE };
	`, WithAnonymousCounter(&counter))
	require.NoError(t, err)

	var names []string
	for _, d := range f.Decls {
		names = append(names, d.Kind.String()+" "+d.Name)
	}

	assert.Equal(t, []string{
		"tag $foo_t",
		"typedef foo_t",
		"typedef foo_p",
		"tag $1",
		"typedef bar_p",
		"tag $2",
		"tag $3",
		"tag outer",
		"tag $4",
	}, names)
	assert.Equal(t, 4, counter)

	assert.Equal(t, "struct $foo_t", f.Decls[1].Type.String())
	assert.Equal(t, "struct $foo_t *", f.Decls[2].Type.String())

	outer := f.Decls[7].Tag
	require.Len(t, outer.Fields, 2)
	assert.Equal(t, "inner", outer.Fields[0].Name)
	assert.Equal(t, "struct $2", outer.Fields[0].Type.String())
	assert.Equal(t, "", outer.Fields[1].Name)

	enum := f.Decls[8].Tag
	assert.Equal(t, TagEnum, enum.Kind)
	require.Len(t, enum.Enumerators, 3)
	assert.Nil(t, enum.Enumerators[0].Value)
	assert.Equal(t, "5", enum.Enumerators[1].Value.String())

	// a second parse continues numbering
	f, err = Parse("struct { int z; } zz;", WithAnonymousCounter(&counter))
	require.NoError(t, err)
	assert.Equal(t, "$5", f.Decls[0].Name)
}

func TestParseStructs(t *testing.T) {
	f, err := Parse(`
		struct node;
		struct node { struct node *next; int value : 3, : 0, flag : 1; char name[NAME_LEN + 1]; };
	`)
	require.NoError(t, err)
	require.Len(t, f.Decls, 2)

	assert.False(t, f.Decls[0].Tag.Body)
	assert.True(t, f.Decls[1].Tag.Body)

	fields := f.Decls[1].Tag.Fields
	require.Len(t, fields, 5)
	assert.Equal(t, "struct node *", fields[0].Type.String())
	assert.Equal(t, "3", fields[1].Bits.String())
	assert.Equal(t, "", fields[2].Name)
	assert.Equal(t, "0", fields[2].Bits.String())
	assert.Equal(t, "char[(NAME_LEN + 1)]", fields[4].Type.String())

	assert.Equal(t, "struct node { struct node *next; int value : 3; int : 0; int flag : 1; char name[(NAME_LEN + 1)]; };", f.Decls[1].String())
}

func TestParseDefines(t *testing.T) {
	f, err := Parse("#define FLAG_A 0x10\n#define FLAG_B (FLAG_A << 2) | 1\nint x;\n")
	require.NoError(t, err)
	require.Len(t, f.Decls, 3)

	assert.Equal(t, DeclConstant, f.Decls[0].Kind)
	assert.Equal(t, "FLAG_A", f.Decls[0].Name)
	assert.Equal(t, uint64(16), f.Decls[0].Value.(*IntLit).Value)
	assert.Equal(t, "((FLAG_A << 2) | 1)", f.Decls[1].Value.String())
	assert.Equal(t, DeclVariable, f.Decls[2].Kind)

	for _, src := range []string{"#include <stdio.h>\n", "#define MAX(a, b) a\n", "#define S \"str\"\n", "#define EMPTY\n"} {
		_, err := Parse(src)
		var serr *SyntaxError
		assert.ErrorAs(t, err, &serr, src)
	}
}

func TestParseType(t *testing.T) {
	cases := map[string]string{
		"int":                  "int",
		"int *[3]":             "int *[3]",
		"int(*)(double)":       "int(*)(double)",
		"int(double)":          "int(double)",
		"struct foo":           "struct foo",
		"const char * const *": "char **",
		"long double":          "long double",
		"_Bool":                "bool",
		"_Float16":             "__fp16",
		"signed":               "int",
		"unsigned":             "unsigned int",
		"short int":            "short",
		"long unsigned int":    "unsigned long",
		"UInt (*)[4]":          "UInt(*)[4]",
	}

	for text, want := range cases {
		t.Run(text, func(t *testing.T) {
			te, err := ParseType(text)
			require.NoError(t, err)
			assert.Equal(t, want, te.String())
		})
	}
}

func TestPrimitiveName(t *testing.T) {
	for _, name := range []string{"void", "bool", "float", "__fp16", "__bf16"} {
		got, err := primitiveName([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, got)

		_, err = primitiveName([]string{"unsigned", name})
		assert.ErrorContains(t, err, "invalid type")
	}

	_, err := primitiveName([]string{"float", "double"})
	assert.Error(t, err)
}

func TestParseTypeKnownNames(t *testing.T) {
	known := func(name string) bool { return name == "UInt" }

	te, err := ParseType("int (UInt)", WithTypeNames(known))
	require.NoError(t, err)
	assert.Equal(t, "int(UInt)", te.String())
}

func TestSyntaxErrors(t *testing.T) {
	cases := []struct {
		src      string
		msg      string
		fragment string
	}{
		{"int foo(int x", `expected ")"`, ""},
		{"int;", "does not declare anything", "int;"},
		{"unsigned float x;", "invalid type", "unsigned float x;"},
		{"int x = 5;", "initializers are not supported", "= 5;"},
		{"int f(void) { return 0; }", "function bodies", "{ return 0; }"},
		{"struct { int a; ", "unterminated struct body", ""},
		{"int @x;", "unexpected character", "@x;"},
		{"int a[1.5];", "unexpected character", ".5];"},
	}

	for _, tt := range cases {
		t.Run(tt.src, func(t *testing.T) {
			_, err := Parse(tt.src)
			var serr *SyntaxError
			require.ErrorAs(t, err, &serr)
			assert.Contains(t, serr.Msg, tt.msg)
			if tt.fragment != "" {
				assert.Equal(t, tt.fragment, serr.Fragment)
			}
		})
	}

	_, err := ParseType("struct { int a; }")
	assert.ErrorContains(t, err, "type definitions are not allowed")
}

func TestParseFileBOM(t *testing.T) {
	var b bytes.Buffer
	b.Write([]byte{0xef, 0xbb, 0xbf})
	b.WriteString("int abs(int);\n")

	f, err := ParseFile(&b)
	require.NoError(t, err)
	require.Len(t, f.Decls, 1)
	assert.Equal(t, "abs", f.Decls[0].Name)
	assert.Equal(t, "int abs(int);\n", f.String())
}

func TestSyntaxErrorIsError(t *testing.T) {
	_, err := Parse("int (")
	var serr *SyntaxError
	assert.True(t, errors.As(err, &serr))
}
