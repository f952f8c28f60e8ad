package ctypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeclarator(t *testing.T) {
	target := NewTarget("linux", "amd64")
	i32 := target.MustPrimitive("int")
	f64 := target.MustPrimitive("double")
	pint := target.PointerTo(i32)

	cases := []struct {
		t    Type
		want string
	}{
		{i32, "int"},
		{pint, "int *"},
		{target.PointerTo(pint), "int **"},
		{target.ArrayOf(i32, 5), "int[5]"},
		{target.ArrayOf(pint, 5), "int *[5]"},
		{target.PointerTo(target.ArrayOf(i32, 5)), "int(*)[5]"},
		{target.ArrayOf(target.ArrayOf(i32, 3), -1), "int[][3]"},
		{&Function{Args: []Type{pint}, Result: i32}, "int(int *)"},
		{target.PointerTo(&Function{Args: []Type{f64}, Result: f64}), "double(*)(double)"},
		{&Function{Result: i32}, "int(void)"},
		{&Function{Args: []Type{i32}, Result: target.MustPrimitive("short"), Varargs: true}, "short(int, ...)"},
		{target.PointerTo(NewStruct("foo", false)), "struct foo *"},
		{NewStruct("$1", true), "union $1"},
		{VoidType(), "void"},
	}

	for _, tt := range cases {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.t.String())
		})
	}

	assert.Equal(t, "int (*fn)(int *)", Declarator(target.PointerTo(&Function{Args: []Type{pint}, Result: i32}), "fn"))
	assert.Equal(t, "char name[16]", Declarator(target.ArrayOf(target.MustPrimitive("char"), 16), "name"))
}

func TestStructComplete(t *testing.T) {
	target := NewTarget("linux", "amd64")
	s := NewStruct("point", false)

	assert.False(t, s.IsComplete())
	assert.Equal(t, -1, s.Size())
	assert.False(t, IsComplete(s))

	i32 := target.MustPrimitive("int")
	fields, size, align, err := Layout([]FieldSpec{{"x", i32, -1}, {"y", i32, -1}}, false)
	require.NoError(t, err)
	require.NoError(t, s.Complete(fields, size, align))

	assert.Equal(t, 8, s.Size())
	assert.Equal(t, 4, s.Align())
	f, ok := s.Field("y")
	require.True(t, ok)
	assert.Equal(t, 4, f.Offset)

	assert.ErrorIs(t, s.Complete(fields, size, align), ErrAlreadyComplete)

	s.Reopen()
	assert.False(t, s.IsComplete())
	assert.Empty(t, s.Fields())
}

func TestEnum(t *testing.T) {
	target := NewTarget("linux", "amd64")
	e := NewEnum("color")
	assert.Equal(t, -1, e.Size())

	require.NoError(t, e.Complete(target.MustPrimitive("int"), []Enumerator{{"RED", 0}, {"GREEN", 1}}))
	assert.Equal(t, 4, e.Size())
	assert.Equal(t, "enum color", e.String())
	assert.Len(t, e.Values(), 2)
	assert.ErrorIs(t, e.Complete(target.MustPrimitive("int"), nil), ErrAlreadyComplete)
}
