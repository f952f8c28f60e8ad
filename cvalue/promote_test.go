package cvalue

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/cffi/ctypes"
)

func TestPromote(t *testing.T) {
	p := amd64.MustPrimitive

	cases := []struct {
		in       any
		wantType string
		want     any
	}{
		{int8(-3), "int", int64(-3)},
		{uint16(9), "int", int64(9)},
		{int32(-1), "int", int64(-1)},
		{uint32(7), "unsigned int", uint64(7)},
		{42, "long long", int64(42)},
		{uint(42), "unsigned long long", uint64(42)},
		{true, "int", int64(1)},
		{float32(1.5), "double", 1.5},
		{2.5, "double", 2.5},
		{nil, "void *", uintptr(0)},
		{uintptr(16), "void *", uintptr(16)},
		{addr(32), "void *", uintptr(32)},
		{"text", "char *", "text"},
		{Typed{Type: p("short"), Value: -2}, "int", int64(-2)},
		{Typed{Type: p("float"), Value: 0.5}, "double", 0.5},
		{Typed{Type: p("bool"), Value: true}, "int", int64(1)},
		{Typed{Type: p("long"), Value: 5}, "long", 5},
		{Typed{Type: amd64.ArrayOf(p("int"), 3), Value: uintptr(8)}, "int *", uintptr(8)},
	}

	for _, tt := range cases {
		typ, v, err := Promote(amd64, tt.in)
		require.NoError(t, err, "%#v", tt.in)
		assert.Equal(t, tt.wantType, typ.String(), "%#v", tt.in)
		assert.Equal(t, tt.want, v, "%#v", tt.in)
	}

	_, _, err := Promote(amd64, struct{}{})
	assert.ErrorIs(t, err, ErrShape)
}

func TestCast(t *testing.T) {
	p := amd64.MustPrimitive

	cases := []struct {
		typ  ctypes.Type
		in   any
		want any
	}{
		{p("unsigned char"), 300, uint64(44)},
		{p("signed char"), 200, int64(-56)},
		{p("int"), uint64(math.MaxUint64), int64(-1)},
		{p("unsigned int"), -1, uint64(math.MaxUint32)},
		{p("short"), 3.99, int64(3)},
		{p("short"), -3.99, int64(-3)},
		{p("bool"), 7, true},
		{p("bool"), 0, false},
		{p("float"), 0.1, float64(float32(0.1))},
		{p("double"), 3, 3.0},
		{p("__fp16"), 1.0 / 3, 0.333251953125},
		{amd64.PointerTo(p("int")), 4096, uintptr(4096)},
		{amd64.PointerTo(p("int")), addr(12), uintptr(12)},
		{p("uintptr_t"), addr(12), uint64(12)},
		{p("long"), Typed{Type: p("char"), Value: int64(-1)}, int64(-1)},
	}

	for _, tt := range cases {
		got, err := Cast(amd64, tt.typ, tt.in)
		require.NoError(t, err, "%s(%v)", tt.typ, tt.in)
		assert.Same(t, tt.typ, got.Type)
		assert.Equal(t, tt.want, got.Value, "%s(%v)", tt.typ, tt.in)
	}

	_, err := Cast(amd64, p("int"), []int{1})
	assert.ErrorIs(t, err, ErrShape)

	_, err = Cast(amd64, ctypes.NewStruct("s", false), 1)
	assert.ErrorIs(t, err, ErrShape)
}
