package ffi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/cffi/ctypes"
	"github.com/ollama/cffi/cvalue"
)

func TestNew(t *testing.T) {
	s, _ := fakeSession(t)

	p, err := s.New("int *", 5)
	require.NoError(t, err)
	v, err := p.Value()
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	require.NoError(t, p.Set(-1))
	v, err = p.Value()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)

	var terr *TypeError
	require.ErrorAs(t, p.Set(1.5), &terr)

	arr, err := s.New("int[]", []int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "int[3]", arr.Type().String())
	v, err = arr.Value()
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, v)

	zeros, err := s.New("double[]", 2)
	require.NoError(t, err)
	v, err = zeros.Value()
	require.NoError(t, err)
	assert.Equal(t, []any{0.0, 0.0}, v)

	_, err = s.New("int", 1)
	require.ErrorAs(t, err, &terr)

	_, err = s.New("struct nope *", nil)
	assert.ErrorIs(t, err, ctypes.ErrIncomplete)

	_, err = s.New("int[]", nil)
	assert.Error(t, err)

	_, err = s.New("int[]", 1<<62)
	assert.ErrorIs(t, err, ctypes.ErrTooLarge)

	require.NoError(t, p.Free())
	require.NoError(t, p.Free())
	_, err = p.Value()
	assert.Error(t, err)
}

func TestStrings(t *testing.T) {
	s, _ := fakeSession(t)

	str, err := s.NewString("hello")
	require.NoError(t, err)
	assert.Equal(t, "char[6]", str.Type().String())

	got, err := s.String(str.Addr())
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	long := strings.Repeat("abc", 50)
	lstr, err := s.NewString(long)
	require.NoError(t, err)
	got, err = s.String(lstr.Addr())
	require.NoError(t, err)
	assert.Equal(t, long, got)

	_, err = s.String(0)
	assert.Error(t, err)
}

type point struct {
	X     int
	Y     int `cffi:"y"`
	Flags uint8
	Mode  uint
}

func TestStructFields(t *testing.T) {
	s, _ := fakeSession(t)
	require.NoError(t, s.Cdef(`
		struct point { int x, y; unsigned flags : 4; unsigned mode : 2; };
		struct line { struct point a, b; };
	`))

	pt, err := s.New("struct point *", map[string]any{"x": 1, "y": 2, "mode": 3})
	require.NoError(t, err)

	x, err := pt.Field("x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), x)

	require.NoError(t, pt.SetField("flags", 9))
	flags, err := pt.Field("flags")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), flags)

	mode, err := pt.Field("mode")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), mode)

	assert.ErrorIs(t, pt.SetField("flags", 16), cvalue.ErrRange)
	assert.Error(t, pt.SetField("z", 1))

	var out point
	require.NoError(t, pt.Decode(&out))
	assert.Equal(t, point{X: 1, Y: 2, Flags: 9, Mode: 3}, out)

	line, err := s.New("struct line *", []any{point{X: 1, Y: 2}, map[string]any{"x": 3}})
	require.NoError(t, err)
	require.NoError(t, line.SetField("b.y", 4))

	by, err := line.Field("b.y")
	require.NoError(t, err)
	assert.Equal(t, int64(4), by)

	var decoded struct {
		A point
		B point
	}
	require.NoError(t, line.Decode(&decoded))
	assert.Equal(t, point{X: 1, Y: 2}, decoded.A)
	assert.Equal(t, point{X: 3, Y: 4}, decoded.B)

	// CData casts to its address
	assert.Equal(t, line.Addr(), mustPointer(t, s, "struct line *", line))
}

func mustPointer(t *testing.T, s *Session, typ string, v any) uintptr {
	t.Helper()
	tv, err := s.Cast(typ, v)
	require.NoError(t, err)
	return tv.Value.(uintptr)
}

func TestCast(t *testing.T) {
	s, _ := fakeSession(t)
	require.NoError(t, s.Cdef("typedef unsigned char byte;"))

	tv, err := s.Cast("byte", 300)
	require.NoError(t, err)
	assert.Equal(t, uint64(44), tv.Value)
	assert.Equal(t, "unsigned char", tv.Type.String())

	tv, err = s.Cast("float", 0.1)
	require.NoError(t, err)
	assert.Equal(t, float64(float32(0.1)), tv.Value)

	var terr *TypeError
	_, err = s.Cast("int", []int{1})
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, cvalue.ErrShape)
}

func TestVariables(t *testing.T) {
	s, b := fakeSession(t)
	require.NoError(t, s.Cdef(`
		extern int counter;
		extern int (*hook)(int);
		extern char name[8];
	`))

	b.DefineVariable("", "counter", 4)
	b.DefineVariable("", "hook", 8)
	b.DefineVariable("", "name", 8)

	lib, err := s.Load("")
	require.NoError(t, err)

	counter, err := lib.Variable("counter")
	require.NoError(t, err)
	require.NoError(t, counter.Set(41))
	v, err := counter.Get()
	require.NoError(t, err)
	assert.Equal(t, int64(41), v)

	var terr *TypeError
	require.ErrorAs(t, counter.Set(1<<40), &terr)
	assert.Equal(t, "counter", terr.Name)

	hook, err := lib.Variable("hook")
	require.NoError(t, err)
	require.NoError(t, hook.Set(uintptr(0x1234)))
	v, err = hook.Get()
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x1234), v)

	name, err := lib.Variable("name")
	require.NoError(t, err)
	require.NoError(t, name.Set("cffi"))
	str, err := s.String(name.Addr())
	require.NoError(t, err)
	assert.Equal(t, "cffi", str)

	_, err = lib.Function("counter")
	assert.Error(t, err)
}
