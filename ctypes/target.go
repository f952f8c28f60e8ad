package ctypes

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/cpu"
)

// LongDoubleFormat is the in-memory representation of long double.
type LongDoubleFormat int

const (
	// LongDoubleIsDouble means long double is an alias of double.
	LongDoubleIsDouble LongDoubleFormat = iota
	// LongDoubleX87 is the 80-bit x87 extended format, padded to its size.
	LongDoubleX87
	// LongDoubleQuad is IEEE 754 binary128.
	LongDoubleQuad
)

// Target describes the data model of the ABI types are laid out for.
type Target struct {
	GOOS   string
	GOARCH string

	PointerSize     int
	LongSize        int
	WcharSize       int
	WcharSigned     bool
	CharSigned      bool
	LongDouble      LongDoubleFormat
	LongDoubleSize  int
	LongDoubleAlign int
	// Int64Align is the alignment of 8-byte integers and doubles, which is
	// 4 on i386 System V.
	Int64Align int
	BigEndian  bool

	primitives map[string]*Primitive
	void       *Void
}

var host *Target

// HostTarget returns the target of the running process.
func HostTarget() *Target {
	if host == nil {
		t := NewTarget(runtime.GOOS, runtime.GOARCH)
		t.BigEndian = cpu.IsBigEndian
		host = t
	}
	return host
}

// NewTarget describes goos/goarch using the platform's C data model.
func NewTarget(goos, goarch string) *Target {
	t := &Target{
		GOOS:            goos,
		GOARCH:          goarch,
		PointerSize:     8,
		WcharSize:       4,
		WcharSigned:     true,
		CharSigned:      true,
		LongDouble:      LongDoubleIsDouble,
		LongDoubleSize:  8,
		LongDoubleAlign: 8,
		Int64Align:      8,
		void:            void,
	}

	switch goarch {
	case "386", "arm", "mips", "mipsle", "wasm":
		t.PointerSize = 4
	}

	switch goarch {
	case "ppc64", "s390x", "mips", "mips64":
		t.BigEndian = true
	}

	switch goarch {
	case "arm", "arm64", "ppc64", "ppc64le", "s390x", "riscv64":
		t.CharSigned = goos == "darwin" || goos == "windows"
	}

	t.LongSize = t.PointerSize
	if goos == "windows" {
		t.LongSize = 4
		t.WcharSize = 2
		t.WcharSigned = false
	} else if goarch == "arm" || goarch == "arm64" {
		t.WcharSigned = goos == "darwin"
	}

	switch {
	case goos == "windows":
		// msvc: long double is double
	case goarch == "amd64":
		t.LongDouble, t.LongDoubleSize, t.LongDoubleAlign = LongDoubleX87, 16, 16
	case goarch == "386":
		t.LongDouble, t.LongDoubleSize, t.LongDoubleAlign = LongDoubleX87, 12, 4
		t.Int64Align = 4
	case goarch == "arm64" && goos != "darwin" && goos != "ios":
		t.LongDouble, t.LongDoubleSize, t.LongDoubleAlign = LongDoubleQuad, 16, 16
	case goarch == "riscv64", goarch == "loong64":
		t.LongDouble, t.LongDoubleSize, t.LongDoubleAlign = LongDoubleQuad, 16, 16
	case goarch == "s390x":
		t.LongDouble, t.LongDoubleSize, t.LongDoubleAlign = LongDoubleQuad, 16, 8
	}

	t.primitives = t.buildPrimitives()
	return t
}

func (t *Target) buildPrimitives() map[string]*Primitive {
	m := make(map[string]*Primitive)
	add := func(name string, size, align int, signed bool, enc Encoding) {
		m[name] = &Primitive{Name: name, Signed: signed, Encoding: enc, size: size, align: align}
	}
	integer := func(name string, size int, signed bool) {
		align := size
		if size == 8 {
			align = t.Int64Align
		}
		add(name, size, align, signed, EncodingInt)
	}

	integer("char", 1, t.CharSigned)
	integer("signed char", 1, true)
	integer("unsigned char", 1, false)
	integer("short", 2, true)
	integer("unsigned short", 2, false)
	integer("int", 4, true)
	integer("unsigned int", 4, false)
	integer("long", t.LongSize, true)
	integer("unsigned long", t.LongSize, false)
	integer("long long", 8, true)
	integer("unsigned long long", 8, false)

	for _, bits := range []int{8, 16, 32, 64} {
		size := bits / 8
		integer(fmt.Sprintf("int%d_t", bits), size, true)
		integer(fmt.Sprintf("uint%d_t", bits), size, false)
	}

	integer("intptr_t", t.PointerSize, true)
	integer("uintptr_t", t.PointerSize, false)
	integer("ssize_t", t.PointerSize, true)
	integer("size_t", t.PointerSize, false)
	integer("ptrdiff_t", t.PointerSize, true)
	integer("wchar_t", t.WcharSize, t.WcharSigned)

	add("bool", 1, 1, false, EncodingBool)
	add("float", 4, 4, true, EncodingFloat32)
	add("double", 8, t.Int64Align, true, EncodingFloat64)
	if t.LongDouble == LongDoubleIsDouble {
		add("long double", 8, t.Int64Align, true, EncodingFloat64)
	} else {
		add("long double", t.LongDoubleSize, t.LongDoubleAlign, true, EncodingLongDouble)
	}
	add("__fp16", 2, 2, true, EncodingFloat16)
	add("__bf16", 2, 2, true, EncodingBFloat16)
	return m
}

// Primitive returns the canonical primitive called name.
func (t *Target) Primitive(name string) (*Primitive, bool) {
	p, ok := t.primitives[name]
	return p, ok
}

// MustPrimitive is Primitive for names known to exist.
func (t *Target) MustPrimitive(name string) *Primitive {
	p, ok := t.primitives[name]
	if !ok {
		panic("ctypes: unknown primitive " + name)
	}
	return p
}

// Void returns the void descriptor.
func (t *Target) Void() *Void { return t.void }

// PointerTo builds a pointer descriptor. Callers wanting canonical
// (pointer-identical) descriptors go through an intern table.
func (t *Target) PointerTo(elem Type) *Pointer {
	return &Pointer{Elem: elem, size: t.PointerSize}
}

func (t *Target) ArrayOf(elem Type, n int) *Array {
	return &Array{Elem: elem, Len: n}
}
