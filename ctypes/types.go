// Package ctypes is the canonical C type model: primitives, pointers,
// arrays, structs and unions, enums and function signatures, together with
// the ABI target description used to lay them out.
package ctypes

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Kind int

const (
	KindVoid Kind = iota
	KindPrimitive
	KindPointer
	KindArray
	KindStruct
	KindUnion
	KindEnum
	KindFunction
)

func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindPrimitive:
		return "primitive"
	case KindPointer:
		return "pointer"
	case KindArray:
		return "array"
	case KindStruct:
		return "struct"
	case KindUnion:
		return "union"
	case KindEnum:
		return "enum"
	case KindFunction:
		return "function"
	default:
		return "unknown"
	}
}

// Type is a canonical C type descriptor. Size and Align return -1 when the
// type has no known object size (void, functions, incomplete tags, arrays
// of unknown length).
type Type interface {
	Kind() Kind
	String() string
	Size() int
	Align() int
}

var ErrAlreadyComplete = errors.New("type is already complete")

type Void struct{}

var void = &Void{}

// VoidType returns the single void descriptor.
func VoidType() *Void { return void }

func (*Void) Kind() Kind     { return KindVoid }
func (*Void) String() string { return "void" }
func (*Void) Size() int      { return -1 }
func (*Void) Align() int     { return -1 }

// Encoding says how a primitive's bytes are interpreted.
type Encoding int

const (
	EncodingInt Encoding = iota
	EncodingBool
	EncodingFloat32
	EncodingFloat64
	EncodingLongDouble
	EncodingFloat16
	EncodingBFloat16
)

type Primitive struct {
	Name     string
	Signed   bool
	Encoding Encoding

	size, align int
}

func (p *Primitive) Kind() Kind     { return KindPrimitive }
func (p *Primitive) String() string { return p.Name }
func (p *Primitive) Size() int      { return p.size }
func (p *Primitive) Align() int     { return p.align }

// IsInteger reports whether p is an integral type, bool included.
func (p *Primitive) IsInteger() bool {
	return p.Encoding == EncodingInt || p.Encoding == EncodingBool
}

func (p *Primitive) IsFloat() bool {
	return !p.IsInteger()
}

type Pointer struct {
	Elem Type

	size int
}

func (p *Pointer) Kind() Kind     { return KindPointer }
func (p *Pointer) String() string { return Declarator(p, "") }
func (p *Pointer) Size() int      { return p.size }
func (p *Pointer) Align() int     { return p.size }

type Array struct {
	Elem Type
	Len  int
}

func (a *Array) Kind() Kind     { return KindArray }
func (a *Array) String() string { return Declarator(a, "") }

func (a *Array) Size() int {
	if a.Len < 0 || a.Elem.Size() < 0 {
		return -1
	}
	return a.Len * a.Elem.Size()
}

func (a *Array) Align() int { return a.Elem.Align() }

type Function struct {
	Args    []Type
	Result  Type
	Varargs bool
}

func (f *Function) Kind() Kind     { return KindFunction }
func (f *Function) String() string { return Declarator(f, "") }
func (f *Function) Size() int      { return -1 }
func (f *Function) Align() int     { return -1 }

// Field is one laid out member of a struct or union. Offset is the byte
// offset of the member's storage; for bitfields it is the offset of the
// storage unit holding the bits and BitOffset/BitSize locate them.
type Field struct {
	Name      string
	Type      Type
	Offset    int
	BitOffset int
	BitSize   int
}

func (f Field) IsBitfield() bool { return f.BitSize >= 0 }

// BitShift is the position of a bitfield's lowest bit inside its storage unit.
func (f Field) BitShift() int { return f.BitOffset - f.Offset*8 }

// Struct describes a struct or union. It is created incomplete and gains its
// fields exactly once through Complete.
type Struct struct {
	Name  string
	Union bool

	fields   []Field
	size     int
	align    int
	complete bool
}

func NewStruct(name string, union bool) *Struct {
	return &Struct{Name: name, Union: union, size: -1, align: -1}
}

func (s *Struct) Kind() Kind {
	if s.Union {
		return KindUnion
	}
	return KindStruct
}

func (s *Struct) Keyword() string {
	if s.Union {
		return "union"
	}
	return "struct"
}

func (s *Struct) String() string { return s.Keyword() + " " + s.Name }
func (s *Struct) Size() int      { return s.size }
func (s *Struct) Align() int     { return s.align }

func (s *Struct) IsComplete() bool { return s.complete }

// Anonymous reports whether the tag name was synthesized by the parser.
func (s *Struct) Anonymous() bool { return strings.HasPrefix(s.Name, "$") }

func (s *Struct) Fields() []Field { return s.fields }

func (s *Struct) Field(name string) (Field, bool) {
	for _, f := range s.fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (s *Struct) Complete(fields []Field, size, align int) error {
	if s.complete {
		return fmt.Errorf("%s: %w", s, ErrAlreadyComplete)
	}
	s.fields = fields
	s.size = size
	s.align = align
	s.complete = true
	return nil
}

// Reopen undoes Complete. It exists so a failed declaration batch can roll
// back completions it made; nothing else should call it.
func (s *Struct) Reopen() {
	s.fields = nil
	s.size, s.align = -1, -1
	s.complete = false
}

type Enumerator struct {
	Name  string
	Value int64
}

type Enum struct {
	Name string

	base     *Primitive
	values   []Enumerator
	complete bool
}

func NewEnum(name string) *Enum {
	return &Enum{Name: name}
}

func (e *Enum) Kind() Kind       { return KindEnum }
func (e *Enum) String() string   { return "enum " + e.Name }
func (e *Enum) IsComplete() bool { return e.complete }

func (e *Enum) Base() *Primitive     { return e.base }
func (e *Enum) Values() []Enumerator { return e.values }

func (e *Enum) Size() int {
	if !e.complete {
		return -1
	}
	return e.base.Size()
}

func (e *Enum) Align() int {
	if !e.complete {
		return -1
	}
	return e.base.Align()
}

func (e *Enum) Complete(base *Primitive, values []Enumerator) error {
	if e.complete {
		return fmt.Errorf("%s: %w", e, ErrAlreadyComplete)
	}
	e.base = base
	e.values = values
	e.complete = true
	return nil
}

// Reopen undoes Complete for batch rollback.
func (e *Enum) Reopen() {
	e.base = nil
	e.values = nil
	e.complete = false
}

// IsComplete reports whether t has a known object size.
func IsComplete(t Type) bool {
	return t.Size() >= 0
}

// Declarator spells t as a C declaration of name; with an empty name it
// yields the abstract type name, e.g. "int(*)(double)" or "char *[4]".
func Declarator(t Type, name string) string {
	return declare(t, name, name == "")
}

func declare(t Type, inner string, abstract bool) string {
	switch t := t.(type) {
	case *Pointer:
		inner = "*" + inner
		switch t.Elem.(type) {
		case *Array, *Function:
			inner = "(" + inner + ")"
		}
		return declare(t.Elem, inner, abstract)
	case *Array:
		n := ""
		if t.Len >= 0 {
			n = strconv.Itoa(t.Len)
		}
		return declare(t.Elem, inner+"["+n+"]", abstract)
	case *Function:
		return declare(t.Result, inner+"("+params(t)+")", abstract)
	default:
		base := t.String()
		switch {
		case inner == "":
			return base
		case inner[0] == '[', inner[0] == '(' && abstract:
			return base + inner
		default:
			return base + " " + inner
		}
	}
}

func params(f *Function) string {
	if len(f.Args) == 0 && !f.Varargs {
		return "void"
	}

	parts := make([]string, 0, len(f.Args)+1)
	for _, a := range f.Args {
		parts = append(parts, declare(a, "", true))
	}
	if f.Varargs {
		parts = append(parts, "...")
	}
	return strings.Join(parts, ", ")
}
