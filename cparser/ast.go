package cparser

import (
	"fmt"
	"strconv"
	"strings"
)

// TypeExpr is a syntactic type: names are not yet looked up and array
// parameters are not yet decayed.
type TypeExpr interface {
	typeExpr()
	String() string
}

// NamedType is a primitive spelling ("unsigned int", "long double") or a
// typedef name.
type NamedType struct {
	Name string
}

type TagKind int

const (
	TagStruct TagKind = iota
	TagUnion
	TagEnum
)

func (k TagKind) String() string {
	switch k {
	case TagUnion:
		return "union"
	case TagEnum:
		return "enum"
	default:
		return "struct"
	}
}

type TagType struct {
	Kind TagKind
	Name string
}

type PointerType struct {
	Elem TypeExpr
}

// ArrayType has a nil Len when the length is unspecified.
type ArrayType struct {
	Elem TypeExpr
	Len  Expr
}

type Param struct {
	Name string
	Type TypeExpr
}

type FuncType struct {
	Params  []Param
	Result  TypeExpr
	Varargs bool
}

func (*NamedType) typeExpr()   {}
func (*TagType) typeExpr()     {}
func (*PointerType) typeExpr() {}
func (*ArrayType) typeExpr()   {}
func (*FuncType) typeExpr()    {}

func (t *NamedType) String() string   { return t.Name }
func (t *TagType) String() string     { return t.Kind.String() + " " + t.Name }
func (t *PointerType) String() string { return spell(t, "", true, false) }
func (t *ArrayType) String() string   { return spell(t, "", true, false) }
func (t *FuncType) String() string    { return spell(t, "", true, false) }

// Spell renders t as a declaration of name in C syntax, parameter names
// included.
func Spell(t TypeExpr, name string) string {
	return spell(t, name, name == "", true)
}

func spell(t TypeExpr, inner string, abstract, names bool) string {
	switch t := t.(type) {
	case *PointerType:
		inner = "*" + inner
		switch t.Elem.(type) {
		case *ArrayType, *FuncType:
			inner = "(" + inner + ")"
		}
		return spell(t.Elem, inner, abstract, names)
	case *ArrayType:
		n := ""
		if t.Len != nil {
			n = t.Len.String()
		}
		return spell(t.Elem, inner+"["+n+"]", abstract, names)
	case *FuncType:
		var params []string
		for _, p := range t.Params {
			name := p.Name
			if !names {
				name = ""
			}
			params = append(params, spell(p.Type, name, name == "", names))
		}
		if t.Varargs {
			params = append(params, "...")
		}
		if len(params) == 0 {
			params = append(params, "void")
		}
		return spell(t.Result, inner+"("+strings.Join(params, ", ")+")", abstract, names)
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

// Expr is an integer constant expression.
type Expr interface {
	expr()
	String() string
}

type IntLit struct {
	Value uint64
	Text  string
}

type Ident struct {
	Name string
}

type Unary struct {
	Op string
	X  Expr
}

type Binary struct {
	Op   string
	X, Y Expr
}

func (*IntLit) expr() {}
func (*Ident) expr()  {}
func (*Unary) expr()  {}
func (*Binary) expr() {}

func (e *IntLit) String() string {
	if e.Text != "" {
		return e.Text
	}
	return strconv.FormatUint(e.Value, 10)
}

func (e *Ident) String() string  { return e.Name }
func (e *Unary) String() string  { return e.Op + e.X.String() }
func (e *Binary) String() string { return "(" + e.X.String() + " " + e.Op + " " + e.Y.String() + ")" }

type DeclKind int

const (
	DeclTypedef DeclKind = iota
	DeclTag
	DeclFunction
	DeclVariable
	DeclConstant
)

func (k DeclKind) String() string {
	switch k {
	case DeclTypedef:
		return "typedef"
	case DeclTag:
		return "tag"
	case DeclFunction:
		return "function"
	case DeclVariable:
		return "variable"
	case DeclConstant:
		return "constant"
	default:
		return "unknown"
	}
}

type FieldDecl struct {
	Name string
	Type TypeExpr
	// Bits is the bitfield width, nil for ordinary members.
	Bits Expr
}

type EnumeratorDecl struct {
	Name string
	// Value is nil when the enumerator follows its predecessor.
	Value Expr
}

// TagDef is a struct, union or enum declaration. Body is false for forward
// declarations.
type TagDef struct {
	Kind        TagKind
	Name        string
	Body        bool
	Fields      []FieldDecl
	Enumerators []EnumeratorDecl
}

// Decl is one top level declaration. Type is set for typedefs, functions and
// variables, Tag for tag declarations and Value for constants.
type Decl struct {
	Kind  DeclKind
	Name  string
	Type  TypeExpr
	Tag   *TagDef
	Value Expr
	Line  int
}

func (d Decl) String() string {
	switch d.Kind {
	case DeclTypedef:
		return "typedef " + Spell(d.Type, d.Name) + ";"
	case DeclFunction, DeclVariable:
		return Spell(d.Type, d.Name) + ";"
	case DeclConstant:
		return fmt.Sprintf("#define %s %s", d.Name, d.Value)
	case DeclTag:
		return d.Tag.String() + ";"
	default:
		return ""
	}
}

func (t *TagDef) String() string {
	var sb strings.Builder
	sb.WriteString(t.Kind.String())
	sb.WriteString(" ")
	sb.WriteString(t.Name)
	if !t.Body {
		return sb.String()
	}

	sb.WriteString(" {")
	switch t.Kind {
	case TagEnum:
		for i, e := range t.Enumerators {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(" ")
			sb.WriteString(e.Name)
			if e.Value != nil {
				sb.WriteString(" = ")
				sb.WriteString(e.Value.String())
			}
		}
	default:
		for _, f := range t.Fields {
			sb.WriteString(" ")
			sb.WriteString(Spell(f.Type, f.Name))
			if f.Bits != nil {
				sb.WriteString(" : ")
				sb.WriteString(f.Bits.String())
			}
			sb.WriteString(";")
		}
	}
	sb.WriteString(" }")
	return sb.String()
}

type File struct {
	Decls []Decl
}

func (f File) String() string {
	var sb strings.Builder
	for _, d := range f.Decls {
		fmt.Fprintln(&sb, d.String())
	}

	return sb.String()
}
