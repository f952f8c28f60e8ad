// Package cdecl turns parsed declarations into canonical ctypes descriptors
// and keeps the typedef, tag, symbol and constant tables of a session.
//
// A Resolver is not safe for concurrent use.
package cdecl

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/ollama/cffi/cparser"
	"github.com/ollama/cffi/ctypes"
)

type Resolver struct {
	target *ctypes.Target
	tables *Tables
	anon   int
}

func NewResolver(target *ctypes.Target) *Resolver {
	return &Resolver{target: target, tables: newTables()}
}

func (r *Resolver) Target() *ctypes.Target { return r.target }

// Tables returns the committed tables.
func (r *Resolver) Tables() *Tables { return r.tables }

func (r *Resolver) isTypeName(name string) bool {
	_, ok := r.tables.typedefs[name]
	return ok
}

func (r *Resolver) parseOptions() []cparser.Option {
	return []cparser.Option{
		cparser.WithAnonymousCounter(&r.anon),
		cparser.WithTypeNames(r.isTypeName),
	}
}

// Cdef parses src and declares everything in it as one batch.
func (r *Resolver) Cdef(src string) error {
	f, err := cparser.Parse(src, r.parseOptions()...)
	if err != nil {
		return err
	}
	return r.Declare(f)
}

// CdefReader is Cdef for declarations read from rd.
func (r *Resolver) CdefReader(rd io.Reader) error {
	f, err := cparser.ParseFile(rd, r.parseOptions()...)
	if err != nil {
		return err
	}
	return r.Declare(f)
}

// Declare resolves f's declarations in order. Either all of them take effect
// or, on error, none do.
func (r *Resolver) Declare(f *cparser.File) error {
	b := &batch{target: r.target, tables: r.tables.clone()}
	for _, d := range f.Decls {
		if err := b.declare(d); err != nil {
			b.rollback()

			var terr *TypeError
			if errors.As(err, &terr) && terr.Line == 0 {
				terr.Line = d.Line
			}
			return err
		}
	}

	r.tables = b.tables
	slog.Debug("declared", "decls", len(f.Decls), "typedefs", len(b.tables.typedefs), "symbols", b.tables.symbols.Size())
	return nil
}

// ResolveType resolves a syntactic type against the committed tables. Tags
// first mentioned here are registered incomplete.
func (r *Resolver) ResolveType(te cparser.TypeExpr) (ctypes.Type, error) {
	b := &batch{target: r.target, tables: r.tables}
	return b.resolve(te)
}

// ParseType parses and resolves a standalone type name. With forcePointer an
// outer array type becomes a pointer to its element type.
func (r *Resolver) ParseType(text string, forcePointer bool) (ctypes.Type, error) {
	te, err := cparser.ParseType(text, r.parseOptions()...)
	if err != nil {
		return nil, err
	}

	t, err := r.ResolveType(te)
	if err != nil {
		return nil, err
	}

	if a, ok := t.(*ctypes.Array); ok && forcePointer {
		t = r.tables.intern(r.target.PointerTo(a.Elem))
	}
	return t, nil
}

// Canonical returns the interned descriptor spelled like t. t's components
// must already be canonical.
func (r *Resolver) Canonical(t ctypes.Type) ctypes.Type {
	switch t.(type) {
	case *ctypes.Pointer, *ctypes.Array, *ctypes.Function:
		return r.tables.intern(t)
	}
	return t
}

// Constant evaluates an integer constant expression such as "FLAG_A | 4".
func (r *Resolver) Constant(text string) (int64, error) {
	if v, ok := r.tables.constants[text]; ok {
		return v, nil
	}

	f, err := cparser.Parse("#define __cffi_expr "+text+"\n", r.parseOptions()...)
	if err != nil {
		return 0, err
	}

	b := &batch{target: r.target, tables: r.tables}
	return b.eval(f.Decls[0].Value)
}

type batch struct {
	target *ctypes.Target
	tables *Tables

	reopen []interface{ Reopen() }
}

func (b *batch) rollback() {
	for i := len(b.reopen) - 1; i >= 0; i-- {
		b.reopen[i].Reopen()
	}
}

func (b *batch) declare(d cparser.Decl) error {
	switch d.Kind {
	case cparser.DeclTypedef:
		t, err := b.resolve(d.Type)
		if err != nil {
			return withName(err, d.Name)
		}

		if existing, ok := b.tables.typedefs[d.Name]; ok && existing != t {
			return &TypeError{Name: d.Name, Msg: fmt.Sprintf("typedef redefined as %s, was %s", t, existing), Err: ErrRedefinition}
		}
		b.tables.typedefs[d.Name] = t
	case cparser.DeclTag:
		return b.declareTag(d.Tag)
	case cparser.DeclFunction, cparser.DeclVariable:
		t, err := b.resolve(d.Type)
		if err != nil {
			return withName(err, d.Name)
		}

		if t.Kind() == ctypes.KindVoid {
			return typeErrorf(d.Name, "variable has type void")
		}

		sym := Symbol{Name: d.Name, Type: t, Variable: d.Kind == cparser.DeclVariable}
		if existing, ok := b.tables.Symbol(d.Name); ok {
			if existing.Type != t {
				return &TypeError{Name: d.Name, Msg: fmt.Sprintf("redeclared as %s, was %s", t, existing.Type), Err: ErrRedefinition}
			}
			return nil
		}
		b.tables.symbols.Put(d.Name, sym)
	case cparser.DeclConstant:
		v, err := b.eval(d.Value)
		if err != nil {
			return withName(err, d.Name)
		}
		return b.defineConstant(d.Name, v)
	}

	return nil
}

func withName(err error, name string) error {
	var terr *TypeError
	if errors.As(err, &terr) && terr.Name == "" {
		terr.Name = name
	}
	return err
}

func (b *batch) defineConstant(name string, v int64) error {
	if existing, ok := b.tables.constants[name]; ok && existing != v {
		return &TypeError{Name: name, Msg: fmt.Sprintf("constant redefined as %d, was %d", v, existing), Err: ErrRedefinition}
	}
	b.tables.constants[name] = v
	return nil
}

// tag returns the descriptor registered for a tag, creating an incomplete
// one on first mention.
func (b *batch) tag(kind cparser.TagKind, name string) (ctypes.Type, error) {
	key := kind.String() + " " + name
	if t, ok := b.tables.tags[key]; ok {
		return t, nil
	}

	for _, other := range []cparser.TagKind{cparser.TagStruct, cparser.TagUnion, cparser.TagEnum} {
		if _, ok := b.tables.tags[other.String()+" "+name]; ok && other != kind {
			return nil, typeErrorf(key, "tag already declared as %s %s", other, name)
		}
	}

	var t ctypes.Type
	switch kind {
	case cparser.TagEnum:
		t = ctypes.NewEnum(name)
	default:
		t = ctypes.NewStruct(name, kind == cparser.TagUnion)
	}

	b.tables.tags[key] = t
	return t, nil
}

func (b *batch) declareTag(def *cparser.TagDef) error {
	t, err := b.tag(def.Kind, def.Name)
	if err != nil {
		return err
	}

	if !def.Body {
		return nil
	}

	if e, ok := t.(*ctypes.Enum); ok {
		return b.completeEnum(e, def)
	}
	return b.completeStruct(t.(*ctypes.Struct), def)
}

func (b *batch) completeStruct(s *ctypes.Struct, def *cparser.TagDef) error {
	name := s.String()

	specs := make([]ctypes.FieldSpec, 0, len(def.Fields))
	for _, f := range def.Fields {
		t, err := b.resolve(f.Type)
		if err != nil {
			return withName(err, name+"."+f.Name)
		}

		if t.Kind() == ctypes.KindFunction {
			return typeErrorf(name+"."+f.Name, "field has function type %s", t)
		}

		spec := ctypes.FieldSpec{Name: f.Name, Type: t, BitSize: -1}
		if f.Bits != nil {
			bits, err := b.eval(f.Bits)
			if err != nil {
				return withName(err, name+"."+f.Name)
			}
			if bits < 0 {
				return typeErrorf(name+"."+f.Name, "negative bitfield width %d", bits)
			}
			spec.BitSize = int(bits)
		}
		specs = append(specs, spec)
	}

	fields, size, align, err := ctypes.Layout(specs, s.Union)
	if err != nil {
		return &TypeError{Name: name, Err: err}
	}

	if s.IsComplete() {
		if !sameFields(s.Fields(), fields) {
			return &TypeError{Name: name, Msg: "redefined with a different body", Err: ErrRedefinition}
		}
		return nil
	}

	if err := s.Complete(fields, size, align); err != nil {
		return &TypeError{Name: name, Err: err}
	}
	b.reopen = append(b.reopen, s)
	return nil
}

func sameFields(a, b []ctypes.Field) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (b *batch) completeEnum(e *ctypes.Enum, def *cparser.TagDef) error {
	name := e.String()

	values := make([]ctypes.Enumerator, 0, len(def.Enumerators))
	var next int64
	for _, en := range def.Enumerators {
		if en.Value != nil {
			v, err := b.eval(en.Value)
			if err != nil {
				return withName(err, name+"."+en.Name)
			}
			next = v
		}

		if err := b.defineConstant(en.Name, next); err != nil {
			return err
		}
		values = append(values, ctypes.Enumerator{Name: en.Name, Value: next})
		next++
	}

	base := b.target.MustPrimitive(enumBase(values))
	if e.IsComplete() {
		if !sameEnumerators(e.Values(), values) {
			return &TypeError{Name: name, Msg: "redefined with different values", Err: ErrRedefinition}
		}
		return nil
	}

	if err := e.Complete(base, values); err != nil {
		return &TypeError{Name: name, Err: err}
	}
	b.reopen = append(b.reopen, e)
	return nil
}

// enumBase picks int when every value fits, unsigned int when the values
// are non-negative and fit 32 bits, and a 64-bit type otherwise.
func enumBase(values []ctypes.Enumerator) string {
	var lo, hi int64
	for _, v := range values {
		lo, hi = min(lo, v.Value), max(hi, v.Value)
	}

	switch {
	case lo >= math.MinInt32 && hi <= math.MaxInt32:
		return "int"
	case lo >= 0 && hi <= math.MaxUint32:
		return "unsigned int"
	case lo >= 0:
		return "unsigned long long"
	default:
		return "long long"
	}
}

func sameEnumerators(a, b []ctypes.Enumerator) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (b *batch) resolve(te cparser.TypeExpr) (ctypes.Type, error) {
	switch te := te.(type) {
	case *cparser.NamedType:
		if t, ok := b.tables.typedefs[te.Name]; ok {
			return t, nil
		}
		if te.Name == "void" {
			return b.target.Void(), nil
		}
		if p, ok := b.target.Primitive(te.Name); ok {
			return p, nil
		}
		return nil, &TypeError{Msg: fmt.Sprintf("%q", te.Name), Err: ErrUnknownType}
	case *cparser.TagType:
		return b.tag(te.Kind, te.Name)
	case *cparser.PointerType:
		elem, err := b.resolve(te.Elem)
		if err != nil {
			return nil, err
		}
		return b.tables.intern(b.target.PointerTo(elem)), nil
	case *cparser.ArrayType:
		elem, err := b.resolve(te.Elem)
		if err != nil {
			return nil, err
		}

		switch {
		case elem.Kind() == ctypes.KindFunction:
			return nil, typeErrorf("", "array of functions %s", te)
		case !ctypes.IsComplete(elem):
			return nil, &TypeError{Msg: fmt.Sprintf("array element %s", elem), Err: ctypes.ErrIncomplete}
		}

		n := -1
		if te.Len != nil {
			v, err := b.eval(te.Len)
			if err != nil {
				return nil, err
			}
			if v < 0 {
				return nil, typeErrorf("", "negative array length %d", v)
			}
			if v > ctypes.MaxSize || !ctypes.ArrayFits(elem, int(v)) {
				return nil, &TypeError{Msg: fmt.Sprintf("array of %d %s", v, elem), Err: ctypes.ErrTooLarge}
			}
			n = int(v)
		}
		return b.tables.intern(b.target.ArrayOf(elem, n)), nil
	case *cparser.FuncType:
		return b.function(te)
	default:
		return nil, fmt.Errorf("unexpected type expression %T", te)
	}
}

func (b *batch) function(te *cparser.FuncType) (ctypes.Type, error) {
	result, err := b.resolve(te.Result)
	if err != nil {
		return nil, err
	}

	switch result.Kind() {
	case ctypes.KindArray, ctypes.KindFunction:
		return nil, typeErrorf("", "function returns %s", result)
	}

	args := make([]ctypes.Type, 0, len(te.Params))
	for i, p := range te.Params {
		arg, err := b.param(p.Type)
		if err != nil {
			name := p.Name
			if name == "" {
				name = fmt.Sprintf("argument %d", i+1)
			}
			return nil, withName(err, name)
		}
		args = append(args, arg)
	}

	return b.tables.intern(&ctypes.Function{Args: args, Result: result, Varargs: te.Varargs}), nil
}

// param resolves a parameter type, decaying arrays to pointers to their
// element and functions to function pointers.
func (b *batch) param(te cparser.TypeExpr) (ctypes.Type, error) {
	if a, ok := te.(*cparser.ArrayType); ok {
		te = &cparser.PointerType{Elem: a.Elem}
	}

	t, err := b.resolve(te)
	if err != nil {
		return nil, err
	}

	switch t.Kind() {
	case ctypes.KindVoid:
		return nil, typeErrorf("", "parameter has type void")
	case ctypes.KindArray:
		// typedef'd array
		return b.tables.intern(b.target.PointerTo(t.(*ctypes.Array).Elem)), nil
	case ctypes.KindFunction:
		return b.tables.intern(b.target.PointerTo(t)), nil
	}
	return t, nil
}
