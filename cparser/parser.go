// Package cparser parses the declaration subset of C used to describe
// native interfaces: typedefs, struct/union/enum definitions, function
// prototypes, extern variables and integer #define constants.
package cparser

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

type Option func(*parser)

// WithAnonymousCounter numbers anonymous tags from *n and leaves the last
// number used there, so names stay unique across Parse calls.
func WithAnonymousCounter(n *int) Option {
	return func(p *parser) {
		p.anon = n
	}
}

// WithTypeNames lets the parser recognize typedef names declared outside
// the text being parsed.
func WithTypeNames(known func(string) bool) Option {
	return func(p *parser) {
		p.known = known
	}
}

var keywords = map[string]bool{
	"typedef": true, "extern": true, "static": true, "inline": true, "__inline": true, "__inline__": true,
	"register": true, "__extension__": true,
	"const": true, "volatile": true, "restrict": true, "__restrict": true, "__restrict__": true, "__const": true,
	"signed": true, "__signed__": true, "unsigned": true, "short": true, "long": true, "int": true, "char": true,
	"float": true, "double": true, "void": true, "_Bool": true, "bool": true, "_Float16": true, "__fp16": true,
	"__bf16": true, "struct": true, "union": true, "enum": true,
}

var builtinTypeNames = map[string]bool{
	"int8_t": true, "int16_t": true, "int32_t": true, "int64_t": true,
	"uint8_t": true, "uint16_t": true, "uint32_t": true, "uint64_t": true,
	"intptr_t": true, "uintptr_t": true, "size_t": true, "ssize_t": true,
	"ptrdiff_t": true, "wchar_t": true,
}

type anonTag struct {
	def   *TagDef
	ref   *TagType
	index int
}

type parser struct {
	src  string
	toks []Token
	i    int

	// line restricts tokens to a single source line while parsing a
	// directive; 0 means unrestricted.
	line int

	decls     []Decl
	anon      *int
	counter   int
	typeNames map[string]bool
	known     func(string) bool
}

func newParser(src string, opts []Option) (*parser, error) {
	src, err := StripComments(src)
	if err != nil {
		return nil, err
	}

	toks, err := Tokenize(src)
	if err != nil {
		return nil, err
	}

	p := &parser{src: src, toks: toks, typeNames: make(map[string]bool)}
	p.anon = &p.counter
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Parse parses zero or more declarations.
func Parse(src string, opts ...Option) (*File, error) {
	p, err := newParser(src, opts)
	if err != nil {
		return nil, err
	}

	for p.tok().Kind != TokenEOF {
		switch {
		case p.tok().Kind == TokenHash:
			err = p.directive()
		case p.accept(";"):
		default:
			err = p.declaration()
		}
		if err != nil {
			return nil, err
		}
	}

	return &File{Decls: p.decls}, nil
}

// ParseFile parses declarations read from r, which may start with a byte
// order mark.
func ParseFile(r io.Reader, opts ...Option) (*File, error) {
	tr := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	bts, err := io.ReadAll(transform.NewReader(r, tr))
	if err != nil {
		return nil, err
	}

	return Parse(string(bts), opts...)
}

// ParseType parses an abstract type name such as "int *[3]" or
// "int(*)(double)".
func ParseType(text string, opts ...Option) (TypeExpr, error) {
	p, err := newParser(text, opts)
	if err != nil {
		return nil, err
	}

	start := p.tok()
	base, _, err := p.specifiers(nil)
	if err != nil {
		return nil, err
	}

	_, wrap, err := p.declarator(true)
	if err != nil {
		return nil, err
	}

	if tok := p.tok(); tok.Kind != TokenEOF {
		return nil, p.errorf(tok, "unexpected %s after type name", tok)
	}

	if len(p.decls) > 0 {
		return nil, p.errorf(start, "type definitions are not allowed in a type name")
	}

	return wrap(base), nil
}

func (p *parser) tok() Token {
	return p.peek(0)
}

func (p *parser) peek(n int) Token {
	i := min(p.i+n, len(p.toks)-1)
	tok := p.toks[i]
	if p.line > 0 && tok.Line != p.line {
		return Token{Kind: TokenEOF, Line: tok.Line, Col: tok.Col}
	}
	return tok
}

func (p *parser) next() {
	if p.i < len(p.toks)-1 {
		p.i++
	}
}

func (p *parser) isPunct(s string) bool {
	tok := p.tok()
	return tok.Kind == TokenPunct && tok.Text == s
}

func (p *parser) accept(s string) bool {
	if p.isPunct(s) {
		p.next()
		return true
	}
	return false
}

func (p *parser) expect(s string) error {
	if !p.accept(s) {
		return p.errorf(p.tok(), "expected %q, found %s", s, p.tok())
	}
	return nil
}

func (p *parser) errorf(tok Token, format string, args ...any) *SyntaxError {
	return &SyntaxError{Line: tok.Line, Col: tok.Col, Fragment: fragment(p.src, tok.Line, tok.Col), Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) isTypeName(name string) bool {
	if keywords[name] || builtinTypeNames[name] || p.typeNames[name] {
		return true
	}
	return p.known != nil && p.known(name)
}

func (p *parser) nameAnon(a *anonTag, typedefName string) {
	name := "$" + typedefName
	if typedefName == "" {
		*p.anon++
		name = fmt.Sprintf("$%d", *p.anon)
	}

	a.def.Name = name
	a.ref.Name = name
	p.decls[a.index].Name = name
}

func (p *parser) directive() error {
	hash := p.tok()
	p.next()

	p.line = hash.Line
	defer func() { p.line = 0 }()

	word := p.tok()
	if word.Kind != TokenIdent {
		return p.errorf(hash, "expected directive name")
	}
	if word.Text != "define" {
		return p.errorf(hash, "unsupported directive #%s", word.Text)
	}
	p.next()

	name := p.tok()
	if name.Kind != TokenIdent {
		return p.errorf(name, "expected macro name")
	}
	p.next()

	if tok := p.tok(); tok.Kind == TokenEOF {
		return p.errorf(name, "missing value for macro %s", name.Text)
	} else if p.isPunct("(") && tok.Col == name.Col+len(name.Text) {
		return p.errorf(name, "function-like macro %s is not supported", name.Text)
	}

	value, err := p.expr()
	if err != nil {
		return err
	}

	if tok := p.tok(); tok.Kind != TokenEOF {
		return p.errorf(tok, "macro %s is not an integer constant", name.Text)
	}

	p.decls = append(p.decls, Decl{Kind: DeclConstant, Name: name.Text, Value: value, Line: hash.Line})
	return nil
}

func (p *parser) declaration() error {
	start := p.tok()
	ndecls := len(p.decls)

	var typedef bool
	base, anon, err := p.specifiers(&typedef)
	if err != nil {
		return err
	}

	if p.accept(";") {
		ref, ok := base.(*TagType)
		switch {
		case !ok:
			return p.errorf(start, "declaration does not declare anything")
		case anon != nil:
			p.nameAnon(anon, "")
		case len(p.decls) == ndecls:
			p.decls = append(p.decls, Decl{Kind: DeclTag, Name: ref.Name, Tag: &TagDef{Kind: ref.Kind, Name: ref.Name}, Line: start.Line})
		}
		return nil
	}

	for first := true; ; first = false {
		tok := p.tok()
		name, wrap, err := p.declarator(false)
		if err != nil {
			return err
		}

		t := wrap(base)
		if first && anon != nil {
			if typedef && t == base {
				p.nameAnon(anon, name)
			} else {
				p.nameAnon(anon, "")
			}
		}

		switch {
		case p.isPunct("{"):
			return p.errorf(p.tok(), "function bodies are not supported")
		case p.isPunct("="):
			return p.errorf(p.tok(), "initializers are not supported")
		}

		d := Decl{Name: name, Type: t, Line: tok.Line}
		switch _, isFunc := t.(*FuncType); {
		case typedef:
			d.Kind = DeclTypedef
			p.typeNames[name] = true
		case isFunc:
			d.Kind = DeclFunction
		default:
			d.Kind = DeclVariable
		}
		p.decls = append(p.decls, d)

		if !p.accept(",") {
			break
		}
	}

	return p.expect(";")
}

// specifiers parses declaration specifiers into a base type. anon is
// non-nil when the base type is a tag definition still waiting for a name.
func (p *parser) specifiers(typedef *bool) (base TypeExpr, anon *anonTag, err error) {
	start := p.tok()

	var words []string
	var named string
	var tag TypeExpr

loop:
	for {
		tok := p.tok()
		if tok.Kind != TokenIdent {
			break
		}

		switch tok.Text {
		case "typedef":
			if typedef == nil {
				return nil, nil, p.errorf(tok, "typedef is not allowed here")
			}
			*typedef = true
			p.next()
		case "extern", "static", "inline", "__inline", "__inline__", "register", "__extension__",
			"const", "volatile", "restrict", "__restrict", "__restrict__", "__const":
			p.next()
		case "signed", "__signed__", "unsigned", "short", "long", "int", "char", "float", "double",
			"void", "_Bool", "bool", "_Float16", "__fp16", "__bf16":
			if named != "" || tag != nil {
				return nil, nil, p.errorf(tok, "unexpected %s after type", tok)
			}
			words = append(words, tok.Text)
			p.next()
		case "struct", "union", "enum":
			if named != "" || tag != nil || len(words) > 0 {
				return nil, nil, p.errorf(tok, "unexpected %s after type", tok)
			}
			tag, anon, err = p.tagSpecifier()
			if err != nil {
				return nil, nil, err
			}
		default:
			if named != "" || tag != nil || len(words) > 0 {
				break loop
			}
			named = tok.Text
			p.next()
		}
	}

	switch {
	case tag != nil:
		return tag, anon, nil
	case named != "":
		return &NamedType{Name: named}, nil, nil
	case len(words) > 0:
		name, err := primitiveName(words)
		if err != nil {
			return nil, nil, p.errorf(start, "%v", err)
		}
		return &NamedType{Name: name}, nil, nil
	default:
		return nil, nil, p.errorf(start, "expected type, found %s", start)
	}
}

func primitiveName(words []string) (string, error) {
	count := make(map[string]int)
	for _, w := range words {
		switch w {
		case "__signed__":
			w = "signed"
		case "_Bool":
			w = "bool"
		case "_Float16":
			w = "__fp16"
		}
		count[w]++
	}

	invalid := fmt.Errorf("invalid type %q", strings.Join(words, " "))

	bases := 0
	for _, b := range []string{"char", "int", "float", "double", "void", "bool", "__fp16", "__bf16"} {
		bases += count[b]
	}

	signed, unsigned, short, long := count["signed"], count["unsigned"], count["short"], count["long"]
	modifiers := signed + unsigned + short + long
	switch {
	case bases > 1, signed+unsigned > 1, long > 2, short > 1, short > 0 && long > 0:
		return "", invalid
	}

	prefix := ""
	if unsigned > 0 {
		prefix = "unsigned "
	}

	switch {
	case count["void"]+count["bool"]+count["float"]+count["__fp16"]+count["__bf16"] > 0:
		if modifiers > 0 {
			return "", invalid
		}
		for _, b := range []string{"void", "bool", "float", "__fp16", "__bf16"} {
			if count[b] > 0 {
				return b, nil
			}
		}
		return "", invalid
	case count["double"] > 0:
		if signed+unsigned+short > 0 || long > 1 {
			return "", invalid
		}
		if long == 1 {
			return "long double", nil
		}
		return "double", nil
	case count["char"] > 0:
		switch {
		case short+long > 0:
			return "", invalid
		case unsigned > 0:
			return "unsigned char", nil
		case signed > 0:
			return "signed char", nil
		}
		return "char", nil
	case short > 0:
		return prefix + "short", nil
	case long == 2:
		return prefix + "long long", nil
	case long == 1:
		return prefix + "long", nil
	default:
		return prefix + "int", nil
	}
}

func (p *parser) tagSpecifier() (TypeExpr, *anonTag, error) {
	kw := p.tok()
	p.next()

	kind := TagStruct
	switch kw.Text {
	case "union":
		kind = TagUnion
	case "enum":
		kind = TagEnum
	}

	ref := &TagType{Kind: kind}
	if tok := p.tok(); tok.Kind == TokenIdent && !keywords[tok.Text] {
		ref.Name = tok.Text
		p.next()
	}

	if !p.accept("{") {
		if ref.Name == "" {
			return nil, nil, p.errorf(kw, "expected %s name or body", kw.Text)
		}
		return ref, nil, nil
	}

	def := &TagDef{Kind: kind, Name: ref.Name, Body: true}

	var err error
	if kind == TagEnum {
		def.Enumerators, err = p.enumerators()
	} else {
		def.Fields, err = p.fields()
	}
	if err != nil {
		return nil, nil, err
	}

	if err := p.expect("}"); err != nil {
		return nil, nil, err
	}

	p.decls = append(p.decls, Decl{Kind: DeclTag, Name: ref.Name, Tag: def, Line: kw.Line})
	if ref.Name == "" {
		return ref, &anonTag{def: def, ref: ref, index: len(p.decls) - 1}, nil
	}
	return ref, nil, nil
}

func (p *parser) fields() ([]FieldDecl, error) {
	var fields []FieldDecl
	for !p.isPunct("}") {
		start := p.tok()
		if start.Kind == TokenEOF {
			return nil, p.errorf(start, "unterminated struct body")
		}

		base, anon, err := p.specifiers(nil)
		if err != nil {
			return nil, err
		}

		if p.accept(";") {
			if anon == nil {
				return nil, p.errorf(start, "member declaration does not declare anything")
			}
			p.nameAnon(anon, "")
			fields = append(fields, FieldDecl{Type: base})
			continue
		}

		for {
			var name string
			wrap := identity
			if !p.isPunct(":") {
				name, wrap, err = p.declarator(false)
				if err != nil {
					return nil, err
				}
			}

			if anon != nil {
				p.nameAnon(anon, "")
				anon = nil
			}

			f := FieldDecl{Name: name, Type: wrap(base)}
			if p.accept(":") {
				if f.Bits, err = p.expr(); err != nil {
					return nil, err
				}
			}
			fields = append(fields, f)

			if !p.accept(",") {
				break
			}
		}

		if err := p.expect(";"); err != nil {
			return nil, err
		}
	}

	return fields, nil
}

func (p *parser) enumerators() ([]EnumeratorDecl, error) {
	var values []EnumeratorDecl
	for !p.isPunct("}") {
		tok := p.tok()
		if tok.Kind != TokenIdent || keywords[tok.Text] {
			return nil, p.errorf(tok, "expected enumerator name, found %s", tok)
		}
		p.next()

		e := EnumeratorDecl{Name: tok.Text}
		if p.accept("=") {
			var err error
			if e.Value, err = p.expr(); err != nil {
				return nil, err
			}
		}
		values = append(values, e)

		if !p.accept(",") {
			break
		}
	}

	return values, nil
}

func identity(t TypeExpr) TypeExpr { return t }

// declarator parses pointers, the declared name and array/function
// suffixes. The returned function applies them to a base type.
func (p *parser) declarator(abstract bool) (string, func(TypeExpr) TypeExpr, error) {
	var pointers int
	for p.accept("*") {
		pointers++
		for tok := p.tok(); tok.Kind == TokenIdent; tok = p.tok() {
			switch tok.Text {
			case "const", "volatile", "restrict", "__restrict", "__restrict__", "__const":
				p.next()
				continue
			}
			break
		}
	}

	var name string
	inner := identity
	switch tok := p.tok(); {
	case tok.Kind == TokenPunct && tok.Text == "(" && p.nested():
		p.next()
		var err error
		if name, inner, err = p.declarator(abstract); err != nil {
			return "", nil, err
		}
		if err := p.expect(")"); err != nil {
			return "", nil, err
		}
	case tok.Kind == TokenIdent && !keywords[tok.Text]:
		name = tok.Text
		p.next()
	case !abstract:
		return "", nil, p.errorf(tok, "expected identifier, found %s", tok)
	}

	var suffixes []func(TypeExpr) TypeExpr
	for {
		if p.accept("[") {
			var n Expr
			if !p.isPunct("]") {
				var err error
				if n, err = p.expr(); err != nil {
					return "", nil, err
				}
			}
			if err := p.expect("]"); err != nil {
				return "", nil, err
			}
			suffixes = append(suffixes, func(t TypeExpr) TypeExpr { return &ArrayType{Elem: t, Len: n} })
		} else if p.accept("(") {
			params, varargs, err := p.params()
			if err != nil {
				return "", nil, err
			}
			suffixes = append(suffixes, func(t TypeExpr) TypeExpr { return &FuncType{Params: params, Result: t, Varargs: varargs} })
		} else {
			break
		}
	}

	return name, func(t TypeExpr) TypeExpr {
		for range pointers {
			t = &PointerType{Elem: t}
		}
		for i := len(suffixes) - 1; i >= 0; i-- {
			t = suffixes[i](t)
		}
		return inner(t)
	}, nil
}

// nested reports whether the "(" at the current token opens a nested
// declarator rather than a parameter list.
func (p *parser) nested() bool {
	tok := p.peek(1)
	switch tok.Kind {
	case TokenPunct:
		return tok.Text == "*" || tok.Text == "("
	case TokenIdent:
		return !p.isTypeName(tok.Text)
	}
	return false
}

func (p *parser) params() ([]Param, bool, error) {
	if p.accept(")") {
		return nil, false, nil
	}

	if tok := p.tok(); tok.Kind == TokenIdent && tok.Text == "void" {
		if next := p.peek(1); next.Kind == TokenPunct && next.Text == ")" {
			p.next()
			p.next()
			return nil, false, nil
		}
	}

	var params []Param
	var varargs bool
	for {
		if p.accept("...") {
			varargs = true
			break
		}

		base, anon, err := p.specifiers(nil)
		if err != nil {
			return nil, false, err
		}

		name, wrap, err := p.declarator(true)
		if err != nil {
			return nil, false, err
		}

		if anon != nil {
			p.nameAnon(anon, "")
		}

		params = append(params, Param{Name: name, Type: wrap(base)})
		if !p.accept(",") {
			break
		}
	}

	if err := p.expect(")"); err != nil {
		return nil, false, err
	}

	return params, varargs, nil
}

var precedence = map[string]int{
	"|": 1,
	"^": 2,
	"&": 3,
	"<<": 4, ">>": 4,
	"+": 5, "-": 5,
	"*": 6, "/": 6, "%": 6,
}

func (p *parser) expr() (Expr, error) {
	return p.binary(1)
}

func (p *parser) binary(minPrec int) (Expr, error) {
	x, err := p.unary()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.tok()
		prec, ok := precedence[tok.Text]
		if tok.Kind != TokenPunct || !ok || prec < minPrec {
			return x, nil
		}
		p.next()

		y, err := p.binary(prec + 1)
		if err != nil {
			return nil, err
		}
		x = &Binary{Op: tok.Text, X: x, Y: y}
	}
}

func (p *parser) unary() (Expr, error) {
	tok := p.tok()
	switch tok.Kind {
	case TokenInt:
		p.next()
		return &IntLit{Value: tok.Value, Text: tok.Text}, nil
	case TokenIdent:
		if keywords[tok.Text] {
			break
		}
		p.next()
		return &Ident{Name: tok.Text}, nil
	case TokenPunct:
		switch tok.Text {
		case "-", "+", "~", "!":
			p.next()
			x, err := p.unary()
			if err != nil {
				return nil, err
			}
			return &Unary{Op: tok.Text, X: x}, nil
		case "(":
			p.next()
			x, err := p.expr()
			if err != nil {
				return nil, err
			}
			return x, p.expect(")")
		}
	}

	return nil, p.errorf(tok, "expected constant expression, found %s", tok)
}
