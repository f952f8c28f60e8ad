package cparser

import (
	"fmt"
	"strconv"
	"strings"
)

type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenIdent
	TokenInt
	TokenPunct
	TokenHash
)

func (k TokenKind) String() string {
	switch k {
	case TokenEOF:
		return "end of input"
	case TokenIdent:
		return "identifier"
	case TokenInt:
		return "integer"
	case TokenPunct:
		return "punctuation"
	case TokenHash:
		return "directive"
	default:
		return "unknown"
	}
}

type Token struct {
	Kind  TokenKind
	Text  string
	Value uint64
	Line  int
	Col   int
}

func (t Token) String() string {
	if t.Kind == TokenEOF {
		return t.Kind.String()
	}
	return strconv.Quote(t.Text)
}

// SyntaxError reports malformed declaration text at a position, with the
// source fragment starting there.
type SyntaxError struct {
	Line     int
	Col      int
	Fragment string
	Msg      string
}

func (e *SyntaxError) Error() string {
	if e.Fragment == "" {
		return fmt.Sprintf("%d:%d: %s", e.Line, e.Col, e.Msg)
	}
	return fmt.Sprintf("%d:%d: %s: %q", e.Line, e.Col, e.Msg, e.Fragment)
}

const maxFragment = 40

func fragment(src string, line, col int) string {
	lines := strings.Split(src, "\n")
	if line < 1 || line > len(lines) {
		return ""
	}

	s := lines[line-1]
	if col-1 < len(s) {
		s = s[col-1:]
	} else {
		s = ""
	}

	s = strings.TrimSpace(s)
	if len(s) > maxFragment {
		s = s[:maxFragment] + "..."
	}
	return s
}

var puncts = []string{"...", "<<", ">>", "*", "(", ")", "[", "]", "{", "}", ",", ";", ":", "=", "+", "-", "~", "|", "&", "^", "/", "%", "!"}

// Lexer splits comment-free declaration text into tokens.
type Lexer struct {
	src  string
	pos  int
	line int
	col  int
}

func NewLexer(src string) *Lexer {
	return &Lexer{src: src, line: 1, col: 1}
}

func (l *Lexer) errorf(line, col int, format string, args ...any) error {
	return &SyntaxError{Line: line, Col: col, Fragment: fragment(l.src, line, col), Msg: fmt.Sprintf(format, args...)}
}

func (l *Lexer) advance(n int) {
	for i := 0; i < n; i++ {
		if l.src[l.pos] == '\n' {
			l.line, l.col = l.line+1, 1
		} else {
			l.col++
		}
		l.pos++
	}
}

func (l *Lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch c := l.src[l.pos]; {
		case c == ' ', c == '\t', c == '\n', c == '\r', c == '\f', c == '\v':
			l.advance(1)
		case c == '\\' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '\n':
			l.advance(2)
		default:
			return
		}
	}
}

// Next returns the next token; at the end of input it keeps returning
// TokenEOF.
func (l *Lexer) Next() (Token, error) {
	l.skipSpace()

	tok := Token{Line: l.line, Col: l.col}
	if l.pos >= len(l.src) {
		tok.Kind = TokenEOF
		return tok, nil
	}

	start := l.pos
	c := l.src[l.pos]
	switch {
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.advance(1)
		}
		tok.Kind, tok.Text = TokenIdent, l.src[start:l.pos]
		return tok, nil
	case isDigit(c):
		return l.number(tok)
	case c == '\'':
		return l.char(tok)
	case c == '#':
		l.advance(1)
		tok.Kind, tok.Text = TokenHash, "#"
		return tok, nil
	}

	for _, p := range puncts {
		if strings.HasPrefix(l.src[l.pos:], p) {
			l.advance(len(p))
			tok.Kind, tok.Text = TokenPunct, p
			return tok, nil
		}
	}

	return tok, l.errorf(tok.Line, tok.Col, "unexpected character %q", c)
}

func (l *Lexer) number(tok Token) (Token, error) {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
		l.advance(1)
	}

	tok.Kind, tok.Text = TokenInt, l.src[start:l.pos]
	digits := strings.TrimRight(strings.ToLower(tok.Text), "ul")

	base := 10
	switch {
	case strings.HasPrefix(digits, "0x"):
		base, digits = 16, digits[2:]
	case strings.HasPrefix(digits, "0b"):
		base, digits = 2, digits[2:]
	case len(digits) > 1 && digits[0] == '0':
		base, digits = 8, digits[1:]
	}

	v, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		return tok, l.errorf(tok.Line, tok.Col, "invalid integer literal %s", tok.Text)
	}
	tok.Value = v
	return tok, nil
}

var escapes = map[byte]uint64{'n': '\n', 't': '\t', 'r': '\r', '0': 0, '\\': '\\', '\'': '\'', '"': '"', 'a': 7, 'b': 8, 'f': 12, 'v': 11}

func (l *Lexer) char(tok Token) (Token, error) {
	start := l.pos
	rest := l.src[l.pos:]

	var n int
	switch {
	case len(rest) >= 3 && rest[1] != '\\' && rest[2] == '\'':
		tok.Value, n = uint64(rest[1]), 3
	case len(rest) >= 4 && rest[1] == '\\' && rest[3] == '\'':
		v, ok := escapes[rest[2]]
		if !ok {
			return tok, l.errorf(tok.Line, tok.Col, "unknown escape in character literal")
		}
		tok.Value, n = v, 4
	default:
		return tok, l.errorf(tok.Line, tok.Col, "invalid character literal")
	}

	l.advance(n)
	tok.Kind, tok.Text = TokenInt, l.src[start:l.pos]
	return tok, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }

// Tokenize lexes all of src.
func Tokenize(src string) ([]Token, error) {
	l := NewLexer(src)

	var toks []Token
	for {
		tok, err := l.Next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.Kind == TokenEOF {
			return toks, nil
		}
	}
}
