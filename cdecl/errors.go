package cdecl

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownType     = errors.New("unknown type name")
	ErrUnknownConstant = errors.New("unknown constant")
	ErrRedefinition    = errors.New("conflicting redefinition")
)

// TypeError is a semantic error in a declaration or a type use. Name is the
// declaration, argument or field the error is about.
type TypeError struct {
	Name string
	Line int
	Msg  string
	Err  error
}

func (e *TypeError) Error() string {
	var msg string
	switch {
	case e.Msg != "" && e.Err != nil:
		msg = e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		msg = e.Msg
	case e.Err != nil:
		msg = e.Err.Error()
	}

	if e.Name != "" {
		msg = e.Name + ": " + msg
	}
	if e.Line > 0 {
		msg = fmt.Sprintf("line %d: %s", e.Line, msg)
	}
	return msg
}

func (e *TypeError) Unwrap() error {
	return e.Err
}

func typeErrorf(name string, format string, args ...any) *TypeError {
	return &TypeError{Name: name, Msg: fmt.Sprintf(format, args...)}
}
