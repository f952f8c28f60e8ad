package ffi

import (
	"errors"
	"fmt"

	"github.com/ollama/cffi/cdecl"
	"github.com/ollama/cffi/cparser"
)

// SyntaxError reports malformed declaration or type text.
type SyntaxError = cparser.SyntaxError

// TypeError reports a declaration conflict, a use of an incomplete type or
// a value that does not fit its C type. Name is the declaration or the
// argument position.
type TypeError = cdecl.TypeError

var ErrNotDeclared = errors.New("not declared")

// LookupError is returned when a library symbol cannot be resolved, either
// because it was never declared or because the library does not have it.
type LookupError struct {
	Library string
	Name    string
	Err     error
}

func (e *LookupError) Error() string {
	lib := e.Library
	if lib == "" {
		lib = "<process>"
	}
	return fmt.Sprintf("%s in %s: %v", e.Name, lib, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

func argError(fn string, i int, err error) error {
	return &TypeError{Name: fmt.Sprintf("%s argument %d", fn, i+1), Err: err}
}
