package ffi

import (
	"fmt"
	"sync"

	"github.com/ollama/cffi/backend"
	"github.com/ollama/cffi/ctypes"
	"github.com/ollama/cffi/cvalue"
	"github.com/ollama/cffi/logutil"
)

// CallbackFunc receives a callback's arguments decoded as by cvalue.Decode
// and returns the value to encode into the native return slot. The result
// is ignored for void callbacks.
type CallbackFunc func(args ...any) (any, error)

// Callback is a Go function exposed to native code as a function pointer.
type Callback struct {
	session *Session
	typ     *ctypes.Function
	handle  backend.Type
	cb      backend.Callback
	fn      CallbackFunc

	once sync.Once
	err  error
}

// Callback wraps fn as a native function with the given signature, a
// function type such as "int(int, int)", a pointer to one, or a typedef of
// either. The callback stays valid until Free or Close.
//
// An error or panic from fn, or a result that cannot be encoded, is logged
// and the native caller sees a zeroed return value.
func (s *Session) Callback(signature string, fn CallbackFunc) (*Callback, error) {
	ft, err := s.functionType(signature)
	if err != nil {
		return nil, err
	}
	if ft.Varargs {
		return nil, typeErrorf(signature, "callbacks cannot be variadic")
	}
	for i, arg := range ft.Args {
		if !ctypes.IsComplete(arg) {
			return nil, argError(signature, i, ctypes.ErrIncomplete)
		}
	}

	h, err := s.Realize(ft)
	if err != nil {
		return nil, err
	}

	c := &Callback{session: s, typ: ft, handle: h, fn: fn}
	if c.cb, err = s.backend.NewCallback(h, c.invoke); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.callbacks[c] = struct{}{}
	s.mu.Unlock()

	s.log.Debug("callback created", "signature", ft, logutil.Addr("addr", c.cb.Addr()))
	return c, nil
}

func (c *Callback) Type() *ctypes.Function { return c.typ }

// Addr is the native entry point, valid until Free.
func (c *Callback) Addr() uintptr { return c.cb.Addr() }

// Free releases the native entry point. Native code must not call it
// afterwards. Free is idempotent.
func (c *Callback) Free() error {
	s := c.session
	s.mu.Lock()
	delete(s.callbacks, c)
	s.mu.Unlock()
	return c.free()
}

func (c *Callback) free() error {
	c.once.Do(func() {
		c.session.log.Debug("callback freed", logutil.Addr("addr", c.cb.Addr()))
		c.err = c.cb.Free()
	})
	return c.err
}

// invoke runs on whatever thread native code calls from. Everything it
// touches is local to the invocation.
func (c *Callback) invoke(raw [][]byte, ret []byte) {
	s := c.session
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("callback panicked", "signature", c.typ, "panic", r)
			clear(ret)
		}
	}()

	if err := c.run(raw, ret); err != nil {
		s.log.Error("callback failed", "signature", c.typ, "error", err)
		clear(ret)
	}
}

func (c *Callback) run(raw [][]byte, ret []byte) error {
	s := c.session
	if len(raw) != len(c.typ.Args) {
		return fmt.Errorf("called with %d arguments, want %d", len(raw), len(c.typ.Args))
	}

	args := make([]any, len(raw))
	for i, t := range c.typ.Args {
		v, err := cvalue.Decode(s.target, t, raw[i])
		if err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
		args[i] = v
	}

	s.trace("callback", "signature", c.typ, "args", len(args))
	result, err := c.fn(args...)
	if err != nil {
		return err
	}

	if c.typ.Result.Kind() == ctypes.KindVoid {
		return nil
	}
	if err := cvalue.Encode(s.target, c.typ.Result, result, ret); err != nil {
		return fmt.Errorf("result: %w", err)
	}
	return nil
}
