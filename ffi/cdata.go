package ffi

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/ollama/cffi/ctypes"
	"github.com/ollama/cffi/cvalue"
)

// CData is native memory allocated by a session, holding one value of a
// pointer's target type or the elements of an array.
type CData struct {
	session *Session
	typ     ctypes.Type
	elem    ctypes.Type
	addr    uintptr

	once sync.Once
	err  error
}

// New allocates zeroed native memory for typ, which must be a pointer or an
// array type: "int *" holds one int, "int[4]" four of them. An array of
// unknown length takes its length from init, either a count, a sequence or
// a string (which gets a NUL terminator). A non-nil init is stored as the
// initial value.
func (s *Session) New(typ string, init any) (*CData, error) {
	t, err := s.ParseType(typ, false)
	if err != nil {
		return nil, err
	}

	var elem ctypes.Type
	switch ct := t.(type) {
	case *ctypes.Pointer:
		elem = ct.Elem
	case *ctypes.Array:
		if ct.Len < 0 {
			n, ok := arrayLength(init)
			if !ok {
				return nil, typeErrorf(typ, "cannot size an array from %T", init)
			}
			if !ctypes.ArrayFits(ct.Elem, n) {
				return nil, &TypeError{Name: typ, Err: ctypes.ErrTooLarge}
			}
			if _, count := init.(int); count {
				init = nil
			}
			t = s.target.ArrayOf(ct.Elem, n)
			s.mu.Lock()
			t = s.resolver.Canonical(t)
			s.mu.Unlock()
		}
		elem = t
	default:
		return nil, typeErrorf(typ, "expected a pointer or array type, got %s", t)
	}

	if !ctypes.IsComplete(elem) {
		return nil, &TypeError{Name: typ, Err: ctypes.ErrIncomplete}
	}

	addr, err := s.backend.Alloc(max(elem.Size(), 1))
	if err != nil {
		return nil, err
	}

	c := &CData{session: s, typ: t, elem: elem, addr: addr}
	if init != nil {
		if err := c.Set(init); err != nil {
			return nil, errors.Join(err, c.Free())
		}
	}
	return c, nil
}

func arrayLength(init any) (int, bool) {
	switch v := init.(type) {
	case int:
		return v, v >= 0
	case string:
		return len(v) + 1, true
	case nil:
		return 0, false
	}

	rv := reflect.ValueOf(init)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return rv.Len(), true
	}
	return 0, false
}

// NewString copies s into a NUL terminated char array.
func (s *Session) NewString(str string) (*CData, error) {
	return s.New("char[]", str)
}

// String reads the NUL terminated string at addr.
func (s *Session) String(addr uintptr) (string, error) {
	if addr == 0 {
		return "", errors.New("NULL pointer")
	}

	var out []byte
	chunk := make([]byte, 64)
	for {
		if err := s.backend.Read(addr, chunk); err != nil {
			// the string may end close to the end of its block
			if len(chunk) == 1 {
				return "", err
			}
			chunk = chunk[:1]
			continue
		}

		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(out, chunk[:i]...)), nil
		}
		out = append(out, chunk...)
		addr += uintptr(len(chunk))
	}
}

// Type is the pointer or array type the data was allocated as.
func (c *CData) Type() ctypes.Type { return c.typ }

// Addr is the address of the first byte, so a CData can be passed where a
// pointer is expected.
func (c *CData) Addr() uintptr { return c.addr }

func (c *CData) bytes() ([]byte, error) {
	buf := make([]byte, c.elem.Size())
	if err := c.session.backend.Read(c.addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Value decodes the pointed to value, or all elements of an array.
func (c *CData) Value() (any, error) {
	buf, err := c.bytes()
	if err != nil {
		return nil, err
	}
	return cvalue.Decode(c.session.target, c.elem, buf)
}

func (c *CData) Set(v any) error {
	buf := make([]byte, c.elem.Size())
	if err := cvalue.Encode(c.session.target, c.elem, v, buf); err != nil {
		return &TypeError{Name: c.typ.String(), Err: err}
	}
	return c.session.backend.Write(c.addr, buf)
}

// Field reads a struct member by name; nested members use dots.
func (c *CData) Field(name string) (any, error) {
	f, err := fieldPath(c.elem, name)
	if err != nil {
		return nil, &TypeError{Name: c.typ.String(), Err: err}
	}

	buf, err := c.bytes()
	if err != nil {
		return nil, err
	}
	return cvalue.DecodeField(c.session.target, f, buf)
}

// SetField writes one struct member, leaving the others unchanged.
func (c *CData) SetField(name string, v any) error {
	f, err := fieldPath(c.elem, name)
	if err != nil {
		return &TypeError{Name: c.typ.String(), Err: err}
	}

	buf, err := c.bytes()
	if err != nil {
		return err
	}

	if err := cvalue.EncodeField(c.session.target, f, v, buf); err != nil {
		return &TypeError{Name: c.typ.String(), Err: err}
	}
	return c.session.backend.Write(c.addr, buf)
}

// Free releases the memory. It is idempotent.
func (c *CData) Free() error {
	c.once.Do(func() {
		c.err = c.session.backend.Free(c.addr)
	})
	return c.err
}

// Cast converts v to the named type with C cast semantics.
func (s *Session) Cast(typ string, v any) (cvalue.Typed, error) {
	t, err := s.ParseType(typ, false)
	if err != nil {
		return cvalue.Typed{}, err
	}

	tv, err := cvalue.Cast(s.target, t, v)
	if err != nil {
		return cvalue.Typed{}, &TypeError{Name: typ, Err: err}
	}
	return tv, nil
}

// DecodeStruct stores a decoded struct or union value of type t into out, a
// pointer to a Go struct, matching members to fields by name or cffi tag.
func DecodeStruct(t ctypes.Type, v any, out any) error {
	m, err := structMap(t, v)
	if err != nil {
		return err
	}

	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: cvalue.TagName,
		Result:  out,
	})
	if err != nil {
		return err
	}
	return d.Decode(m)
}

// structMap names the members of a decoded struct, recursively.
func structMap(t ctypes.Type, v any) (any, error) {
	switch t := t.(type) {
	case *ctypes.Struct:
		items, ok := v.([]any)
		if !ok || len(items) != len(t.Fields()) {
			return nil, fmt.Errorf("%T is not a decoded %s", v, t)
		}

		m := make(map[string]any, len(items))
		for i, f := range t.Fields() {
			if f.Name == "" {
				continue
			}
			fv, err := structMap(f.Type, items[i])
			if err != nil {
				return nil, err
			}
			m[f.Name] = fv
		}
		return m, nil
	case *ctypes.Array:
		items, ok := v.([]any)
		if !ok {
			return v, nil
		}
		out := make([]any, len(items))
		for i, item := range items {
			iv, err := structMap(t.Elem, item)
			if err != nil {
				return nil, err
			}
			out[i] = iv
		}
		return out, nil
	default:
		return v, nil
	}
}

// Decode stores the pointed to struct into out; see DecodeStruct.
func (c *CData) Decode(out any) error {
	v, err := c.Value()
	if err != nil {
		return err
	}
	return DecodeStruct(c.elem, v, out)
}
