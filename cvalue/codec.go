// Package cvalue converts between Go values and the native byte image of a
// C type.
//
// Decoded values use a fixed set of Go types: int64 or uint64 for integers
// (by signedness), bool, float64 for every floating type, uintptr for
// pointers, []any for structs, unions and arrays, and nil for void.
package cvalue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/mitchellh/mapstructure"
	"github.com/x448/float16"

	"github.com/ollama/cffi/ctypes"
)

var (
	ErrRange       = errors.New("value out of range")
	ErrShape       = errors.New("value does not match type")
	ErrUnencodable = errors.New("type has no value representation")
)

// Typed is a value with an explicit C type, as produced by Cast. Passing a
// Typed as a variadic argument fixes the C type it is passed as.
type Typed struct {
	Type  ctypes.Type
	Value any
}

func (t Typed) String() string {
	return fmt.Sprintf("%s(%v)", t.Type, t.Value)
}

// Addresser is implemented by values that stand for a native address.
type Addresser interface {
	Addr() uintptr
}

// TagName is the struct tag consulted when Go structs are encoded as C
// structs or decoded from them.
const TagName = "cffi"

func order(target *ctypes.Target) binary.ByteOrder {
	if target.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func shapeError(t ctypes.Type, v any, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if msg != "" {
		msg = ": " + msg
	}
	return fmt.Errorf("cannot use %T as %s%s: %w", v, t, msg, ErrShape)
}

// Encode writes v into dst as a value of type t. dst must be t.Size() bytes.
func Encode(target *ctypes.Target, t ctypes.Type, v any, dst []byte) error {
	if tv, ok := v.(Typed); ok {
		v = tv.Value
	}
	if n := t.Size(); n >= 0 && len(dst) < n {
		return fmt.Errorf("buffer of %d bytes too small for %s", len(dst), t)
	}

	switch t := t.(type) {
	case *ctypes.Primitive:
		return encodePrimitive(target, t, v, dst)
	case *ctypes.Enum:
		if !t.IsComplete() {
			return fmt.Errorf("%s: %w", t, ctypes.ErrIncomplete)
		}
		if s, ok := v.(string); ok {
			for _, e := range t.Values() {
				if e.Name == s {
					return encodePrimitive(target, t.Base(), e.Value, dst)
				}
			}
			return shapeError(t, v, "no enumerator %s", s)
		}
		return encodePrimitive(target, t.Base(), v, dst)
	case *ctypes.Pointer:
		p, err := pointerValue(v)
		if err != nil {
			return shapeError(t, v, "")
		}
		putUint(target, dst[:t.Size()], uint64(p))
		return nil
	case *ctypes.Array:
		return encodeArray(target, t, v, dst)
	case *ctypes.Struct:
		if !t.IsComplete() {
			return fmt.Errorf("%s: %w", t, ctypes.ErrIncomplete)
		}
		return encodeStruct(target, t, v, dst)
	default:
		return fmt.Errorf("%s: %w", t, ErrUnencodable)
	}
}

func pointerValue(v any) (uintptr, error) {
	switch v := v.(type) {
	case nil:
		return 0, nil
	case uintptr:
		return v, nil
	case Addresser:
		return v.Addr(), nil
	}
	return 0, ErrShape
}

func putUint(target *ctypes.Target, dst []byte, u uint64) {
	o := order(target)
	switch len(dst) {
	case 1:
		dst[0] = byte(u)
	case 2:
		o.PutUint16(dst, uint16(u))
	case 4:
		o.PutUint32(dst, uint32(u))
	case 8:
		o.PutUint64(dst, u)
	}
}

func getUint(target *ctypes.Target, src []byte) uint64 {
	o := order(target)
	switch len(src) {
	case 1:
		return uint64(src[0])
	case 2:
		return uint64(o.Uint16(src))
	case 4:
		return uint64(o.Uint32(src))
	case 8:
		return o.Uint64(src)
	}
	return 0
}

// integer extracts an integral Go value. neg reports a negative value whose
// two's complement is in bits.
func integer(v any) (bits uint64, neg bool, ok bool) {
	switch v := v.(type) {
	case bool:
		if v {
			return 1, false, true
		}
		return 0, false, true
	case string:
		if len(v) == 1 {
			return uint64(v[0]), false, true
		}
		return 0, false, false
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		return uint64(i), i < 0, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), false, true
	}
	return 0, false, false
}

func float(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	}
	return 0, false
}

// fits reports whether an integer fits a size-byte C integer.
func fits(bits uint64, neg bool, size int, signed bool) bool {
	width := uint(size * 8)
	switch {
	case signed && neg:
		return width == 64 || int64(bits) >= -(1<<(width-1))
	case signed:
		return bits <= 1<<(width-1)-1
	case neg:
		return false
	default:
		return width == 64 || bits < 1<<width
	}
}

func encodePrimitive(target *ctypes.Target, p *ctypes.Primitive, v any, dst []byte) error {
	dst = dst[:p.Size()]

	switch p.Encoding {
	case ctypes.EncodingInt, ctypes.EncodingBool:
		bits, neg, ok := integer(v)
		if !ok {
			return shapeError(p, v, "")
		}
		if p.Encoding == ctypes.EncodingBool && (neg || bits > 1) {
			return fmt.Errorf("%v as %s: %w", v, p, ErrRange)
		}
		if !fits(bits, neg, p.Size(), p.Signed) {
			return fmt.Errorf("%v as %s: %w", v, p, ErrRange)
		}
		putUint(target, dst, bits)
		return nil
	}

	f, ok := float(v)
	if !ok {
		return shapeError(p, v, "")
	}

	switch p.Encoding {
	case ctypes.EncodingFloat32:
		order(target).PutUint32(dst, math.Float32bits(float32(f)))
	case ctypes.EncodingFloat64:
		order(target).PutUint64(dst, math.Float64bits(f))
	case ctypes.EncodingLongDouble:
		putLongDouble(target, dst, f)
	case ctypes.EncodingFloat16:
		order(target).PutUint16(dst, float16.Fromfloat32(float32(f)).Bits())
	case ctypes.EncodingBFloat16:
		b := bfloat16.EncodeFloat32([]float32{float32(f)})
		order(target).PutUint16(dst, binary.LittleEndian.Uint16(b))
	}
	return nil
}

// sequence returns the elements of a Go slice or array.
func sequence(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		s := make([]any, rv.Len())
		for i := range s {
			s[i] = rv.Index(i).Interface()
		}
		return s, true
	}
	return nil, false
}

func encodeArray(target *ctypes.Target, a *ctypes.Array, v any, dst []byte) error {
	elem := a.Elem
	size := elem.Size()
	if size < 0 {
		return fmt.Errorf("%s: %w", elem, ctypes.ErrIncomplete)
	}

	n := a.Len
	if n < 0 {
		n = len(dst) / max(size, 1)
	}

	// char arrays take strings and byte slices
	if p, ok := elem.(*ctypes.Primitive); ok && size == 1 && p.IsInteger() {
		var b []byte
		switch v := v.(type) {
		case string:
			b = []byte(v)
		case []byte:
			b = v
		}
		if b != nil {
			if len(b) > n {
				return fmt.Errorf("%d bytes into %s: %w", len(b), a, ErrRange)
			}
			clear(dst[:n])
			copy(dst, b)
			return nil
		}
	}

	items, ok := sequence(v)
	if !ok {
		return shapeError(a, v, "")
	}
	if len(items) > n {
		return fmt.Errorf("%d items into %s: %w", len(items), a, ErrRange)
	}

	clear(dst[:n*size])
	for i, item := range items {
		if err := Encode(target, elem, item, dst[i*size:(i+1)*size]); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	return nil
}

// structItems maps v onto the struct's fields in order. Entries left nil
// leave their field zeroed.
func structItems(s *ctypes.Struct, v any) ([]any, error) {
	fields := s.Fields()
	items := make([]any, len(fields))

	if seq, ok := sequence(v); ok {
		switch {
		case len(seq) == len(fields):
			copy(items, seq)
		case s.Union && len(seq) == 1 && len(fields) > 0:
			items[0] = seq[0]
		default:
			return nil, shapeError(s, v, "%d values for %d fields", len(seq), len(fields))
		}
		return items, nil
	}

	var m map[string]any
	switch mv := v.(type) {
	case map[string]any:
		m = mv
	default:
		if reflect.Indirect(reflect.ValueOf(v)).Kind() != reflect.Struct {
			if s.Union && len(fields) > 0 {
				items[0] = v
				return items, nil
			}
			return nil, shapeError(s, v, "")
		}

		d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: TagName, Result: &m})
		if err != nil {
			return nil, err
		}
		if err := d.Decode(v); err != nil {
			return nil, err
		}
	}

	for k, val := range m {
		i := fieldIndex(fields, k)
		if i < 0 {
			return nil, shapeError(s, v, "no field %s", k)
		}
		items[i] = val
	}
	return items, nil
}

// fieldIndex finds a field by name, falling back to a case-insensitive
// match so exported Go field names find their C members.
func fieldIndex(fields []ctypes.Field, name string) int {
	fold := -1
	for i, f := range fields {
		switch {
		case f.Name == "":
		case f.Name == name:
			return i
		case fold < 0 && strings.EqualFold(f.Name, name):
			fold = i
		}
	}
	return fold
}

func encodeStruct(target *ctypes.Target, s *ctypes.Struct, v any, dst []byte) error {
	items, err := structItems(s, v)
	if err != nil {
		return err
	}

	clear(dst[:s.Size()])

	initialized := 0
	for i, f := range s.Fields() {
		if items[i] == nil {
			continue
		}

		if initialized++; s.Union && initialized > 1 {
			return shapeError(s, v, "more than one union member")
		}

		if err := encodeField(target, f, items[i], dst); err != nil {
			return err
		}
	}
	return nil
}

// EncodeField writes one member into the image of its struct, leaving the
// bytes and bits of the other members alone.
func EncodeField(target *ctypes.Target, f ctypes.Field, v any, dst []byte) error {
	if !f.IsBitfield() && f.Type.Size() < 0 {
		return fmt.Errorf("%s: %w", f.Name, ctypes.ErrIncomplete)
	}
	return encodeField(target, f, v, dst)
}

func encodeField(target *ctypes.Target, f ctypes.Field, v any, dst []byte) error {
	name := f.Name
	if name == "" {
		name = "<anonymous>"
	}

	if !f.IsBitfield() {
		size := f.Type.Size()
		if err := Encode(target, f.Type, v, dst[f.Offset:f.Offset+size]); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}

	if tv, ok := v.(Typed); ok {
		v = tv.Value
	}

	p := bitfieldBase(f.Type)
	bits, neg, ok := integer(v)
	if !ok {
		return fmt.Errorf("%s: %w", name, shapeError(f.Type, v, ""))
	}
	if !fitsBits(bits, neg, f.BitSize, p.Signed) {
		return fmt.Errorf("%s: %v in %d bits: %w", name, v, f.BitSize, ErrRange)
	}

	unit := dst[f.Offset : f.Offset+p.Size()]
	mask := uint64(1)<<f.BitSize - 1
	word := getUint(target, unit)
	word = word&^(mask<<f.BitShift()) | (bits&mask)<<f.BitShift()
	putUint(target, unit, word)
	return nil
}

func fitsBits(bits uint64, neg bool, width int, signed bool) bool {
	switch {
	case signed && !neg && bits > math.MaxInt64, !signed && neg:
		return false
	case width >= 64:
		return true
	case signed:
		i := int64(bits)
		return i >= -(1<<(width-1)) && i <= 1<<(width-1)-1
	default:
		return bits < 1<<width
	}
}

func bitfieldBase(t ctypes.Type) *ctypes.Primitive {
	if e, ok := t.(*ctypes.Enum); ok {
		return e.Base()
	}
	return t.(*ctypes.Primitive)
}

// Decode reads a value of type t from src.
func Decode(target *ctypes.Target, t ctypes.Type, src []byte) (any, error) {
	switch t := t.(type) {
	case *ctypes.Void:
		return nil, nil
	case *ctypes.Primitive:
		return decodePrimitive(target, t, src[:t.Size()]), nil
	case *ctypes.Enum:
		if !t.IsComplete() {
			return nil, fmt.Errorf("%s: %w", t, ctypes.ErrIncomplete)
		}
		return decodePrimitive(target, t.Base(), src[:t.Size()]), nil
	case *ctypes.Pointer:
		return uintptr(getUint(target, src[:t.Size()])), nil
	case *ctypes.Array:
		if t.Len < 0 || t.Elem.Size() < 0 {
			return nil, fmt.Errorf("%s: %w", t, ctypes.ErrIncomplete)
		}
		size := t.Elem.Size()
		items := make([]any, t.Len)
		for i := range items {
			v, err := Decode(target, t.Elem, src[i*size:(i+1)*size])
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return items, nil
	case *ctypes.Struct:
		if !t.IsComplete() {
			return nil, fmt.Errorf("%s: %w", t, ctypes.ErrIncomplete)
		}
		items := make([]any, 0, len(t.Fields()))
		for _, f := range t.Fields() {
			v, err := DecodeField(target, f, src)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("%s: %w", t, ErrUnencodable)
	}
}

// DecodeField reads one member out of the image of its struct.
func DecodeField(target *ctypes.Target, f ctypes.Field, src []byte) (any, error) {
	if !f.IsBitfield() {
		if size := f.Type.Size(); size > 0 {
			return Decode(target, f.Type, src[f.Offset:f.Offset+size])
		}
		// flexible array member
		return []any{}, nil
	}

	p := bitfieldBase(f.Type)
	word := getUint(target, src[f.Offset:f.Offset+p.Size()])
	bits := word >> f.BitShift() & (uint64(1)<<f.BitSize - 1)

	switch {
	case p.Encoding == ctypes.EncodingBool:
		return bits != 0, nil
	case p.Signed:
		shift := 64 - f.BitSize
		return int64(bits<<shift) >> shift, nil
	default:
		return bits, nil
	}
}

func decodePrimitive(target *ctypes.Target, p *ctypes.Primitive, src []byte) any {
	o := order(target)

	switch p.Encoding {
	case ctypes.EncodingBool:
		return src[0] != 0
	case ctypes.EncodingFloat32:
		return float64(math.Float32frombits(o.Uint32(src)))
	case ctypes.EncodingFloat64:
		return math.Float64frombits(o.Uint64(src))
	case ctypes.EncodingLongDouble:
		return longDouble(target, src)
	case ctypes.EncodingFloat16:
		return float64(float16.Frombits(o.Uint16(src)).Float32())
	case ctypes.EncodingBFloat16:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], o.Uint16(src))
		return float64(bfloat16.DecodeFloat32(b[:])[0])
	}

	u := getUint(target, src)
	if !p.Signed {
		return u
	}

	shift := 64 - uint(len(src)*8)
	return int64(u<<shift) >> shift
}
