package cvalue

import (
	"fmt"
	"math"
	"reflect"

	"github.com/x448/float16"

	"github.com/ollama/cffi/ctypes"
)

// Promote picks the C type a variadic argument is passed as, applying the
// default argument promotions: integers narrower than int become int, float
// becomes double and bool becomes int. Go int and int64 pass as long long,
// uintptr and Addressers as void *, strings as char *.
func Promote(target *ctypes.Target, v any) (ctypes.Type, any, error) {
	if tv, ok := v.(Typed); ok {
		return promoteTyped(target, tv)
	}

	p := target.MustPrimitive
	switch v := v.(type) {
	case nil:
		return target.PointerTo(target.Void()), uintptr(0), nil
	case bool:
		if v {
			return p("int"), int64(1), nil
		}
		return p("int"), int64(0), nil
	case uintptr:
		return target.PointerTo(target.Void()), v, nil
	case string:
		return target.PointerTo(p("char")), v, nil
	case Addresser:
		return target.PointerTo(target.Void()), v.Addr(), nil
	case float32:
		return p("double"), float64(v), nil
	case float64:
		return p("double"), v, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Uint8, reflect.Uint16:
		bits, _, _ := integer(v)
		return p("int"), int64(bits), nil
	case reflect.Uint32:
		return p("unsigned int"), rv.Uint(), nil
	case reflect.Int, reflect.Int64:
		return p("long long"), rv.Int(), nil
	case reflect.Uint, reflect.Uint64:
		return p("unsigned long long"), rv.Uint(), nil
	}

	return nil, nil, fmt.Errorf("cannot pass %T as a variadic argument: %w", v, ErrShape)
}

func promoteTyped(target *ctypes.Target, tv Typed) (ctypes.Type, any, error) {
	t := tv.Type
	if e, ok := t.(*ctypes.Enum); ok && e.IsComplete() {
		t = e.Base()
	}

	switch t := t.(type) {
	case *ctypes.Primitive:
		switch {
		case t.Encoding == ctypes.EncodingBool:
			return promoteInt(target, tv.Value)
		case t.IsInteger() && t.Size() < 4:
			return promoteInt(target, tv.Value)
		case t.Encoding == ctypes.EncodingFloat32, t.Encoding == ctypes.EncodingFloat16, t.Encoding == ctypes.EncodingBFloat16:
			f, ok := float(tv.Value)
			if !ok {
				return nil, nil, shapeError(t, tv.Value, "")
			}
			return target.MustPrimitive("double"), f, nil
		}
		return t, tv.Value, nil
	case *ctypes.Array:
		return target.PointerTo(t.Elem), tv.Value, nil
	case *ctypes.Function:
		return target.PointerTo(t), tv.Value, nil
	case *ctypes.Struct, *ctypes.Pointer:
		return t, tv.Value, nil
	}

	return nil, nil, fmt.Errorf("cannot pass %s as a variadic argument: %w", tv.Type, ErrShape)
}

func promoteInt(target *ctypes.Target, v any) (ctypes.Type, any, error) {
	bits, _, ok := integer(v)
	if !ok {
		return nil, nil, fmt.Errorf("cannot pass %T as int: %w", v, ErrShape)
	}
	return target.MustPrimitive("int"), int64(bits), nil
}

// Cast converts v to t with C cast semantics: integers wrap to the target
// width, floats truncate toward zero when cast to integers and round when
// narrowed, and pointers and integers convert freely.
func Cast(target *ctypes.Target, t ctypes.Type, v any) (Typed, error) {
	if tv, ok := v.(Typed); ok {
		v = tv.Value
	}

	base := t
	if e, ok := t.(*ctypes.Enum); ok {
		if !e.IsComplete() {
			return Typed{}, fmt.Errorf("%s: %w", t, ctypes.ErrIncomplete)
		}
		base = e.Base()
	}

	switch b := base.(type) {
	case *ctypes.Primitive:
		if b.IsInteger() {
			bits, ok := castBits(v)
			if !ok {
				return Typed{}, shapeError(t, v, "")
			}
			if b.Encoding == ctypes.EncodingBool {
				return Typed{Type: t, Value: bits != 0}, nil
			}
			return Typed{Type: t, Value: wrap(bits, b)}, nil
		}

		f, ok := float(v)
		if !ok {
			if p, ok := v.(uintptr); ok {
				f = float64(p)
			} else {
				return Typed{}, shapeError(t, v, "")
			}
		}

		switch b.Encoding {
		case ctypes.EncodingFloat32:
			f = float64(float32(f))
		case ctypes.EncodingFloat16:
			f = float64(float16.Fromfloat32(float32(f)).Float32())
		case ctypes.EncodingBFloat16:
			var buf [2]byte
			if err := encodePrimitive(target, b, f, buf[:]); err != nil {
				return Typed{}, err
			}
			f = decodePrimitive(target, b, buf[:]).(float64)
		}
		return Typed{Type: t, Value: f}, nil
	case *ctypes.Pointer:
		if p, err := pointerValue(v); err == nil {
			return Typed{Type: t, Value: p}, nil
		}
		bits, ok := castBits(v)
		if !ok {
			return Typed{}, shapeError(t, v, "")
		}
		return Typed{Type: t, Value: uintptr(wrap(bits, target.MustPrimitive("uintptr_t")).(uint64))}, nil
	}

	return Typed{}, fmt.Errorf("cannot cast to %s: %w", t, ErrShape)
}

// castBits returns the two's complement bits of an integral, floating or
// pointer value.
func castBits(v any) (uint64, bool) {
	if bits, _, ok := integer(v); ok {
		return bits, true
	}

	switch v := v.(type) {
	case Addresser:
		return uint64(v.Addr()), true
	case float32:
		return truncate(float64(v)), true
	case float64:
		return truncate(v), true
	}
	return 0, false
}

func truncate(f float64) uint64 {
	f = math.Trunc(f)
	switch {
	case math.IsNaN(f):
		return 0
	case f < 0:
		return uint64(int64(f))
	case f >= 1<<63:
		return uint64(math.Mod(f, 1<<64))
	default:
		return uint64(f)
	}
}

// wrap reduces bits to p's width, sign extending signed types.
func wrap(bits uint64, p *ctypes.Primitive) any {
	width := uint(p.Size() * 8)
	if width < 64 {
		bits &= 1<<width - 1
	}

	if !p.Signed {
		return bits
	}

	shift := 64 - width
	return int64(bits<<shift) >> shift
}
