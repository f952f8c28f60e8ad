package ctypes

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrIncomplete    = errors.New("incomplete type")
	ErrBadBitfield   = errors.New("invalid bitfield")
	ErrFlexibleArray = errors.New("flexible array member not at end of struct")
	ErrTooLarge      = errors.New("object too large")
)

// MaxSize is the largest object size in bytes. Bit offsets of its members
// still fit an int.
const MaxSize = math.MaxInt / 8

// ArrayFits reports whether n elements of elem stay within MaxSize.
func ArrayFits(elem Type, n int) bool {
	size := elem.Size()
	return n <= 0 || size <= 0 || n <= MaxSize/size
}

// FieldSpec is a member as declared, before layout. BitSize is -1 for
// ordinary members.
type FieldSpec struct {
	Name    string
	Type    Type
	BitSize int
}

// Layout places fields using System V rules: every member at the next
// multiple of its alignment, the aggregate rounded up to its largest member
// alignment. Bitfields are packed into storage units of their declared type
// and never straddle a unit; a zero width bitfield closes the current unit.
// Union members all start at offset zero.
func Layout(specs []FieldSpec, union bool) (fields []Field, size, align int, err error) {
	align = 1
	var bitpos, maxSize int

	for i, spec := range specs {
		t := spec.Type
		tsize, talign := t.Size(), t.Align()

		if spec.BitSize >= 0 {
			p, ok := integerBase(t)
			if !ok {
				return nil, 0, 0, fmt.Errorf("field %q: %w: %s is not an integer type", spec.Name, ErrBadBitfield, t)
			}
			unit := p.Size() * 8
			switch {
			case spec.BitSize > unit:
				return nil, 0, 0, fmt.Errorf("field %q: %w: width %d exceeds %s", spec.Name, ErrBadBitfield, spec.BitSize, t)
			case spec.BitSize == 0 && spec.Name != "":
				return nil, 0, 0, fmt.Errorf("field %q: %w: zero width", spec.Name, ErrBadBitfield)
			}

			if union {
				if spec.BitSize > 0 {
					fields = append(fields, Field{Name: spec.Name, Type: t, BitSize: spec.BitSize})
				}
				maxSize = max(maxSize, tsize)
				if spec.Name != "" {
					align = max(align, talign)
				}
				continue
			}

			if spec.BitSize == 0 {
				bitpos = alignUp(bitpos, p.Align()*8)
				continue
			}

			if bitpos/unit != (bitpos+spec.BitSize-1)/unit {
				bitpos = alignUp(bitpos, unit)
			}

			fields = append(fields, Field{
				Name:      spec.Name,
				Type:      t,
				Offset:    bitpos / unit * tsize,
				BitOffset: bitpos,
				BitSize:   spec.BitSize,
			})
			bitpos += spec.BitSize
			if spec.Name != "" {
				align = max(align, talign)
			}
			continue
		}

		if tsize < 0 {
			// int data[] as the last member of a struct
			if a, ok := t.(*Array); ok && a.Len < 0 && a.Elem.Size() >= 0 && !union {
				if i != len(specs)-1 {
					return nil, 0, 0, fmt.Errorf("field %q: %w", spec.Name, ErrFlexibleArray)
				}
				tsize, talign = 0, a.Elem.Align()
			} else {
				return nil, 0, 0, fmt.Errorf("field %q: %w: %s", spec.Name, ErrIncomplete, t)
			}
		}

		off := 0
		if !union {
			off = alignUp((bitpos+7)/8, talign)
			if tsize > MaxSize-off {
				return nil, 0, 0, fmt.Errorf("field %q: %w", spec.Name, ErrTooLarge)
			}
			bitpos = (off + tsize) * 8
		}
		maxSize = max(maxSize, tsize)
		align = max(align, talign)
		fields = append(fields, Field{Name: spec.Name, Type: t, Offset: off, BitOffset: off * 8, BitSize: -1})
	}

	if union {
		size = maxSize
	} else {
		size = (bitpos + 7) / 8
	}
	return fields, alignUp(size, align), align, nil
}

func integerBase(t Type) (*Primitive, bool) {
	switch t := t.(type) {
	case *Primitive:
		return t, t.IsInteger()
	case *Enum:
		if t.IsComplete() {
			return t.Base(), true
		}
	}
	return nil, false
}

func alignUp(n, a int) int {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}
