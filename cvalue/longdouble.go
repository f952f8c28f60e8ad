package cvalue

import (
	"encoding/binary"
	"math"

	"github.com/ollama/cffi/ctypes"
)

// putLongDouble stores f in the target's long double format. Every float64
// is exactly representable in both extended formats.
func putLongDouble(target *ctypes.Target, dst []byte, f float64) {
	clear(dst)

	switch target.LongDouble {
	case ctypes.LongDoubleX87:
		mant, se := x87Bits(f)
		binary.LittleEndian.PutUint64(dst[0:8], mant)
		binary.LittleEndian.PutUint16(dst[8:10], se)
	case ctypes.LongDoubleQuad:
		hi, lo := quadBits(f)
		if target.BigEndian {
			binary.BigEndian.PutUint64(dst[0:8], hi)
			binary.BigEndian.PutUint64(dst[8:16], lo)
		} else {
			binary.LittleEndian.PutUint64(dst[0:8], lo)
			binary.LittleEndian.PutUint64(dst[8:16], hi)
		}
	default:
		order(target).PutUint64(dst, math.Float64bits(f))
	}
}

// longDouble reads a long double and narrows it to float64.
func longDouble(target *ctypes.Target, src []byte) float64 {
	switch target.LongDouble {
	case ctypes.LongDoubleX87:
		return fromX87(binary.LittleEndian.Uint64(src[0:8]), binary.LittleEndian.Uint16(src[8:10]))
	case ctypes.LongDoubleQuad:
		if target.BigEndian {
			return fromQuad(binary.BigEndian.Uint64(src[0:8]), binary.BigEndian.Uint64(src[8:16]))
		}
		return fromQuad(binary.LittleEndian.Uint64(src[8:16]), binary.LittleEndian.Uint64(src[0:8]))
	default:
		return math.Float64frombits(order(target).Uint64(src))
	}
}

const (
	extBias   = 16383
	extExpMax = 0x7fff
)

func signBit(f float64) uint16 {
	if math.Signbit(f) {
		return 1 << 15
	}
	return 0
}

// x87Bits returns the explicit-integer-bit mantissa and the sign/exponent
// word of the 80-bit format.
func x87Bits(f float64) (uint64, uint16) {
	sign := signBit(f)
	switch {
	case f == 0:
		return 0, sign
	case math.IsInf(f, 0):
		return 1 << 63, sign | extExpMax
	case math.IsNaN(f):
		return 3 << 62, sign | extExpMax
	}

	m, e := math.Frexp(math.Abs(f))
	mant := uint64(math.Ldexp(m, 53)) << 11
	return mant, sign | uint16(e-1+extBias)
}

func fromX87(mant uint64, se uint16) float64 {
	neg := se&(1<<15) != 0
	exp := int(se &^ (1 << 15))

	var f float64
	switch {
	case exp == 0 && mant == 0:
		f = 0
	case exp == extExpMax:
		if mant<<1 == 0 {
			f = math.Inf(1)
		} else {
			f = math.NaN()
		}
	default:
		f = math.Ldexp(float64(mant), exp-extBias-63)
	}

	if neg {
		f = math.Copysign(f, -1)
	}
	return f
}

// quadBits splits an IEEE binary128 value into its high and low words.
func quadBits(f float64) (uint64, uint64) {
	sign := uint64(signBit(f)) << 48
	switch {
	case f == 0:
		return sign, 0
	case math.IsInf(f, 0):
		return sign | extExpMax<<48, 0
	case math.IsNaN(f):
		return sign | extExpMax<<48 | 1<<47, 0
	}

	m, e := math.Frexp(math.Abs(f))
	frac := uint64(math.Ldexp(m, 53)) &^ (1 << 52)
	exp := uint64(e - 1 + extBias)
	return sign | exp<<48 | frac>>4, frac << 60
}

func fromQuad(hi, lo uint64) float64 {
	neg := hi>>63 != 0
	exp := int(hi>>48) & extExpMax
	frac := (hi&(1<<48-1))<<4 | lo>>60

	var f float64
	switch {
	case exp == 0:
		f = math.Ldexp(float64(frac), 1-extBias-52)
	case exp == extExpMax:
		if frac == 0 && lo<<4 == 0 {
			f = math.Inf(1)
		} else {
			f = math.NaN()
		}
	default:
		f = math.Ldexp(float64(frac|1<<52), exp-extBias-52)
	}

	if neg {
		f = math.Copysign(f, -1)
	}
	return f
}
