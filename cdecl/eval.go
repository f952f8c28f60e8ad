package cdecl

import (
	"errors"

	"github.com/ollama/cffi/cparser"
)

var (
	errDivideByZero = errors.New("division by zero in constant expression")
	errShiftCount   = errors.New("shift count out of range in constant expression")
)

func (b *batch) eval(e cparser.Expr) (int64, error) {
	switch e := e.(type) {
	case *cparser.IntLit:
		return int64(e.Value), nil
	case *cparser.Ident:
		if v, ok := b.tables.constants[e.Name]; ok {
			return v, nil
		}
		return 0, &TypeError{Name: e.Name, Err: ErrUnknownConstant}
	case *cparser.Unary:
		x, err := b.eval(e.X)
		if err != nil {
			return 0, err
		}

		switch e.Op {
		case "-":
			return -x, nil
		case "~":
			return ^x, nil
		case "!":
			if x == 0 {
				return 1, nil
			}
			return 0, nil
		default:
			return x, nil
		}
	case *cparser.Binary:
		x, err := b.eval(e.X)
		if err != nil {
			return 0, err
		}

		y, err := b.eval(e.Y)
		if err != nil {
			return 0, err
		}

		switch e.Op {
		case "+":
			return x + y, nil
		case "-":
			return x - y, nil
		case "*":
			return x * y, nil
		case "/", "%":
			if y == 0 {
				return 0, &TypeError{Msg: e.String(), Err: errDivideByZero}
			}
			if e.Op == "/" {
				return x / y, nil
			}
			return x % y, nil
		case "<<", ">>":
			if y < 0 || y >= 64 {
				return 0, &TypeError{Msg: e.String(), Err: errShiftCount}
			}
			if e.Op == "<<" {
				return x << uint64(y), nil
			}
			return x >> uint64(y), nil
		case "&":
			return x & y, nil
		case "|":
			return x | y, nil
		case "^":
			return x ^ y, nil
		}
	}

	return 0, typeErrorf("", "unsupported constant expression %s", e)
}
