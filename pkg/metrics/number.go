package metrics

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
)

// number is an exact running sum. Integers stay on the int64 fast path until
// the first float arrives; from then on the sum is held as a big.Rat so that
// addition is associative and partial sums from different workers combine to
// the same bits regardless of order.
type number struct {
	i int64
	r *big.Rat
}

func (n *number) isFloat() bool {
	return n.r != nil
}

func (n *number) add(v numeric) {
	if v.isFloat {
		n.promote()
		n.r.Add(n.r, v.rat())
		return
	}
	if n.r != nil {
		n.r.Add(n.r, new(big.Rat).SetInt64(v.i))
		return
	}
	n.i += v.i
}

func (n *number) addNumber(o number) {
	if o.r != nil {
		n.promote()
		n.r.Add(n.r, o.r)
		return
	}
	if n.r != nil {
		n.r.Add(n.r, new(big.Rat).SetInt64(o.i))
		return
	}
	n.i += o.i
}

func (n *number) sub(o number) number {
	out := n.clone()
	if o.r != nil || out.r != nil {
		out.promote()
		if o.r != nil {
			out.r.Sub(out.r, o.r)
		} else {
			out.r.Sub(out.r, new(big.Rat).SetInt64(o.i))
		}
		return out
	}
	out.i -= o.i
	return out
}

func (n *number) promote() {
	if n.r == nil {
		n.r = new(big.Rat).SetInt64(n.i)
		n.i = 0
	}
}

func (n number) clone() number {
	if n.r == nil {
		return number{i: n.i}
	}
	return number{r: new(big.Rat).Set(n.r)}
}

func (n number) isZero() bool {
	if n.r != nil {
		return n.r.Sign() == 0
	}
	return n.i == 0
}

func (n number) float() float64 {
	if n.r != nil {
		f, _ := n.r.Float64()
		return f
	}
	return float64(n.i)
}

// value returns int64 for integer sums and float64 once any float was added.
func (n number) value() interface{} {
	if n.r != nil {
		return n.float()
	}
	return n.i
}

// numeric is a single observed value.
type numeric struct {
	i       int64
	f       float64
	isFloat bool
}

func (v numeric) float() float64 {
	if v.isFloat {
		return v.f
	}
	return float64(v.i)
}

func (v numeric) rat() *big.Rat {
	if v.isFloat {
		return new(big.Rat).SetFloat64(v.f)
	}
	return new(big.Rat).SetInt64(v.i)
}

func (v numeric) value() interface{} {
	if v.isFloat {
		return v.f
	}
	return v.i
}

// less orders numerics by value alone; an int and an equal float are
// neither less than the other.
func (v numeric) less(o numeric) bool {
	if !v.isFloat && !o.isFloat {
		return v.i < o.i
	}
	return v.float() < o.float()
}

func (v numeric) equal(o numeric) bool {
	return v.isFloat == o.isFloat && v.float() == o.float() && v.i == o.i
}

// toNumeric coerces a dynamically typed value. Numeric strings are accepted
// because parsers commonly leave numbers as text.
func toNumeric(v interface{}) (numeric, error) {
	switch t := v.(type) {
	case int64:
		return numeric{i: t}, nil
	case int:
		return numeric{i: int64(t)}, nil
	case int32:
		return numeric{i: int64(t)}, nil
	case uint32:
		return numeric{i: int64(t)}, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return numeric{}, fmt.Errorf("non-finite value %v", t)
		}
		return numeric{f: t, isFloat: true}, nil
	case float32:
		return toNumeric(float64(t))
	case bool:
		if t {
			return numeric{i: 1}, nil
		}
		return numeric{i: 0}, nil
	case string:
		if i, err := strconv.ParseInt(t, 10, 64); err == nil {
			return numeric{i: i}, nil
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return toNumeric(f)
		}
		return numeric{}, fmt.Errorf("non-numeric value %q", t)
	case nil:
		return numeric{}, fmt.Errorf("missing value")
	default:
		return numeric{}, fmt.Errorf("non-numeric value of type %T", v)
	}
}
