package model

import (
	"math"
	"strconv"
	"strings"
)

// ToFloat converts numeric values and numeric strings to float64.
// NaN and infinities are rejected.
func ToFloat(v interface{}) (float64, bool) {
	var f float64
	switch n := normalize(v).(type) {
	case int64:
		f = float64(n)
	case float64:
		f = n
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Truthy reports whether v counts as true in a boolean context: nil, false,
// zero and the empty string are false.
func Truthy(v interface{}) bool {
	switch t := normalize(v).(type) {
	case nil:
		return false
	case bool:
		return t
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}
