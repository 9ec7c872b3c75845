package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// ErrUnknownOperator is returned for an operator outside the supported set.
var ErrUnknownOperator = errors.New("UnknownOperatorError")

// Supported condition operators.
const (
	OpEquals      = "equals"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
)

// Lookup resolves a dot-separated path against data. A missing segment, or a
// segment applied to a scalar, yields found=false rather than an error.
// Numeric segments index into lists.
func Lookup(data map[string]interface{}, path string) (value interface{}, found bool) {
	var current interface{} = data
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			current, found = node[segment]
			if !found {
				return nil, false
			}
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Compare applies operator to a resolved field value and the configured
// value. found reports whether the field was present at all.
//
//   - equals: same kind and value; all numeric types compare as numbers, so
//     "5" does not equal 5.
//   - contains: the stringified field value contains the stringified value.
//   - greater_than, less_than: both sides are coerced to numbers; anything
//     that does not coerce compares false.
func Compare(operator string, fieldValue interface{}, found bool, value interface{}) (bool, error) {
	switch operator {
	case OpEquals:
		if !found {
			return false, nil
		}
		return strictEquals(fieldValue, value), nil
	case OpContains:
		return strings.Contains(Stringify(fieldValue, found), Stringify(value, true)), nil
	case OpGreaterThan:
		return ToNumber(fieldValue, found) > ToNumber(value, true), nil
	case OpLessThan:
		return ToNumber(fieldValue, found) < ToNumber(value, true), nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownOperator, operator)
	}
}

func strictEquals(a, b interface{}) bool {
	af, aNum := asFloat(a)
	bf, bNum := asFloat(b)
	if aNum || bNum {
		return aNum && bNum && af == bf
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return reflect.DeepEqual(a, b)
	}
}

// Stringify renders a value the way it is matched by "contains": strings
// verbatim, numbers in shortest form, composites as JSON. A missing value
// renders as "undefined" and nil as "null".
func Stringify(v interface{}, found bool) string {
	if !found {
		return "undefined"
	}
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	}
	if f, ok := asFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}

// ToNumber coerces v to a float64. Strings are trimmed and parsed with the
// empty string meaning 0; nil is 0; booleans are 0 or 1. Missing values and
// anything unparsable are NaN.
func ToNumber(v interface{}, found bool) float64 {
	if !found {
		return math.NaN()
	}
	if f, ok := asFloat(v); ok {
		return f
	}
	switch val := v.(type) {
	case nil:
		return 0
	case bool:
		if val {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
