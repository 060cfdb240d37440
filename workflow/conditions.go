package workflow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Operator compares a field value against a condition value.
type Operator string

const (
	OpEquals      Operator = "eq"
	OpNotEquals   Operator = "ne"
	OpGreater     Operator = "gt"
	OpGreaterEq   Operator = "gte"
	OpLess        Operator = "lt"
	OpLessEq      Operator = "lte"
	OpContains    Operator = "contains"
	OpIn          Operator = "in"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
	opEqualsAlias Operator = "equals"
)

var operators = []any{
	OpEquals, OpNotEquals, OpGreater, OpGreaterEq, OpLess, OpLessEq,
	OpContains, OpIn, OpExists, OpNotExists, opEqualsAlias,
}

// Matches reports whether every condition holds against data.
func Matches(conditions []Condition, data any) bool {
	for _, c := range conditions {
		if !c.Evaluate(data) {
			return false
		}
	}
	return true
}

// Evaluate applies the condition to data. Unknown operators never match.
func (c Condition) Evaluate(data any) bool {
	value, found := lookupPath(data, c.Field)
	switch c.Operator {
	case OpExists:
		return found && value != nil
	case OpNotExists:
		return !found || value == nil
	}
	if !found {
		return false
	}

	switch c.Operator {
	case OpEquals, opEqualsAlias:
		return looseEqual(value, c.Value)
	case OpNotEquals:
		return !looseEqual(value, c.Value)
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		a, okA := toFloat(value)
		b, okB := toFloat(c.Value)
		if !okA || !okB {
			return false
		}
		switch c.Operator {
		case OpGreater:
			return a > b
		case OpGreaterEq:
			return a >= b
		case OpLess:
			return a < b
		default:
			return a <= b
		}
	case OpContains:
		return contains(value, c.Value)
	case OpIn:
		return contains(c.Value, value)
	default:
		return false
	}
}

// lookupPath walks a dotted path through maps, structs and slices.
// An empty path returns data itself.
func lookupPath(data any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return data, true
	}
	current := data
	for _, part := range strings.Split(path, ".") {
		next, ok := child(current, part)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func child(v any, key string) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		out, ok := t[key]
		return out, ok
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !out.IsValid() {
			return nil, false
		}
		return out.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	case reflect.Struct:
		f := rv.FieldByNameFunc(func(name string) bool { return strings.EqualFold(name, key) })
		if !f.IsValid() || !f.CanInterface() {
			return nil, false
		}
		return f.Interface(), true
	default:
		return nil, false
	}
}

func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
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
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// contains reports whether haystack (string, slice or map keys) holds needle.
func contains(haystack, needle any) bool {
	if s, ok := haystack.(string); ok {
		return strings.Contains(s, fmt.Sprint(needle))
	}
	rv := reflect.ValueOf(haystack)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if looseEqual(rv.Index(i).Interface(), needle) {
				return true
			}
		}
	case reflect.Map:
		for _, k := range rv.MapKeys() {
			if looseEqual(k.Interface(), needle) {
				return true
			}
		}
	}
	return false
}
