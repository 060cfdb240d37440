package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// scope is what a stage's Input templates can reference:
// ${input.x}, ${context.x}, ${previous.x} and ${<stageId>.x}.
type scope struct {
	input    any
	context  map[string]any
	previous any
	outputs  map[string]any
}

func (s scope) lookup(expr string) (any, bool) {
	expr = strings.TrimSpace(expr)
	root, rest, _ := strings.Cut(expr, ".")
	switch root {
	case "input":
		return lookupPath(s.input, rest)
	case "context":
		return lookupPath(s.context, rest)
	case "previous":
		return lookupPath(s.previous, rest)
	}
	out, ok := s.outputs[root]
	if !ok {
		return nil, false
	}
	return lookupPath(out, rest)
}

// resolveParams substitutes placeholders in params. A string that is a
// single placeholder keeps the referenced value's type; placeholders inside
// longer strings are formatted. Unresolved placeholders are left as is.
func resolveParams(params map[string]any, s scope) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, s)
	}
	return out
}

func resolveValue(v any, s scope) any {
	switch t := v.(type) {
	case string:
		return resolveString(t, s)
	case map[string]any:
		return resolveParams(t, s)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = resolveValue(item, s)
		}
		return out
	default:
		return v
	}
}

func resolveString(str string, s scope) any {
	if m := placeholder.FindStringSubmatch(str); m != nil && m[0] == str {
		if val, ok := s.lookup(m[1]); ok {
			return val
		}
		return str
	}
	return placeholder.ReplaceAllStringFunc(str, func(match string) string {
		expr := placeholder.FindStringSubmatch(match)[1]
		if val, ok := s.lookup(expr); ok {
			return fmt.Sprint(val)
		}
		return match
	})
}
