package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/goliatone/go-ossa"
	"github.com/goliatone/go-ossa/agent"
)

// demoAgents backs `ossa run` so definitions can be exercised without
// external agents.
func demoAgents() *agent.MemoryRegistry {
	text := &agent.Agent{
		ID:   "text",
		Name: "Text utilities",
		Capabilities: []agent.Capability{
			{ID: "upper", Name: "Upper case", Handler: textOp(strings.ToUpper)},
			{ID: "lower", Name: "Lower case", Handler: textOp(strings.ToLower)},
			{ID: "reverse", Name: "Reverse", Handler: textOp(reverse)},
			{ID: "words", Name: "Split into words", Handler: words},
		},
	}
	math := &agent.Agent{
		ID:   "math",
		Name: "Arithmetic",
		Capabilities: []agent.Capability{
			{ID: "sum", Name: "Sum", Handler: sum},
			{ID: "double", Name: "Double", Handler: double},
			{ID: "increment", Name: "Increment until limit", Handler: increment},
			{ID: "fail", Name: "Always fails", Handler: fail},
		},
	}
	return agent.MustNewMemoryRegistry(text, math)
}

func textOf(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["text"].(string); ok {
			return s
		}
	}
	return fmt.Sprint(input)
}

func textOp(fn func(string) string) agent.Handler {
	return func(_ context.Context, input any) (any, error) {
		return fn(textOf(input)), nil
	}
}

func reverse(s string) string {
	r := []rune(s)
	slices.Reverse(r)
	return string(r)
}

func words(_ context.Context, input any) (any, error) {
	fields := strings.Fields(textOf(input))
	out := make([]any, len(fields))
	for i, f := range fields {
		out[i] = f
	}
	return out, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case map[string]any:
		return number(n["value"])
	}
	return 0, false
}

func sum(_ context.Context, input any) (any, error) {
	var total float64
	add := func(v any) {
		if n, ok := number(v); ok {
			total += n
		}
	}
	switch v := input.(type) {
	case []any:
		for _, item := range v {
			add(item)
		}
	case map[string]any:
		for _, item := range v {
			add(item)
		}
	default:
		add(v)
	}
	return total, nil
}

func double(_ context.Context, input any) (any, error) {
	n, ok := number(input)
	if !ok {
		return nil, ossa.NewError(ossa.ErrValidation, fmt.Sprintf("double: %v is not a number", input), nil, nil)
	}
	return n * 2, nil
}

// increment expects {value, limit} and asks the loop to continue while
// value is below limit.
func increment(_ context.Context, input any) (any, error) {
	m, _ := input.(map[string]any)
	value, _ := number(m["value"])
	limit, ok := number(m["limit"])
	if !ok {
		limit = 1
	}
	value++
	return map[string]any{
		"value":    value,
		"limit":    limit,
		"continue": value < limit,
	}, nil
}

func fail(_ context.Context, input any) (any, error) {
	return nil, ossa.NewError(ossa.ErrStageExecution, "demo failure", nil, map[string]any{
		"input": input,
	})
}
