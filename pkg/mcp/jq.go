package mcp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/credvault/pkg/schema"
)

// jqFilter runs operator-supplied jq expressions over tool output.
// Compiled programs are cached and shared across goroutines.
type jqFilter struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func newJQFilter() *jqFilter {
	return &jqFilter{cache: make(map[string]*gojq.Code)}
}

// apply evaluates expression against v's JSON form. A single output is
// returned as is; several are collected into a slice.
func (f *jqFilter) apply(ctx context.Context, expression string, v any) (any, error) {
	code, err := f.compile(expression)
	if err != nil {
		return nil, err
	}
	input, err := toJQ(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "encode filter input").WithCause(err)
	}

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"jq evaluation failed: %s", err.Error()).WithCause(err)
		}
		results = append(results, val)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (f *jqFilter) compile(expression string) (*gojq.Code, error) {
	f.mu.RLock()
	if code, ok := f.cache[expression]; ok {
		f.mu.RUnlock()
		return code, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if code, ok := f.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error: %s", err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(query,
		// No access to the server environment, which holds the master secret.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error: %s", err.Error()).WithCause(err)
	}
	f.cache[expression] = code
	return code, nil
}

// toJQ converts v to the plain map/slice/float64 values gojq expects.
func toJQ(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
