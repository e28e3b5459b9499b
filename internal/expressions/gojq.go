package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// JQ applies jq filters to tool results. Compiled programs are cached and
// shared across goroutines.
type JQ struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQ creates a JQ with an empty program cache.
func NewJQ() *JQ {
	return &JQ{cache: make(map[string]*gojq.Code)}
}

// Extract runs filter against input. A single output is returned as is;
// several outputs are collected into a slice; no output yields nil.
func (j *JQ) Extract(ctx context.Context, filter string, input any) (any, error) {
	if filter == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq filter")
	}
	code, err := j.getOrCompile(filter)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, Normalize(input))
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq filter %q failed: %s", filter, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"filter": filter})
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return Normalize(results[0]), nil
	default:
		return Normalize(results), nil
	}
}

func (j *JQ) getOrCompile(filter string) (*gojq.Code, error) {
	j.mu.RLock()
	if code, ok := j.cache[filter]; ok {
		j.mu.RUnlock()
		return code, nil
	}
	j.mu.RUnlock()

	j.mu.Lock()
	defer j.mu.Unlock()
	if code, ok := j.cache[filter]; ok {
		return code, nil
	}

	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid jq filter %q: %s", filter, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile jq filter %q: %s", filter, err.Error()).WithCause(err)
	}
	j.cache[filter] = code
	return code, nil
}
