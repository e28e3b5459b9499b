package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Env is the variable environment shared by every branch of one execution.
// Writes are serialized, so concurrent writers to the same name resolve to
// whichever finished last.
type Env struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewEnv creates an environment seeded with a copy of initial.
func NewEnv(initial map[string]any) *Env {
	e := &Env{vars: make(map[string]any, len(initial))}
	for k, v := range initial {
		e.vars[k] = Normalize(v)
	}
	return e
}

// Get returns the value bound to name.
func (e *Env) Get(name string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vars[name]
	return v, ok
}

// Set binds name to a normalized copy of v.
func (e *Env) Set(name string, v any) {
	v = Normalize(v)
	e.mu.Lock()
	e.vars[name] = v
	e.mu.Unlock()
}

// Lookup resolves a dotted path such as "a.b.0.c". A missing segment anywhere
// along the path yields (nil, false) rather than an error.
func (e *Env) Lookup(path string) (any, bool) {
	segments := strings.Split(strings.TrimSpace(path), ".")
	if len(segments) == 0 || segments[0] == "" {
		return nil, false
	}

	e.mu.RLock()
	cur, ok := e.vars[segments[0]]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}

	for _, seg := range segments[1:] {
		switch node := cur.(type) {
		case map[string]any:
			cur, ok = node[seg]
			if !ok {
				return nil, false
			}
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Snapshot returns a deep copy of all bindings.
func (e *Env) Snapshot() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.vars))
	for k, v := range e.vars {
		out[k] = deepCopy(v)
	}
	return out
}

// Restore replaces every binding with a copy of vars.
func (e *Env) Restore(vars map[string]any) {
	fresh := make(map[string]any, len(vars))
	for k, v := range vars {
		fresh[k] = Normalize(v)
	}
	e.mu.Lock()
	e.vars = fresh
	e.mu.Unlock()
}

// Len returns the number of bindings.
func (e *Env) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.vars)
}

// Normalize converts v into the JSON value space (nil, bool, float64, string,
// []any, map[string]any) so values look the same before and after a checkpoint
// round trip.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil, bool, string, float64:
		return val
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return val
	}
}

// Stringify renders a value the way it appears when spliced into text.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
