package expressions

import (
	"strings"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// Interpolate returns a copy of params with every ${path} reference inside
// string values replaced from env. A string consisting of exactly one reference
// takes the referenced value with its type; references embedded in longer
// strings are spliced in as text. Any unresolved reference fails with
// VARIABLE_NOT_FOUND.
func Interpolate(params map[string]any, env *Env) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out, err := interpolateValue(params, env)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func interpolateValue(v any, env *Env) (any, error) {
	switch val := v.(type) {
	case string:
		return interpolateString(val, env)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := interpolateValue(item, env)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := interpolateValue(item, env)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return val, nil
	}
}

func interpolateString(s string, env *Env) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	if path, ok := soleReference(s); ok {
		v, found := env.Lookup(path)
		if !found {
			return nil, variableNotFound(path)
		}
		return v, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	err := scanReferences(s, func(text string, path string) error {
		if path == "" {
			b.WriteString(text)
			return nil
		}
		v, found := env.Lookup(path)
		if !found {
			return variableNotFound(path)
		}
		b.WriteString(Stringify(v))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.String(), nil
}

// SubstituteText splices resolved references into src as text and leaves
// unresolved references untouched.
func SubstituteText(src string, env *Env) string {
	var b strings.Builder
	_ = scanReferences(src, func(text, path string) error {
		if path == "" {
			b.WriteString(text)
			return nil
		}
		if v, found := env.Lookup(path); found {
			b.WriteString(Stringify(v))
		} else {
			b.WriteString(text)
		}
		return nil
	})
	return strings.TrimSpace(b.String())
}

// References lists every ${path} referenced in s.
func References(s string) []string {
	var paths []string
	_ = scanReferences(s, func(_, path string) error {
		if path != "" {
			paths = append(paths, path)
		}
		return nil
	})
	return paths
}

// scanReferences walks s, calling fn with literal runs (path == "") and with
// each reference (text holds the original "${...}" token). An unclosed "${" is
// treated as literal text.
func scanReferences(s string, fn func(text, path string) error) error {
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${")
		if idx < 0 {
			return fn(s[i:], "")
		}
		if idx > 0 {
			if err := fn(s[i:i+idx], ""); err != nil {
				return err
			}
		}
		start := i + idx
		end := strings.IndexByte(s[start+2:], '}')
		if end < 0 {
			return fn(s[start:], "")
		}
		end += start + 2
		path := strings.TrimSpace(s[start+2 : end])
		if path == "" {
			if err := fn(s[start:end+1], ""); err != nil {
				return err
			}
		} else if err := fn(s[start:end+1], path); err != nil {
			return err
		}
		i = end + 1
	}
	return nil
}

func soleReference(s string) (string, bool) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	inner := s[2 : len(s)-1]
	if strings.ContainsAny(inner, "{}") {
		return "", false
	}
	path := strings.TrimSpace(inner)
	return path, path != ""
}

func variableNotFound(path string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeVariableNotFound, "variable %q not found", path).
		WithDetails(map[string]any{"path": path})
}
