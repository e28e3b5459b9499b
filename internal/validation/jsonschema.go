package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// stepSchemaJSON describes a tool step as it appears inside [TOOL_REQUEST],
// [SEQUENTIAL] and [PARALLEL] payloads.
const stepSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://openagent.dev/schemas/step.json",
  "type": "object",
  "required": ["id", "tool"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "tool": { "type": "string", "minLength": 1 },
    "params": { "type": "object" },
    "after": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "retry": { "type": "integer", "minimum": 0, "maximum": 100 },
    "timeout": { "type": "integer", "minimum": 0 },
    "extract": { "type": "string" },
    "backoff": {
      "type": "object",
      "properties": {
        "strategy": { "type": "string", "enum": ["none", "constant", "linear", "exponential"] },
        "delay": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" },
        "max_delay": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates script steps and arbitrary values against
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	stepSchema *jsonschema.Schema

	// mu guards the cache of dynamically compiled schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the step schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(stepSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal step schema: %w", err)
	}
	if err := c.AddResource("https://openagent.dev/schemas/step.json", doc); err != nil {
		return nil, fmt.Errorf("add step schema resource: %w", err)
	}
	stepSchema, err := c.Compile("https://openagent.dev/schemas/step.json")
	if err != nil {
		return nil, fmt.Errorf("compile step schema: %w", err)
	}

	return &JSONSchemaValidator{
		stepSchema: stepSchema,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateSteps checks each step against the step schema, then checks that ids
// are unique within the list.
func (v *JSONSchemaValidator) ValidateSteps(steps []schema.Step) error {
	seen := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		doc, err := toJSONValue(step)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "failed to serialize step").WithCause(err)
		}
		if err := v.stepSchema.Validate(doc); err != nil {
			return toFlowError(err).WithStep(step.ID)
		}
		if _, dup := seen[step.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", step.ID).WithStep(step.ID)
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}

// Validate checks value against a JSON Schema given as raw bytes. An empty
// schema accepts everything. Compiled schemas are cached by their text.
func (v *JSONSchemaValidator) Validate(value any, rawSchema []byte) error {
	if len(rawSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(rawSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}

	// The library wants json.Number for numbers.
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize value").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(rawSchema []byte) (*jsonschema.Schema, error) {
	key := string(rawSchema)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Fresh compiler and URL per schema so resources never collide.
	url := fmt.Sprintf("openagent://schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError flattens a jsonschema.ValidationError into a VALIDATION_ERROR
// listing each leaf violation with its instance location.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
