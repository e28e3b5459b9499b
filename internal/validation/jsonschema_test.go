package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

func TestNewJSONSchemaValidator(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.NotNil(t, v.stepSchema)
}

// --- ValidateSteps ---

func TestValidateSteps_Valid(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	steps := []schema.Step{
		{ID: "fetch", Tool: "http", Params: map[string]any{"url": "https://example.com"}, Retry: 2, Timeout: 500},
		{ID: "parse", Tool: "jq", After: []string{"fetch"}, Extract: ".items",
			Backoff: &schema.BackoffPolicy{Strategy: "exponential", Delay: "100ms", MaxDelay: "2s"}},
	}
	assert.NoError(t, v.ValidateSteps(steps))
}

func TestValidateSteps_Violations(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	tests := []struct {
		name string
		step schema.Step
	}{
		{"missing tool", schema.Step{ID: "a"}},
		{"negative retry", schema.Step{ID: "a", Tool: "echo", Retry: -1}},
		{"negative timeout", schema.Step{ID: "a", Tool: "echo", Timeout: -5}},
		{"empty dependency", schema.Step{ID: "a", Tool: "echo", After: []string{""}}},
		{"bad backoff strategy", schema.Step{ID: "a", Tool: "echo", Backoff: &schema.BackoffPolicy{Strategy: "random"}}},
		{"bad backoff delay", schema.Step{ID: "a", Tool: "echo", Backoff: &schema.BackoffPolicy{Delay: "soon"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateSteps([]schema.Step{tt.step})
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

			var fe *schema.FlowError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, "a", fe.StepID)
		})
	}
}

func TestValidateSteps_DuplicateIDs(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	err = v.ValidateSteps([]schema.Step{{ID: "x", Tool: "echo"}, {ID: "x", Tool: "echo"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate step id "x"`)
}

// --- Validate ---

func TestValidate_EmptySchema(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	assert.NoError(t, v.Validate(map[string]any{"foo": "bar"}, nil), "nil schema means no validation")
	assert.NoError(t, v.Validate("anything", []byte{}), "empty schema means no validation")
}

func TestValidate_Object(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	paramSchema := []byte(`{
		"type": "object",
		"required": ["name", "count"],
		"properties": {
			"name": {"type": "string"},
			"count": {"type": "integer", "minimum": 1}
		}
	}`)

	assert.NoError(t, v.Validate(map[string]any{"name": "test", "count": 5}, paramSchema))

	err = v.Validate(map[string]any{"name": "test"}, paramSchema)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = v.Validate(map[string]any{"name": 1, "count": 0}, paramSchema)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Message, "2 errors")
	assert.Len(t, fe.Details["violations"], 2)
}

func TestValidate_Scalars(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	pattern := []byte(`{"type": "string", "pattern": "^[a-z]+$"}`)
	assert.NoError(t, v.Validate("abc", pattern))
	assert.Error(t, v.Validate("ABC", pattern))

	bounded := []byte(`{"type": "number", "minimum": 1, "maximum": 10}`)
	assert.NoError(t, v.Validate(10.0, bounded))
	assert.Error(t, v.Validate(10.5, bounded))

	enum := []byte(`{"enum": ["dev", "prod"]}`)
	assert.NoError(t, v.Validate("prod", enum))
	assert.Error(t, v.Validate("qa", enum))
}

func TestValidate_InvalidSchema(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	err = v.Validate("x", []byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schema")
}

func TestValidate_SchemaCaching(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	s := []byte(`{"type": "object", "properties": {"x": {"type": "integer"}}}`)
	require.NoError(t, v.Validate(map[string]any{"x": 42}, s))
	require.NoError(t, v.Validate(map[string]any{"x": 43}, s))

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1, "schema should be cached")
}

func TestValidate_Concurrent(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	schema1 := []byte(`{"type": "object", "properties": {"a": {"type": "string"}}}`)
	schema2 := []byte(`{"type": "object", "properties": {"b": {"type": "integer"}}}`)

	var wg sync.WaitGroup
	errs := make([]error, 100)
	for i := range 100 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if idx%2 == 0 {
				errs[idx] = v.Validate(map[string]any{"a": "hello"}, schema1)
			} else {
				errs[idx] = v.Validate(map[string]any{"b": 42}, schema2)
			}
		}(i)
	}
	wg.Wait()

	for i, e := range errs {
		assert.NoError(t, e, "goroutine %d should not error", i)
	}
}
