package input

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/revskill10/openagent-cli-sub002/internal/validation"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// PromptValidator checks prompt responses by compiling each definition's
// constraints into a JSON Schema.
type PromptValidator struct {
	schemas *validation.JSONSchemaValidator
}

// NewPromptValidator wraps a JSON Schema validator.
func NewPromptValidator(schemas *validation.JSONSchemaValidator) *PromptValidator {
	return &PromptValidator{schemas: schemas}
}

// Validate coerces value to the prompt's type (number prompts accept numeric
// strings, confirm prompts accept yes/no) and checks required, pattern,
// min/max and options. It returns the coerced value.
func (v *PromptValidator) Validate(def schema.PromptDefinition, value any) (any, error) {
	if isEmpty(value) {
		if def.Required {
			return nil, validationError(def, "a response is required")
		}
		return value, nil
	}

	coerced, err := coerce(def.Type, value)
	if err != nil {
		return nil, validationError(def, err.Error())
	}

	raw, err := json.Marshal(promptSchema(def))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to build prompt schema").WithCause(err)
	}
	if err := v.schemas.Validate(coerced, raw); err != nil {
		fe, _ := err.(*schema.FlowError)
		if fe != nil && def.Validation != nil && def.Validation.Message != "" {
			fe.Message = def.Validation.Message
		}
		if fe != nil {
			fe.WithDetails(mergeDetails(fe.Details, map[string]any{"prompt_id": def.ID}))
		}
		return nil, err
	}
	return coerced, nil
}

// promptSchema builds the JSON Schema for a definition. For text prompts min
// and max bound the length; for number prompts they bound the value.
func promptSchema(def schema.PromptDefinition) map[string]any {
	s := map[string]any{}
	switch def.Type {
	case schema.PromptNumber:
		s["type"] = "number"
	case schema.PromptConfirm:
		s["type"] = "boolean"
	default:
		s["type"] = "string"
	}
	if def.Type == schema.PromptSelect && len(def.Options) > 0 {
		s["enum"] = def.Options
	}

	val := def.Validation
	if val == nil {
		return s
	}
	switch def.Type {
	case schema.PromptNumber:
		if val.Min != nil {
			s["minimum"] = *val.Min
		}
		if val.Max != nil {
			s["maximum"] = *val.Max
		}
	case schema.PromptText, schema.PromptSelect, "":
		if val.Pattern != "" {
			s["pattern"] = val.Pattern
		}
		if val.Min != nil {
			s["minLength"] = int(*val.Min)
		}
		if val.Max != nil {
			s["maxLength"] = int(*val.Max)
		}
	}
	return s
}

func coerce(typ schema.PromptType, value any) (any, error) {
	switch typ {
	case schema.PromptNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", v)
			}
			return f, nil
		}
	case schema.PromptConfirm:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "y", "yes", "true":
				return true, nil
			case "n", "no", "false":
				return false, nil
			}
			return nil, fmt.Errorf("%q is not yes or no", v)
		}
	default:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprint(value), nil
	}
	return value, nil
}

func isEmpty(value any) bool {
	if value == nil {
		return true
	}
	s, ok := value.(string)
	return ok && strings.TrimSpace(s) == ""
}

func validationError(def schema.PromptDefinition, fallback string) *schema.FlowError {
	msg := fallback
	if def.Validation != nil && def.Validation.Message != "" {
		msg = def.Validation.Message
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"prompt_id": def.ID})
}

func mergeDetails(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
