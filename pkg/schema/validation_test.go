package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("blocks[0].steps[1]", "fetch", ErrCodeDependency, "waits for a later step")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
	assert.Equal(t, "fetch", r.Warnings[0].StepID)
	assert.Nil(t, r.ToError())
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{Blocks: 1, Steps: 2}
	r1.AddError("blocks[0]", "", ErrCodeParse, "err1")

	r2 := &ValidationResult{Blocks: 2, Steps: 1}
	r2.AddError("blocks[1].steps[0]", "a", ErrCodeDependency, "err2")
	r2.AddWarning("blocks[1].steps[0]", "a", ErrCodeValidation, "warn")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Equal(t, 3, r1.Blocks)
	assert.Equal(t, 3, r1.Steps)
	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("blocks[0].step", "t1", ErrCodeValidation, `unknown tool "nope"`)

	err := r.ToError()
	require.Error(t, err)
	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrCodeValidation, fe.Code)
	assert.Equal(t, `unknown tool "nope"`, fe.Message)
	assert.Equal(t, "t1", fe.StepID)
	assert.Equal(t, 1, fe.Details["error_count"])

	r.AddError("blocks[1]", "", ErrCodeParse, "bad")
	r.AddWarning("blocks[0]", "", ErrCodeValidation, "meh")
	require.ErrorAs(t, r.ToError(), &fe)
	assert.Equal(t, "script has 2 errors", fe.Message)
	assert.Empty(t, fe.StepID)
	assert.Equal(t, 1, fe.Details["warning_count"])
}
