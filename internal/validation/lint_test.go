package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

type toolSet map[string]bool

func (s toolSet) Has(name string) bool { return s[name] }

func newTestLinter(t *testing.T) *Linter {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return NewLinter(v, toolSet{"echo": true, "jq": true})
}

func issuesByPath(issues []schema.ValidationIssue) map[string]string {
	out := make(map[string]string, len(issues))
	for _, is := range issues {
		out[is.Path] = is.Code
	}
	return out
}

func TestLint_Valid(t *testing.T) {
	l := newTestLinter(t)
	res := l.Lint(`
[ASSIGN]n = ${start}[END_ASSIGN]
[WHILE]${n} < 3
[TOOL_REQUEST]{"id":"tick","tool":"echo","params":{"n":"${n}"}}[END_TOOL_REQUEST]
[END_WHILE]
[PARALLEL][
  {"id":"a","tool":"echo"},
  {"id":"b","tool":"jq","params":{"filter":"."},"after":["a"],"extract":".x"}
][END_PARALLEL]
[PROMPT]{"id":"p","type":"select","message":"pick","variable":"choice","options":["x","y"]}[END_PROMPT]
`)
	assert.True(t, res.Valid(), "%+v", res.Errors)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 5, res.Blocks)
	assert.Equal(t, 3, res.Steps)
}

func TestLint_ReportsEveryProblem(t *testing.T) {
	l := newTestLinter(t)
	res := l.Lint(`
[TOOL_REQUEST]{"id":"t1","tool":"nope"}[END_TOOL_REQUEST]
[TOOL_REQUEST]{"id":"t2","tool":"echo","extract":".["}[END_TOOL_REQUEST]
[SEQUENTIAL][
  {"id":"s1","tool":"echo","after":["s2"]},
  {"id":"s2","tool":"echo"}
][END_SEQUENTIAL]
[PARALLEL][
  {"id":"c1","tool":"echo","after":["c2"]},
  {"id":"c2","tool":"echo","after":["c1"]}
][END_PARALLEL]
[IF]${ok} ===
[TOOL_REQUEST]{"id":"s2","tool":"echo"}[END_TOOL_REQUEST]
[END_IF]
[PROMPT]{"id":"p","type":"select","message":"pick","variable":"c"}[END_PROMPT]
`)
	require.False(t, res.Valid())

	errs := issuesByPath(res.Errors)
	assert.Equal(t, map[string]string{
		"blocks[0].step.tool":      schema.ErrCodeValidation,
		"blocks[1].step.extract":   schema.ErrCodeValidation,
		"blocks[2].steps[0].after": schema.ErrCodeDependency,
		"blocks[3]":                schema.ErrCodeDependency,
		"blocks[4].condition":      schema.ErrCodeEvaluation,
	}, errs)

	warns := issuesByPath(res.Warnings)
	assert.Equal(t, map[string]string{
		"blocks[4].body.step":      schema.ErrCodeValidation,
		"blocks[5].prompt.options": schema.ErrCodeValidation,
	}, warns)

	err := res.ToError()
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "script has 5 errors")
}

func TestLint_StepSchema(t *testing.T) {
	l := newTestLinter(t)
	res := l.Lint(`[TOOL_REQUEST]{"id":"t1","tool":"echo","retry":500}[END_TOOL_REQUEST]`)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "blocks[0].step", res.Errors[0].Path)
	assert.Equal(t, "t1", res.Errors[0].StepID)
	assert.Equal(t, schema.ErrCodeValidation, res.Errors[0].Code)
}

func TestLint_ParseErrors(t *testing.T) {
	l := newTestLinter(t)

	res := l.Lint(`[ASSIGN]x = 1[END_ASSIGN] [TOOL_REQUEST]{"id":"t1",`)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "blocks[1]", res.Errors[0].Path)
	assert.Equal(t, schema.ErrCodeParse, res.Errors[0].Code)
	assert.Contains(t, res.Errors[0].Message, "offset 26")

	res = l.Lint(`hello there`)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, schema.ErrCodeParse, res.Errors[0].Code)
}

func TestLint_Warnings(t *testing.T) {
	l := NewLinter(nil, nil)

	res := l.Lint("   ")
	assert.True(t, res.Valid())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, "no blocks")

	res = l.Lint("[ASSIGN]x = (1[END_ASSIGN]\n[WHILE]true\n[ASSIGN]y = 1[END_ASSIGN][END_WHILE]")
	assert.True(t, res.Valid())
	assert.Equal(t, map[string]string{
		"blocks[0].expression": schema.ErrCodeEvaluation,
		"blocks[1].condition":  schema.ErrCodeValidation,
	}, issuesByPath(res.Warnings))

	// Tools are not checked without a registry.
	res = l.Lint(`[TOOL_REQUEST]{"id":"t","tool":"anything"}[END_TOOL_REQUEST]`)
	assert.True(t, res.Valid())
	assert.Empty(t, res.Warnings)
}
