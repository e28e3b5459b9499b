package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

func TestInterpolate_TypedSoleReference(t *testing.T) {
	env := NewEnv(map[string]any{"a": map[string]any{"b": 5}})
	out, err := Interpolate(map[string]any{"v": "${a.b}"}, env)
	require.NoError(t, err)
	assert.Equal(t, 5.0, out["v"])
}

func TestInterpolate_NestedAndEmbedded(t *testing.T) {
	env := NewEnv(map[string]any{
		"user": map[string]any{"name": "ada", "tags": []any{"x"}},
		"n":    2,
	})
	params := map[string]any{
		"greeting": "hello ${user.name}, you have ${n} items",
		"nested":   map[string]any{"list": []any{"${user.tags}", "literal", 7}},
		"json":     "tags=${user.tags}",
		"unclosed": "cost ${",
	}
	out, err := Interpolate(params, env)
	require.NoError(t, err)

	assert.Equal(t, "hello ada, you have 2 items", out["greeting"])
	assert.Equal(t, []any{[]any{"x"}, "literal", 7}, out["nested"].(map[string]any)["list"])
	assert.Equal(t, `tags=["x"]`, out["json"])
	assert.Equal(t, "cost ${", out["unclosed"])

	// The input is left untouched.
	assert.Equal(t, "hello ${user.name}, you have ${n} items", params["greeting"])
}

func TestInterpolate_MissingVariable(t *testing.T) {
	env := NewEnv(nil)
	for _, params := range []map[string]any{
		{"v": "${missing}"},
		{"v": "prefix ${missing.deep} suffix"},
		{"v": []any{map[string]any{"w": "${missing}"}}},
	} {
		_, err := Interpolate(params, env)
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeVariableNotFound))
	}
}

func TestInterpolate_NilParams(t *testing.T) {
	out, err := Interpolate(nil, NewEnv(nil))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestSubstituteText_LeavesUnresolved(t *testing.T) {
	env := NewEnv(map[string]any{"x": 1})
	assert.Equal(t, "1 and ${y}", SubstituteText("${x} and ${y}", env))
}

func TestReferences(t *testing.T) {
	assert.Equal(t, []string{"a.b", "c"}, References("${a.b} > ${ c } && ${}"))
}

func TestEnv_LookupAndSnapshot(t *testing.T) {
	env := NewEnv(map[string]any{"cfg": map[string]any{"port": 8080}})

	v, ok := env.Lookup("cfg.port")
	require.True(t, ok)
	assert.Equal(t, 8080.0, v)

	_, ok = env.Lookup("cfg.port.value")
	assert.False(t, ok)

	snap := env.Snapshot()
	snap["cfg"].(map[string]any)["port"] = 1.0
	v, _ = env.Lookup("cfg.port")
	assert.Equal(t, 8080.0, v, "snapshot must be a deep copy")

	env.Restore(map[string]any{"only": "this"})
	assert.Equal(t, 1, env.Len())
	_, ok = env.Get("cfg")
	assert.False(t, ok)
}

func TestEnv_NormalizesStructs(t *testing.T) {
	type result struct {
		Count int    `json:"count"`
		Name  string `json:"name"`
	}
	env := NewEnv(nil)
	env.Set("r", result{Count: 2, Name: "x"})
	v, ok := env.Lookup("r.count")
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
}

func TestEnv_ConcurrentWritesLastWriterWins(t *testing.T) {
	env := NewEnv(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env.Set("k", i)
		}(i)
	}
	wg.Wait()
	env.Set("k", "final")
	v, _ := env.Get("k")
	assert.Equal(t, "final", v)
}

func TestJQ_Extract(t *testing.T) {
	jq := NewJQ()
	ctx := context.Background()
	input := map[string]any{"items": []any{map[string]any{"id": 1}, map[string]any{"id": 2}}}

	v, err := jq.Extract(ctx, ".items | length", input)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	v, err = jq.Extract(ctx, ".items[].id", input)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, v)

	v, err = jq.Extract(ctx, ".missing | select(. != null)", input)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = jq.Extract(ctx, ".items[", input)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = jq.Extract(ctx, ".items | error(\"boom\")", input)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}
