package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revskill10/openagent-cli-sub002/internal/engine"
	"github.com/revskill10/openagent-cli-sub002/internal/plugins"
	"github.com/revskill10/openagent-cli-sub002/internal/store"
	"github.com/revskill10/openagent-cli-sub002/internal/streaming"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

func TestLoadConfig_Layers(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_driver: sqlite
db_path: /tmp/oa.db
pool_size: 3
heartbeat_interval: 2s
approval_tools: [echo, jq]
plugins:
  - name: fs
    command: mcp-fs
    args: [--root, /tmp]
`), 0o600))
	t.Setenv("OPENAGENT_POOL_SIZE", "5")
	t.Setenv("OPENAGENT_DEAD_THRESHOLD", "1m")
	t.Setenv("OPENAGENT_FAIL_ON_STEP_ERROR", "true")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, store.DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "/tmp/oa.db", cfg.DBPath)
	assert.Equal(t, 5, cfg.PoolSize)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Minute, cfg.DeadThreshold)
	assert.Equal(t, []string{"echo", "jq"}, cfg.ApprovalTools)
	assert.True(t, cfg.FailOnStepError)
	assert.Equal(t, []plugins.Config{{Name: "fs", Command: "mcp-fs", Args: []string{"--root", "/tmp"}}}, cfg.Plugins)
	// Untouched defaults survive.
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "@every 1h", cfg.CleanupSchedule)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)

	_, err = loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv_BadValues(t *testing.T) {
	env := map[string]string{
		"OPENAGENT_POOL_SIZE":      "many",
		"OPENAGENT_LOCK_TTL":       "soon",
		"OPENAGENT_REDIS_ADDR":     "localhost:6379",
		"OPENAGENT_APPROVAL_TOOLS": "a,b",
	}
	cfg := defaultConfig()
	err := applyEnv(&cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAGENT_POOL_SIZE")
	assert.Contains(t, err.Error(), "OPENAGENT_LOCK_TTL")
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"a", "b"}, cfg.ApprovalTools)
}

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		driver, path, want string
	}{
		{store.DriverLibSQL, "/var/oa.db", "file:/var/oa.db"},
		{store.DriverLibSQL, "file:/var/oa.db", "file:/var/oa.db"},
		{store.DriverLibSQL, "libsql://db.example.com", "libsql://db.example.com"},
		{store.DriverSQLite, "/var/oa.db", "/var/oa.db"},
	}
	for _, tt := range tests {
		cfg := Config{DBDriver: tt.driver, DBPath: tt.path}
		assert.Equal(t, tt.want, cfg.dsn())
	}
}

func TestConfig_MachineID(t *testing.T) {
	assert.Equal(t, "m1", Config{MachineID: "m1"}.machineID())

	a, b := Config{}.machineID(), Config{}.machineID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestLoadVars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vars.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: ada\nn: 1\nnested: {a: true}\n"), 0o600))

	vars, err := loadVars(path, map[string]string{"n": "2", "flag": "true", "word": "hello world"})
	require.NoError(t, err)
	assert.Equal(t, "ada", vars["name"])
	assert.Equal(t, 2, vars["n"])
	assert.Equal(t, true, vars["flag"])
	assert.Equal(t, "hello world", vars["word"])
	assert.Equal(t, map[string]any{"a": true}, vars["nested"])
}

func TestFormatEvent(t *testing.T) {
	line := formatEvent(streaming.StreamEvent{
		EventType: schema.EventStepFailed,
		StepID:    "s1",
		Category:  string(engine.CategoryError),
		Payload: engine.Event{
			Kind:    schema.EventStepFailed,
			Tool:    "fetch",
			Attempt: 3,
			Err:     schema.NewError(schema.ErrCodeTimeout, "too slow"),
		},
	})
	assert.Contains(t, line, "[error]")
	assert.Contains(t, line, "step_failed step=s1 tool=fetch attempt=3")
	assert.Contains(t, line, `error="TIMEOUT_ERROR: too slow"`)

	line = formatEvent(streaming.StreamEvent{
		EventType: schema.EventExecutionResumed,
		Category:  "execution",
		Payload:   map[string]any{"from": "paused", "to": "running"},
	})
	assert.Contains(t, line, "[execution] execution_resumed from=paused")
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var out, errOut bytes.Buffer
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestCLI_RunStatusList(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	db := filepath.Join(dir, "cli.db")
	script := filepath.Join(dir, "script.txt")
	require.NoError(t, os.WriteFile(script, []byte(
		`[ASSIGN]x = ${n}[END_ASSIGN][TOOL_REQUEST]{"id":"t1","tool":"echo","params":{"v":"${x}"}}[END_TOOL_REQUEST]`,
	), 0o600))
	common := []string{"--db", db, "--log-level", "error", "--machine-id", "cli"}

	out, err := runCLI(t, append([]string{"run", script, "--id", "e1", "--var", "n=2"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "execution_started")
	assert.Contains(t, out, "step_completed step=t1 tool=echo")
	assert.Contains(t, out, "execution e1 completed (1 steps completed, 0 errors)")

	out, err = runCLI(t, append([]string{"status", "e1"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "t1")
	assert.Contains(t, out, "x: 2")

	out, err = runCLI(t, append([]string{"list", "--status", "completed"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "e1")
	assert.Contains(t, out, "cli")

	_, err = runCLI(t, append([]string{"resume", "e1"}, common...)...)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
}

func TestCLI_RunParseErrorFails(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	script := filepath.Join(dir, "broken.txt")
	require.NoError(t, os.WriteFile(script, []byte(`[TOOL_REQUEST]{"id":"t1",`), 0o600))

	out, err := runCLI(t, "run", script, "--db", filepath.Join(dir, "cli.db"), "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, out, "parse_error")
	assert.Contains(t, out, "failed")
}

func TestCLI_Check(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	good := filepath.Join(dir, "good.txt")
	require.NoError(t, os.WriteFile(good, []byte(
		`[TOOL_REQUEST]{"id":"get","tool":"http","params":{"url":"https://example.com"}}[END_TOOL_REQUEST]`,
	), 0o600))
	out, err := runCLI(t, "check", good)
	require.NoError(t, err)
	assert.Contains(t, out, "1 blocks, 1 steps: 0 errors, 0 warnings")

	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte(
		`[TOOL_REQUEST]{"id":"t1","tool":"nope"}[END_TOOL_REQUEST]`,
	), 0o600))
	out, err = runCLI(t, "check", bad)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, out, `error   blocks[0].step.tool (t1): unknown tool "nope" [VALIDATION_ERROR]`)
}

func TestCLI_CheckExamples(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	scripts, err := filepath.Glob("../../examples/*/script.txt")
	require.NoError(t, err)
	require.NotEmpty(t, scripts)
	for _, script := range scripts {
		out, err := runCLI(t, "check", script)
		assert.NoError(t, err, "%s:\n%s", script, out)
		assert.Contains(t, out, "0 errors, 0 warnings", script)
	}
}

func TestCLI_Version(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}
