package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

func newTestCoordinator(t *testing.T, log *callLog, opts Options) *Coordinator {
	t.Helper()
	if opts.ExecutionID == "" {
		opts.ExecutionID = "exec-1"
	}
	return NewCoordinator(Deps{Tools: newTestRegistry(t, log)}, opts)
}

func TestCoordinator_EndToEnd(t *testing.T) {
	log := &callLog{}
	c := newTestCoordinator(t, log, Options{})

	script := `[ASSIGN]x = 1[END_ASSIGN][TOOL_REQUEST]{"id":"t1","tool":"record","params":{"v":"${x}"}}[END_TOOL_REQUEST]`
	events := drain(t, c.Run(context.Background(), script))

	calls := log.byTool("record")
	require.Len(t, calls, 1)
	assert.EqualValues(t, 1, calls[0].Params["v"])

	var completed []string
	for _, ev := range events {
		if ev.Kind == schema.EventStepCompleted {
			completed = append(completed, ev.StepID)
		}
	}
	assert.Equal(t, []string{"t1"}, completed)
	assert.Zero(t, count(events, schema.EventParseError))

	assert.Equal(t, CategoryAssignment, events[0].Category)
	assert.Equal(t, CategoryTool, find(t, events, schema.EventStepCompleted, "t1").Category)
}

func TestCoordinator_StreamExecutesBlocksAsTheyClose(t *testing.T) {
	log := &callLog{}
	c := newTestCoordinator(t, log, Options{})

	chunks := make(chan string)
	events := c.Stream(context.Background(), chunks)

	chunks <- `[TOOL_REQUEST]{"id":"a","tool":"record"`
	chunks <- `}[END_TOOL_REQUEST]`

	// "a" runs before the stream ends.
	deadline := time.After(2 * time.Second)
	for seen := false; !seen; {
		select {
		case ev := <-events:
			seen = ev.Kind == schema.EventStepCompleted && ev.StepID == "a"
		case <-deadline:
			t.Fatal("block was not executed while the stream was open")
		}
	}

	chunks <- "\n[SEQUENTIAL][{\"id\":\"b\",\"tool\":\"record\",\"after\":[\"a\"]}]"
	chunks <- "[END_SEQUENTIAL]\n"
	close(chunks)

	rest := drain(t, events)
	find(t, rest, schema.EventStepCompleted, "b")
	assert.Zero(t, count(rest, schema.EventParseError))
	assert.Len(t, log.byTool("record"), 2)
}

func TestCoordinator_ChunkBoundariesDoNotMatter(t *testing.T) {
	script := `[ASSIGN]n = 2[END_ASSIGN]
[PARALLEL]{"steps":[{"id":"p1","tool":"record","params":{"n":"${n}"}},{"id":"p2","tool":"echo"}]}[END_PARALLEL]
[IF]${n} > 1
[TOOL_REQUEST]{"id":"big","tool":"echo"}[END_TOOL_REQUEST][END_IF]`

	for _, size := range []int{1, 3, 7, len(script)} {
		log := &callLog{}
		c := newTestCoordinator(t, log, Options{})

		chunks := make(chan string, len(script))
		for i := 0; i < len(script); i += size {
			chunks <- script[i:min(i+size, len(script))]
		}
		close(chunks)

		events := drain(t, c.Stream(context.Background(), chunks))
		assert.Equal(t, 3, count(events, schema.EventStepCompleted), "chunk size %d", size)
		assert.Zero(t, count(events, schema.EventParseError), "chunk size %d", size)
		require.Len(t, log.byTool("record"), 1)
		assert.EqualValues(t, 2, log.byTool("record")[0].Params["n"])
	}
}

func TestCoordinator_GarbageIsOneParseError(t *testing.T) {
	c := newTestCoordinator(t, nil, Options{})
	events := drain(t, c.Run(context.Background(), "garbage with no tags"))

	require.Len(t, events, 1)
	assert.Equal(t, schema.EventParseError, events[0].Kind)
	assert.Equal(t, CategoryError, events[0].Category)
	assert.Equal(t, schema.ErrCodeParse, events[0].Err.Code)
}

func TestCoordinator_IncompleteTrailingBlock(t *testing.T) {
	log := &callLog{}
	c := newTestCoordinator(t, log, Options{})

	script := `[TOOL_REQUEST]{"id":"ok","tool":"record"}[END_TOOL_REQUEST]
[TOOL_REQUEST]{"id":"1"`
	events := drain(t, c.Run(context.Background(), script))

	find(t, events, schema.EventStepCompleted, "ok")
	require.Equal(t, 1, count(events, schema.EventParseError))
	last := events[len(events)-1]
	assert.Equal(t, schema.EventParseError, last.Kind)
	assert.True(t, strings.Contains(last.Err.Message, "incomplete"))
}

func TestCoordinator_CancelStopsNewBlocks(t *testing.T) {
	log := &callLog{}
	c := newTestCoordinator(t, log, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	chunks := make(chan string, 1)
	events := c.Stream(ctx, chunks)
	chunks <- `[TOOL_REQUEST]{"id":"a","tool":"record"}[END_TOOL_REQUEST]`

	for ev := range events {
		if ev.Kind == schema.EventStepCompleted {
			break
		}
	}
	cancel()
	select {
	case chunks <- `[TOOL_REQUEST]{"id":"b","tool":"record"}[END_TOOL_REQUEST]`:
	default:
	}

	drain(t, events)
	for _, call := range log.byTool("record") {
		assert.NotEqual(t, "b", call.StepID)
	}
}

func TestCoordinator_EnvSharedAcrossBlocks(t *testing.T) {
	c := newTestCoordinator(t, nil, Options{})
	drain(t, c.Run(context.Background(), `[TOOL_REQUEST]{"id":"greet","tool":"echo","params":{"msg":"hi"}}[END_TOOL_REQUEST]
[ASSIGN]copy = ${greet.msg}[END_ASSIGN]`))

	v, ok := c.Env().Get("copy")
	require.True(t, ok)
	assert.Equal(t, "hi", v)
}
