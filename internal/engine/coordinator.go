package engine

import (
	"context"
	"strings"
	"unicode"

	"github.com/revskill10/openagent-cli-sub002/internal/expressions"
	"github.com/revskill10/openagent-cli-sub002/internal/parser"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// Coordinator feeds parsed blocks of a (possibly still arriving) script into
// an Interpreter, one block at a time and in document order.
type Coordinator struct {
	interp *Interpreter
}

// NewCoordinator creates a Coordinator for one execution.
func NewCoordinator(deps Deps, opts Options) *Coordinator {
	return &Coordinator{interp: NewInterpreter(deps, opts)}
}

// Env returns the execution's variable environment.
func (c *Coordinator) Env() *expressions.Env { return c.interp.Env() }

// Run executes a complete script.
func (c *Coordinator) Run(ctx context.Context, script string) <-chan Event {
	chunks := make(chan string, 1)
	chunks <- script
	close(chunks)
	return c.Stream(ctx, chunks)
}

// Stream executes a script whose text arrives in chunks. After each chunk the
// accumulated text is re-scanned and blocks not yet executed are run. Parse
// errors are reported once the chunk channel is closed, since more text may
// still complete a block. No new block starts after ctx is cancelled.
func (c *Coordinator) Stream(ctx context.Context, chunks <-chan string) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)

		var text strings.Builder
		executed := 0
		for {
			var chunk string
			var ok bool
			select {
			case chunk, ok = <-chunks:
			case <-ctx.Done():
			}
			if !ok {
				break
			}
			text.WriteString(chunk)
			executed = c.advance(ctx, text.String(), executed, false, out)
			if ctx.Err() != nil {
				return
			}
		}
		if ctx.Err() == nil {
			c.advance(ctx, text.String(), executed, true, out)
		}
	}()
	return out
}

// advance scans text and runs blocks from index executed on. It returns the
// new count of executed blocks.
func (c *Coordinator) advance(ctx context.Context, text string, executed int, final bool, out chan<- Event) int {
	s := parser.NewScanner(text)
	idx := 0
	for {
		tok, ok := s.Next()
		if !ok {
			break
		}
		if tok.Kind == parser.TokenError {
			if final {
				c.parseError(out, tok.Err)
			}
			return executed
		}
		if idx >= executed {
			if ctx.Err() != nil {
				return executed
			}
			for ev := range c.interp.Execute(ctx, tok.Block) {
				out <- ev
			}
			executed++
		}
		idx++
	}

	if final {
		trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
		if off := s.Offset(); off < len(trimmed) {
			c.parseError(out, schema.NewErrorf(schema.ErrCodeParse,
				"incomplete block at offset %d", off).WithDetails(map[string]any{"offset": off}))
		}
	}
	return executed
}

func (c *Coordinator) parseError(out chan<- Event, err *schema.FlowError) {
	c.interp.send(out, Event{Kind: schema.EventParseError, Err: err})
}
