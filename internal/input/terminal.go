package input

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// Terminal asks on a line-oriented reader/writer pair, normally stdin/stdout.
// Requests are serialized so parallel branches never interleave questions.
type Terminal struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewTerminal creates a Terminal handler.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out}
}

func (t *Terminal) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	params, _ := json.Marshal(req.Params)
	fmt.Fprintf(t.out, "Run %s (step %s, attempt %d) with %s? [y]es/[n]o/[m]odify: ",
		req.Tool, req.StepID, req.Attempt, params)

	for {
		line, err := t.readLine(ctx)
		if err != nil {
			return ApprovalResponse{}, err
		}
		switch strings.ToLower(line) {
		case "", "y", "yes":
			return ApprovalResponse{Decision: DecisionApprove}, nil
		case "n", "no":
			return ApprovalResponse{Decision: DecisionReject, Reason: "rejected at terminal"}, nil
		case "m", "modify":
			fmt.Fprint(t.out, "New params as JSON (empty keeps current): ")
			raw, err := t.readLine(ctx)
			if err != nil {
				return ApprovalResponse{}, err
			}
			if raw == "" {
				return ApprovalResponse{Decision: DecisionModify}, nil
			}
			var replaced map[string]any
			if err := json.Unmarshal([]byte(raw), &replaced); err != nil {
				fmt.Fprintf(t.out, "invalid JSON (%s), try again [y/n/m]: ", err)
				continue
			}
			return ApprovalResponse{Decision: DecisionModify, Params: replaced}, nil
		default:
			fmt.Fprint(t.out, "please answer y, n or m: ")
		}
	}
}

func (t *Terminal) RequestPrompt(ctx context.Context, def schema.PromptDefinition) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprint(t.out, def.Message)
	if len(def.Options) > 0 {
		fmt.Fprintf(t.out, " (%s)", strings.Join(def.Options, "/"))
	}
	if def.Default != nil {
		fmt.Fprintf(t.out, " [%v]", def.Default)
	}
	fmt.Fprint(t.out, ": ")

	line, err := t.readLine(ctx)
	if err != nil {
		return nil, err
	}
	if line == "" {
		return def.Default, nil
	}
	return line, nil
}

// readLine reads one trimmed line, giving up when ctx is done. A read that is
// abandoned keeps running in the background and its line is discarded.
func (t *Terminal) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := t.in.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- result{strings.TrimSpace(line), err}
	}()
	select {
	case r := <-ch:
		return r.line, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
