package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/revskill10/openagent-cli-sub002/internal/engine"
	"github.com/revskill10/openagent-cli-sub002/internal/streaming"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// follow prints every event of executionID until stop is called. stop waits
// for the printer to drain what it already received.
func follow(ctx context.Context, hub streaming.EventHub, executionID string, w io.Writer) (stop func(), err error) {
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: executionID})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			fmt.Fprintln(w, formatEvent(ev))
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

// formatEvent renders one event as a single classified line.
func formatEvent(ev streaming.StreamEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %s", "["+categoryOf(ev)+"]", ev.EventType)
	if ev.StepID != "" {
		fmt.Fprintf(&b, " step=%s", ev.StepID)
	}

	e, ok := ev.Payload.(engine.Event)
	if !ok {
		if m, ok := ev.Payload.(map[string]any); ok {
			if from, ok := m["from"]; ok && from != "" {
				fmt.Fprintf(&b, " from=%v", from)
			}
		}
		return b.String()
	}
	if e.Tool != "" {
		fmt.Fprintf(&b, " tool=%s", e.Tool)
	}
	if e.Variable != "" {
		fmt.Fprintf(&b, " var=%s", e.Variable)
	}
	if e.Attempt > 1 {
		fmt.Fprintf(&b, " attempt=%d", e.Attempt)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, " error=%q", e.Err.Code+": "+e.Err.Message)
	} else if e.Data != nil && ev.EventType != schema.EventStepPartial {
		if data, err := json.Marshal(e.Data); err == nil {
			s := string(data)
			if len(s) > 120 {
				s = s[:117] + "..."
			}
			fmt.Fprintf(&b, " data=%s", s)
		}
	}
	return b.String()
}

func categoryOf(ev streaming.StreamEvent) string {
	if ev.Category != "" {
		return ev.Category
	}
	return "execution"
}
