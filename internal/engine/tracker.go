package engine

import (
	"context"
	"sync"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// tracker records which step ids have reached a terminal event in one
// execution. It is fed from the single goroutine that serializes the
// execution's event stream, so a waiter is released only after the
// dependency's terminal event has been ordered ahead of anything the waiter
// emits next.
type tracker struct {
	mu          sync.Mutex
	declared    map[string]bool
	terminal    map[string]bool
	waiters     map[string]chan struct{}
	skips       map[string]int
	occurrences map[string]int
}

func newTracker(completed []string) *tracker {
	t := &tracker{
		declared:    make(map[string]bool),
		terminal:    make(map[string]bool),
		waiters:     make(map[string]chan struct{}),
		skips:       make(map[string]int),
		occurrences: make(map[string]int),
	}
	for _, id := range completed {
		t.skips[id]++
	}
	return t
}

// declare marks ids as about to run. A re-declared id (a loop iteration)
// becomes pending again.
func (t *tracker) declare(ids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		t.declared[id] = true
		delete(t.terminal, id)
	}
}

func (t *tracker) observe(ev Event) {
	if !ev.Terminal() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminal[ev.StepID] = true
	if ch, ok := t.waiters[ev.StepID]; ok {
		close(ch)
		delete(t.waiters, ev.StepID)
	}
}

// wait blocks until every id in deps is terminal. An id that was never
// declared can never settle and fails immediately.
func (t *tracker) wait(ctx context.Context, stepID string, deps []string) error {
	for _, dep := range deps {
		t.mu.Lock()
		if t.terminal[dep] {
			t.mu.Unlock()
			continue
		}
		if !t.declared[dep] {
			t.mu.Unlock()
			return schema.NewErrorf(schema.ErrCodeDependency, "depends on unknown step %q", dep).WithStep(stepID)
		}
		ch, ok := t.waiters[dep]
		if !ok {
			ch = make(chan struct{})
			t.waiters[dep] = ch
		}
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return schema.NewErrorf(schema.ErrCodeCancelled, "cancelled while waiting for %q", dep).
				WithStep(stepID).WithCause(ctx.Err())
		}
	}
	return nil
}

// consumeSkip reports whether one recorded completion of id remains to be
// skipped, consuming it.
func (t *tracker) consumeSkip(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.skips[id] == 0 {
		return false
	}
	t.skips[id]--
	return true
}

// nextOccurrence numbers the encounters of id, starting at 1.
func (t *tracker) nextOccurrence(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.occurrences[id]++
	return t.occurrences[id]
}

func (t *tracker) isTerminal(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminal[id]
}
