package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/revskill10/openagent-cli-sub002/internal/validation"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// Executor is the registry surface the interpreter consumes.
type Executor interface {
	Execute(ctx context.Context, call Call) (<-chan Result, error)
}

// Registry is a thread-safe, in-process tool registry.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	validator *validation.JSONSchemaValidator
}

// NewRegistry creates an empty Registry. validator may be nil, in which case
// tool input schemas are not enforced.
func NewRegistry(validator *validation.JSONSchemaValidator) *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		validator: validator,
	}
}

// Register adds a tool. Returns error on duplicate name.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", name)
	}
	return tool, nil
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, Info{Name: t.Name(), Description: t.Schema().Description})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Execute validates call.Params against the tool's input schema and starts the
// tool. Lookup and validation failures are returned directly; everything the
// tool itself produces arrives on the channel, which is closed after the Done
// element. Sends give up when ctx is cancelled.
func (r *Registry) Execute(ctx context.Context, call Call) (<-chan Result, error) {
	tool, err := r.Get(call.Name)
	if err != nil {
		return nil, err
	}
	if r.validator != nil {
		params := call.Params
		if params == nil {
			params = map[string]any{}
		}
		if err := r.validator.Validate(params, tool.Schema().InputSchema); err != nil {
			return nil, err
		}
	}

	out := make(chan Result, 1)
	go func() {
		defer close(out)
		send := func(res Result) bool {
			select {
			case out <- res:
				return true
			case <-ctx.Done():
				return false
			}
		}

		value, err := runTool(ctx, tool, call, func(partial any) {
			send(Result{Partial: partial})
		})
		send(Result{Value: value, Err: err, Done: true})
	}()
	return out, nil
}

func runTool(ctx context.Context, tool Tool, call Call, emit func(any)) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "tool %q panicked: %v", call.Name, rec)
		}
	}()
	value, err = tool.Execute(ctx, call, emit)
	if err != nil {
		if _, ok := err.(*schema.FlowError); !ok && ctx.Err() == nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "tool %q: %s", call.Name, err.Error()).WithCause(err)
		}
	}
	return value, err
}

// Collect drains a result stream and returns the final value, calling
// onPartial for every partial element.
func Collect(ctx context.Context, results <-chan Result, onPartial func(any)) (any, error) {
	for {
		select {
		case res, ok := <-results:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, fmt.Errorf("waiting for tool result: %w", err)
				}
				return nil, schema.NewError(schema.ErrCodeExecution, "tool stream closed without a result")
			}
			if res.Done {
				return res.Value, res.Err
			}
			if onPartial != nil {
				onPartial(res.Partial)
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for tool result: %w", ctx.Err())
		}
	}
}
