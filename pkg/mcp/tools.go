package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/revskill10/openagent-cli-sub002/internal/checkpoint"
	"github.com/revskill10/openagent-cli-sub002/internal/store"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// handleRun starts a script and, unless wait is false, waits for it to end.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	script, err := req.RequireString("script")
	if err != nil || script == "" {
		return mcp.NewToolResultError("script is required"), nil
	}
	vars := mcp.ParseStringMap(req, "variables", nil)

	st, err := s.executions.Start(ctx, script, vars)
	if err != nil {
		return toolError("run failed", err), nil
	}
	s.captureSession(ctx, st.ID)

	if !req.GetBool("wait", true) {
		return marshalResult(st)
	}
	return s.wait(ctx, st)
}

// handleResume continues a paused or interrupted execution.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	st, err := s.executions.Resume(ctx, id)
	if err != nil {
		return toolError("resume failed", err), nil
	}
	s.captureSession(ctx, id)

	if !req.GetBool("wait", true) {
		return marshalResult(st)
	}
	return s.wait(ctx, st)
}

// handleStatus returns the stored checkpoint of an execution.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	st, err := s.executions.Status(ctx, id)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(st)
}

// handlePause stops a running execution at its last checkpoint.
func (s *Server) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	st, err := s.executions.Pause(ctx, id)
	if err != nil {
		return toolError("pause failed", err), nil
	}
	return marshalResult(st)
}

// handleQuery lists execution metadata.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ExecutionFilter{
		Status:    schema.ExecutionStatus(req.GetString("status", "")),
		MachineID: req.GetString("machine_id", ""),
		Limit:     extractInt(req.GetArguments(), "limit", 50),
	}

	executions, err := s.executions.List(ctx, filter)
	if err != nil {
		return toolError("query failed", err), nil
	}
	if executions == nil {
		executions = []*checkpoint.State{}
	}
	return marshalResult(map[string]any{"executions": executions})
}

// handleContinuations lists continuations, or returns one continuation's
// event log when promise_id is given.
func (s *Server) handleContinuations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.continuations == nil {
		return mcp.NewToolResultError("continuation tracking is not enabled"), nil
	}

	if id := req.GetString("promise_id", ""); id != "" {
		events, err := s.continuations.Events(ctx, id, 0)
		if err != nil {
			return toolError("event query failed", err), nil
		}
		return marshalResult(map[string]any{"promise_id": id, "events": events})
	}

	filter := store.ContinuationFilter{
		MachineID: req.GetString("machine_id", ""),
		Limit:     extractInt(req.GetArguments(), "limit", 50),
	}
	if status := req.GetString("status", ""); status != "" {
		filter.Statuses = []schema.ContinuationStatus{schema.ContinuationStatus(status)}
	}

	continuations, err := s.continuations.List(ctx, filter)
	if err != nil {
		return toolError("query failed", err), nil
	}
	if continuations == nil {
		continuations = []*store.Continuation{}
	}
	return marshalResult(map[string]any{"continuations": continuations})
}

// --- Internal helpers ---

// wait blocks until the execution ends. If the caller goes away first the
// execution keeps running and its last known state is returned.
func (s *Server) wait(ctx context.Context, st *checkpoint.State) (*mcp.CallToolResult, error) {
	final, err := s.executions.Wait(ctx, st.ID)
	if err != nil {
		if ctx.Err() != nil {
			return marshalResult(st)
		}
		return toolError("wait failed", err), nil
	}
	return marshalResult(final)
}

// captureSession maps the execution to the current MCP session so its
// events can be pushed back.
func (s *Server) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// toolError renders err as a tool error, keeping the flow error code visible.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, fe.Code, fe.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// extractInt safely extracts an integer from a tool argument map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
