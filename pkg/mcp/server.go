package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/revskill10/openagent-cli-sub002/internal/checkpoint"
	"github.com/revskill10/openagent-cli-sub002/internal/store"
	"github.com/revskill10/openagent-cli-sub002/internal/streaming"
)

// Executions is the execution surface the server drives. Satisfied by
// *checkpoint.Executor.
type Executions interface {
	Start(ctx context.Context, script string, vars map[string]any) (*checkpoint.State, error)
	Resume(ctx context.Context, id string) (*checkpoint.State, error)
	Pause(ctx context.Context, id string) (*checkpoint.State, error)
	Wait(ctx context.Context, id string) (*checkpoint.State, error)
	Status(ctx context.Context, id string) (*checkpoint.State, error)
	List(ctx context.Context, filter store.ExecutionFilter) ([]*checkpoint.State, error)
}

// Continuations is the read surface of the continuation manager.
type Continuations interface {
	List(ctx context.Context, filter store.ContinuationFilter) ([]*store.Continuation, error)
	Events(ctx context.Context, id string, since int64) ([]*store.ContinuationEvent, error)
}

// ServerDeps holds the dependencies for creating a Server. Continuations
// and Hub are optional.
type ServerDeps struct {
	Executions    Executions
	Continuations Continuations
	Hub           streaming.EventHub
	Logger        *slog.Logger
	Version       string
}

// Server wraps an MCP server with openagent tool handlers.
type Server struct {
	executions    Executions
	continuations Continuations
	hub           streaming.EventHub
	sessions      *SessionRegistry
	logger        *slog.Logger
	mcpServer     *server.MCPServer
}

// NewServer creates a Server with all 6 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		executions:    deps.Executions,
		continuations: deps.Continuations,
		hub:           deps.Hub,
		sessions:      NewSessionRegistry(),
		logger:        logger,
	}

	mcpSrv := server.NewMCPServer(
		"openagent",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("openagent runs block scripts of tool calls, assignments and prompts durably. Use openagent.run to execute a script, openagent.status to check progress, openagent.pause and openagent.resume to stop and continue it, openagent.query to list executions and openagent.continuations to inspect tracked work."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Execution events are pushed to the session that started or
// resumed the execution while it runs.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewNotifier(s.mcpServer, s.sessions, s.hub, s.logger)
		go func() {
			if err := notifier.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("event notifier stopped", slog.String("error", err.Error()))
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: continuationsTool(), Handler: s.handleContinuations},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("openagent.run",
		mcp.WithDescription("Execute a block script durably"),
		mcp.WithString("script", mcp.Required(), mcp.Description("Script text made of [TOOL_REQUEST], [ASSIGN], [PROMPT], [SEQUENTIAL], [PARALLEL], [IF] and [WHILE] blocks")),
		mcp.WithObject("variables", mcp.Description("Initial variables, available to ${} interpolation")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the execution to finish (default: true)")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("openagent.resume",
		mcp.WithDescription("Resume a paused or interrupted execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to resume")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the execution to finish (default: true)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("openagent.status",
		mcp.WithDescription("Get an execution's checkpoint"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("openagent.pause",
		mcp.WithDescription("Pause a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to pause")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("openagent.query",
		mcp.WithDescription("List executions"),
		mcp.WithString("status",
			mcp.Enum("running", "paused", "completed", "failed"),
			mcp.Description("Only executions in this status"),
		),
		mcp.WithString("machine_id", mcp.Description("Only executions owned by this machine")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default: 50)")),
	)
}

func continuationsTool() mcp.Tool {
	return mcp.NewTool("openagent.continuations",
		mcp.WithDescription("List continuations, or one continuation's event log"),
		mcp.WithString("status",
			mcp.Enum("pending", "running", "fulfilled", "rejected", "suspended"),
			mcp.Description("Only continuations in this status"),
		),
		mcp.WithString("machine_id", mcp.Description("Only continuations owned by this machine")),
		mcp.WithString("promise_id", mcp.Description("Return the event log of this continuation")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default: 50)")),
	)
}
