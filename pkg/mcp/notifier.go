package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/revskill10/openagent-cli-sub002/internal/streaming"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// NotificationMethod is the MCP method execution events are pushed under.
const NotificationMethod = "notifications/message"

// Sender delivers a notification to one MCP session. Satisfied by
// *server.MCPServer.
type Sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// Notifier forwards hub events to the session following each execution.
type Notifier struct {
	sender   Sender
	sessions *SessionRegistry
	hub      streaming.EventHub
	logger   *slog.Logger
}

// NewNotifier creates a notifier pushing hub events through sender.
func NewNotifier(sender Sender, sessions *SessionRegistry, hub streaming.EventHub, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, sessions: sessions, hub: hub, logger: logger}
}

// Run forwards events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	events, cancel, err := n.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			n.forward(ev)
		}
	}
}

// forward is best-effort: executions nobody follows are skipped.
func (n *Notifier) forward(ev streaming.StreamEvent) {
	sessionID, ok := n.sessions.SessionFor(ev.ExecutionID)
	if !ok {
		return
	}

	params := map[string]any{
		"level":  "info",
		"logger": "openagent",
		"data":   ev,
	}
	if ev.Category == "error" {
		params["level"] = "error"
	}

	err := n.sender.SendNotificationToSpecificClient(sessionID, NotificationMethod, params)
	switch {
	case errors.Is(err, server.ErrSessionNotFound):
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return
	case err != nil:
		n.logger.Debug("push execution event failed",
			slog.String("execution_id", ev.ExecutionID),
			slog.String("error", err.Error()),
		)
	}

	switch ev.EventType {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionPaused:
		n.sessions.Forget(ev.ExecutionID)
	}
}
