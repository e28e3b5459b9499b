package plugins

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/revskill10/openagent-cli-sub002/internal/tools"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// remoteTool forwards calls to a tool of an MCP server.
type remoteTool struct {
	name        string
	remote      string
	description string
	plugin      string
	manager     *Manager
}

func (t *remoteTool) Name() string { return t.name }

// Schema leaves InputSchema empty: the server validates its own arguments.
func (t *remoteTool) Schema() tools.Schema {
	return tools.Schema{Description: t.description}
}

func (t *remoteTool) Execute(ctx context.Context, call tools.Call, _ func(any)) (any, error) {
	c, err := t.manager.client(t.plugin)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, err.Error())
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.remote
	req.Params.Arguments = call.Params

	res, err := c.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: %v", t.name, err).WithCause(err)
	}
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: %s", t.name, textOf(res.Content))
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	return decodeContent(res.Content), nil
}

// decodeContent turns a text result into a value: JSON text is decoded, other
// text is returned as a string. Non-text content is returned as is.
func decodeContent(content []mcp.Content) any {
	text := textOf(content)
	if text == "" && len(content) > 0 {
		return content
	}
	var v any
	if json.Unmarshal([]byte(text), &v) == nil {
		return v
	}
	return text
}

func textOf(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
