// Package mcp adapts a configured MCP server's tool list into the core's Tool interface (§6),
// grounded on the `mcp.Tool`/`CallToolRequest`/`CallToolResult` vocabulary the teacher's own MCP
// server uses (internal/mcpserver/tools.go), consumed here from the client side via
// github.com/mark3labs/mcp-go's client package.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
)

// Adapter connects to one MCP server over stdio and exposes its tool list as driver.Tool
// values, resolved once at construction (§4.4 "pre-built tool set").
type Adapter struct {
	cli    client.MCPClient
	logger *logger.Logger
}

// Dial starts command (with args) as an MCP server subprocess over stdio and initializes the
// session.
func Dial(ctx context.Context, command string, args []string, log *logger.Logger) (*Adapter, error) {
	cli, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", command, err)
	}
	if _, err := cli.Initialize(ctx, mcp.InitializeRequest{}); err != nil {
		return nil, fmt.Errorf("initialize mcp session: %w", err)
	}
	return &Adapter{cli: cli, logger: log.WithFields(zap.String("component", "tools-mcp"))}, nil
}

// Tools lists the server's tools and wraps each as a driver.Tool whose Execute dispatches a
// CallTool request and flattens the result's first text content block.
func (a *Adapter) Tools(ctx context.Context) ([]driver.Tool, error) {
	resp, err := a.cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list mcp tools: %w", err)
	}

	out := make([]driver.Tool, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		t := t
		out = append(out, driver.Tool{
			Name:        t.Name,
			Label:       t.Name,
			Description: t.Description,
			Parameters:  schemaToParams(t.InputSchema),
			Execute: func(ctx context.Context, toolCallID string, params map[string]any) (driver.ToolResult, error) {
				return a.call(ctx, t.Name, params)
			},
		})
	}
	return out, nil
}

func (a *Adapter) call(ctx context.Context, name string, params map[string]any) (driver.ToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = params

	resp, err := a.cli.CallTool(ctx, req)
	if err != nil {
		a.logger.Warn("mcp tool call failed", zap.String("tool", name), zap.Error(err))
		return driver.ToolResult{IsError: true, ContentText: err.Error()}, nil
	}

	var text string
	for _, c := range resp.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			text += tc.Text
		}
	}
	return driver.ToolResult{ContentText: text, IsError: resp.IsError}, nil
}

// Close terminates the MCP server subprocess.
func (a *Adapter) Close() error {
	return a.cli.Close()
}

func schemaToParams(schema mcp.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
