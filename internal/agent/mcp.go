// ABOUTME: Tool executor backed by an MCP client session.
// ABOUTME: Connects over a subprocess or streamable HTTP and flattens tool results to text.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrToolFailed wraps errors reported by the tool itself.
var ErrToolFailed = errors.New("agent: tool failed")

var clientInfo = &mcp.Implementation{Name: "coven-conductor", Version: "v1"}

// MCPTools implements Tools over an MCP session.
type MCPTools struct {
	session *mcp.ClientSession
	logger  *slog.Logger
}

// ConnectMCP opens a session over transport.
func ConnectMCP(ctx context.Context, transport mcp.Transport, logger *slog.Logger) (*MCPTools, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := mcp.NewClient(clientInfo, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to mcp server: %w", err)
	}
	return &MCPTools{session: session, logger: logger.With("component", "mcp-tools")}, nil
}

// ConnectMCPCommand starts command as a subprocess and speaks MCP over its stdio.
func ConnectMCPCommand(ctx context.Context, command string, args []string, logger *slog.Logger) (*MCPTools, error) {
	if command == "" {
		return nil, errors.New("mcp command is required")
	}
	return ConnectMCP(ctx, &mcp.CommandTransport{Command: exec.Command(command, args...)}, logger)
}

// ConnectMCPEndpoint speaks MCP over streamable HTTP.
func ConnectMCPEndpoint(ctx context.Context, endpoint string, logger *slog.Logger) (*MCPTools, error) {
	if endpoint == "" {
		return nil, errors.New("mcp endpoint is required")
	}
	return ConnectMCP(ctx, &mcp.StreamableClientTransport{Endpoint: endpoint}, logger)
}

// Execute calls the tool and returns its text content. A result flagged as
// an error becomes an ErrToolFailed error carrying the text.
func (t *MCPTools) Execute(ctx context.Context, call ToolCall) (string, error) {
	res, err := t.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      call.Name,
		Arguments: call.Arguments,
	})
	if err != nil {
		return "", fmt.Errorf("calling %s: %w", call.Name, err)
	}

	text := flatten(res.Content)
	if res.IsError {
		return "", fmt.Errorf("%w: %s: %s", ErrToolFailed, call.Name, text)
	}
	t.logger.Debug("tool executed", "tool", call.Name, "result_bytes", len(text))
	return text, nil
}

// ListTools describes the server's tools.
func (t *MCPTools) ListTools(ctx context.Context) ([]ToolSpec, error) {
	var specs []ToolSpec
	for tool, err := range t.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("listing tools: %w", err)
		}
		specs = append(specs, ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return specs, nil
}

// Close ends the session.
func (t *MCPTools) Close() error {
	return t.session.Close()
}

func flatten(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		switch c := c.(type) {
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%T]", c))
		}
	}
	return strings.Join(parts, "\n")
}
