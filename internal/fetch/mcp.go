package fetch

import (
	"context"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/searchscale"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// defaultMCPTool is the tool name an MCP search server is expected to expose.
const defaultMCPTool = "search"

// toolCaller is the slice of the MCP client the fetcher needs.
type toolCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCPFetcher implements searchscale.Fetcher against an external MCP search
// server reached over stdio. Each fetch is one tool call; the tool's text
// content is the payload.
type MCPFetcher struct {
	client   toolCaller
	toolName string
	logger   *zap.Logger
}

// MCPOption configures an MCPFetcher.
type MCPOption func(*MCPFetcher)

// WithMCPTool overrides the tool name the remote server exposes.
func WithMCPTool(name string) MCPOption {
	return func(f *MCPFetcher) {
		f.toolName = name
	}
}

// WithMCPLogger sets the fetcher logger.
func WithMCPLogger(logger *zap.Logger) MCPOption {
	return func(f *MCPFetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewMCPFetcher spawns the search server process over stdio and performs the
// MCP handshake. The returned fetcher owns the child process; Close tears it
// down.
func NewMCPFetcher(ctx context.Context, command string, env []string, args []string, options ...MCPOption) (*MCPFetcher, error) {
	mcpClient, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, searchscale.NewConfigurationError("failed to start search server process", err)
	}

	initRequest := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "searchscale",
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}
	if _, err := mcpClient.Initialize(ctx, initRequest); err != nil {
		mcpClient.Close()
		return nil, searchscale.NewConfigurationError("failed to initialize search server client", err)
	}

	return newMCPFetcher(mcpClient, options...), nil
}

func newMCPFetcher(caller toolCaller, options ...MCPOption) *MCPFetcher {
	f := &MCPFetcher{
		client:   caller,
		toolName: defaultMCPTool,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		option(f)
	}
	return f
}

// Fetch implements searchscale.Fetcher. Transport failures are transient;
// an explicit tool error means the server understood and refused the request,
// which is permanent.
func (f *MCPFetcher) Fetch(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
	query := req.Goal
	if constraints := strings.TrimSpace(req.Constraints); constraints != "" {
		query = query + " " + constraints
	}

	f.logger.Debug("fetching over MCP",
		zap.String("tool", f.toolName),
		zap.String("strategy", string(req.Strategy)))

	result, err := f.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name: f.toolName,
			Arguments: map[string]interface{}{
				"query":    query,
				"strategy": string(req.Strategy),
			},
		},
	})
	if err != nil {
		return nil, searchscale.NewTransientFetchError(req.Goal, err)
	}

	text := textContent(result)
	if result.IsError {
		return nil, searchscale.NewPermanentFetchError(req.Goal,
			fmt.Errorf("search server refused the request: %s", text))
	}
	if strings.TrimSpace(text) == "" {
		return nil, searchscale.NewTransientFetchError(req.Goal,
			fmt.Errorf("search server returned no text content"))
	}

	return &searchscale.FetchResponse{Content: text}, nil
}

// Close shuts down the child process.
func (f *MCPFetcher) Close() error {
	return f.client.Close()
}

func textContent(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	var b strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(text.Text)
		}
	}
	return b.String()
}
