// Package mcppool runs subtask batches on an out-of-process worker pool
// reached over MCP stdio. The remote side exposes a single execute_subtasks
// tool; this side speaks the engine's SubtaskExecutor interface.
package mcppool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ZanzyTHEbar/searchscale"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// ToolName is the tool the remote pool must expose.
const ToolName = "execute_subtasks"

// RemoteExecutor implements searchscale.SubtaskExecutor against a worker
// pool running in a child process.
type RemoteExecutor struct {
	client client.MCPClient
	logger *zap.Logger
}

// RemoteOption configures a RemoteExecutor.
type RemoteOption func(*RemoteExecutor)

// WithLogger sets the executor logger.
func WithLogger(logger *zap.Logger) RemoteOption {
	return func(r *RemoteExecutor) {
		r.logger = logger
	}
}

// NewRemoteExecutor spawns the pool process over stdio and performs the MCP
// handshake. The returned executor owns the child process; Close tears it
// down.
func NewRemoteExecutor(ctx context.Context, command string, env []string, args []string, options ...RemoteOption) (*RemoteExecutor, error) {
	mcpClient, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, searchscale.NewConfigurationError("failed to start worker pool process", err)
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
		return nil, searchscale.NewConfigurationError("failed to initialize worker pool client", err)
	}

	r := &RemoteExecutor{
		client: mcpClient,
		logger: zap.NewNop(),
	}
	for _, option := range options {
		option(r)
	}
	return r, nil
}

// ExecuteSubtasks implements searchscale.SubtaskExecutor. The request rides
// as a JSON string argument; the tool result text carries the response.
func (r *RemoteExecutor) ExecuteSubtasks(ctx context.Context, req *searchscale.ExecuteSubtasksRequest) (*searchscale.ExecuteSubtasksResponse, error) {
	if req == nil {
		return nil, searchscale.NewValidationError("mcppool", "request is required", nil)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, searchscale.NewInternalError("mcppool", "failed to encode subtask batch", err)
	}

	r.logger.Debug("dispatching batch to remote pool",
		zap.String("run_id", req.RunID),
		zap.Int("subtasks", len(req.Subtasks)))

	result, err := r.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name: ToolName,
			Arguments: map[string]interface{}{
				"request": string(payload),
			},
		},
	})
	if err != nil {
		return nil, searchscale.NewInternalError("mcppool", "worker pool call failed", err)
	}

	text, err := resultText(result)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, searchscale.NewInternalError("mcppool",
			fmt.Sprintf("worker pool rejected the batch: %s", text), nil)
	}

	var resp searchscale.ExecuteSubtasksResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, searchscale.NewInternalError("mcppool", "failed to decode worker pool response", err)
	}
	return &resp, nil
}

// Close shuts down the child process.
func (r *RemoteExecutor) Close() error {
	return r.client.Close()
}

func resultText(result *mcp.CallToolResult) (string, error) {
	if result == nil || len(result.Content) == 0 {
		return "", searchscale.NewInternalError("mcppool", "worker pool returned an empty result", nil)
	}
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			return text.Text, nil
		}
	}
	return "", searchscale.NewInternalError("mcppool", "worker pool returned no text content", nil)
}
