package mcppool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ZanzyTHEbar/searchscale"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

const toolDescription = `Execute a batch of independent web search subtasks in parallel on a bounded worker pool.
Subtasks must be self-contained; workers are stateless and isolated and cannot see other workers' results.
The request argument is a JSON-encoded batch; the result text is the JSON-encoded batch response with one terminal result per subtask, in input order.`

// NewServer builds an MCP stdio server exposing the pool as the
// execute_subtasks tool. Serve it with server.ServeStdio.
func NewServer(executor searchscale.SubtaskExecutor, logger *zap.Logger) *server.MCPServer {
	s := server.NewMCPServer("searchscale-worker-pool", "1.0.0")
	s.AddTool(mcp.NewTool(ToolName,
		mcp.WithDescription(toolDescription),
		mcp.WithString("request", mcp.Required(), mcp.Description("JSON-encoded subtask batch request.")),
	), executeHandler(executor, logger))
	return s
}

func executeHandler(executor searchscale.SubtaskExecutor, logger *zap.Logger) server.ToolHandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("request")
		if err != nil {
			return nil, err
		}

		var batch searchscale.ExecuteSubtasksRequest
		if err := json.Unmarshal([]byte(raw), &batch); err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.TextContent{Type: "text", Text: fmt.Sprintf("invalid batch request: %v", err)}},
				IsError: true,
			}, nil
		}

		logger.Info("batch received",
			zap.String("run_id", batch.RunID),
			zap.Int("subtasks", len(batch.Subtasks)))

		resp, err := executor.ExecuteSubtasks(ctx, &batch)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.TextContent{Type: "text", Text: fmt.Sprintf("batch execution failed: %v", err)}},
				IsError: true,
			}, nil
		}

		out, err := json.Marshal(resp)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.TextContent{Type: "text", Text: fmt.Sprintf("failed to encode batch response: %v", err)}},
				IsError: true,
			}, nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}
