package mcptools

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"canopy/internal/orchestrator"
)

const defaultLogLimit = 200

// DevServerTool handles dev_server, one tool with an action argument.
type DevServerTool struct {
	svc Service
}

func NewDevServerTool(svc Service) *DevServerTool { return &DevServerTool{svc: svc} }

func (t *DevServerTool) Definition() mcp.Tool {
	return mcp.NewTool("dev_server",
		mcp.WithDescription("Start, stop or inspect the dev server of a worktree. "+
			"The server runs the configured dev_server.command in the worktree directory."),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("One of: start, stop, status, logs"),
			mcp.Enum("start", "stop", "status", "logs"),
		),
		mcp.WithString("worktree_path",
			mcp.Required(),
			mcp.Description("Absolute path of the worktree"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of log lines for the logs action (default: 200)"),
		),
	)
}

func (t *DevServerTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("worktree_path", "")
	var (
		resp any
		err  error
	)
	switch action := strings.ToLower(req.GetString("action", "")); action {
	case "start":
		resp, err = t.svc.DevServerStart(ctx, orchestrator.DevServerRequest{WorktreePath: path})
	case "stop":
		resp, err = t.svc.DevServerStop(ctx, orchestrator.DevServerRequest{WorktreePath: path})
	case "status":
		resp, err = t.svc.DevServerStatus(ctx, orchestrator.DevServerRequest{WorktreePath: path})
	case "logs":
		resp, err = t.svc.DevServerLogs(ctx, orchestrator.DevServerLogsRequest{
			WorktreePath: path,
			Limit:        intArg(req, "limit", defaultLogLimit),
		})
	default:
		return mcp.NewToolResultError("'action' must be one of start, stop, status, logs"), nil
	}
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(resp)
}
