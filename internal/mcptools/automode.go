package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"canopy/internal/orchestrator"
)

// AutoModeTool handles auto_mode.
type AutoModeTool struct {
	svc Service
}

func NewAutoModeTool(svc Service) *AutoModeTool { return &AutoModeTool{svc: svc} }

func (t *AutoModeTool) Definition() mcp.Tool {
	return mcp.NewTool("auto_mode",
		mcp.WithDescription("Start, stop or query the autonomous run for a project branch. "+
			"Starting a running key and stopping a stopped key both succeed."),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("One of: start, stop, status"),
			mcp.Enum("start", "stop", "status"),
		),
		mcp.WithString("project_path",
			mcp.Required(),
			mcp.Description("Absolute path of the repository"),
		),
		mcp.WithString("branch",
			mcp.Description("Branch of the run (default: the main worktree)"),
		),
	)
}

func (t *AutoModeTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r := orchestrator.AutoModeRequest{
		ProjectPath: req.GetString("project_path", ""),
		Branch:      optionalString(req, "branch"),
	}
	var (
		resp any
		err  error
	)
	switch req.GetString("action", "") {
	case "start":
		resp, err = t.svc.AutoModeStart(ctx, r)
	case "stop":
		resp, err = t.svc.AutoModeStop(ctx, r)
	case "status":
		resp, err = t.svc.AutoModeStatus(ctx, r)
	default:
		return mcp.NewToolResultError("'action' must be one of start, stop, status"), nil
	}
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(resp)
}
