package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"canopy/internal/orchestrator"
)

// InitScriptTool handles init_script. Without a worktree it reports whether
// the script exists; with one it starts the script.
type InitScriptTool struct {
	svc Service
}

func NewInitScriptTool(svc Service) *InitScriptTool { return &InitScriptTool{svc: svc} }

func (t *InitScriptTool) Definition() mcp.Tool {
	return mcp.NewTool("init_script",
		mcp.WithDescription("Inspect or run the project's worktree init script. "+
			"Runs return a run id at once; progress is published as init.* events."),
		mcp.WithString("project_path",
			mcp.Required(),
			mcp.Description("Absolute path of the repository"),
		),
		mcp.WithString("worktree_path",
			mcp.Description("Worktree to run the script in; omit to only check the script"),
		),
		mcp.WithString("branch",
			mcp.Description("Branch exported as CANOPY_BRANCH (default: the worktree's branch)"),
		),
	)
}

func (t *InitScriptTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project := req.GetString("project_path", "")
	path := req.GetString("worktree_path", "")
	if path == "" {
		info, err := t.svc.GetInitScript(ctx, orchestrator.InitScriptRequest{ProjectPath: project})
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(info)
	}
	resp, err := t.svc.RunInitScript(ctx, orchestrator.RunInitScriptRequest{
		ProjectPath:  project,
		WorktreePath: path,
		Branch:       req.GetString("branch", ""),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(resp)
}
