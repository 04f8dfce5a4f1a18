package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"canopy/internal/orchestrator"
)

// CreateTool handles worktree_create.
type CreateTool struct {
	svc Service
}

func NewCreateTool(svc Service) *CreateTool { return &CreateTool{svc: svc} }

func (t *CreateTool) Definition() mcp.Tool {
	return mcp.NewTool("worktree_create",
		mcp.WithDescription("Create a git worktree for a branch under the project's worktree directory. "+
			"The branch is created from the base ref when it does not exist yet."),
		mcp.WithString("project_path",
			mcp.Required(),
			mcp.Description("Absolute path of the repository"),
		),
		mcp.WithString("branch",
			mcp.Required(),
			mcp.Description("Branch name, e.g. feature/login"),
		),
	)
}

func (t *CreateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := t.svc.Create(ctx, orchestrator.CreateRequest{
		ProjectPath: req.GetString("project_path", ""),
		BranchName:  req.GetString("branch", ""),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(resp)
}

// DeleteTool handles worktree_delete.
type DeleteTool struct {
	svc Service
}

func NewDeleteTool(svc Service) *DeleteTool { return &DeleteTool{svc: svc} }

func (t *DeleteTool) Definition() mcp.Tool {
	return mcp.NewTool("worktree_delete",
		mcp.WithDescription("Remove a linked worktree. A running dev server in it is stopped first. "+
			"The main worktree cannot be deleted, and a worktree with uncommitted changes needs force."),
		mcp.WithString("project_path",
			mcp.Required(),
			mcp.Description("Absolute path of the repository"),
		),
		mcp.WithString("worktree_path",
			mcp.Required(),
			mcp.Description("Absolute path of the worktree to remove"),
		),
		mcp.WithBoolean("delete_branch",
			mcp.Description("Also delete the worktree's branch (default: false)"),
		),
		mcp.WithBoolean("force",
			mcp.Description("Remove even with uncommitted changes (default: false)"),
		),
	)
}

func (t *DeleteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := t.svc.Delete(ctx, orchestrator.DeleteRequest{
		ProjectPath:  req.GetString("project_path", ""),
		WorktreePath: req.GetString("worktree_path", ""),
		DeleteBranch: boolArg(req, "delete_branch", false),
		Force:        boolArg(req, "force", false),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(resp)
}

// ListTool handles worktree_list.
type ListTool struct {
	svc Service
}

func NewListTool(svc Service) *ListTool { return &ListTool{svc: svc} }

func (t *ListTool) Definition() mcp.Tool {
	return mcp.NewTool("worktree_list",
		mcp.WithDescription("List the project's worktrees, main first, with dev-server and auto-mode state."),
		mcp.WithString("project_path",
			mcp.Required(),
			mcp.Description("Absolute path of the repository"),
		),
		mcp.WithBoolean("include_details",
			mcp.Description("Include change counts and ahead/behind counts (default: false)"),
		),
	)
}

func (t *ListTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := t.svc.List(ctx, orchestrator.ListRequest{
		ProjectPath:    req.GetString("project_path", ""),
		IncludeDetails: boolArg(req, "include_details", false),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(resp)
}

// SwitchBranchTool handles worktree_switch_branch.
type SwitchBranchTool struct {
	svc Service
}

func NewSwitchBranchTool(svc Service) *SwitchBranchTool { return &SwitchBranchTool{svc: svc} }

func (t *SwitchBranchTool) Definition() mcp.Tool {
	return mcp.NewTool("worktree_switch_branch",
		mcp.WithDescription("Check out an existing branch in place in a worktree. "+
			"Fails when the branch is active in another worktree."),
		mcp.WithString("project_path",
			mcp.Required(),
			mcp.Description("Absolute path of the repository"),
		),
		mcp.WithString("worktree_path",
			mcp.Required(),
			mcp.Description("Absolute path of the worktree"),
		),
		mcp.WithString("branch",
			mcp.Required(),
			mcp.Description("Branch to check out"),
		),
	)
}

func (t *SwitchBranchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := t.svc.SwitchBranch(ctx, orchestrator.SwitchBranchRequest{
		ProjectPath:  req.GetString("project_path", ""),
		WorktreePath: req.GetString("worktree_path", ""),
		TargetBranch: req.GetString("branch", ""),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(resp)
}

// SelectTool handles worktree_select.
type SelectTool struct {
	svc Service
}

func NewSelectTool(svc Service) *SelectTool { return &SelectTool{svc: svc} }

func (t *SelectTool) Definition() mcp.Tool {
	return mcp.NewTool("worktree_select",
		mcp.WithDescription("Mark a worktree as the selected one. Unknown paths select the main worktree."),
		mcp.WithString("project_path",
			mcp.Required(),
			mcp.Description("Absolute path of the repository"),
		),
		mcp.WithString("worktree_path",
			mcp.Description("Absolute path of the worktree (default: main)"),
		),
	)
}

func (t *SelectTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := t.svc.Select(ctx, orchestrator.SelectRequest{
		ProjectPath:  req.GetString("project_path", ""),
		WorktreePath: req.GetString("worktree_path", ""),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(resp)
}
