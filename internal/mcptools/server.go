package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/server"

	"canopy/internal/automode"
	"canopy/internal/devserver"
	"canopy/internal/orchestrator"
)

// Service is what the tools call into.
type Service interface {
	Create(ctx context.Context, req orchestrator.CreateRequest) (orchestrator.CreateResponse, error)
	Delete(ctx context.Context, req orchestrator.DeleteRequest) (orchestrator.DeleteResponse, error)
	List(ctx context.Context, req orchestrator.ListRequest) (orchestrator.ListResponse, error)
	Select(ctx context.Context, req orchestrator.SelectRequest) (orchestrator.WorktreeInfo, error)
	SwitchBranch(ctx context.Context, req orchestrator.SwitchBranchRequest) (orchestrator.SwitchBranchResponse, error)
	DevServerStart(ctx context.Context, req orchestrator.DevServerRequest) (devserver.Info, error)
	DevServerStop(ctx context.Context, req orchestrator.DevServerRequest) (devserver.Info, error)
	DevServerStatus(ctx context.Context, req orchestrator.DevServerRequest) (orchestrator.DevServerStatusResponse, error)
	DevServerLogs(ctx context.Context, req orchestrator.DevServerLogsRequest) (orchestrator.DevServerLogsResponse, error)
	AutoModeStart(ctx context.Context, req orchestrator.AutoModeRequest) (automode.Info, error)
	AutoModeStop(ctx context.Context, req orchestrator.AutoModeRequest) (automode.Info, error)
	AutoModeStatus(ctx context.Context, req orchestrator.AutoModeRequest) (automode.Info, error)
	GetInitScript(ctx context.Context, req orchestrator.InitScriptRequest) (orchestrator.InitScriptInfo, error)
	RunInitScript(ctx context.Context, req orchestrator.RunInitScriptRequest) (orchestrator.RunInitScriptResponse, error)
}

// New creates the MCP server with every canopy tool registered.
func New(svc Service, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"canopy",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	register(s, svc)
	return s
}

func register(s *server.MCPServer, svc Service) {
	// --- Worktrees ---
	create := NewCreateTool(svc)
	s.AddTool(create.Definition(), create.Handle)

	del := NewDeleteTool(svc)
	s.AddTool(del.Definition(), del.Handle)

	list := NewListTool(svc)
	s.AddTool(list.Definition(), list.Handle)

	sw := NewSwitchBranchTool(svc)
	s.AddTool(sw.Definition(), sw.Handle)

	sel := NewSelectTool(svc)
	s.AddTool(sel.Definition(), sel.Handle)

	// --- Processes ---
	dev := NewDevServerTool(svc)
	s.AddTool(dev.Definition(), dev.Handle)

	auto := NewAutoModeTool(svc)
	s.AddTool(auto.Definition(), auto.Handle)

	initTool := NewInitScriptTool(svc)
	s.AddTool(initTool.Definition(), initTool.Handle)
}

// ServeStdio serves the tools over stdin/stdout until the client disconnects.
func ServeStdio(svc Service, version string) error {
	return server.ServeStdio(New(svc, version))
}

const instructions = `canopy manages git worktrees for parallel work on one repository.

Each branch gets its own worktree directory. Use worktree_list first to see what exists.
Create a worktree with worktree_create before starting work on a new branch, and remove it
with worktree_delete when the branch is done. Paths are always absolute.

Errors start with a code such as ALREADY_EXISTS, BRANCH_IN_USE or IN_USE.`
