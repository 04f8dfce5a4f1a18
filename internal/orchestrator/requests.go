package orchestrator

import (
	"path/filepath"
	"strings"

	"canopy/internal/devserver"
	"canopy/internal/worktree"
)

type CreateRequest struct {
	ProjectPath string `json:"projectPath"`
	BranchName  string `json:"branchName"`
}

type CreateResponse struct {
	WorktreePath string `json:"worktreePath"`
	Branch       string `json:"branch"`
}

type DeleteRequest struct {
	ProjectPath  string `json:"projectPath"`
	WorktreePath string `json:"worktreePath"`
	DeleteBranch bool   `json:"deleteBranch"`
	Force        bool   `json:"force"`
}

type DeleteResponse struct {
	WorktreePath string   `json:"worktreePath"`
	Branch       string   `json:"branch,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

type ListRequest struct {
	ProjectPath    string `json:"projectPath"`
	IncludeDetails bool   `json:"includeDetails"`
}

type WorktreeInfo struct {
	Path              string            `json:"path"`
	Branch            string            `json:"branch"`
	IsMain            bool              `json:"isMain"`
	Selected          bool              `json:"selected"`
	HasChanges        *bool             `json:"hasChanges,omitempty"`
	ChangedFilesCount *int              `json:"changedFilesCount,omitempty"`
	AheadCount        *int              `json:"aheadCount,omitempty"`
	BehindCount       *int              `json:"behindCount,omitempty"`
	DevServer         *devserver.Status `json:"devServerStatus,omitempty"`
	AutoModeRunning   bool              `json:"autoModeRunning"`
}

type ListResponse struct {
	ProjectPath string         `json:"projectPath"`
	Worktrees   []WorktreeInfo `json:"worktrees"`
}

type SelectRequest struct {
	ProjectPath  string `json:"projectPath"`
	WorktreePath string `json:"worktreePath"`
}

type SwitchBranchRequest struct {
	ProjectPath  string `json:"projectPath"`
	WorktreePath string `json:"worktreePath"`
	TargetBranch string `json:"targetBranch"`
}

type SwitchBranchResponse struct {
	PreviousBranch string `json:"previousBranch"`
	CurrentBranch  string `json:"currentBranch"`
}

type DevServerRequest struct {
	WorktreePath string `json:"worktreePath"`
}

type DevServerStatusResponse struct {
	Instance *devserver.Info `json:"instance"`
}

type DevServerLogsRequest struct {
	WorktreePath string `json:"worktreePath"`
	Limit        int    `json:"limit"`
}

type DevServerLogsResponse struct {
	Lines []string `json:"lines"`
}

type AutoModeRequest struct {
	ProjectPath string `json:"projectPath"`
	// Branch is nil for the main worktree.
	Branch *string `json:"branchName"`
}

type InitScriptRequest struct {
	ProjectPath string `json:"projectPath"`
}

type InitScriptInfo struct {
	Exists bool   `json:"exists"`
	Path   string `json:"path"`
}

type RunInitScriptRequest struct {
	ProjectPath  string `json:"projectPath"`
	WorktreePath string `json:"worktreePath"`
	Branch       string `json:"branch"`
}

type RunInitScriptResponse struct {
	RunID string `json:"runId"`
}

func invalid(op, msg string) error {
	return worktree.E(worktree.KindInvalid, op, msg)
}

func checkPath(op, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid(op, field+" is required")
	}
	if !filepath.IsAbs(value) {
		return invalid(op, field+" must be an absolute path")
	}
	return nil
}

// checkBranch applies the local subset of git's ref-name rules.
func checkBranch(op, field, value string) error {
	b := value
	switch {
	case strings.TrimSpace(b) == "":
		return invalid(op, field+" is required")
	case b == "@",
		strings.HasPrefix(b, "-"),
		strings.HasPrefix(b, "/"),
		strings.HasSuffix(b, "/"),
		strings.HasSuffix(b, "."),
		strings.HasSuffix(b, ".lock"),
		strings.Contains(b, ".."),
		strings.Contains(b, "//"),
		strings.Contains(b, "@{"),
		strings.Contains(b, "/."),
		strings.HasPrefix(b, "."),
		strings.ContainsAny(b, " ~^:?*[\\"):
		return invalid(op, field+" is not a valid branch name: "+value)
	}
	for _, r := range b {
		if r < 0x20 || r == 0x7f {
			return invalid(op, field+" is not a valid branch name: "+value)
		}
	}
	return nil
}

func (r CreateRequest) Validate() error {
	if err := checkPath("create", "projectPath", r.ProjectPath); err != nil {
		return err
	}
	return checkBranch("create", "branchName", r.BranchName)
}

func (r DeleteRequest) Validate() error {
	if err := checkPath("delete", "projectPath", r.ProjectPath); err != nil {
		return err
	}
	return checkPath("delete", "worktreePath", r.WorktreePath)
}

func (r ListRequest) Validate() error {
	return checkPath("list", "projectPath", r.ProjectPath)
}

func (r SelectRequest) Validate() error {
	return checkPath("select", "projectPath", r.ProjectPath)
}

func (r SwitchBranchRequest) Validate() error {
	if err := checkPath("switch branch", "projectPath", r.ProjectPath); err != nil {
		return err
	}
	if err := checkPath("switch branch", "worktreePath", r.WorktreePath); err != nil {
		return err
	}
	return checkBranch("switch branch", "targetBranch", r.TargetBranch)
}

func (r DevServerRequest) Validate() error {
	return checkPath("dev server", "worktreePath", r.WorktreePath)
}

func (r DevServerLogsRequest) Validate() error {
	if r.Limit < 0 {
		return invalid("dev server logs", "limit must not be negative")
	}
	return checkPath("dev server logs", "worktreePath", r.WorktreePath)
}

func (r AutoModeRequest) Validate() error {
	if err := checkPath("auto mode", "projectPath", r.ProjectPath); err != nil {
		return err
	}
	if r.Branch != nil {
		return checkBranch("auto mode", "branchName", *r.Branch)
	}
	return nil
}

func (r InitScriptRequest) Validate() error {
	return checkPath("init script", "projectPath", r.ProjectPath)
}

func (r RunInitScriptRequest) Validate() error {
	if err := checkPath("run init script", "projectPath", r.ProjectPath); err != nil {
		return err
	}
	return checkPath("run init script", "worktreePath", r.WorktreePath)
}
