package worktree

import (
	"path/filepath"
	"regexp"
)

// DefaultDir is the directory, relative to the project root, that holds linked worktrees.
const DefaultDir = ".worktrees"

var unsafeDirRe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

type Worktree struct {
	Path              string `json:"path"`
	Branch            string `json:"branch"`
	IsMain            bool   `json:"isMain"`
	HasChanges        bool   `json:"hasChanges"`
	ChangedFilesCount int    `json:"changedFilesCount"`
}

// Sanitize maps a branch name to a directory segment. Every character outside
// [A-Za-z0-9_-] becomes '-', so Sanitize(Sanitize(b)) == Sanitize(b).
func Sanitize(branch string) string {
	return unsafeDirRe.ReplaceAllString(branch, "-")
}

// PathFor returns the directory a linked worktree for branch lives in.
func PathFor(basePath, dir, branch string) string {
	if dir == "" {
		dir = DefaultDir
	}
	if filepath.IsAbs(dir) {
		return filepath.Join(dir, Sanitize(branch))
	}
	return filepath.Join(basePath, dir, Sanitize(branch))
}

// Clean normalises a worktree path so it can be used as a key.
func Clean(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
