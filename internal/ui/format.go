package ui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"

	"canopy/internal/devserver"
	"canopy/internal/orchestrator"
)

const (
	levelInfo  = "INFO"
	levelWarn  = "WARN"
	levelError = "ERROR"
)

var tableHeaders = []string{"SEL", "BRANCH", "CHANGES", "SYNC", "DEV", "AUTO", "PATH"}

// filterIndices returns the positions of items whose branch or path contains
// query, case-insensitively.
func filterIndices(items []orchestrator.WorktreeInfo, query string) []int {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]int, 0, len(items))
	for i, it := range items {
		if q == "" || strings.Contains(strings.ToLower(it.Branch+" "+it.Path), q) {
			out = append(out, i)
		}
	}
	return out
}

func branchLabel(info orchestrator.WorktreeInfo) string {
	if info.Branch == "" {
		return "(detached)"
	}
	if info.IsMain {
		return info.Branch + " (main)"
	}
	return info.Branch
}

func changesLabel(info orchestrator.WorktreeInfo) string {
	switch {
	case info.HasChanges == nil:
		return "-"
	case !*info.HasChanges:
		return "clean"
	case info.ChangedFilesCount != nil:
		return fmt.Sprintf("%d changed", *info.ChangedFilesCount)
	default:
		return "dirty"
	}
}

func syncLabel(info orchestrator.WorktreeInfo) string {
	if info.AheadCount == nil || info.BehindCount == nil {
		return "-"
	}
	a, b := *info.AheadCount, *info.BehindCount
	if a == 0 && b == 0 {
		return "="
	}
	return fmt.Sprintf("↑%d ↓%d", a, b)
}

func devLabel(info orchestrator.WorktreeInfo) string {
	if info.DevServer == nil {
		return "-"
	}
	return string(*info.DevServer)
}

func devActive(info orchestrator.WorktreeInfo) bool {
	if info.DevServer == nil {
		return false
	}
	return *info.DevServer == devserver.StatusRunning || *info.DevServer == devserver.StatusStarting
}

func autoLabel(info orchestrator.WorktreeInfo) string {
	if info.AutoModeRunning {
		return "on"
	}
	return "off"
}

// rowValues renders one worktree as table cells, in tableHeaders order.
func rowValues(info orchestrator.WorktreeInfo, pathWidth int) []string {
	sel := ""
	if info.Selected {
		sel = "*"
	}
	return []string{
		sel,
		truncate(branchLabel(info), 35),
		changesLabel(info),
		syncLabel(info),
		devLabel(info),
		autoLabel(info),
		truncatePath(info.Path, pathWidth),
	}
}

// instanceSummary describes a dev-server instance for the detail pane.
func instanceSummary(info *devserver.Info, now time.Time) []string {
	if info == nil {
		return []string{"dev server: not started"}
	}
	lines := []string{fmt.Sprintf("dev server: %s (pid %d)", info.Status, info.PID)}
	if info.ListenAddress != "" {
		lines = append(lines, "address:    "+info.ListenAddress)
	}
	if info.EndedAt != nil {
		lines = append(lines, "ended:      "+humanize.RelTime(*info.EndedAt, now, "ago", "from now"))
	} else if !info.StartedAt.IsZero() {
		lines = append(lines, "uptime:     "+strings.TrimSuffix(humanize.RelTime(info.StartedAt, now, "", ""), " "))
	}
	if info.ExitCode != nil {
		lines = append(lines, fmt.Sprintf("exit code:  %d", *info.ExitCode))
	}
	if info.Error != "" {
		lines = append(lines, "error:      "+info.Error)
	}
	if info.DroppedLines > 0 {
		lines = append(lines, "dropped:    "+humanize.Comma(info.DroppedLines)+" log lines")
	}
	return lines
}

// truncate shortens s to at most max display cells, marking the cut with "...".
func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= max {
		return s
	}
	if max <= 3 {
		return runewidth.Truncate(s, max, "")
	}
	return runewidth.Truncate(s, max, "...")
}

// truncatePath drops middle directories until the path fits in max cells.
func truncatePath(path string, max int) string {
	if runewidth.StringWidth(path) <= max {
		return path
	}
	parts := strings.Split(path, string(filepath.Separator))
	for len(parts) > 3 {
		parts = append(parts[:1], parts[2:]...)
		cand := strings.Join(append([]string{parts[0], "..."}, parts[len(parts)-2:]...), string(filepath.Separator))
		if runewidth.StringWidth(cand) <= max {
			return cand
		}
	}
	return truncate(path, max)
}
