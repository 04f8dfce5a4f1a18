package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"canopy/internal/orchestrator"
	"canopy/internal/worktree"
)

// resolveWorktree finds a worktree by path, branch, or directory name.
func resolveWorktree(items []orchestrator.WorktreeInfo, target, cwd string) (orchestrator.WorktreeInfo, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return orchestrator.WorktreeInfo{}, worktree.E(worktree.KindInvalid, "resolve", "worktree is required")
	}
	asPath := target
	if !filepath.IsAbs(asPath) {
		asPath = filepath.Join(cwd, asPath)
	}
	asPath = worktree.Clean(asPath)
	for _, it := range items {
		if it.Path == asPath {
			return it, nil
		}
	}
	for _, it := range items {
		if it.Branch == target {
			return it, nil
		}
	}
	for _, it := range items {
		if !it.IsMain && filepath.Base(it.Path) == worktree.Sanitize(target) {
			return it, nil
		}
	}
	return orchestrator.WorktreeInfo{}, worktree.E(worktree.KindNotFound, "resolve", "no worktree matches "+target)
}

// containingWorktree returns the worktree whose directory holds dir, preferring
// the deepest match so linked worktrees nested under main win.
func containingWorktree(items []orchestrator.WorktreeInfo, dir string) (orchestrator.WorktreeInfo, bool) {
	var best orchestrator.WorktreeInfo
	found := false
	for _, it := range items {
		rel, err := filepath.Rel(it.Path, dir)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if !found || len(it.Path) > len(best.Path) {
			best, found = it, true
		}
	}
	return best, found
}

// target resolves the optional worktree argument, defaulting to the worktree
// containing the working directory.
func (a *app) target(ctx context.Context, root string, args []string) (orchestrator.WorktreeInfo, error) {
	res, err := a.orch.List(ctx, orchestrator.ListRequest{ProjectPath: root})
	if err != nil {
		return orchestrator.WorktreeInfo{}, err
	}
	if len(args) > 0 {
		return resolveWorktree(res.Worktrees, args[0], a.dir)
	}
	if wt, ok := containingWorktree(res.Worktrees, a.dir); ok {
		return wt, nil
	}
	return orchestrator.WorktreeInfo{}, worktree.E(worktree.KindNotFound, "resolve", "working directory is not inside a worktree")
}

func newCreateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "create <branch>",
		Aliases: []string{"new"},
		Short:   "Create a worktree for a branch, creating the branch if needed",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(oneShot); err != nil {
				return err
			}
			ctx := cmd.Context()
			p, err := a.project(ctx)
			if err != nil {
				return err
			}
			res, err := a.orch.Create(ctx, orchestrator.CreateRequest{ProjectPath: p.Root, BranchName: args[0]})
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, res.WorktreePath)
			emitCDMarker(a.stdout, a.cfg.EmitCDMarker, res.WorktreePath)
			return nil
		},
	}
}

var listColumns = []column{
	{title: "SEL", style: func([]string) lipgloss.Style { return styleSelected }},
	{title: "BRANCH", style: func(row []string) lipgloss.Style {
		if row[0] == "*" {
			return styleSelected
		}
		return lipgloss.NewStyle()
	}},
	{title: "STATUS", style: func(row []string) lipgloss.Style {
		switch row[2] {
		case "clean":
			return styleClean
		case "-":
			return styleDim
		}
		return styleDirty
	}},
	{title: "SYNC"},
	{title: "DEV"},
	{title: "AUTO"},
	{title: "PATH", style: func([]string) lipgloss.Style { return stylePath }},
}

func listRow(it orchestrator.WorktreeInfo) []string {
	sel := ""
	if it.Selected {
		sel = "*"
	}
	branch := it.Branch
	if branch == "" {
		branch = "(detached)"
	}
	status := "-"
	if it.HasChanges != nil {
		status = "clean"
		if *it.HasChanges {
			status = "dirty"
			if it.ChangedFilesCount != nil {
				status = strconv.Itoa(*it.ChangedFilesCount) + " changed"
			}
		}
	}
	sync := "-"
	if it.AheadCount != nil && it.BehindCount != nil {
		sync = fmt.Sprintf("+%d -%d", *it.AheadCount, *it.BehindCount)
	}
	dev := "-"
	if it.DevServer != nil {
		dev = string(*it.DevServer)
	}
	auto := "off"
	if it.AutoModeRunning {
		auto = "on"
	}
	return []string{sel, branch, status, sync, dev, auto, it.Path}
}

func newListCmd(a *app) *cobra.Command {
	var jsonOut, details bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the project's worktrees",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(oneShot); err != nil {
				return err
			}
			ctx := cmd.Context()
			p, err := a.project(ctx)
			if err != nil {
				return err
			}
			res, err := a.orch.List(ctx, orchestrator.ListRequest{ProjectPath: p.Root, IncludeDetails: details})
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			rows := make([][]string, 0, len(res.Worktrees))
			for _, it := range res.Worktrees {
				rows = append(rows, listRow(it))
			}
			fmt.Fprint(a.stdout, renderTable(listColumns, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	cmd.Flags().BoolVarP(&details, "details", "d", false, "include change counts and ahead/behind")
	return cmd
}

func newRemoveCmd(a *app) *cobra.Command {
	var deleteBranch, force bool
	cmd := &cobra.Command{
		Use:     "rm <branch-or-worktree>",
		Aliases: []string{"remove"},
		Short:   "Remove a worktree, stopping its dev server first",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(oneShot); err != nil {
				return err
			}
			ctx := cmd.Context()
			p, err := a.project(ctx)
			if err != nil {
				return err
			}
			wt, err := a.target(ctx, p.Root, args)
			if err != nil {
				return err
			}
			res, err := a.orch.Delete(ctx, orchestrator.DeleteRequest{
				ProjectPath:  p.Root,
				WorktreePath: wt.Path,
				DeleteBranch: deleteBranch,
				Force:        force,
			})
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				fmt.Fprintln(a.stderr, warnMsg(w))
			}
			fmt.Fprintln(a.stdout, successMsg("removed "+res.WorktreePath))
			return nil
		},
	}
	cmd.Flags().BoolVar(&deleteBranch, "delete-branch", false, "also delete the branch")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "remove even with uncommitted changes")
	return cmd
}

func newSwitchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "switch [worktree] <branch>",
		Short: "Check out another branch inside an existing worktree",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(oneShot); err != nil {
				return err
			}
			ctx := cmd.Context()
			p, err := a.project(ctx)
			if err != nil {
				return err
			}
			branch := args[len(args)-1]
			wt, err := a.target(ctx, p.Root, args[:len(args)-1])
			if err != nil {
				return err
			}
			res, err := a.orch.SwitchBranch(ctx, orchestrator.SwitchBranchRequest{
				ProjectPath:  p.Root,
				WorktreePath: wt.Path,
				TargetBranch: branch,
			})
			if err != nil {
				return err
			}
			if res.PreviousBranch == res.CurrentBranch {
				fmt.Fprintln(a.stdout, infoMsg("already on "+res.CurrentBranch))
				return nil
			}
			fmt.Fprintln(a.stdout, successMsg(fmt.Sprintf("switched %s from %s to %s", wt.Path, res.PreviousBranch, res.CurrentBranch)))
			return nil
		},
	}
}
