package cli

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"canopy/internal/config"
	"canopy/internal/orchestrator"
)

type doctorReport struct {
	lines  []string
	failed bool
}

func (r *doctorReport) ok(format string, args ...any) {
	r.lines = append(r.lines, styleClean.Render("ok  ")+" "+fmt.Sprintf(format, args...))
}

func (r *doctorReport) warn(format string, args ...any) {
	r.lines = append(r.lines, styleWarning.Render("warn")+" "+fmt.Sprintf(format, args...))
}

func (r *doctorReport) miss(format string, args ...any) {
	r.failed = true
	r.lines = append(r.lines, styleError.Render("miss")+" "+fmt.Sprintf(format, args...))
}

func commandName(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// checkCommand reports whether the first word of a configured command is on PATH.
func (r *doctorReport) checkCommand(label, command string) {
	if strings.TrimSpace(command) == "" {
		r.warn("%s not configured", label)
		return
	}
	name := commandName(command)
	if _, err := exec.LookPath(name); err != nil && !strings.ContainsAny(name, "=$") {
		r.warn("%s %q: %s not found on PATH", label, command, name)
		return
	}
	r.ok("%s %q", label, command)
}

func (r *doctorReport) checkConfig(cfg config.Config) {
	if len(cfg.Sources) == 0 {
		r.ok("config: defaults only")
	} else {
		r.ok("config: %s", strings.Join(cfg.Sources, ", "))
	}
	for _, key := range cfg.Unknown {
		r.warn("unknown config key %s", key)
	}
	r.checkCommand("dev server command", cfg.DevServer.Command)
	r.checkCommand("auto mode command", cfg.AutoMode.Command)
}

func (r *doctorReport) checkProject(ctx context.Context, a *app, p *orchestrator.Project) {
	r.ok("repository root %s", p.Root)
	if main, ok := p.Snapshot().Main(); ok {
		r.ok("main worktree %s on %s", main.Path, main.Branch)
	}
	r.ok("worktree dir %s", filepath.Join(p.Root, p.Config.WorktreeDir))

	entries, err := p.Repo().Entries(ctx)
	if err != nil {
		r.warn("unable to read worktree list: %v", err)
		return
	}
	stale := 0
	for _, e := range entries {
		if e.Prunable {
			stale++
			r.warn("stale worktree registration %s (run git worktree prune)", e.Path)
		}
	}
	if stale == 0 {
		r.ok("worktree metadata (%d registered)", len(entries))
	}

	script, err := a.orch.GetInitScript(ctx, orchestrator.InitScriptRequest{ProjectPath: p.Root})
	switch {
	case err != nil:
		r.warn("init script: %v", err)
	case script.Exists:
		r.ok("init script %s", script.Path)
	default:
		r.warn("no init script at %s", script.Path)
	}
}

func newDoctorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check git, configuration and worktree metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(oneShot); err != nil {
				return err
			}
			report := runDoctor(cmd.Context(), a)
			for _, line := range report.lines {
				fmt.Fprintln(a.stdout, line)
			}
			if report.failed {
				return exitError{code: 1}
			}
			return nil
		},
	}
}

func runDoctor(ctx context.Context, a *app) *doctorReport {
	r := &doctorReport{}
	if _, err := exec.LookPath("git"); err != nil {
		r.miss("git not found on PATH")
		return r
	}
	p, err := a.project(ctx)
	if err != nil {
		r.ok("git")
		r.checkConfig(a.cfg)
		r.miss("%v", err)
		return r
	}
	if v, err := p.Repo().Version(ctx); err == nil {
		r.ok("%s", v)
	} else {
		r.ok("git")
	}
	r.checkConfig(p.Config)
	r.checkProject(ctx, a, p)
	return r
}
