package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"canopy/internal/devserver"
	"canopy/internal/events"
	"canopy/internal/orchestrator"
)

const logPollInterval = 300 * time.Millisecond

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init [worktree]",
		Short: "Run the project init script in a worktree and stream its output",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(oneShot); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			p, err := a.project(ctx)
			if err != nil {
				return err
			}
			script, err := a.orch.GetInitScript(ctx, orchestrator.InitScriptRequest{ProjectPath: p.Root})
			if err != nil {
				return err
			}
			if !script.Exists {
				return fmt.Errorf("no init script at %s", script.Path)
			}
			wt, err := a.target(ctx, p.Root, args)
			if err != nil {
				return err
			}

			// Subscribe before starting so no output is missed.
			ch, cancel := a.orch.Bus().Subscribe(1024, func(ev events.Event) bool {
				return ev.Path == wt.Path && (ev.Type == events.InitOutput || ev.Type == events.InitCompleted)
			})
			defer cancel()
			run, err := a.orch.RunInitScript(ctx, orchestrator.RunInitScriptRequest{
				ProjectPath:  p.Root,
				WorktreePath: wt.Path,
				Branch:       wt.Branch,
			})
			if err != nil {
				return err
			}
			return followInit(ctx, a, ch, run.RunID)
		},
	}
}

func followInit(ctx context.Context, a *app, ch <-chan events.Event, runID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			if ev.RunID != runID {
				continue
			}
			if ev.Type == events.InitOutput {
				fmt.Fprintln(a.stdout, ev.Message)
				continue
			}
			if ev.Success != nil && *ev.Success {
				fmt.Fprintln(a.stdout, successMsg("init script finished"))
				return nil
			}
			fmt.Fprintln(a.stderr, errorMsg("init script failed: "+ev.Message))
			if ev.ExitCode != nil && *ev.ExitCode > 0 {
				return exitError{code: *ev.ExitCode}
			}
			return exitError{code: 1}
		}
	}
}

func newDevCmd(a *app) *cobra.Command {
	dev := &cobra.Command{
		Use:   "dev",
		Short: "Dev server commands",
	}
	dev.AddCommand(&cobra.Command{
		Use:   "run [worktree]",
		Short: "Run the dev server for a worktree in the foreground until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(longRunning); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			p, err := a.project(ctx)
			if err != nil {
				return err
			}
			wt, err := a.target(ctx, p.Root, args)
			if err != nil {
				return err
			}
			ch, cancel := a.orch.Bus().Subscribe(64, func(ev events.Event) bool {
				return ev.Type == events.DevServerStatus && ev.Path == wt.Path
			})
			defer cancel()

			info, err := a.orch.DevServerStart(ctx, orchestrator.DevServerRequest{WorktreePath: wt.Path})
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stderr, infoMsg(fmt.Sprintf("dev server %s: %s (pid %d)", info.Status, info.Command, info.PID)))
			return followDevServer(ctx, a, wt.Path, ch)
		},
	})
	return dev
}

// logTail turns successive ring snapshots into the lines not yet printed.
type logTail struct {
	seen int64
}

func (t *logTail) next(lines []string, dropped int64) []string {
	total := dropped + int64(len(lines))
	n := total - t.seen
	t.seen = total
	if n <= 0 {
		return nil
	}
	if n > int64(len(lines)) {
		n = int64(len(lines))
	}
	return lines[len(lines)-int(n):]
}

func followDevServer(ctx context.Context, a *app, path string, ch <-chan events.Event) error {
	tail := &logTail{}
	req := orchestrator.DevServerRequest{WorktreePath: path}
	flush := func() {
		status, err := a.orch.DevServerStatus(context.Background(), req)
		if err != nil || status.Instance == nil {
			return
		}
		logs, err := a.orch.DevServerLogs(context.Background(), orchestrator.DevServerLogsRequest{WorktreePath: path})
		if err != nil {
			return
		}
		for _, line := range tail.next(logs.Lines, status.Instance.DroppedLines) {
			fmt.Fprintln(a.stdout, line)
		}
	}

	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flush()
			stopCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			info, err := a.orch.DevServerStop(stopCtx, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stderr, infoMsg("dev server "+string(info.Status)))
			return nil
		case <-ticker.C:
			flush()
		case ev := <-ch:
			flush()
			switch devserver.Status(ev.Status) {
			case devserver.StatusRunning:
				if ev.Message != "" {
					fmt.Fprintln(a.stderr, successMsg("listening on "+ev.Message))
				} else {
					fmt.Fprintln(a.stderr, successMsg("dev server running"))
				}
			case devserver.StatusCrashed:
				fmt.Fprintln(a.stderr, errorMsg("dev server crashed: "+ev.Message))
				if ev.ExitCode != nil && *ev.ExitCode > 0 {
					return exitError{code: *ev.ExitCode}
				}
				return exitError{code: 1}
			case devserver.StatusStopped:
				fmt.Fprintln(a.stderr, infoMsg("dev server stopped"))
				return nil
			}
		}
	}
}
