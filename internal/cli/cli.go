// Package cli is the canopy command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"canopy/internal/config"
	"canopy/internal/logging"
	"canopy/internal/orchestrator"
	"canopy/internal/worktree"
)

var Version = "dev"

const closeTimeout = 15 * time.Second

// exitError carries a process exit code without an error message.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// app is the state shared by every command of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	dir     string
	verbose bool

	cfg    config.Config
	log    *logrus.Logger
	closer io.Closer
	orch   *orchestrator.Orchestrator
}

// Execute runs the command line and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	a.close()
	if err == nil {
		return 0
	}
	var exit exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintln(stderr, errorMsg(err.Error()))
	return 1
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "canopy",
		Short:         "Git worktree orchestration with dev servers and agent hand-off",
		Long:          "canopy manages one git worktree per branch, supervises a dev server per worktree and hands\nworktrees to an external auto-mode loop. Without a command it opens the dashboard.",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUI(cmd.Context(), a)
		},
	}
	root.PersistentFlags().StringVarP(&a.dir, "project", "C", "", "run as if started in this directory")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newServeCmd(a),
		newMCPCmd(a),
		newUICmd(a),
		newCreateCmd(a),
		newListCmd(a),
		newRemoveCmd(a),
		newSwitchCmd(a),
		newInitCmd(a),
		newDevCmd(a),
		newDoctorCmd(a),
		newShellHookCmd(a),
		newVersionCmd(a),
	)
	return root
}

type mode int

const (
	// oneShot commands log warnings to stderr unless verbose.
	oneShot mode = iota
	// longRunning commands keep the configured level.
	longRunning
	// terminal commands own the terminal or stdio, so logs go to a file.
	terminal
)

// setup loads config, builds the logger and the orchestrator.
func (a *app) setup(m mode) error {
	dir := a.dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	a.dir = abs

	cfg, err := config.Load(abs)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	a.cfg = cfg

	level := cfg.Log.Level
	switch {
	case a.verbose:
		level = "debug"
	case m == oneShot && cfg.Log.File == "":
		level = "warn"
	}
	log, closer, err := logging.New(logging.Options{Level: level, File: cfg.Log.File, Quiet: m == terminal})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	a.log, a.closer = log, closer
	a.orch = orchestrator.New(orchestrator.Options{Log: log, Reconcile: m != oneShot})
	return nil
}

func (a *app) close() {
	if a.orch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := a.orch.Close(ctx); err != nil {
			a.log.WithError(err).Warn("shutdown incomplete")
		}
		cancel()
	}
	if a.closer != nil {
		_ = a.closer.Close()
	}
}

// project opens the project containing the working directory.
func (a *app) project(ctx context.Context) (*orchestrator.Project, error) {
	p, err := a.orch.Project(ctx, a.dir)
	if err != nil && worktree.KindOf(err) == worktree.KindNotFound {
		return nil, fmt.Errorf("run this command inside a git repository: %w", err)
	}
	return p, err
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newVersionCmd(a *app) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the canopy version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				fmt.Fprint(a.stdout, banner())
				fmt.Fprintln(a.stdout, styleDim.Render(" version "+Version))
				return
			}
			fmt.Fprintln(a.stdout, Version)
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "print the banner with the version")
	return cmd
}
