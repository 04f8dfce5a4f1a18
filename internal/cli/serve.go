package cli

import (
	"context"

	"github.com/spf13/cobra"

	"canopy/internal/httpapi"
	"canopy/internal/mcptools"
	"canopy/internal/ui"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and event stream",
		Long: "Serve the JSON API under /api and the websocket event stream at /api/events.\n" +
			"When started inside a repository that project is opened and reconciled right away.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(longRunning); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			if p, err := a.orch.Project(ctx, a.dir); err == nil {
				a.log.WithField("project", p.Root).Info("serving project")
			} else {
				a.log.WithError(err).Debug("no project at working directory")
			}
			if addr == "" {
				addr = a.cfg.HTTP.Addr
			}
			srv := httpapi.New(httpapi.Options{
				Service: a.orch,
				Events:  a.orch.Bus(),
				Log:     a.log,
				Version: Version,
			})
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default http.addr from config)")
	return cmd
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve canopy tools over MCP on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(terminal); err != nil {
				return err
			}
			return mcptools.ServeStdio(a.orch, Version)
		},
	}
}

func newUICmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ui",
		Short: "Open the terminal dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUI(cmd.Context(), a)
		},
	}
}

func runUI(ctx context.Context, a *app) error {
	if err := a.setup(terminal); err != nil {
		return err
	}
	ctx, stop := signalContext(ctx)
	defer stop()
	p, err := a.project(ctx)
	if err != nil {
		return err
	}
	return ui.Run(ctx, ui.Options{
		Service:     a.orch,
		Events:      a.orch.Bus(),
		ProjectPath: p.Root,
		Version:     Version,
		Log:         a.log,
	})
}
