package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/runengine/internal/config"
	"github.com/rendis/runengine/internal/logging"
	runmcp "github.com/rendis/runengine/pkg/mcp"
)

func newMCPCmd(root *rootOptions) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the run control tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := config.Load(root.configFile)
			if err != nil {
				return err
			}
			// stdout carries the protocol; logs go to stderr.
			logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := a.engine.Recover(ctx); err != nil {
				return err
			}

			s := runmcp.NewRunServer(runmcp.RunServerDeps{
				Service:       a.engine,
				Graph:         a.graph,
				Hub:           a.hub,
				Logger:        logger,
				DefaultTenant: tenant,
			})
			return s.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "default", "tenant used when a tool call names none")
	return cmd
}
