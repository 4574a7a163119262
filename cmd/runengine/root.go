package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "runengine",
		Short:         "Durable execution engine for multi-step content pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "settings file (default: ~/.runengine/settings.yaml or ./settings.yaml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newMCPCmd(opts),
		newMigrateCmd(opts),
		newGraphCmd(opts),
		newVersionCmd(),
	)
	return cmd
}
