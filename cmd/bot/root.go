package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bot",
		Short:         "Scheduled maintenance, notification and analytics bot for property listings",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml); BOT_* env vars override it")

	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newOperationsCmd(),
		newRunsCmd(),
		newMigrateCmd(),
	)
	return root
}
