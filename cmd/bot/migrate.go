package main

import (
	"github.com/spf13/cobra"

	"listing-bot/internal/logger"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the store schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// newApp migrates on open.
			a, err := newApp(cmd.Context(), cfgFile, false)
			if err != nil {
				return err
			}
			defer a.Close()
			a.log.Info("Schema up to date",
				logger.String("driver", a.cfg.Database.Driver),
				logger.Bool("postgres", a.db.IsPostgres()),
			)
			return nil
		},
	}
}
