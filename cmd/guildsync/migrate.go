package main

import (
	"github.com/spf13/cobra"

	dbfs "github.com/guildops/guildsync/db"
	"github.com/guildops/guildsync/internal/config"
	"github.com/guildops/guildsync/internal/db"
	"github.com/guildops/guildsync/internal/logger"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Apply or roll back database migrations",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			return db.RunMigrate(logger.L, cfg.Postgres, dbfs.MigrationsFS, args[0])
		},
	}
}
