package main

import (
	"github.com/spf13/cobra"

	"github.com/guildops/guildsync/internal/chat"
	"github.com/guildops/guildsync/internal/config"
	"github.com/guildops/guildsync/internal/kvstore"
	"github.com/guildops/guildsync/internal/logger"
	"github.com/guildops/guildsync/internal/resource"
	"github.com/guildops/guildsync/internal/vacuum"
)

func vacuumCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Run one repair pass over the managed-resource mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)

			store, err := kvstore.Open(logger.L, cfg.KV.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			chatClient, err := chat.NewDiscordClient(logger.L, cfg.Discord.Token, cfg.Discord.GuildID)
			if err != nil {
				return err
			}

			orphans := resource.NewOrphanQueue(logger.L, store)
			return vacuum.NewService(logger.L, store, chatClient, orphans).Run(cmd.Context())
		},
	}
}
