package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	dbfs "github.com/guildops/guildsync/db"
	"github.com/guildops/guildsync/internal/chat"
	"github.com/guildops/guildsync/internal/config"
	"github.com/guildops/guildsync/internal/db"
	"github.com/guildops/guildsync/internal/events"
	"github.com/guildops/guildsync/internal/identity"
	"github.com/guildops/guildsync/internal/kvstore"
	"github.com/guildops/guildsync/internal/lifecycle"
	"github.com/guildops/guildsync/internal/logger"
	"github.com/guildops/guildsync/internal/resource"
	"github.com/guildops/guildsync/internal/schedule"
	"github.com/guildops/guildsync/internal/series"
	"github.com/guildops/guildsync/internal/vacuum"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			newApp().Run()
			return nil
		},
	}
}

func newApp() *fx.App {
	return fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBPool,
			provideKVStore,
			provideChatClient,
			provideEventsClient,

			identity.NewService,
			resource.NewOrphanQueue,
			resource.NewReconciler,
			vacuum.NewService,
			series.NewStore,
			func(st *series.Store) series.Storage { return st },
			func(st *series.Store) lifecycle.SeriesSource { return st },
			lifecycle.NewService,
			series.NewService,
			schedule.NewService,
		),
		fx.Invoke(
			runMigrations,
			registerJobs,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

func provideKVStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*kvstore.Store, error) {
	store, err := kvstore.Open(log, cfg.KV.DataDir)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func provideChatClient(log *slog.Logger, cfg config.Config) (chat.Client, error) {
	return chat.NewDiscordClient(log, cfg.Discord.Token, cfg.Discord.GuildID)
}

func provideEventsClient(log *slog.Logger, cfg config.Config) events.Client {
	return events.NewHTTPClient(log, cfg.Events.BaseURL, cfg.Events.APIKey, 30*time.Second)
}

func runMigrations(log *slog.Logger, cfg config.Config) error {
	return db.RunMigrate(log, cfg.Postgres, dbfs.MigrationsFS, "up")
}

func registerJobs(
	lc fx.Lifecycle,
	cfg config.Config,
	scheduler *schedule.Service,
	seriesSvc *series.Service,
	vacuumSvc *vacuum.Service,
	lifecycleSvc *lifecycle.Service,
) {
	scheduler.Every("series-sync", cfg.Sync.SyncEvery(), seriesSvc.SyncAll)
	scheduler.Every("vacuum", cfg.Sync.VacuumEvery(), vacuumSvc.Run)
	scheduler.Every("lifecycle-sweep", cfg.Sync.SweepEvery(), lifecycleSvc.Sweep)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			scheduler.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Stop()
			return nil
		},
	})
}
