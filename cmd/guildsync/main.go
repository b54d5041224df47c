package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/guildops/guildsync/internal/version"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "guildsync",
		Short:        "Keeps a Discord guild in sync with its events platform",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(
		serveCommand(),
		migrateCommand(),
		vacuumCommand(),
		versionCommand(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("guildsync %s\n", version.GetInfo())
		},
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("CONFIG_PATH")
}
