// Package config loads and exposes application configuration (TOML).
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath     = "config.toml"
	DefaultPGHost         = "127.0.0.1"
	DefaultPGPort         = 5432
	DefaultPGUser         = "postgres"
	DefaultPGDatabase     = "guildsync"
	DefaultPGSSLMode      = "disable"
	DefaultKVDataDir      = "data/kv"
	DefaultSyncInterval   = 15 * time.Minute
	DefaultVacuumInterval = time.Hour
	DefaultSweepInterval  = 10 * time.Minute
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Discord  DiscordConfig  `toml:"discord"`
	Events   EventsConfig   `toml:"events"`
	Postgres PostgresConfig `toml:"postgres"`
	KV       KVConfig       `toml:"kv"`
	Sync     SyncConfig     `toml:"sync"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DiscordConfig holds the bot token and the guild the bot manages.
type DiscordConfig struct {
	Token   string `toml:"token"`
	GuildID string `toml:"guild_id"`
}

// EventsConfig holds the events platform API endpoint and the community group slug.
type EventsConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Group   string `toml:"group"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// KVConfig holds the badger key-value store location. An empty dir runs in-memory.
type KVConfig struct {
	DataDir string `toml:"data_dir"`
}

// SyncConfig holds the recurring job intervals (Go duration strings in TOML).
type SyncConfig struct {
	SyncInterval   duration `toml:"sync_interval"`
	VacuumInterval duration `toml:"vacuum_interval"`
	SweepInterval  duration `toml:"sweep_interval"`
}

// SyncEvery returns the series sync interval.
func (c SyncConfig) SyncEvery() time.Duration { return time.Duration(c.SyncInterval) }

// VacuumEvery returns the vacuum pass interval.
func (c SyncConfig) VacuumEvery() time.Duration { return time.Duration(c.VacuumInterval) }

// SweepEvery returns the lifecycle sweep interval.
func (c SyncConfig) SweepEvery() time.Duration { return time.Duration(c.SweepInterval) }

type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Load reads and parses the TOML config file at path and applies default values for missing fields.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		KV: KVConfig{
			DataDir: DefaultKVDataDir,
		},
		Sync: SyncConfig{
			SyncInterval:   duration(DefaultSyncInterval),
			VacuumInterval: duration(DefaultVacuumInterval),
			SweepInterval:  duration(DefaultSweepInterval),
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
