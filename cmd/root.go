package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"github.com/viperadnan-git/gpushare/internal/config"
)

var version = "dev"

func App() *cli.Command {
	return &cli.Command{
		Name:    "gpushare",
		Version: version,
		Usage:   "Arbitrate shared access to GPU nodes: monitor, reserve, schedule and supervise jobs over SSH.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
				Sources: cli.EnvVars("GS_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("GS_LOGGING_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
			collectCmd(),
			logsCmd(),
		},
	}
}

var databaseURLFlag = &cli.StringFlag{
	Name:    "database-url",
	Usage:   "PostgreSQL connection string",
	Sources: cli.EnvVars("GS_DATABASE_URL"),
}

// loadConfig reads the config file and applies the global flags.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cmd.IsSet("log-level") {
		cfg.Logging.Level = cmd.String("log-level")
	}
	return cfg, nil
}

// loadDatabaseConfig is loadConfig for commands that need PostgreSQL.
func loadDatabaseConfig(_ context.Context, cmd *cli.Command) (*config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if v := cmd.String("database-url"); v != "" {
		cfg.Database.URL = v
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database URL is required (set GS_DATABASE_URL or database.url in config)")
	}
	return cfg, nil
}
