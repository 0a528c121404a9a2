package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v3"
	"github.com/viperadnan-git/gpushare/internal/controller"
	"github.com/viperadnan-git/gpushare/internal/database"
)

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Flags: []cli.Flag{databaseURLFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withPool(ctx, cmd, func(pool *pgxpool.Pool) error {
						return database.Migrate(ctx, pool)
					})
				},
			},
			{
				Name:  "down",
				Usage: "Roll back applied migrations",
				Flags: []cli.Flag{
					databaseURLFlag,
					&cli.IntFlag{
						Name:  "steps",
						Usage: "Number of migrations to roll back",
						Value: 1,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withPool(ctx, cmd, func(pool *pgxpool.Pool) error {
						return database.MigrateDown(ctx, pool, int(cmd.Int("steps")))
					})
				},
			},
		},
	}
}

func withPool(ctx context.Context, cmd *cli.Command, fn func(*pgxpool.Pool) error) error {
	cfg, err := loadDatabaseConfig(ctx, cmd)
	if err != nil {
		return err
	}
	controller.SetupLogging(cfg.Logging)

	pool, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	return fn(pool)
}
