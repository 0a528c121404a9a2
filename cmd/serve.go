package cmd

import (
	"context"

	"github.com/urfave/cli/v3"
	"github.com/viperadnan-git/gpushare/internal/controller"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the collector, the scheduling loop and the API",
		Flags: []cli.Flag{databaseURLFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadDatabaseConfig(ctx, cmd)
			if err != nil {
				return err
			}
			return controller.Run(ctx, cfg)
		},
	}
}
