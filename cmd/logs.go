package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v3"
	"github.com/viperadnan-git/gpushare/internal/controller"
	"github.com/viperadnan-git/gpushare/internal/core/service"
	"github.com/viperadnan-git/gpushare/internal/database"
)

func logsCmd() *cli.Command {
	return &cli.Command{
		Name:      "logs",
		Usage:     "Print the log of a task from its host",
		ArgsUsage: "<task-id>",
		Flags: []cli.Flag{
			databaseURLFlag,
			&cli.IntFlag{
				Name:    "tail",
				Aliases: []string{"n"},
				Usage:   "Last N lines, 0 for the whole file",
				Value:   100,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			taskID, err := strconv.ParseInt(cmd.Args().First(), 10, 64)
			if err != nil || taskID <= 0 {
				return fmt.Errorf("a numeric task id is required")
			}
			return withPool(ctx, cmd, func(pool *pgxpool.Pool) error {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				exec, closer, err := controller.NewExecutor(cfg)
				if err != nil {
					return err
				}
				defer closer.Close()

				jobs := service.NewJobService(database.NewStore(pool), controller.NewSupervisor(exec, cfg), nil)
				lines, path, err := jobs.TaskLog(ctx, taskID, int(cmd.Int("tail")))
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "==> %s <==\n", path)
				fmt.Println(strings.Join(lines, "\n"))
				return nil
			})
		},
	}
}
