package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"github.com/viperadnan-git/gpushare/internal/controller"
	"github.com/viperadnan-git/gpushare/internal/core/monitor"
)

func collectCmd() *cli.Command {
	return &cli.Command{
		Name:  "collect",
		Usage: "Query every configured host once and print the GPU snapshot as JSON",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			controller.SetupLogging(cfg.Logging)
			if len(cfg.Hosts) == 0 {
				return fmt.Errorf("no hosts configured (set GS_HOSTS or [[hosts]] in config)")
			}

			exec, closer, err := controller.NewExecutor(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			snap := monitor.NewCollector(exec, controller.MonitorHosts(cfg), nil, nil).Collect(ctx)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}
