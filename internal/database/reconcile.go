package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// ReconcileResult holds what the startup pass found and repaired.
type ReconcileResult struct {
	ClearedPIDs int64
	ActiveTasks int64
}

// ReconcileOnStartup repairs rows a crash may have left inconsistent: a pid
// is only kept on running or unsynchronized tasks. Tasks that may still be
// alive are counted and left for the first resync of the loop.
func ReconcileOnStartup(ctx context.Context, s *Store) (ReconcileResult, error) {
	var result ReconcileResult

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET pid = NULL
			WHERE pid IS NOT NULL AND status NOT IN ('running', 'unsynchronized')`)
		if err != nil {
			return fmt.Errorf("clear stale pids: %w", err)
		}
		result.ClearedPIDs = tag.RowsAffected()

		return tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM tasks WHERE status IN ('running', 'unsynchronized')`,
		).Scan(&result.ActiveTasks)
	})
	if err != nil {
		return result, err
	}

	log.Info().
		Int64("cleared_pids", result.ClearedPIDs).
		Int64("active_tasks", result.ActiveTasks).
		Msg("startup reconciliation complete")
	return result, nil
}
