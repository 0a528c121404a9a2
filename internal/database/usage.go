package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/viperadnan-git/gpushare/internal/core/usage"
)

func (s *Store) RecordUsage(ctx context.Context, samples []usage.Sample) error {
	batch := &pgx.Batch{}
	for _, sm := range samples {
		batch.Queue(`
			INSERT INTO reservation_usage (reservation_id, sampled_at, gpu_util, mem_util)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (reservation_id, sampled_at) DO NOTHING`,
			sm.ReservationID, sm.At, sm.GPUUtil, sm.MemUtil)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// FinalizeUsage averages the samples of every reservation that ended by
// now into the reservation row, then drops those samples.
func (s *Store) FinalizeUsage(ctx context.Context, now time.Time) (int, error) {
	var finalized int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE reservations r
			SET gpu_util_avg = a.gpu, mem_util_avg = a.mem
			FROM (
				SELECT u.reservation_id, AVG(u.gpu_util) AS gpu, AVG(u.mem_util) AS mem
				FROM reservation_usage u
				JOIN reservations ended ON ended.id = u.reservation_id
				WHERE ended.ends_at <= $1
				GROUP BY u.reservation_id
			) a
			WHERE r.id = a.reservation_id`, now)
		if err != nil {
			return fmt.Errorf("summarize usage: %w", err)
		}
		finalized = tag.RowsAffected()
		if _, err := tx.Exec(ctx, `
			DELETE FROM reservation_usage
			WHERE reservation_id IN (SELECT id FROM reservations WHERE ends_at <= $1)`, now); err != nil {
			return fmt.Errorf("drop usage samples: %w", err)
		}
		return nil
	})
	return int(finalized), err
}
