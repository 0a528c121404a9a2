package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/viperadnan-git/gpushare/internal/core/service"
)

func (s *Store) RecordJobEvent(ctx context.Context, rec service.JobEventRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, task_id, kind, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.JobID, rec.TaskID, rec.Kind, rec.Detail, rec.OccurredAt)
	return err
}

// JobEvents returns the history of a job, oldest first.
func (s *Store) JobEvents(ctx context.Context, jobID int64) ([]service.JobEventRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, task_id, kind, detail, occurred_at
		FROM job_events
		WHERE job_id = $1
		ORDER BY occurred_at, id`, jobID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (service.JobEventRecord, error) {
		var r service.JobEventRecord
		err := row.Scan(&r.JobID, &r.TaskID, &r.Kind, &r.Detail, &r.OccurredAt)
		r.OccurredAt = r.OccurredAt.UTC()
		return r, err
	})
}
