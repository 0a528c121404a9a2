package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/viperadnan-git/gpushare/internal/core/job"
	"github.com/viperadnan-git/gpushare/internal/core/service"
)

// Store implements the narrow persistence interfaces of the job service,
// the access verifier, the collector and the scheduling loop on one pool.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const jobSelect = `
	SELECT j.id, j.name, j.description, j.user_id, u.username, j.status,
	       j.start_at, j.stop_at, j.is_queued
	FROM jobs j
	JOIN users u ON u.id = j.user_id`

const taskSelect = `
	SELECT id, job_id, hostname, gpu_index, command, pid, status, spawn_at, terminate_at
	FROM tasks`

func scanJob(row pgx.CollectableRow) (*job.Job, error) {
	var (
		j      job.Job
		status string
	)
	err := row.Scan(&j.ID, &j.Name, &j.Description, &j.OwnerID, &j.OwnerName, &status,
		&j.StartAt, &j.StopAt, &j.Queued)
	j.Status = job.Status(status)
	j.StartAt = utcPtr(j.StartAt)
	j.StopAt = utcPtr(j.StopAt)
	return &j, err
}

func scanTask(row pgx.CollectableRow) (*job.Task, error) {
	var (
		t      job.Task
		status string
	)
	err := row.Scan(&t.ID, &t.JobID, &t.Hostname, &t.GPUIndex, &t.Command, &t.PID, &status,
		&t.SpawnAt, &t.TerminateAt)
	t.Status = job.Status(status)
	t.SpawnAt = utcPtr(t.SpawnAt)
	t.TerminateAt = utcPtr(t.TerminateAt)
	return &t, err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// queryJobs runs a job query and attaches every job's tasks in id order.
func (s *Store) queryJobs(ctx context.Context, where string, args ...any) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, jobSelect+" "+where, args...)
	if err != nil {
		return nil, err
	}
	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil || len(jobs) == 0 {
		return jobs, err
	}

	ids := make([]int64, len(jobs))
	byID := make(map[int64]*job.Job, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
		byID[j.ID] = j
	}
	rows, err = s.pool.Query(ctx, taskSelect+" WHERE job_id = ANY($1) ORDER BY id", ids)
	if err != nil {
		return nil, err
	}
	tasks, err := pgx.CollectRows(rows, scanTask)
	if err != nil {
		return nil, err
	}
	if err := s.attachSegments(ctx, tasks); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if j := byID[t.JobID]; j != nil {
			j.Tasks = append(j.Tasks, t)
		}
	}
	return jobs, nil
}

// attachSegments loads the command segments of the given tasks.
func (s *Store) attachSegments(ctx context.Context, tasks []*job.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	ids := make([]int64, len(tasks))
	byID := make(map[int64]*job.Task, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
		byID[t.ID] = t
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ts.task_id, cs.name, cs.segment_type, ts.value, ts.idx
		FROM task_segments ts
		JOIN command_segments cs ON cs.id = ts.segment_id
		WHERE ts.task_id = ANY($1)
		ORDER BY ts.task_id, ts.idx`, ids)
	if err != nil {
		return fmt.Errorf("task segments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			taskID int64
			seg    job.Segment
			kind   string
		)
		if err := rows.Scan(&taskID, &seg.Name, &kind, &seg.Value, &seg.Index); err != nil {
			return err
		}
		seg.Kind = job.SegmentKind(kind)
		if t := byID[taskID]; t != nil {
			t.Segments = append(t.Segments, seg)
		}
	}
	return rows.Err()
}

func (s *Store) GetJob(ctx context.Context, id int64) (*job.Job, error) {
	jobs, err := s.queryJobs(ctx, "WHERE j.id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job %d: %w", id, service.ErrNotFound)
	}
	return jobs[0], nil
}

func (s *Store) GetTaskJob(ctx context.Context, taskID int64) (*job.Job, error) {
	jobs, err := s.queryJobs(ctx, "WHERE j.id = (SELECT job_id FROM tasks WHERE id = $1)", taskID)
	if err != nil {
		return nil, fmt.Errorf("get job of task %d: %w", taskID, err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("task %d: %w", taskID, service.ErrNotFound)
	}
	return jobs[0], nil
}

func (s *Store) UpdateTask(ctx context.Context, t *job.Task) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE tasks SET pid = $2, status = $3 WHERE id = $1",
		t.ID, t.PID, string(t.Status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", t.ID, service.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateTaskSchedule(ctx context.Context, t *job.Task) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE tasks SET spawn_at = $2, terminate_at = $3, status = $4 WHERE id = $1",
		t.ID, t.SpawnAt, t.TerminateAt, string(t.Status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", t.ID, service.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateJobSchedule(ctx context.Context, j *job.Job) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE jobs SET start_at = $2, stop_at = $3 WHERE id = $1",
		j.ID, j.StartAt, j.StopAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %d: %w", j.ID, service.ErrNotFound)
	}
	return nil
}

// UpdateJobState writes the derived status and the queue flag. Leaving the
// queue clears the queue position.
func (s *Store) UpdateJobState(ctx context.Context, j *job.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
		    is_queued = $3,
		    queued_at = CASE WHEN $3 THEN COALESCE(queued_at, NOW()) ELSE NULL END
		WHERE id = $1`,
		j.ID, string(j.Status), j.Queued)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %d: %w", j.ID, service.ErrNotFound)
	}
	return nil
}

func (s *Store) JobsDueToStart(ctx context.Context, now time.Time) ([]*job.Job, error) {
	return s.queryJobs(ctx, `
		WHERE NOT j.is_queued
		  AND j.start_at IS NOT NULL AND j.start_at <= $1
		  AND (j.stop_at IS NULL OR j.stop_at > $1)
		ORDER BY j.start_at, j.id`, now)
}

func (s *Store) JobsDueToStop(ctx context.Context, after, until time.Time) ([]*job.Job, error) {
	return s.queryJobs(ctx, `
		WHERE j.stop_at > $1 AND j.stop_at <= $2
		ORDER BY j.stop_at, j.id`, after, until)
}

func (s *Store) QueuedJobs(ctx context.Context) ([]*job.Job, error) {
	return s.queryJobs(ctx, "WHERE j.is_queued ORDER BY j.queued_at NULLS LAST, j.id")
}

func (s *Store) ActiveJobIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT job_id FROM tasks
		WHERE status IN ('running', 'unsynchronized')
		ORDER BY job_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *Store) TasksDueToSpawn(ctx context.Context, now time.Time) ([]*job.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelect+`
		WHERE status = 'not_running'
		  AND spawn_at IS NOT NULL AND spawn_at <= $1
		  AND (terminate_at IS NULL OR terminate_at > $1)
		ORDER BY spawn_at, id`, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanTask)
}

func (s *Store) TasksDueToTerminate(ctx context.Context, after, until time.Time) ([]*job.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelect+`
		WHERE pid IS NOT NULL
		  AND terminate_at > $1 AND terminate_at <= $2
		ORDER BY terminate_at, id`, after, until)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanTask)
}
