package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/gpushare/internal/core/event"
	"github.com/viperadnan-git/gpushare/internal/core/job"
	"github.com/viperadnan-git/gpushare/internal/core/process"
)

// Store is the persistence the job service needs. GetJob and GetTaskJob
// return ErrNotFound (wrapped) for unknown ids.
type Store interface {
	GetJob(ctx context.Context, id int64) (*job.Job, error)
	// GetTaskJob returns the job owning the task, tasks included.
	GetTaskJob(ctx context.Context, taskID int64) (*job.Job, error)
	UpdateTask(ctx context.Context, t *job.Task) error
	UpdateJobState(ctx context.Context, j *job.Job) error
	// UpdateJobSchedule writes start and stop times.
	UpdateJobSchedule(ctx context.Context, j *job.Job) error
	// UpdateTaskSchedule writes spawn and terminate times with the status.
	UpdateTaskSchedule(ctx context.Context, t *job.Task) error
}

// Supervisor is the remote process control the service drives.
type Supervisor interface {
	Spawn(ctx context.Context, req process.SpawnRequest) (int, error)
	Terminate(ctx context.Context, pid int, host, user string, mode process.Mode) (int, error)
	ListRunning(ctx context.Context, host, user string) (map[int]struct{}, error)
	FetchLog(ctx context.Context, host, user string, taskID int64, tail int) ([]string, string, error)
}

// JobService is the single writer of job and task state. API calls and the
// scheduling loop go through the same methods, serialized by one mutex.
type JobService struct {
	mu    sync.Mutex
	store Store
	sup   Supervisor
	bus   event.Bus
}

func NewJobService(store Store, sup Supervisor, bus event.Bus) *JobService {
	return &JobService{store: store, sup: sup, bus: bus}
}

// SpawnTask starts one task of a job.
func (s *JobService) SpawnTask(ctx context.Context, taskID int64) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, t, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.spawn(ctx, j, t); err != nil {
		return j, err
	}
	return j, s.commit(ctx, j)
}

// TerminateTask signals one task and then checks whether it is gone.
func (s *JobService) TerminateTask(ctx context.Context, taskID int64, mode process.Mode) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, t, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PID == nil {
		return j, fmt.Errorf("task %d has no process: %w", t.ID, ErrInvalidState)
	}
	termErr := s.terminate(ctx, j, t, mode)
	s.sync(ctx, j)
	return j, errors.Join(termErr, s.commit(ctx, j))
}

// ExecuteJob spawns every task of the job. If any spawn fails the tasks
// already started are killed so the job never runs partially.
func (s *JobService) ExecuteJob(ctx context.Context, jobID int64) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.IsActive() {
		return j, fmt.Errorf("job %d is %s: %w", j.ID, j.Status, ErrInvalidState)
	}
	if len(j.Tasks) == 0 {
		return j, fmt.Errorf("job %d has no tasks: %w", j.ID, ErrInvalidState)
	}

	var started []*job.Task
	for _, t := range j.Tasks {
		if err := s.spawn(ctx, j, t); err != nil {
			for _, st := range started {
				if killErr := s.terminate(ctx, j, st, process.ModeKill); killErr != nil {
					log.Warn().Err(killErr).Int64("task_id", st.ID).Msg("rollback kill failed")
				}
			}
			s.sync(ctx, j)
			return j, errors.Join(fmt.Errorf("execute job %d: %w", j.ID, err), s.commit(ctx, j))
		}
		started = append(started, t)
	}

	log.Info().Int64("job_id", j.ID).Int("tasks", len(started)).Msg("job executed")
	return j, s.commit(ctx, j)
}

// StopJob signals every live task of the job and resynchronizes. The job
// is returned with its observed status; callers decide about escalation.
func (s *JobService) StopJob(ctx context.Context, jobID int64, mode process.Mode) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.IsActive() {
		return j, fmt.Errorf("job %d is %s: %w", j.ID, j.Status, ErrInvalidState)
	}

	var errs []error
	for _, t := range j.Tasks {
		if t.PID == nil {
			continue
		}
		if err := s.terminate(ctx, j, t, mode); err != nil {
			errs = append(errs, err)
		}
	}
	s.sync(ctx, j)
	errs = append(errs, s.commit(ctx, j))

	log.Info().Int64("job_id", j.ID).Str("mode", string(mode)).Str("status", string(j.Status)).Msg("job stop attempted")
	return j, errors.Join(errs...)
}

// SyncJob compares recorded task state with the sessions alive on the
// hosts.
func (s *JobService) SyncJob(ctx context.Context, jobID int64) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.sync(ctx, j)
	return j, s.commit(ctx, j)
}

// MarkUnsynchronized flags every task holding a pid as unsynchronized. The
// loop uses it when it stops trying to stop a job.
func (s *JobService) MarkUnsynchronized(ctx context.Context, jobID int64) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, t := range j.Tasks {
		if t.PID == nil || t.Status == job.StatusUnsynchronized {
			continue
		}
		t.MarkUnsynchronized()
		if err := s.store.UpdateTask(ctx, t); err != nil {
			return j, fmt.Errorf("save task %d: %w", t.ID, err)
		}
	}
	return j, s.commit(ctx, j)
}

// RescheduleJob replaces the window of a job that is not running. A job
// that already ran becomes eligible again.
func (s *JobService) RescheduleJob(ctx context.Context, jobID int64, startAt, stopAt *time.Time) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.IsActive() {
		return j, fmt.Errorf("job %d is %s: %w", j.ID, j.Status, ErrInvalidState)
	}
	prev := make(map[int64]job.Status, len(j.Tasks))
	for _, t := range j.Tasks {
		prev[t.ID] = t.Status
	}
	if err := j.Reschedule(startAt, stopAt); err != nil {
		return j, err
	}
	if err := s.store.UpdateJobSchedule(ctx, j); err != nil {
		return j, fmt.Errorf("save job %d: %w", j.ID, err)
	}
	for _, t := range j.Tasks {
		if t.Status == prev[t.ID] {
			continue
		}
		if err := s.store.UpdateTask(ctx, t); err != nil {
			return j, fmt.Errorf("save task %d: %w", t.ID, err)
		}
	}
	log.Info().Int64("job_id", j.ID).Msg("job rescheduled")
	return j, s.commit(ctx, j)
}

// RescheduleTask replaces the window of a task that holds no process.
func (s *JobService) RescheduleTask(ctx context.Context, taskID int64, spawnAt, terminateAt *time.Time) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, t, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PID != nil {
		return j, fmt.Errorf("task %d is %s: %w", t.ID, t.Status, ErrInvalidState)
	}
	if err := t.Reschedule(spawnAt, terminateAt); err != nil {
		return j, err
	}
	if err := s.store.UpdateTaskSchedule(ctx, t); err != nil {
		return j, fmt.Errorf("save task %d: %w", t.ID, err)
	}
	return j, s.commit(ctx, j)
}

// TaskLog returns the tail of a task's log file.
func (s *JobService) TaskLog(ctx context.Context, taskID int64, tail int) ([]string, string, error) {
	j, t, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, "", err
	}
	return s.sup.FetchLog(ctx, t.Hostname, j.OwnerName, t.ID, tail)
}

func (s *JobService) loadTask(ctx context.Context, taskID int64) (*job.Job, *job.Task, error) {
	j, err := s.store.GetTaskJob(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	for _, t := range j.Tasks {
		if t.ID == taskID {
			return j, t, nil
		}
	}
	return nil, nil, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
}

func (s *JobService) spawn(ctx context.Context, j *job.Job, t *job.Task) error {
	if t.Status == job.StatusRunning || t.Status == job.StatusUnsynchronized {
		return fmt.Errorf("task %d is %s: %w", t.ID, t.Status, ErrInvalidState)
	}
	pid, err := s.sup.Spawn(ctx, process.SpawnRequest{
		TaskID:  t.ID,
		Command: taskCommand(t),
		Host:    t.Hostname,
		User:    j.OwnerName,
	})
	if err != nil {
		return err
	}
	t.MarkRunning(pid)
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("save task %d: %w", t.ID, err)
	}
	s.publishTask(ctx, event.EventTaskSpawned, t, "")
	return nil
}

func (s *JobService) terminate(ctx context.Context, j *job.Job, t *job.Task, mode process.Mode) error {
	if _, err := s.sup.Terminate(ctx, *t.PID, t.Hostname, j.OwnerName, mode); err != nil {
		return fmt.Errorf("terminate task %d: %w", t.ID, err)
	}
	s.publishTask(ctx, event.EventTaskTerminated, t, string(mode))
	return nil
}

// sync updates tasks that have a pid. A pid missing from its host's
// listing means the process exited; a failed listing leaves the task
// unsynchronized.
func (s *JobService) sync(ctx context.Context, j *job.Job) {
	listings := make(map[string]map[int]struct{})
	failed := make(map[string]bool)

	for _, t := range j.Tasks {
		if t.PID == nil {
			continue
		}
		host := t.Hostname
		if _, done := listings[host]; !done && !failed[host] {
			pids, err := s.sup.ListRunning(ctx, host, j.OwnerName)
			if err != nil {
				log.Warn().Err(err).Str("host", host).Int64("job_id", j.ID).Msg("cannot list sessions")
				failed[host] = true
			} else {
				listings[host] = pids
			}
		}

		prev := t.Status
		if failed[host] {
			t.MarkUnsynchronized()
		} else if _, alive := listings[host][*t.PID]; alive {
			t.Status = job.StatusRunning
		} else {
			t.MarkExited(job.StatusTerminated)
		}
		if t.Status != prev {
			if err := s.store.UpdateTask(ctx, t); err != nil {
				log.Error().Err(err).Int64("task_id", t.ID).Msg("save task failed")
			}
		}
	}
}

// commit re-derives the job status and persists it. A queued job whose
// processes have all ended leaves the queue.
func (s *JobService) commit(ctx context.Context, j *job.Job) error {
	prev := j.Status
	if j.Queued && !j.IsActive() && (prev == job.StatusRunning || prev == job.StatusUnsynchronized) {
		j.Queued = false
	}
	j.Refresh()
	if err := s.store.UpdateJobState(ctx, j); err != nil {
		return fmt.Errorf("save job %d: %w", j.ID, err)
	}
	if prev != j.Status && s.bus != nil {
		_ = s.bus.Publish(ctx, event.Event{
			Type: event.EventJobStatusChanged,
			Payload: event.JobEvent{
				JobID:   j.ID,
				OwnerID: j.OwnerID,
				Status:  string(j.Status),
				Prev:    string(prev),
			},
		})
	}
	return nil
}

func (s *JobService) publishTask(ctx context.Context, typ event.EventType, t *job.Task, mode string) {
	if s.bus == nil {
		return
	}
	e := event.TaskEvent{TaskID: t.ID, JobID: t.JobID, Hostname: t.Hostname, Mode: mode}
	if t.PID != nil {
		e.PID = *t.PID
	}
	_ = s.bus.Publish(ctx, event.Event{Type: typ, Payload: e})
}

// taskCommand renders the command with its segments: GPU pinning and env
// segments are exported first, parameter segments appended.
func taskCommand(t *job.Task) string {
	var b strings.Builder
	if t.GPUIndex != nil {
		fmt.Fprintf(&b, "export CUDA_VISIBLE_DEVICES=%d; ", *t.GPUIndex)
	}
	env, params := t.SplitSegments()
	for _, seg := range env {
		fmt.Fprintf(&b, "export %s=%s; ", seg.Name, process.Quote(seg.Value))
	}
	b.WriteString(t.Command)
	for _, seg := range params {
		b.WriteString(" " + process.Quote(seg.Name))
		if seg.Value != "" {
			b.WriteString(" " + process.Quote(seg.Value))
		}
	}
	return b.String()
}
