package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viperadnan-git/gpushare/internal/core/event"
	"github.com/viperadnan-git/gpushare/internal/core/job"
	"github.com/viperadnan-git/gpushare/internal/core/process"
)

type fakeStore struct {
	jobs map[int64]*job.Job
}

func (f *fakeStore) GetJob(_ context.Context, id int64) (*job.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return j, nil
}

func (f *fakeStore) GetTaskJob(_ context.Context, taskID int64) (*job.Job, error) {
	for _, j := range f.jobs {
		for _, t := range j.Tasks {
			if t.ID == taskID {
				return j, nil
			}
		}
	}
	return nil, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
}

func (f *fakeStore) UpdateTask(context.Context, *job.Task) error { return nil }

func (f *fakeStore) UpdateJobState(context.Context, *job.Job) error { return nil }

func (f *fakeStore) UpdateJobSchedule(context.Context, *job.Job) error { return nil }

func (f *fakeStore) UpdateTaskSchedule(context.Context, *job.Task) error { return nil }

// fakeSupervisor keeps a per-host set of live pids. Processes listed in
// stubborn ignore every mode except kill.
type fakeSupervisor struct {
	nextPID   int
	live      map[string]map[int]struct{}
	stubborn  map[int]bool
	failSpawn map[string]bool
	failList  map[string]bool
	calls     []string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		nextPID:   100,
		live:      map[string]map[int]struct{}{},
		stubborn:  map[int]bool{},
		failSpawn: map[string]bool{},
		failList:  map[string]bool{},
	}
}

func (f *fakeSupervisor) Spawn(_ context.Context, req process.SpawnRequest) (int, error) {
	f.calls = append(f.calls, fmt.Sprintf("spawn %d@%s", req.TaskID, req.Host))
	if f.failSpawn[req.Host] {
		return 0, &process.SpawnError{Host: req.Host, Output: ""}
	}
	f.nextPID++
	if f.live[req.Host] == nil {
		f.live[req.Host] = map[int]struct{}{}
	}
	f.live[req.Host][f.nextPID] = struct{}{}
	return f.nextPID, nil
}

func (f *fakeSupervisor) Terminate(_ context.Context, pid int, host, _ string, mode process.Mode) (int, error) {
	f.calls = append(f.calls, fmt.Sprintf("%s %d@%s", mode, pid, host))
	if mode == process.ModeKill || !f.stubborn[pid] {
		delete(f.live[host], pid)
	}
	return 0, nil
}

func (f *fakeSupervisor) ListRunning(_ context.Context, host, _ string) (map[int]struct{}, error) {
	if f.failList[host] {
		return nil, errors.New("connection refused")
	}
	out := map[int]struct{}{}
	for pid := range f.live[host] {
		out[pid] = struct{}{}
	}
	return out, nil
}

func (f *fakeSupervisor) FetchLog(_ context.Context, host, _ string, taskID int64, _ int) ([]string, string, error) {
	return []string{"line"}, fmt.Sprintf("%s:task_%d.log", host, taskID), nil
}

func twoTaskJob() *job.Job {
	return &job.Job{
		ID: 1, OwnerID: 5, OwnerName: "alice", Status: job.StatusNotRunning,
		Tasks: []*job.Task{
			{ID: 11, JobID: 1, Hostname: "gpu1", Command: "python a.py", Status: job.StatusNotRunning},
			{ID: 12, JobID: 1, Hostname: "gpu2", Command: "python b.py", Status: job.StatusNotRunning},
		},
	}
}

func newService(j *job.Job) (*JobService, *fakeSupervisor, event.Bus) {
	sup := newFakeSupervisor()
	bus := event.NewBus()
	return NewJobService(&fakeStore{jobs: map[int64]*job.Job{j.ID: j}}, sup, bus), sup, bus
}

func TestExecuteAndStop(t *testing.T) {
	svc, sup, bus := newService(twoTaskJob())
	ctx := context.Background()

	var changes []event.JobEvent
	bus.Subscribe(event.EventJobStatusChanged, func(_ context.Context, e event.Event) error {
		changes = append(changes, e.Payload.(event.JobEvent))
		return nil
	})

	j, err := svc.ExecuteJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, j.Status)
	for _, task := range j.Tasks {
		assert.Equal(t, job.StatusRunning, task.Status)
		require.NotNil(t, task.PID)
	}

	_, err = svc.ExecuteJob(ctx, 1)
	assert.ErrorIs(t, err, ErrInvalidState)

	j, err = svc.StopJob(ctx, 1, process.ModeInterrupt)
	require.NoError(t, err)
	assert.Equal(t, job.StatusTerminated, j.Status)
	for _, task := range j.Tasks {
		assert.Nil(t, task.PID)
	}
	assert.Empty(t, sup.live["gpu1"])

	require.Len(t, changes, 2)
	assert.Equal(t, "running", changes[0].Status)
	assert.Equal(t, "terminated", changes[1].Status)
}

func TestExecuteRollsBackOnSpawnFailure(t *testing.T) {
	svc, sup, _ := newService(twoTaskJob())
	sup.failSpawn["gpu2"] = true

	j, err := svc.ExecuteJob(context.Background(), 1)
	var spawnErr *process.SpawnError
	require.ErrorAs(t, err, &spawnErr)

	assert.Equal(t, job.StatusTerminated, j.Tasks[0].Status, "already spawned task is killed")
	assert.Nil(t, j.Tasks[0].PID)
	assert.Equal(t, job.StatusNotRunning, j.Tasks[1].Status)
	assert.NotEqual(t, job.StatusRunning, j.Status)
	assert.Contains(t, sup.calls, "kill 101@gpu1")
}

func TestStopStubbornJobStaysRunning(t *testing.T) {
	svc, sup, _ := newService(twoTaskJob())
	ctx := context.Background()

	j, err := svc.ExecuteJob(ctx, 1)
	require.NoError(t, err)
	sup.stubborn[*j.Tasks[0].PID] = true

	j, err = svc.StopJob(ctx, 1, process.ModeInterrupt)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, j.Status)
	assert.Equal(t, job.StatusTerminated, j.Tasks[1].Status)

	j, err = svc.StopJob(ctx, 1, process.ModeKill)
	require.NoError(t, err)
	assert.Equal(t, job.StatusTerminated, j.Status)
}

func TestSyncUnreachableHost(t *testing.T) {
	svc, sup, _ := newService(twoTaskJob())
	ctx := context.Background()

	_, err := svc.ExecuteJob(ctx, 1)
	require.NoError(t, err)
	sup.failList["gpu2"] = true

	j, err := svc.SyncJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, j.Tasks[0].Status)
	assert.Equal(t, job.StatusUnsynchronized, j.Tasks[1].Status)
	assert.NotNil(t, j.Tasks[1].PID, "pid kept for a later listing")
	assert.Equal(t, job.StatusUnsynchronized, j.Status)

	sup.failList["gpu2"] = false
	j, err = svc.SyncJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, j.Status)
}

func TestTaskOperations(t *testing.T) {
	svc, sup, _ := newService(twoTaskJob())
	ctx := context.Background()

	_, err := svc.TerminateTask(ctx, 11, process.ModeTerminate)
	assert.ErrorIs(t, err, ErrInvalidState)

	j, err := svc.SpawnTask(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, j.Status)

	_, err = svc.SpawnTask(ctx, 11)
	assert.ErrorIs(t, err, ErrInvalidState)

	j, err = svc.TerminateTask(ctx, 11, process.ModeTerminate)
	require.NoError(t, err)
	assert.Equal(t, job.StatusTerminated, j.Tasks[0].Status)
	assert.Equal(t, job.StatusNotRunning, j.Status)
	assert.Contains(t, sup.calls, "terminate 101@gpu1")

	_, err = svc.SpawnTask(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)

	lines, p, err := svc.TaskLog(ctx, 12, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"line"}, lines)
	assert.Equal(t, "gpu2:task_12.log", p)
}

func TestQueuedJobLeavesQueueWhenFinished(t *testing.T) {
	j := twoTaskJob()
	j.Queued = true
	j.Status = job.StatusPending
	svc, sup, _ := newService(j)
	ctx := context.Background()

	got, err := svc.ExecuteJob(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.Queued)
	assert.Equal(t, job.StatusRunning, got.Status)

	sup.live = map[string]map[int]struct{}{}
	got, err = svc.SyncJob(ctx, 1)
	require.NoError(t, err)
	assert.False(t, got.Queued)
	assert.Equal(t, job.StatusTerminated, got.Status)
}

func TestQueuedJobStaysQueuedAfterFailedStart(t *testing.T) {
	j := twoTaskJob()
	j.Queued = true
	j.Status = job.StatusPending
	svc, sup, _ := newService(j)
	sup.failSpawn["gpu2"] = true

	got, err := svc.ExecuteJob(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, got.Queued)
	assert.Equal(t, job.StatusPending, got.Status)
}

func TestTaskCommandPinsGPU(t *testing.T) {
	idx := 2
	assert.Equal(t, "export CUDA_VISIBLE_DEVICES=2; python a.py", taskCommand(&job.Task{Command: "python a.py", GPUIndex: &idx}))
	assert.Equal(t, "python a.py", taskCommand(&job.Task{Command: "python a.py"}))
}

func TestTaskCommandSegments(t *testing.T) {
	idx := 0
	task := &job.Task{Command: "python train.py", GPUIndex: &idx, Segments: []job.Segment{
		{Name: "--lr", Kind: job.SegmentParam, Value: "0.1", Index: 1},
		{Name: "--resume", Kind: job.SegmentParam, Index: 2},
		{Name: "WANDB_MODE", Kind: job.SegmentEnv, Value: "off line", Index: 1},
	}}
	assert.Equal(t,
		"export CUDA_VISIBLE_DEVICES=0; export WANDB_MODE='off line'; python train.py '--lr' '0.1' '--resume'",
		taskCommand(task))
}

func TestRescheduleTerminatedJob(t *testing.T) {
	svc, _, _ := newService(twoTaskJob())
	ctx := context.Background()

	_, err := svc.ExecuteJob(ctx, 1)
	require.NoError(t, err)

	start := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	_, err = svc.RescheduleJob(ctx, 1, &start, nil)
	assert.ErrorIs(t, err, ErrInvalidState, "running jobs keep their window")

	j, err := svc.StopJob(ctx, 1, process.ModeInterrupt)
	require.NoError(t, err)
	require.Equal(t, job.StatusTerminated, j.Status)

	j, err = svc.RescheduleJob(ctx, 1, &start, nil)
	require.NoError(t, err)
	assert.Equal(t, job.StatusNotRunning, j.Status)
	assert.Equal(t, &start, j.StartAt)

	stop := start.Add(-time.Minute)
	_, err = svc.RescheduleJob(ctx, 1, &start, &stop)
	assert.ErrorIs(t, err, job.ErrStopBeforeStart)

	j, err = svc.RescheduleTask(ctx, 11, &start, nil)
	require.NoError(t, err)
	assert.Equal(t, &start, j.Tasks[0].SpawnAt)
}

func TestMarkUnsynchronized(t *testing.T) {
	svc, _, _ := newService(twoTaskJob())
	ctx := context.Background()

	_, err := svc.SpawnTask(ctx, 11)
	require.NoError(t, err)

	j, err := svc.MarkUnsynchronized(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, job.StatusUnsynchronized, j.Status)
	assert.Equal(t, job.StatusUnsynchronized, j.Tasks[0].Status)
	assert.NotNil(t, j.Tasks[0].PID)
	assert.Equal(t, job.StatusNotRunning, j.Tasks[1].Status)

	j, err = svc.SyncJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, j.Status, "a later listing still matches the pid")
}
