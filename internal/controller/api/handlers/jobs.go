package handlers

import (
	"context"
	"time"

	"github.com/viperadnan-git/gpushare/internal/core/job"
	"github.com/viperadnan-git/gpushare/internal/core/process"
	"github.com/viperadnan-git/gpushare/internal/core/service"
)

// JobService is the part of the job service exposed over HTTP.
type JobService interface {
	SpawnTask(ctx context.Context, taskID int64) (*job.Job, error)
	TerminateTask(ctx context.Context, taskID int64, mode process.Mode) (*job.Job, error)
	ExecuteJob(ctx context.Context, jobID int64) (*job.Job, error)
	StopJob(ctx context.Context, jobID int64, mode process.Mode) (*job.Job, error)
	TaskLog(ctx context.Context, taskID int64, tail int) ([]string, string, error)
	RescheduleJob(ctx context.Context, jobID int64, startAt, stopAt *time.Time) (*job.Job, error)
	RescheduleTask(ctx context.Context, taskID int64, spawnAt, terminateAt *time.Time) (*job.Job, error)
}

// JobHistory reads the recorded lifecycle events of a job.
type JobHistory interface {
	JobEvents(ctx context.Context, jobID int64) ([]service.JobEventRecord, error)
}

type JobsHandler struct {
	svc     JobService
	history JobHistory
}

func NewJobsHandler(svc JobService, history JobHistory) *JobsHandler {
	return &JobsHandler{svc: svc, history: history}
}

type TaskDTO struct {
	ID          int64      `json:"id" doc:"Task ID"`
	Hostname    string     `json:"hostname" doc:"Host the task runs on"`
	GPUIndex    *int       `json:"gpu_index,omitempty" doc:"Host-local GPU index"`
	Command     string     `json:"command" doc:"Shell command"`
	PID         *int       `json:"pid,omitempty" doc:"Session pid while running"`
	Status      string     `json:"status" doc:"Task status"`
	SpawnAt     *time.Time `json:"spawn_at,omitempty" doc:"Scheduled spawn time"`
	TerminateAt *time.Time `json:"terminate_at,omitempty" doc:"Scheduled terminate time"`
}

type JobDTO struct {
	ID      int64      `json:"id" doc:"Job ID"`
	Name    string     `json:"name" doc:"Job name"`
	Owner   string     `json:"owner" doc:"Owner account"`
	Status  string     `json:"status" doc:"Derived job status"`
	Queued  bool       `json:"queued" doc:"Whether the job is in the queue"`
	StartAt *time.Time `json:"start_at,omitempty" doc:"Scheduled start"`
	StopAt  *time.Time `json:"stop_at,omitempty" doc:"Scheduled stop"`
	Tasks   []TaskDTO  `json:"tasks" doc:"Tasks in order"`
}

func newJobDTO(j *job.Job) JobDTO {
	dto := JobDTO{
		ID:      j.ID,
		Name:    j.Name,
		Owner:   j.OwnerName,
		Status:  string(j.Status),
		Queued:  j.Queued,
		StartAt: j.StartAt,
		StopAt:  j.StopAt,
		Tasks:   make([]TaskDTO, len(j.Tasks)),
	}
	for i, t := range j.Tasks {
		dto.Tasks[i] = TaskDTO{
			ID:          t.ID,
			Hostname:    t.Hostname,
			GPUIndex:    t.GPUIndex,
			Command:     t.Command,
			PID:         t.PID,
			Status:      string(t.Status),
			SpawnAt:     t.SpawnAt,
			TerminateAt: t.TerminateAt,
		}
	}
	return dto
}

type IDInput struct {
	ID int64 `path:"id" minimum:"1" doc:"Job or task ID"`
}

type TerminateInput struct {
	ID   int64  `path:"id" minimum:"1" doc:"Task ID"`
	Mode string `query:"mode" default:"terminate" enum:"interrupt,terminate,kill" doc:"Termination mode"`
}

type StopInput struct {
	ID   int64  `path:"id" minimum:"1" doc:"Job ID"`
	Mode string `query:"mode" default:"interrupt" enum:"interrupt,terminate,kill" doc:"Termination mode"`
}

type LogInput struct {
	ID   int64 `path:"id" minimum:"1" doc:"Task ID"`
	Tail int   `query:"tail" default:"100" minimum:"0" doc:"Last N lines, 0 for the whole file"`
}

// ScheduleInput replaces both bounds; an omitted bound is cleared.
type ScheduleInput struct {
	ID   int64 `path:"id" minimum:"1" doc:"Job or task ID"`
	Body struct {
		Start *time.Time `json:"start,omitempty" doc:"Start (job) or spawn (task) time"`
		Stop  *time.Time `json:"stop,omitempty" doc:"Stop (job) or terminate (task) time"`
	}
}

type LogDTO struct {
	Path  string   `json:"path" doc:"Log file on the task's host"`
	Lines []string `json:"lines" doc:"Log lines"`
}

func (h *JobsHandler) SpawnTask(ctx context.Context, input *IDInput) (*DataOutput[JobDTO], error) {
	j, err := h.svc.SpawnTask(ctx, input.ID)
	if err != nil {
		return nil, statusError(err)
	}
	return OK(newJobDTO(j)), nil
}

func (h *JobsHandler) TerminateTask(ctx context.Context, input *TerminateInput) (*DataOutput[JobDTO], error) {
	j, err := h.svc.TerminateTask(ctx, input.ID, process.Mode(input.Mode))
	if err != nil {
		return nil, statusError(err)
	}
	return OK(newJobDTO(j)), nil
}

func (h *JobsHandler) ExecuteJob(ctx context.Context, input *IDInput) (*DataOutput[JobDTO], error) {
	j, err := h.svc.ExecuteJob(ctx, input.ID)
	if err != nil {
		return nil, statusError(err)
	}
	return OK(newJobDTO(j)), nil
}

// StopJob reports the job as observed after the attempt. A job still
// running answers 200 with status running; the caller may retry with kill.
func (h *JobsHandler) StopJob(ctx context.Context, input *StopInput) (*DataOutput[JobDTO], error) {
	j, err := h.svc.StopJob(ctx, input.ID, process.Mode(input.Mode))
	if err != nil {
		return nil, statusError(err)
	}
	return OK(newJobDTO(j)), nil
}

func (h *JobsHandler) TaskLog(ctx context.Context, input *LogInput) (*DataOutput[LogDTO], error) {
	lines, path, err := h.svc.TaskLog(ctx, input.ID, input.Tail)
	if err != nil {
		return nil, statusError(err)
	}
	if lines == nil {
		lines = []string{}
	}
	return OK(LogDTO{Path: path, Lines: lines}), nil
}

// RescheduleJob moves a job that is not running. A terminated job becomes
// schedulable again.
func (h *JobsHandler) RescheduleJob(ctx context.Context, input *ScheduleInput) (*DataOutput[JobDTO], error) {
	j, err := h.svc.RescheduleJob(ctx, input.ID, utc(input.Body.Start), utc(input.Body.Stop))
	if err != nil {
		return nil, statusError(err)
	}
	return OK(newJobDTO(j)), nil
}

func (h *JobsHandler) RescheduleTask(ctx context.Context, input *ScheduleInput) (*DataOutput[JobDTO], error) {
	j, err := h.svc.RescheduleTask(ctx, input.ID, utc(input.Body.Start), utc(input.Body.Stop))
	if err != nil {
		return nil, statusError(err)
	}
	return OK(newJobDTO(j)), nil
}

func (h *JobsHandler) JobEvents(ctx context.Context, input *IDInput) (*DataOutput[[]service.JobEventRecord], error) {
	if h.history == nil {
		return OK([]service.JobEventRecord{}), nil
	}
	events, err := h.history.JobEvents(ctx, input.ID)
	if err != nil {
		return nil, statusError(err)
	}
	if events == nil {
		events = []service.JobEventRecord{}
	}
	return OK(events), nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
