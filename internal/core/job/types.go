package job

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
)

type Status string

const (
	StatusNotRunning     Status = "not_running"
	StatusRunning        Status = "running"
	StatusTerminated     Status = "terminated"
	StatusUnsynchronized Status = "unsynchronized"
	StatusPending        Status = "pending"
)

var (
	ErrStopBeforeStart = errors.New("stop time precedes start time")
	ErrInvalidSegment  = errors.New("invalid command segment")
)

type Job struct {
	ID          int64
	Name        string
	Description string
	OwnerID     int64
	// OwnerName is the account the job's processes run under on every host.
	OwnerName string
	Status    Status
	StartAt   *time.Time
	StopAt    *time.Time
	Queued    bool
	Tasks     []*Task
}

type Task struct {
	ID          int64
	JobID       int64
	Hostname    string
	GPUIndex    *int
	Command     string
	PID         *int
	Status      Status
	SpawnAt     *time.Time
	TerminateAt *time.Time
	Segments    []Segment
}

type SegmentKind string

const (
	SegmentEnv   SegmentKind = "env_variable"
	SegmentParam SegmentKind = "parameter"
)

// Segment is a named piece of a task command: an environment variable
// exported before it or a parameter appended after it. Index orders
// segments of the same kind.
type Segment struct {
	Name  string
	Kind  SegmentKind
	Value string
	Index int
}

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (s Segment) Validate() error {
	switch s.Kind {
	case SegmentEnv:
		if !envName.MatchString(s.Name) {
			return fmt.Errorf("%w: env name %q", ErrInvalidSegment, s.Name)
		}
	case SegmentParam:
		if s.Name == "" {
			return fmt.Errorf("%w: empty parameter name", ErrInvalidSegment)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidSegment, s.Kind)
	}
	return nil
}

// SplitSegments returns the env and parameter segments, each in index order.
func (t *Task) SplitSegments() (env, params []Segment) {
	for _, s := range t.Segments {
		if s.Kind == SegmentEnv {
			env = append(env, s)
		} else {
			params = append(params, s)
		}
	}
	byIndex := func(ss []Segment) func(i, j int) bool {
		return func(i, j int) bool { return ss[i].Index < ss[j].Index }
	}
	sort.SliceStable(env, byIndex(env))
	sort.SliceStable(params, byIndex(params))
	return env, params
}

// Validate checks the job's schedule invariants.
func (j *Job) Validate() error {
	if j.StartAt != nil && j.StopAt != nil && j.StopAt.Before(*j.StartAt) {
		return ErrStopBeforeStart
	}
	for _, t := range j.Tasks {
		if t.SpawnAt != nil && t.TerminateAt != nil && t.TerminateAt.Before(*t.SpawnAt) {
			return ErrStopBeforeStart
		}
		for _, s := range t.Segments {
			if err := s.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reschedule replaces the job's window. Tasks that already ran are reset
// so the new window starts them again. Callers must not reschedule an
// active job.
func (j *Job) Reschedule(startAt, stopAt *time.Time) error {
	if startAt != nil && stopAt != nil && stopAt.Before(*startAt) {
		return ErrStopBeforeStart
	}
	j.StartAt, j.StopAt = startAt, stopAt
	for _, t := range j.Tasks {
		t.resetIfTerminated()
	}
	j.Refresh()
	return nil
}

// Reschedule replaces the task's own window and resets it if it already ran.
func (t *Task) Reschedule(spawnAt, terminateAt *time.Time) error {
	if spawnAt != nil && terminateAt != nil && terminateAt.Before(*spawnAt) {
		return ErrStopBeforeStart
	}
	t.SpawnAt, t.TerminateAt = spawnAt, terminateAt
	t.resetIfTerminated()
	return nil
}

func (t *Task) resetIfTerminated() {
	if t.Status == StatusTerminated {
		t.Status = StatusNotRunning
	}
}

// Refresh recomputes the job status from its tasks and reports whether it
// changed.
func (j *Job) Refresh() bool {
	next := DeriveStatus(j)
	changed := next != j.Status
	j.Status = next
	return changed
}

// IsActive reports whether any task has, or may have, a live process.
func (j *Job) IsActive() bool {
	for _, t := range j.Tasks {
		if t.Status == StatusRunning || t.Status == StatusUnsynchronized {
			return true
		}
	}
	return false
}

// MarkRunning records a freshly spawned process.
func (t *Task) MarkRunning(pid int) {
	p := pid
	t.PID = &p
	t.Status = StatusRunning
}

// MarkExited moves the task out of running and drops its pid, which is only
// meaningful while the process is alive.
func (t *Task) MarkExited(status Status) {
	t.PID = nil
	t.Status = status
}

// MarkUnsynchronized keeps the pid so a later listing can still match it
// and flip the task back to running or terminated.
func (t *Task) MarkUnsynchronized() {
	t.Status = StatusUnsynchronized
}
