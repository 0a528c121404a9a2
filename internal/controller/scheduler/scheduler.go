package scheduler

import (
	"fmt"
	"sort"

	"github.com/viperadnan-git/gpushare/internal/core/job"
)

// Placement binds one task to the device it would run on. DeviceUUID is
// empty when the task has no eligible device.
type Placement struct {
	TaskID     int64
	Hostname   string
	DeviceUUID string
}

// Candidate is a queued job with one placement per task.
type Candidate struct {
	Job        *job.Job
	Placements []Placement
}

// Slots maps a device UUID to the minutes until its next reservation. A nil
// value means no upcoming reservation. Devices missing from the map are not
// available at all.
type Slots map[string]*int

// Scheduler picks which queued jobs may start now. Candidates are in queue
// order.
type Scheduler interface {
	Name() string
	ScheduleJobs(candidates []Candidate, slots Slots) []*job.Job
}

type factory func(thresholdMinutes int) Scheduler

var registry = map[string]factory{
	"greedy": func(threshold int) Scheduler { return NewGreedy(threshold) },
}

// New returns the scheduler registered under name.
func New(name string, thresholdMinutes int) (Scheduler, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown scheduler %q (available: %v)", name, Names())
	}
	return f(thresholdMinutes), nil
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
