package scheduler

import (
	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/gpushare/internal/core/job"
)

// Greedy admits queued jobs first-fit: a job starts only if every one of
// its devices stays free for at least the threshold.
type Greedy struct {
	threshold int
}

func NewGreedy(thresholdMinutes int) *Greedy {
	return &Greedy{threshold: thresholdMinutes}
}

func (g *Greedy) Name() string { return "greedy" }

func (g *Greedy) ScheduleJobs(candidates []Candidate, slots Slots) []*job.Job {
	var admitted []*job.Job
	// Devices taken by jobs admitted earlier in this round.
	claimed := make(map[string]bool)

	for _, c := range candidates {
		if !g.fits(c, slots, claimed) {
			continue
		}
		for _, p := range c.Placements {
			claimed[p.DeviceUUID] = true
		}
		admitted = append(admitted, c.Job)
		log.Debug().Int64("job_id", c.Job.ID).Int("tasks", len(c.Placements)).Msg("queued job admitted")
	}
	return admitted
}

func (g *Greedy) fits(c Candidate, slots Slots, claimed map[string]bool) bool {
	if len(c.Placements) == 0 || len(c.Placements) != len(c.Job.Tasks) {
		return false
	}
	for _, p := range c.Placements {
		if p.DeviceUUID == "" || claimed[p.DeviceUUID] {
			return false
		}
		free, ok := slots[p.DeviceUUID]
		if !ok {
			return false
		}
		if free != nil && *free < g.threshold {
			return false
		}
	}
	return true
}
