package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/gpushare/internal/controller/scheduler"
	"github.com/viperadnan-git/gpushare/internal/core/access"
	"github.com/viperadnan-git/gpushare/internal/core/job"
	"github.com/viperadnan-git/gpushare/internal/core/monitor"
	"github.com/viperadnan-git/gpushare/internal/core/process"
)

// Store is the read side the loop queries once per cycle. Jobs are
// returned with their tasks.
type Store interface {
	// JobsDueToStart returns non-queued jobs with StartAt <= now and
	// StopAt unset or after now.
	JobsDueToStart(ctx context.Context, now time.Time) ([]*job.Job, error)
	// JobsDueToStop returns jobs with after < StopAt <= until.
	JobsDueToStop(ctx context.Context, after, until time.Time) ([]*job.Job, error)
	// QueuedJobs returns queued jobs in queue order.
	QueuedJobs(ctx context.Context) ([]*job.Job, error)
	// ActiveJobIDs returns jobs with a running or unsynchronized task.
	ActiveJobIDs(ctx context.Context) ([]int64, error)
	// TasksDueToSpawn returns idle tasks with SpawnAt <= now and
	// TerminateAt unset or after now.
	TasksDueToSpawn(ctx context.Context, now time.Time) ([]*job.Task, error)
	// TasksDueToTerminate returns tasks holding a pid with
	// after < TerminateAt <= until.
	TasksDueToTerminate(ctx context.Context, after, until time.Time) ([]*job.Task, error)
	// ActiveReservations returns non-cancelled reservations covering now.
	ActiveReservations(ctx context.Context, now time.Time) ([]access.Reservation, error)
	// UpcomingReservations returns, per resource, the earliest
	// non-cancelled reservation starting after now.
	UpcomingReservations(ctx context.Context, now time.Time) ([]access.Reservation, error)
}

// Jobs is the job service the loop drives. All state changes go through it.
type Jobs interface {
	ExecuteJob(ctx context.Context, jobID int64) (*job.Job, error)
	StopJob(ctx context.Context, jobID int64, mode process.Mode) (*job.Job, error)
	SyncJob(ctx context.Context, jobID int64) (*job.Job, error)
	SpawnTask(ctx context.Context, taskID int64) (*job.Job, error)
	TerminateTask(ctx context.Context, taskID int64, mode process.Mode) (*job.Job, error)
	MarkUnsynchronized(ctx context.Context, jobID int64) (*job.Job, error)
}

const defaultMaxStopAttempts = 5

type Options struct {
	// ThresholdMinutes is how long a queued job's devices must stay free.
	ThresholdMinutes int
	// StopAttemptsAfter bounds how far back stop times are still acted on.
	StopAttemptsAfter time.Duration
	// MaxStopAttempts caps stop attempts per job or task while it stays
	// due. The job is then left unsynchronized for an operator.
	MaxStopAttempts int
	// Report is called after every cycle with its error, nil on success.
	Report func(err error)
}

// Loop is the scheduling control loop. Cycle must not be called
// concurrently; Run guarantees that.
type Loop struct {
	store     Store
	jobs      Jobs
	snapshots monitor.SnapshotStore
	verifier  access.Verifier
	scheduler scheduler.Scheduler
	opts      Options

	// Failed stop attempts of jobs and tasks still due to stop. After the
	// first failure every attempt kills.
	stubbornJobs  map[int64]int
	stubbornTasks map[int64]int
}

func New(store Store, jobs Jobs, snapshots monitor.SnapshotStore, verifier access.Verifier, sched scheduler.Scheduler, opts Options) *Loop {
	if opts.MaxStopAttempts <= 0 {
		opts.MaxStopAttempts = defaultMaxStopAttempts
	}
	return &Loop{
		store:         store,
		jobs:          jobs,
		snapshots:     snapshots,
		verifier:      verifier,
		scheduler:     sched,
		opts:          opts,
		stubbornJobs:  make(map[int64]int),
		stubbornTasks: make(map[int64]int),
	}
}

// Run executes one cycle per tick until ctx is cancelled.
func (l *Loop) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Str("scheduler", l.scheduler.Name()).Msg("scheduling loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.Cycle(ctx, time.Now().UTC())
			if err != nil {
				log.Warn().Err(err).Msg("scheduling cycle failed")
			}
			if l.opts.Report != nil {
				l.opts.Report(err)
			}
		}
	}
}

// cycleState is what one cycle observed. Every phase uses the same now.
type cycleState struct {
	now      time.Time
	snap     monitor.Snapshot
	reserved []access.Reservation
	// stop candidates seen this cycle, used to prune the stubborn sets
	seenJobs  map[int64]bool
	seenTasks map[int64]bool
}

// Cycle runs one pass: resync, execute due jobs, admit queued jobs when
// nothing was executed, stop overdue jobs, then police running queued jobs.
func (l *Loop) Cycle(ctx context.Context, now time.Time) error {
	st := &cycleState{
		now:       now,
		seenJobs:  make(map[int64]bool),
		seenTasks: make(map[int64]bool),
	}

	snap, err := l.snapshots.Latest(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("no snapshot, treating all devices as unknown")
		snap = monitor.Snapshot{}
	}
	st.snap = snap

	st.reserved, err = l.store.ActiveReservations(ctx, now)
	if err != nil {
		return fmt.Errorf("active reservations: %w", err)
	}

	var errs []error
	errs = append(errs, l.resync(ctx))

	executed, err := l.executeDue(ctx, st)
	errs = append(errs, err)
	if executed == 0 {
		errs = append(errs, l.scheduleQueued(ctx, st))
	}
	errs = append(errs, l.stopDue(ctx, st))
	errs = append(errs, l.policeQueued(ctx, st))

	for id := range l.stubbornJobs {
		if !st.seenJobs[id] {
			delete(l.stubbornJobs, id)
		}
	}
	for id := range l.stubbornTasks {
		if !st.seenTasks[id] {
			delete(l.stubbornTasks, id)
		}
	}
	return errors.Join(errs...)
}

// resync confirms recorded processes against the hosts.
func (l *Loop) resync(ctx context.Context) error {
	ids, err := l.store.ActiveJobIDs(ctx)
	if err != nil {
		return fmt.Errorf("active jobs: %w", err)
	}
	for _, id := range ids {
		if _, err := l.jobs.SyncJob(ctx, id); err != nil {
			log.Warn().Err(err).Int64("job_id", id).Msg("resync failed")
		}
	}
	return nil
}

func (l *Loop) executeDue(ctx context.Context, st *cycleState) (int, error) {
	due, err := l.store.JobsDueToStart(ctx, st.now)
	if err != nil {
		return 0, fmt.Errorf("jobs due to start: %w", err)
	}

	executed := 0
	for _, j := range due {
		if j.IsActive() || j.Status == job.StatusTerminated {
			continue
		}
		if reason := l.blocked(j, st); reason != "" {
			log.Info().Int64("job_id", j.ID).Str("reason", reason).Msg("scheduled job held back")
			continue
		}
		if _, err := l.jobs.ExecuteJob(ctx, j.ID); err != nil {
			log.Warn().Err(err).Int64("job_id", j.ID).Msg("scheduled job failed to start")
			continue
		}
		log.Info().Int64("job_id", j.ID).Time("start_at", *j.StartAt).Msg("scheduled job executed")
		executed++
	}

	tasks, err := l.store.TasksDueToSpawn(ctx, st.now)
	if err != nil {
		return executed, fmt.Errorf("tasks due to spawn: %w", err)
	}
	for _, t := range tasks {
		if _, err := l.jobs.SpawnTask(ctx, t.ID); err != nil {
			log.Warn().Err(err).Int64("task_id", t.ID).Msg("scheduled task failed to start")
		}
	}
	return executed, nil
}

// blocked reports why a job cannot start on its devices right now.
func (l *Loop) blocked(j *job.Job, st *cycleState) string {
	for _, t := range j.Tasks {
		if t.GPUIndex == nil {
			continue
		}
		uuid, dev, ok := st.snap.DeviceByIndex(t.Hostname, *t.GPUIndex)
		if !ok {
			continue
		}
		if dev.Busy() {
			return "device " + uuid + " occupied"
		}
		if reservedByOther(st.reserved, uuid, j.OwnerID) {
			return "device " + uuid + " reserved by another user"
		}
	}
	return ""
}

func (l *Loop) scheduleQueued(ctx context.Context, st *cycleState) error {
	queued, err := l.store.QueuedJobs(ctx)
	if err != nil {
		return fmt.Errorf("queued jobs: %w", err)
	}
	var candidates []scheduler.Candidate
	for _, j := range queued {
		if j.IsActive() {
			continue
		}
		candidates = append(candidates, scheduler.Candidate{Job: j, Placements: l.placements(ctx, j, st)})
	}
	if len(candidates) == 0 {
		return nil
	}

	slots, err := l.slots(ctx, st)
	if err != nil {
		return err
	}
	for _, j := range l.scheduler.ScheduleJobs(candidates, slots) {
		if _, err := l.jobs.ExecuteJob(ctx, j.ID); err != nil {
			log.Warn().Err(err).Int64("job_id", j.ID).Msg("queued job failed to start")
			continue
		}
		log.Info().Int64("job_id", j.ID).Msg("queued job executed")
	}
	return nil
}

// placements resolves each task to its device. A device that is unknown,
// occupied, reserved by someone else or outside the owner's access window
// leaves the placement empty.
func (l *Loop) placements(ctx context.Context, j *job.Job, st *cycleState) []scheduler.Placement {
	window := access.Interval{
		Start: st.now,
		End:   st.now.Add(time.Duration(l.opts.ThresholdMinutes) * time.Minute),
	}
	out := make([]scheduler.Placement, 0, len(j.Tasks))
	for _, t := range j.Tasks {
		p := scheduler.Placement{TaskID: t.ID, Hostname: t.Hostname}
		if t.GPUIndex != nil {
			uuid, dev, ok := st.snap.DeviceByIndex(t.Hostname, *t.GPUIndex)
			if ok && !dev.Busy() && !reservedByOther(st.reserved, uuid, j.OwnerID) {
				allowed, err := l.verifier.IsAllowed(ctx, j.OwnerID, uuid, window)
				if err != nil {
					log.Warn().Err(err).Int64("job_id", j.ID).Str("device", uuid).Msg("access check failed")
				}
				if allowed {
					p.DeviceUUID = uuid
				}
			}
		}
		out = append(out, p)
	}
	return out
}

// slots lists every known device with the minutes until its next
// reservation starts.
func (l *Loop) slots(ctx context.Context, st *cycleState) (scheduler.Slots, error) {
	slots := make(scheduler.Slots, st.snap.DeviceCount())
	for _, devices := range st.snap {
		for uuid := range devices {
			slots[uuid] = nil
		}
	}
	upcoming, err := l.store.UpcomingReservations(ctx, st.now)
	if err != nil {
		return nil, fmt.Errorf("upcoming reservations: %w", err)
	}
	for _, r := range upcoming {
		cur, known := slots[r.ResourceID]
		if !known {
			continue
		}
		mins := int(r.Start.Sub(st.now) / time.Minute)
		if cur == nil || mins < *cur {
			slots[r.ResourceID] = &mins
		}
	}
	return slots, nil
}

func (l *Loop) stopDue(ctx context.Context, st *cycleState) error {
	after := st.now.Add(-l.opts.StopAttemptsAfter)

	due, err := l.store.JobsDueToStop(ctx, after, st.now)
	if err != nil {
		return fmt.Errorf("jobs due to stop: %w", err)
	}
	for _, j := range due {
		if !j.IsActive() {
			continue
		}
		l.stopJob(ctx, j, "stop time reached", st)
	}

	tasks, err := l.store.TasksDueToTerminate(ctx, after, st.now)
	if err != nil {
		return fmt.Errorf("tasks due to terminate: %w", err)
	}
	for _, t := range tasks {
		l.stopTask(ctx, t, st)
	}
	return nil
}

// stopJob stops gracefully, or kills a job whose previous stop did not
// take. Once MaxStopAttempts have failed the job is marked unsynchronized
// and left alone until it is no longer due.
func (l *Loop) stopJob(ctx context.Context, j *job.Job, reason string, st *cycleState) {
	st.seenJobs[j.ID] = true
	attempts := l.stubbornJobs[j.ID]
	if attempts >= l.opts.MaxStopAttempts {
		if attempts == l.opts.MaxStopAttempts {
			l.stubbornJobs[j.ID]++
			log.Error().Int64("job_id", j.ID).Str("reason", reason).Int("attempts", attempts).Msg("giving up on stopping job")
			if _, err := l.jobs.MarkUnsynchronized(ctx, j.ID); err != nil {
				log.Warn().Err(err).Int64("job_id", j.ID).Msg("mark unsynchronized failed")
			}
		}
		return
	}
	mode := process.ModeInterrupt
	if attempts > 0 {
		mode = process.ModeKill
	}

	got, err := l.jobs.StopJob(ctx, j.ID, mode)
	if err != nil {
		log.Warn().Err(err).Int64("job_id", j.ID).Str("mode", string(mode)).Msg("stop attempt failed")
	}
	if got == nil || got.IsActive() {
		l.stubbornJobs[j.ID] = attempts + 1
		log.Info().Int64("job_id", j.ID).Str("reason", reason).Str("mode", string(mode)).Int("attempts", attempts+1).Msg("job still running, escalating next cycle")
		return
	}
	delete(l.stubbornJobs, j.ID)
	log.Info().Int64("job_id", j.ID).Str("reason", reason).Str("mode", string(mode)).Msg("job stopped")
}

func (l *Loop) stopTask(ctx context.Context, t *job.Task, st *cycleState) {
	st.seenTasks[t.ID] = true
	attempts := l.stubbornTasks[t.ID]
	if attempts >= l.opts.MaxStopAttempts {
		if attempts == l.opts.MaxStopAttempts {
			l.stubbornTasks[t.ID]++
			log.Error().Int64("task_id", t.ID).Int("attempts", attempts).Msg("giving up on terminating task")
		}
		return
	}
	mode := process.ModeInterrupt
	if attempts > 0 {
		mode = process.ModeKill
	}

	got, err := l.jobs.TerminateTask(ctx, t.ID, mode)
	if err != nil {
		log.Warn().Err(err).Int64("task_id", t.ID).Str("mode", string(mode)).Msg("terminate attempt failed")
	}
	if got != nil {
		for _, gt := range got.Tasks {
			if gt.ID == t.ID && gt.PID == nil {
				delete(l.stubbornTasks, t.ID)
				return
			}
		}
	}
	l.stubbornTasks[t.ID] = attempts + 1
}

// policeQueued stops running queued jobs that share their device with
// another user's processes or sit inside another user's reservation.
func (l *Loop) policeQueued(ctx context.Context, st *cycleState) error {
	queued, err := l.store.QueuedJobs(ctx)
	if err != nil {
		return fmt.Errorf("queued jobs: %w", err)
	}
	for _, j := range queued {
		if !j.IsActive() {
			continue
		}
		if reason := l.violation(j, st); reason != "" {
			l.stopJob(ctx, j, reason, st)
		}
	}
	return nil
}

func (l *Loop) violation(j *job.Job, st *cycleState) string {
	for _, t := range j.Tasks {
		if t.PID == nil || t.GPUIndex == nil {
			continue
		}
		uuid, dev, ok := st.snap.DeviceByIndex(t.Hostname, *t.GPUIndex)
		if !ok {
			continue
		}
		for _, p := range dev.Processes {
			if p.Owner != j.OwnerName {
				return fmt.Sprintf("device %s shared with %s", uuid, p.Owner)
			}
		}
		if reservedByOther(st.reserved, uuid, j.OwnerID) {
			return "device " + uuid + " reserved by another user"
		}
	}
	return ""
}

func reservedByOther(reserved []access.Reservation, resourceID string, userID int64) bool {
	for _, r := range reserved {
		if r.ResourceID == resourceID && r.UserID != userID && !r.Cancelled {
			return true
		}
	}
	return false
}
