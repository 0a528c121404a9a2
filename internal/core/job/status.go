package job

// DeriveStatus is the only place a job status is computed. Precedence:
// unsynchronized, running, then pending for queued jobs waiting to start,
// terminated once every task has exited, not_running otherwise.
func DeriveStatus(j *Job) Status {
	var running, unsynced, terminated int
	for _, t := range j.Tasks {
		switch t.Status {
		case StatusUnsynchronized:
			unsynced++
		case StatusRunning:
			running++
		case StatusTerminated:
			terminated++
		}
	}

	switch {
	case unsynced > 0:
		return StatusUnsynchronized
	case running > 0:
		return StatusRunning
	case j.Queued:
		return StatusPending
	case len(j.Tasks) > 0 && terminated == len(j.Tasks):
		return StatusTerminated
	default:
		return StatusNotRunning
	}
}
