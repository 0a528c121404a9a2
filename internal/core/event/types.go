package event

import "time"

type EventType string

const (
	// Job lifecycle
	EventJobStatusChanged EventType = "job.status_changed"
	EventTaskSpawned      EventType = "task.spawned"
	EventTaskTerminated   EventType = "task.terminated"

	// Access policy
	EventRestrictionChanged EventType = "restriction.changed"

	// Monitoring
	EventSnapshotCollected EventType = "monitor.snapshot_collected"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

type JobEvent struct {
	JobID   int64
	OwnerID int64
	Status  string
	Prev    string
}

type TaskEvent struct {
	TaskID   int64
	JobID    int64
	Hostname string
	PID      int
	Mode     string
}

// RestrictionEvent carries a policy mutation. Widened is true when the
// change can only grant access (new assignee, longer window).
type RestrictionEvent struct {
	RestrictionID int64
	UserIDs       []int64
	Widened       bool
}

// SnapshotEvent is published after every collector round. Snapshot holds
// a monitor.Snapshot.
type SnapshotEvent struct {
	Hosts    int
	Devices  int
	Duration time.Duration
	Snapshot any
}
