package service

import (
	"context"
	"fmt"
	"time"

	"github.com/viperadnan-git/gpushare/internal/core/event"
)

// JobEventRecord is one entry of a job's history.
type JobEventRecord struct {
	JobID      int64     `json:"job_id"`
	TaskID     *int64    `json:"task_id,omitempty"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
}

type AuditStore interface {
	RecordJobEvent(ctx context.Context, rec JobEventRecord) error
}

// SubscribeAudit persists job status changes and task spawns and
// terminations as job history.
func SubscribeAudit(bus event.Bus, store AuditStore) (unsubscribe func()) {
	record := func(ctx context.Context, e event.Event) error {
		rec, ok := auditRecord(e)
		if !ok {
			return nil
		}
		if err := store.RecordJobEvent(ctx, rec); err != nil {
			return fmt.Errorf("record %s for job %d: %w", rec.Kind, rec.JobID, err)
		}
		return nil
	}
	unsubs := []func(){
		bus.Subscribe(event.EventJobStatusChanged, record),
		bus.Subscribe(event.EventTaskSpawned, record),
		bus.Subscribe(event.EventTaskTerminated, record),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func auditRecord(e event.Event) (JobEventRecord, bool) {
	rec := JobEventRecord{Kind: string(e.Type), OccurredAt: e.Timestamp}
	switch p := e.Payload.(type) {
	case event.JobEvent:
		rec.JobID = p.JobID
		rec.Detail = fmt.Sprintf("%s -> %s", p.Prev, p.Status)
	case event.TaskEvent:
		taskID := p.TaskID
		rec.JobID = p.JobID
		rec.TaskID = &taskID
		rec.Detail = fmt.Sprintf("pid %d on %s", p.PID, p.Hostname)
		if p.Mode != "" {
			rec.Detail += " (" + p.Mode + ")"
		}
	default:
		return rec, false
	}
	return rec, true
}
