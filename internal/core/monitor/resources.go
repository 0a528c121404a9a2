package monitor

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/gpushare/internal/core/event"
)

// Resource is the persisted identity of one GPU.
type Resource struct {
	UUID     string
	Name     string
	Hostname string
}

type ResourceStore interface {
	UpsertResources(ctx context.Context, resources []Resource) error
}

// Resources flattens a snapshot into resource records.
func Resources(s Snapshot) []Resource {
	out := make([]Resource, 0, s.DeviceCount())
	for host, devices := range s {
		for uuid, d := range devices {
			out = append(out, Resource{UUID: uuid, Name: d.Name, Hostname: host})
		}
	}
	return out
}

// SubscribeResourceSync keeps resource hostnames and names in step with what
// the collector observes.
func SubscribeResourceSync(bus event.Bus, store ResourceStore) (unsubscribe func()) {
	return bus.Subscribe(event.EventSnapshotCollected, func(ctx context.Context, e event.Event) error {
		payload, ok := e.Payload.(event.SnapshotEvent)
		if !ok {
			return nil
		}
		snap, ok := payload.Snapshot.(Snapshot)
		if !ok || len(snap) == 0 {
			return nil
		}
		resources := Resources(snap)
		if err := store.UpsertResources(ctx, resources); err != nil {
			return err
		}
		log.Debug().Int("resources", len(resources)).Msg("resources synced from snapshot")
		return nil
	})
}
