package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/gpushare/internal/core/event"
	"github.com/viperadnan-git/gpushare/internal/core/node"
)

type Host struct {
	Name string
	User string
}

// Collector polls every host once per interval and publishes the merged
// snapshot.
type Collector struct {
	exec  node.Executor
	hosts []Host
	store SnapshotStore
	bus   event.Bus
}

func NewCollector(exec node.Executor, hosts []Host, store SnapshotStore, bus event.Bus) *Collector {
	return &Collector{exec: exec, hosts: hosts, store: store, bus: bus}
}

// Collect queries all hosts concurrently. A host that fails is left out;
// the round itself never fails.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	results := make([]map[string]Device, len(c.hosts))

	var wg sync.WaitGroup
	for i, h := range c.hosts {
		wg.Add(1)
		go func(i int, h Host) {
			defer wg.Done()
			devices, err := c.queryHost(ctx, h)
			if err != nil {
				log.Warn().Err(err).Str("host", h.Name).Msg("metrics query failed")
				return
			}
			results[i] = devices
		}(i, h)
	}
	wg.Wait()

	snap := make(Snapshot, len(c.hosts))
	for i, devices := range results {
		if devices != nil {
			snap[c.hosts[i].Name] = devices
		}
	}
	return snap
}

func (c *Collector) queryHost(ctx context.Context, h Host) (map[string]Device, error) {
	res, err := c.exec.Exec(ctx, h.Name, h.User, hostQuery())
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("query exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return ParseHostOutput(res.Stdout)
}

// Run collects immediately and then on every tick until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.round(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Collector) round(ctx context.Context) {
	started := time.Now()
	snap := c.Collect(ctx)
	if ctx.Err() != nil {
		return
	}

	if err := c.store.Save(ctx, snap); err != nil {
		log.Warn().Err(err).Msg("snapshot save failed")
	}

	elapsed := time.Since(started)
	log.Debug().Int("hosts", len(snap)).Int("devices", snap.DeviceCount()).Dur("took", elapsed).Msg("metrics collected")

	if c.bus != nil {
		_ = c.bus.Publish(ctx, event.Event{
			Type: event.EventSnapshotCollected,
			Payload: event.SnapshotEvent{
				Hosts:    len(snap),
				Devices:  snap.DeviceCount(),
				Duration: elapsed,
				Snapshot: snap,
			},
		})
	}
}
