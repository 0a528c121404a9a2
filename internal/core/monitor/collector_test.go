package monitor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viperadnan-git/gpushare/internal/core/event"
	"github.com/viperadnan-git/gpushare/internal/core/node"
)

func fakeCluster(outputs map[string]node.Result, failing map[string]error) node.Executor {
	return node.ExecutorFunc(func(_ context.Context, host, _, _ string) (node.Result, error) {
		if err, ok := failing[host]; ok {
			return node.Result{}, err
		}
		return outputs[host], nil
	})
}

func TestCollectPartialFailure(t *testing.T) {
	exec := fakeCluster(
		map[string]node.Result{"gpu-a": {Stdout: hostOutput(sampleInventory, sampleApps, sampleOwners)}},
		map[string]error{"gpu-b": fmt.Errorf("gpu-b: %w: i/o timeout", node.ErrUnreachable)},
	)
	c := NewCollector(exec, []Host{{Name: "gpu-a", User: "mon"}, {Name: "gpu-b", User: "mon"}}, NewMemoryStore(), nil)

	snap := c.Collect(context.Background())
	require.Contains(t, snap, "gpu-a")
	assert.Len(t, snap["gpu-a"], 2)
	assert.NotContains(t, snap, "gpu-b")
}

func TestCollectSkipsFailedQuery(t *testing.T) {
	exec := fakeCluster(map[string]node.Result{
		"gpu-a": {ExitCode: 9, Stderr: "NVIDIA-SMI has failed"},
		"gpu-b": {Stdout: "garbage"},
	}, nil)
	c := NewCollector(exec, []Host{{Name: "gpu-a"}, {Name: "gpu-b"}}, NewMemoryStore(), nil)

	assert.Empty(t, c.Collect(context.Background()))
}

type resourceRecorder struct {
	got []Resource
}

func (r *resourceRecorder) UpsertResources(_ context.Context, rs []Resource) error {
	r.got = append(r.got, rs...)
	return nil
}

func TestRoundStoresAndPublishes(t *testing.T) {
	exec := fakeCluster(map[string]node.Result{"gpu-a": {Stdout: hostOutput(sampleInventory, sampleApps, sampleOwners)}}, nil)
	store := NewMemoryStore()
	bus := event.NewBus()
	rec := &resourceRecorder{}
	SubscribeResourceSync(bus, rec)

	c := NewCollector(exec, []Host{{Name: "gpu-a"}}, store, bus)
	c.round(context.Background())

	latest, err := store.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, latest.DeviceCount())

	assert.ElementsMatch(t, []Resource{
		{UUID: "GPU-aaaa", Name: "NVIDIA A100-SXM4-40GB", Hostname: "gpu-a"},
		{UUID: "GPU-bbbb", Name: "NVIDIA A100-SXM4-40GB", Hostname: "gpu-a"},
	}, rec.got)
}

func TestSnapshotLookups(t *testing.T) {
	snap := Snapshot{"gpu-a": {"GPU-aaaa": {Index: 0}, "GPU-bbbb": {Index: 1}}}

	host, _, ok := snap.Device("GPU-bbbb")
	assert.True(t, ok)
	assert.Equal(t, "gpu-a", host)

	uuid, _, ok := snap.DeviceByIndex("gpu-a", 1)
	assert.True(t, ok)
	assert.Equal(t, "GPU-bbbb", uuid)

	_, _, ok = snap.DeviceByIndex("gpu-z", 0)
	assert.False(t, ok)
}
