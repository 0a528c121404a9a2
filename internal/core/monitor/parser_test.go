package monitor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleInventory = `name, uuid, index, fan.speed [%], memory.free [MiB], memory.used [MiB], memory.total [MiB], utilization.gpu [%], utilization.memory [%], temperature.gpu, power.draw [W]
NVIDIA A100-SXM4-40GB, GPU-aaaa, 0, [Not Supported], 40000, 536, 40536, 0, 0, 31, 52.10
NVIDIA A100-SXM4-40GB, GPU-bbbb, 1, 30, 1000, 39536, 40536, 97, 80, 64, [N/A]
`

const sampleApps = `gpu_uuid, pid, process_name
GPU-bbbb, 5121, python
GPU-bbbb, 5300, /usr/bin/ncu
GPU-zzzz, 1, orphan
`

const sampleOwners = `    1 root
 5121 alice
 5300 bob
`

func hostOutput(parts ...string) string {
	return strings.Join(parts, sectionSeparator+"\n")
}

func TestParseHostOutput(t *testing.T) {
	devices, err := ParseHostOutput(hostOutput(sampleInventory, sampleApps, sampleOwners))
	require.NoError(t, err)
	require.Len(t, devices, 2)

	idle := devices["GPU-aaaa"]
	assert.Equal(t, "NVIDIA A100-SXM4-40GB", idle.Name)
	assert.Equal(t, 0, idle.Index)
	assert.False(t, idle.Busy())
	assert.Nil(t, idle.Metrics["fan.speed"].Value)
	assert.Equal(t, "%", idle.Metrics["fan.speed"].Unit)
	require.NotNil(t, idle.Metrics["memory.free"].Value)
	assert.Equal(t, 40000.0, *idle.Metrics["memory.free"].Value)
	assert.Equal(t, "MiB", idle.Metrics["memory.free"].Unit)
	assert.Equal(t, "", idle.Metrics["temperature.gpu"].Unit)
	assert.NotContains(t, idle.Metrics, "uuid")

	busy := devices["GPU-bbbb"]
	assert.Nil(t, busy.Metrics["power.draw"].Value)
	assert.Equal(t, []Process{
		{PID: 5121, Command: "python", Owner: "alice"},
		{PID: 5300, Command: "/usr/bin/ncu", Owner: "bob"},
	}, busy.Processes)
}

func TestParseHostOutputNoProcesses(t *testing.T) {
	devices, err := ParseHostOutput(hostOutput(sampleInventory, "gpu_uuid, pid, process_name\nNo running processes found\n", ""))
	require.NoError(t, err)
	assert.Empty(t, devices["GPU-bbbb"].Processes)
	assert.NotNil(t, devices["GPU-bbbb"].Processes)
}

func TestParseHostOutputErrors(t *testing.T) {
	tests := map[string]string{
		"missing sections": sampleInventory,
		"empty inventory":  hostOutput("", sampleApps, sampleOwners),
		"short row":        hostOutput("name, uuid, index\nA100, GPU-x\n", sampleApps, ""),
		"bad index":        hostOutput("name, uuid, index\nA100, GPU-x, first\n", sampleApps, ""),
	}
	for name, out := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseHostOutput(out)
			assert.Error(t, err)
		})
	}
}

func TestParseHeader(t *testing.T) {
	cols := parseHeader("memory.used [MiB], temperature.gpu, power.draw [W]")
	assert.Equal(t, []column{
		{Name: "memory.used", Unit: "MiB"},
		{Name: "temperature.gpu"},
		{Name: "power.draw", Unit: "W"},
	}, cols)
}

func TestHostQueryBatchesSections(t *testing.T) {
	q := hostQuery()
	assert.Equal(t, 2, strings.Count(q, "echo "+sectionSeparator))
	assert.Contains(t, q, "--query-gpu=name,uuid,index,")
	assert.Contains(t, q, "--query-compute-apps=gpu_uuid,pid,process_name")
}
