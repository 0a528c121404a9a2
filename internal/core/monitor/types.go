package monitor

// Snapshot maps hostname to device UUID to device state. A host that failed
// its last query has no entry.
type Snapshot map[string]map[string]Device

type Device struct {
	Name      string            `json:"name"`
	Index     int               `json:"index"`
	Metrics   map[string]Metric `json:"metrics"`
	Processes []Process         `json:"processes"`
}

// Metric is one nvidia-smi column. Value is nil when the device reports the
// metric as unsupported or unavailable.
type Metric struct {
	Value *float64 `json:"value"`
	Unit  string   `json:"unit,omitempty"`
}

type Process struct {
	PID     int    `json:"pid"`
	Command string `json:"command"`
	Owner   string `json:"owner"`
}

// Busy reports whether any process holds the device.
func (d Device) Busy() bool { return len(d.Processes) > 0 }

// Device looks a device up by UUID across all hosts.
func (s Snapshot) Device(uuid string) (host string, dev Device, ok bool) {
	for h, devices := range s {
		if d, found := devices[uuid]; found {
			return h, d, true
		}
	}
	return "", Device{}, false
}

// DeviceByIndex resolves a host-local GPU index to its UUID.
func (s Snapshot) DeviceByIndex(host string, index int) (uuid string, dev Device, ok bool) {
	for u, d := range s[host] {
		if d.Index == index {
			return u, d, true
		}
	}
	return "", Device{}, false
}

// DeviceCount returns the number of devices over all hosts.
func (s Snapshot) DeviceCount() int {
	n := 0
	for _, devices := range s {
		n += len(devices)
	}
	return n
}
