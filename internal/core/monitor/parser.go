package monitor

import (
	"fmt"
	"strconv"
	"strings"
)

// Columns requested from nvidia-smi --query-gpu. name, uuid and index are
// identity; the rest become metrics.
var gpuQueryColumns = []string{
	"name", "uuid", "index",
	"fan.speed",
	"memory.free", "memory.used", "memory.total",
	"utilization.gpu", "utilization.memory",
	"temperature.gpu",
	"power.draw",
}

const sectionSeparator = "--gpushare-section--"

// hostQuery prints three header+rows sections in one round trip: device
// inventory with metrics, compute processes per device, and process owners.
func hostQuery() string {
	return "nvidia-smi --query-gpu=" + strings.Join(gpuQueryColumns, ",") + " --format=csv,nounits || exit $?; " +
		"echo " + sectionSeparator + "; " +
		"nvidia-smi --query-compute-apps=gpu_uuid,pid,process_name --format=csv || exit $?; " +
		"echo " + sectionSeparator + "; " +
		"ps -eo pid=,user="
}

type column struct {
	Name string
	Unit string
}

// parseHeader splits "memory.free [MiB]" into name and unit.
func parseHeader(line string) []column {
	fields := splitCSV(line)
	cols := make([]column, len(fields))
	for i, f := range fields {
		name, unit := f, ""
		if open := strings.Index(f, " ["); open >= 0 && strings.HasSuffix(f, "]") {
			name, unit = f[:open], f[open+2:len(f)-1]
		}
		cols[i] = column{Name: name, Unit: unit}
	}
	return cols
}

func splitCSV(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// parseTable parses a header line followed by rows into one map per row,
// keyed by column name. Rows with the wrong field count are an error when
// strict, skipped otherwise.
func parseTable(text string, strict bool) ([]column, []map[string]string, error) {
	lines := nonEmptyLines(text)
	if len(lines) == 0 {
		return nil, nil, fmt.Errorf("missing header")
	}
	cols := parseHeader(lines[0])
	rows := make([]map[string]string, 0, len(lines)-1)
	for n, line := range lines[1:] {
		fields := splitCSV(line)
		if len(fields) != len(cols) {
			if !strict {
				continue
			}
			return nil, nil, fmt.Errorf("row %d: %d fields, header has %d", n+1, len(fields), len(cols))
		}
		row := make(map[string]string, len(cols))
		for i, c := range cols {
			row[c.Name] = fields[i]
		}
		rows = append(rows, row)
	}
	return cols, rows, nil
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// parseValue turns a metric cell into a number. Unsupported and unavailable
// readings become nil.
func parseValue(s string) *float64 {
	switch s {
	case "", "[Not Supported]", "[N/A]", "N/A", "[Unknown Error]":
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// ParseHostOutput converts the output of hostQuery into the devices of one
// host keyed by UUID.
func ParseHostOutput(out string) (map[string]Device, error) {
	sections := strings.Split(out, sectionSeparator)
	if len(sections) != 3 {
		return nil, fmt.Errorf("expected 3 sections, got %d", len(sections))
	}

	cols, rows, err := parseTable(sections[0], true)
	if err != nil {
		return nil, fmt.Errorf("gpu inventory: %w", err)
	}

	devices := make(map[string]Device, len(rows))
	for _, row := range rows {
		uuid := row["uuid"]
		if uuid == "" {
			return nil, fmt.Errorf("gpu inventory: row without uuid")
		}
		index, err := strconv.Atoi(row["index"])
		if err != nil {
			return nil, fmt.Errorf("gpu inventory: bad index %q", row["index"])
		}
		dev := Device{
			Name:      row["name"],
			Index:     index,
			Metrics:   make(map[string]Metric),
			Processes: []Process{},
		}
		for _, c := range cols {
			switch c.Name {
			case "name", "uuid", "index":
				continue
			}
			dev.Metrics[c.Name] = Metric{Value: parseValue(row[c.Name]), Unit: c.Unit}
		}
		devices[uuid] = dev
	}

	owners := parseOwners(sections[2])

	// Older drivers print "No running processes found" instead of rows.
	_, procRows, err := parseTable(sections[1], false)
	if err != nil {
		return nil, fmt.Errorf("compute apps: %w", err)
	}
	for _, row := range procRows {
		dev, ok := devices[row["gpu_uuid"]]
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(row["pid"])
		if err != nil {
			continue
		}
		dev.Processes = append(dev.Processes, Process{
			PID:     pid,
			Command: row["process_name"],
			Owner:   owners[pid],
		})
		devices[row["gpu_uuid"]] = dev
	}

	return devices, nil
}

// parseOwners reads headerless "pid user" lines from ps.
func parseOwners(text string) map[int]string {
	owners := make(map[int]string)
	for _, line := range nonEmptyLines(text) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		owners[pid] = fields[1]
	}
	return owners
}
