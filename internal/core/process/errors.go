package process

import "fmt"

// SpawnError means the spawn command did not yield a usable pid.
type SpawnError struct {
	Host   string
	Output string
	Err    error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawn on %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("spawn on %s: unexpected output %q", e.Host, e.Output)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitCodeError reports a supervisor command that ran but exited non-zero.
type ExitCodeError struct {
	Host     string
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("%s on %s exited with code %d", e.Command, e.Host, e.ExitCode)
}
