package process

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/gpushare/internal/core/node"
)

type Mode string

const (
	// ModeInterrupt sends Ctrl-C into the session so the program can flush.
	ModeInterrupt Mode = "interrupt"
	// ModeTerminate asks screen to close the session.
	ModeTerminate Mode = "terminate"
	// ModeKill sends SIGKILL to the whole process tree of the session.
	ModeKill Mode = "kill"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeInterrupt, ModeTerminate, ModeKill:
		return m, nil
	}
	return "", fmt.Errorf("unknown termination mode %q", s)
}

type Options struct {
	LogDir        string
	SessionPrefix string
}

// Supervisor runs task commands inside detached GNU screen sessions on
// remote hosts. Every operation is a single remote command; nothing is
// retried here.
type Supervisor struct {
	exec        node.Executor
	logDir      string
	prefix      string
	sessionLine *regexp.Regexp
}

func NewSupervisor(exec node.Executor, opts Options) *Supervisor {
	if opts.LogDir == "" {
		opts.LogDir = "~/.gpushare/logs"
	}
	if opts.SessionPrefix == "" {
		opts.SessionPrefix = "gpushare"
	}
	return &Supervisor{
		exec:        exec,
		logDir:      opts.LogDir,
		prefix:      opts.SessionPrefix,
		sessionLine: regexp.MustCompile(`^(\d+)\.` + regexp.QuoteMeta(opts.SessionPrefix) + `_task_\S+`),
	}
}

type SpawnRequest struct {
	TaskID  int64
	Command string
	Host    string
	User    string
}

// LogPath is where a task's combined output is appended.
func (s *Supervisor) LogPath(taskID int64) string {
	return path.Join(s.logDir, fmt.Sprintf("task_%d.log", taskID))
}

func (s *Supervisor) sessionName(taskID int64) string {
	return fmt.Sprintf("%s_task_%d_%s", s.prefix, taskID, uuid.NewString()[:8])
}

// Spawn starts req.Command in a new screen session and returns the pid of
// the screen process, which also prefixes the session name.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (int, error) {
	inner := fmt.Sprintf("{ %s\n} 2>&1 | tee -a %s", req.Command, quotePath(s.LogPath(req.TaskID)))
	cmd := fmt.Sprintf("mkdir -p %s; screen -Dm -S %s bash -c %s >/dev/null 2>&1 & echo $!",
		quotePath(s.logDir), s.sessionName(req.TaskID), Quote(inner))

	res, err := s.exec.Exec(ctx, req.Host, req.User, cmd)
	if err != nil {
		return 0, &SpawnError{Host: req.Host, Err: err}
	}
	out := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 || out == "" {
		return 0, &SpawnError{Host: req.Host, Output: out}
	}
	pid, err := strconv.Atoi(out)
	if err != nil || pid <= 0 {
		return 0, &SpawnError{Host: req.Host, Output: out}
	}

	log.Info().Int64("task_id", req.TaskID).Str("host", req.Host).Str("user", req.User).Int("pid", pid).Msg("task spawned")
	return pid, nil
}

// Terminate signals the session identified by pid and returns the exit code
// of the termination command. A zero code does not prove the process exited.
func (s *Supervisor) Terminate(ctx context.Context, pid int, host, user string, mode Mode) (int, error) {
	var cmd string
	switch mode {
	case ModeInterrupt:
		cmd = fmt.Sprintf(`screen -S %d -X stuff "$(printf '\003')"`, pid)
	case ModeTerminate:
		cmd = fmt.Sprintf("screen -S %d -X quit", pid)
	case ModeKill:
		// screen may already be gone once its children are killed.
		cmd = fmt.Sprintf("for c in $(pgrep -P %d); do pkill -KILL -s \"$c\"; done; rc=0; "+
			"if kill -0 %d 2>/dev/null; then kill -KILL %d || rc=$?; fi; screen -wipe >/dev/null 2>&1; exit $rc",
			pid, pid, pid)
	default:
		return 0, fmt.Errorf("unknown termination mode %q", mode)
	}

	res, err := s.exec.Exec(ctx, host, user, cmd)
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return res.ExitCode, &ExitCodeError{Host: host, Command: "terminate(" + string(mode) + ")", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	log.Debug().Int("pid", pid).Str("host", host).Str("mode", string(mode)).Msg("termination sent")
	return res.ExitCode, nil
}

// ListRunning returns the pids of this supervisor's live sessions owned by
// user. Dead sessions, left behind when screen itself was killed, are wiped
// first and never reported.
func (s *Supervisor) ListRunning(ctx context.Context, host, user string) (map[int]struct{}, error) {
	cmd := "command -v screen >/dev/null || exit 127; screen -wipe >/dev/null 2>&1; screen -ls 2>/dev/null; true"

	res, err := s.exec.Exec(ctx, host, user, cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &ExitCodeError{Host: host, Command: "list", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return s.parseSessions(res.Stdout), nil
}

// parseSessions reads `screen -ls` output. Lines look like
// "\t4242.gpushare_task_7_ab12cd34\t(03/02/26 12:00:00)\t(Detached)".
func (s *Supervisor) parseSessions(out string) map[int]struct{} {
	pids := make(map[int]struct{})
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "(Dead") {
			continue
		}
		m := s.sessionLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pid, err := strconv.Atoi(m[1])
		if err != nil || pid <= 0 {
			continue
		}
		pids[pid] = struct{}{}
	}
	return pids
}

// KillProcess sends SIGTERM to a process that is not one of this
// supervisor's sessions. With sudo the signal is sent through `sudo -n`.
func (s *Supervisor) KillProcess(ctx context.Context, host, user string, pid int, sudo bool) error {
	cmd := fmt.Sprintf("kill %d", pid)
	if sudo {
		cmd = "sudo -n " + cmd
	}
	res, err := s.exec.Exec(ctx, host, user, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &ExitCodeError{Host: host, Command: "kill process", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	log.Warn().Int("pid", pid).Str("host", host).Str("user", user).Bool("sudo", sudo).Msg("process killed")
	return nil
}

// FetchLog returns the task's log lines, the last tail lines when tail > 0.
func (s *Supervisor) FetchLog(ctx context.Context, host, user string, taskID int64, tail int) ([]string, string, error) {
	p := s.LogPath(taskID)
	cmd := "cat " + quotePath(p)
	if tail > 0 {
		cmd = fmt.Sprintf("tail -n %d %s", tail, quotePath(p))
	}

	res, err := s.exec.Exec(ctx, host, user, cmd)
	if err != nil {
		return nil, p, err
	}
	if res.ExitCode != 0 {
		return nil, p, &ExitCodeError{Host: host, Command: "fetch log", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	out := strings.TrimRight(res.Stdout, "\n")
	if out == "" {
		return []string{}, p, nil
	}
	return strings.Split(out, "\n"), p, nil
}
