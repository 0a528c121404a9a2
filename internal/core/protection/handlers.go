package protection

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/gpushare/internal/core/node"
	"github.com/viperadnan-git/gpushare/internal/core/process"
)

// Killer ends a single process on a node.
type Killer interface {
	KillProcess(ctx context.Context, host, user string, pid int, sudo bool) error
}

// NewHandlers builds the named handlers in order. hostUsers maps each
// hostname to the service account used for privileged commands.
func NewHandlers(names []string, exec node.Executor, killer Killer, hostUsers map[string]string) ([]ViolationHandler, error) {
	handlers := make([]ViolationHandler, 0, len(names))
	for _, name := range names {
		switch name {
		case "log":
			handlers = append(handlers, LogHandler{})
		case "message":
			handlers = append(handlers, &MessageHandler{exec: exec, hostUsers: hostUsers})
		case "kill_user":
			handlers = append(handlers, &KillHandler{killer: killer})
		case "kill_sudo":
			handlers = append(handlers, &KillHandler{killer: killer, sudo: true, hostUsers: hostUsers})
		default:
			return nil, fmt.Errorf("unknown violation handler %q", name)
		}
	}
	return handlers, nil
}

type LogHandler struct{}

func (LogHandler) Name() string { return "log" }

func (LogHandler) Handle(_ context.Context, v Violation) error {
	log.Warn().
		Str("host", v.Hostname).
		Str("gpu", v.DeviceUUID).
		Int("gpu_index", v.DeviceIndex).
		Str("intruder", v.Intruder).
		Str("owner", v.ReservationOwner).
		Int64("reservation_id", v.ReservationID).
		Ints("pids", v.PIDs).
		Msg("reservation violated")
	return nil
}

// KillHandler kills the intruder's processes, either as the intruder or
// with sudo as the host's service account.
type KillHandler struct {
	killer    Killer
	sudo      bool
	hostUsers map[string]string
}

func (h *KillHandler) Name() string {
	if h.sudo {
		return "kill_sudo"
	}
	return "kill_user"
}

func (h *KillHandler) Handle(ctx context.Context, v Violation) error {
	user := v.Intruder
	if h.sudo {
		user = h.hostUsers[v.Hostname]
		if user == "" {
			return fmt.Errorf("no service account for host %s", v.Hostname)
		}
	}
	var errs []error
	for _, pid := range v.PIDs {
		if err := h.killer.KillProcess(ctx, v.Hostname, user, pid, h.sudo); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

var ttyName = regexp.MustCompile(`^[A-Za-z0-9]+(/[0-9]+)?$`)

// MessageHandler writes a warning to every terminal the intruder has open
// on the host.
type MessageHandler struct {
	exec      node.Executor
	hostUsers map[string]string
}

func (h *MessageHandler) Name() string { return "message" }

func (h *MessageHandler) Handle(ctx context.Context, v Violation) error {
	user := h.hostUsers[v.Hostname]
	res, err := h.exec.Exec(ctx, v.Hostname, user, "who")
	if err != nil {
		return fmt.Errorf("list sessions on %s: %w", v.Hostname, err)
	}
	if res.ExitCode != 0 {
		return &process.ExitCodeError{Host: v.Hostname, Command: "who", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	ttys := userTTYs(res.Stdout, v.Intruder)
	if len(ttys) == 0 {
		log.Debug().Str("host", v.Hostname).Str("intruder", v.Intruder).Msg("no terminal sessions to warn")
		return nil
	}
	paths := make([]string, len(ttys))
	for i, tty := range ttys {
		paths[i] = process.Quote("/dev/" + tty)
	}
	cmd := fmt.Sprintf("printf '%%s\\n' %s | tee %s >/dev/null",
		process.Quote(warning(v)), strings.Join(paths, " "))
	res, err = h.exec.Exec(ctx, v.Hostname, user, cmd)
	if err != nil {
		return fmt.Errorf("warn %s on %s: %w", v.Intruder, v.Hostname, err)
	}
	if res.ExitCode != 0 {
		return &process.ExitCodeError{Host: v.Hostname, Command: "tee", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	log.Warn().Str("host", v.Hostname).Str("intruder", v.Intruder).Strs("ttys", ttys).Msg("violation warning sent")
	return nil
}

// userTTYs picks the terminals of user from `who` output.
func userTTYs(out, user string) []string {
	var ttys []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != user || !ttyName.MatchString(fields[1]) {
			continue
		}
		ttys = append(ttys, fields[1])
	}
	return ttys
}

func warning(v Violation) string {
	return fmt.Sprintf(
		"You are violating the GPU reservation rules!\n"+
			"GPU %d (%s) on %s is reserved by %s until %s UTC.\n"+
			"Please stop all your computations on it immediately.",
		v.DeviceIndex, v.DeviceName, v.Hostname, v.ReservationOwner,
		v.ReservationEnd.UTC().Format("2006-01-02 15:04"))
}
