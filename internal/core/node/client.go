package node

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnreachable marks transport failures: dial, auth, timeout, broken
// session. Callers treat the host as absent for the current round.
var ErrUnreachable = errors.New("host unreachable")

// Executor runs a shell command on a node as the given user.
// A non-zero exit is reported in Result with a nil error.
type Executor interface {
	Exec(ctx context.Context, host, user, command string) (Result, error)
}

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, host, user, command string) (Result, error)

func (f ExecutorFunc) Exec(ctx context.Context, host, user, command string) (Result, error) {
	return f(ctx, host, user, command)
}

func unreachable(host string, err error) error {
	return fmt.Errorf("%s: %w: %v", host, ErrUnreachable, err)
}
