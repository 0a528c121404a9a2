package node

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"os/user"
	"time"
)

// LocalExecutor runs commands on the controller's own machine through
// /bin/sh. It can only act as the user the controller runs as.
type LocalExecutor struct {
	timeout time.Duration
}

func NewLocalExecutor(timeout time.Duration) *LocalExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LocalExecutor{timeout: timeout}
}

func (e *LocalExecutor) Exec(ctx context.Context, host, _ string, command string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, unreachable(host, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, unreachable(host, err)
}

// Router sends commands for localhost as the current user to Local and
// everything else to Remote.
type Router struct {
	Local  Executor
	Remote Executor
	user   string
}

func NewRouter(local, remote Executor) *Router {
	r := &Router{Local: local, Remote: remote}
	if u, err := user.Current(); err == nil {
		r.user = u.Username
	}
	return r
}

func (r *Router) Exec(ctx context.Context, host, user, command string) (Result, error) {
	if r.Local != nil && isLoopback(host) && user == r.user {
		return r.Local.Exec(ctx, host, user, command)
	}
	return r.Remote.Exec(ctx, host, user, command)
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
