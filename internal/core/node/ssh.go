package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type SSHOptions struct {
	KeyPath               string
	KnownHosts            string
	InsecureIgnoreHostKey bool
	Port                  int
	Timeout               time.Duration
}

// SSHExecutor implements Executor over SSH, keeping one connection per
// user@host alive between commands.
type SSHExecutor struct {
	opts     SSHOptions
	auth     ssh.AuthMethod
	hostKeys ssh.HostKeyCallback
	clients  *clientStore
}

func NewSSHExecutor(opts SSHOptions) (*SSHExecutor, error) {
	key, err := os.ReadFile(expandHome(opts.KeyPath))
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	var callback ssh.HostKeyCallback
	if opts.InsecureIgnoreHostKey {
		log.Warn().Msg("ssh host key verification disabled")
		callback = ssh.InsecureIgnoreHostKey()
	} else {
		callback, err = knownhosts.New(expandHome(opts.KnownHosts))
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}

	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	return &SSHExecutor{
		opts:     opts,
		auth:     ssh.PublicKeys(signer),
		hostKeys: callback,
		clients:  newClientStore(),
	}, nil
}

func (e *SSHExecutor) Exec(ctx context.Context, host, user, command string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	key := user + "@" + host
	client, err := e.connect(ctx, key, host, user)
	if err != nil {
		return Result{}, unreachable(host, err)
	}

	session, err := client.NewSession()
	if err != nil {
		// Stale connection: forget it so the next call redials.
		e.clients.Drop(key, client)
		return Result{}, unreachable(host, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Close()
		e.clients.Drop(key, client)
		return Result{}, unreachable(host, ctx.Err())
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		e.clients.Drop(key, client)
		return res, unreachable(host, err)
	}
}

func (e *SSHExecutor) connect(ctx context.Context, key, host, user string) (*ssh.Client, error) {
	if c, ok := e.clients.Get(key); ok {
		return c, nil
	}

	addr := net.JoinHostPort(host, strconv.Itoa(e.opts.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{e.auth},
		HostKeyCallback: e.hostKeys,
		Timeout:         e.opts.Timeout,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	log.Debug().Str("host", host).Str("user", user).Msg("ssh connection established")
	return e.clients.Set(key, ssh.NewClient(sshConn, chans, reqs)), nil
}

// Close drops every cached connection.
func (e *SSHExecutor) Close() error {
	e.clients.CloseAll()
	return nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
