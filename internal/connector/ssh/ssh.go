// Package ssh provides a connector that runs commands and shells on remote hosts
// over one-shot SSH connections.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/pbeaucage/AFL-andon/internal/connector"
	"github.com/pbeaucage/AFL-andon/internal/credential"
)

// Connector opens a fresh SSH connection for every call. Nothing is pooled.
type Connector struct {
	timeout         time.Duration
	hostKeyCallback ssh.HostKeyCallback
	termType        string
}

// Option configures the SSH connector.
type Option func(*Connector)

// WithTimeout bounds connect and authentication.
func WithTimeout(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHostKeyCallback sets host key verification.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(c *Connector) {
		c.hostKeyCallback = cb
	}
}

// WithTermType sets the TERM requested for interactive shells.
func WithTermType(term string) Option {
	return func(c *Connector) {
		c.termType = term
	}
}

// KnownHosts builds a host key callback from OpenSSH known_hosts files.
func KnownHosts(files ...string) (ssh.HostKeyCallback, error) {
	cb, err := knownhosts.New(files...)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}
	return cb, nil
}

// New creates an SSH connector. Host keys are not verified unless a callback is set.
func New(opts ...Option) *Connector {
	c := &Connector{
		timeout:         connector.DefaultTimeout,
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
		termType:        "xterm-256color",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// dial connects and authenticates. The whole handshake is bounded by the
// connector timeout and by ctx.
func (c *Connector) dial(ctx context.Context, target connector.Target, cred *credential.Credential) (*ssh.Client, error) {
	if cred == nil {
		return nil, errors.New("no credential for ssh connection")
	}

	config := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(cred.Signer())},
		HostKeyCallback: c.hostKeyCallback,
		Timeout:         c.timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	addr := target.Addr()
	var d net.Dialer
	nc, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	deadline, _ := dialCtx.Deadline()
	_ = nc.SetDeadline(deadline)

	// Abort a stalled handshake as soon as the caller gives up.
	stop := context.AfterFunc(dialCtx, func() {
		_ = nc.SetDeadline(time.Unix(1, 0))
	})

	sc, chans, reqs, err := ssh.NewClientConn(nc, addr, config)
	if !stop() {
		if err == nil {
			sc.Close()
		} else {
			nc.Close()
		}
		if ctxErr := dialCtx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("handshake with %s: %w", addr, ctxErr)
		}
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}

	_ = nc.SetDeadline(time.Time{})
	return ssh.NewClient(sc, chans, reqs), nil
}

// Exec runs cmd on a new connection and closes it before returning.
func (c *Connector) Exec(ctx context.Context, target connector.Target, cred *credential.Credential, cmd string) connector.ExecResult {
	client, err := c.dial(ctx, target, cred)
	if err != nil {
		return connector.Down(err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return connector.Down(fmt.Errorf("failed to open session: %w", err))
	}
	defer session.Close()

	var out connector.OutputBuffer
	session.Stdout = &out
	session.Stderr = &out

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	err = session.Run(cmd)
	if ctxErr := interrupted(ctx, err); ctxErr != nil {
		res := connector.Down(ctxErr)
		res.Output = out.String()
		return res
	}
	return classify(client, out.String(), err)
}

// interrupted returns the context error when cancellation cut the command
// short. A command that reported its exit status completed regardless.
func interrupted(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return ctx.Err()
}

// classify folds the error from Session.Run into an ExecResult.
func classify(client *ssh.Client, output string, err error) connector.ExecResult {
	if err == nil {
		return connector.Completed(output, 0)
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitStatus()
		return connector.ExecResult{
			Succeeded:  true,
			Output:     output,
			ExitCode:   &code,
			ExitSignal: exitErr.Signal(),
		}
	}

	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) && transportAlive(client) {
		return connector.ExecResult{Succeeded: true, Output: output}
	}

	res := connector.Down(err)
	res.Output = output
	return res
}

// transportAlive tells a channel that closed without an exit status apart from
// a connection that went away underneath it.
func transportAlive(client *ssh.Client) bool {
	_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// OpenShell starts an interactive login shell with a pseudo-terminal.
// The returned shell owns the connection.
func (c *Connector) OpenShell(ctx context.Context, target connector.Target, cred *credential.Credential, size connector.WindowSize) (connector.Shell, error) {
	client, err := c.dial(ctx, target, cred)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	fail := func(step string, err error) (connector.Shell, error) {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if size.Rows <= 0 || size.Cols <= 0 {
		size = connector.DefaultWindowSize
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(c.termType, size.Rows, size.Cols, modes); err != nil {
		return fail("failed to request pty", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return fail("failed to open stdin", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return fail("failed to open stdout", err)
	}

	if err := session.Shell(); err != nil {
		return fail("failed to start shell", err)
	}

	return &shell{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
	}, nil
}

// shell adapts an SSH session with a pty to connector.Shell.
type shell struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	closeOnce sync.Once
	closeErr  error
}

func (s *shell) Read(p []byte) (int, error) { return s.stdout.Read(p) }

func (s *shell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *shell) Resize(rows, cols int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *shell) Close() error {
	s.closeOnce.Do(func() {
		_ = s.session.Close()
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

// Ensure Connector implements the connector interfaces.
var (
	_ connector.Transport   = (*Connector)(nil)
	_ connector.ShellOpener = (*Connector)(nil)
)
