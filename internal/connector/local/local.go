// Package local provides a connector for executing commands on the local machine.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"syscall"

	"github.com/pbeaucage/AFL-andon/internal/connector"
	"github.com/pbeaucage/AFL-andon/internal/credential"
)

// Connector executes commands on the local machine. Target and credential
// are ignored.
type Connector struct {
	shell     string
	shellArgs []string
	sudo      bool
	sudoUser  string
}

// Option configures the local connector.
type Option func(*Connector)

// WithSudo enables sudo for command execution.
func WithSudo(user string) Option {
	return func(c *Connector) {
		c.sudo = true
		c.sudoUser = user
	}
}

// WithShell sets a custom shell for command execution.
func WithShell(shell string, args ...string) Option {
	return func(c *Connector) {
		c.shell = shell
		c.shellArgs = args
	}
}

// New creates a new local connector.
func New(opts ...Option) *Connector {
	c := &Connector{
		shell:     "/bin/sh",
		shellArgs: []string{"-c"},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Exec runs a command locally. A command that cannot be started is reported
// as a transport failure.
func (c *Connector) Exec(ctx context.Context, _ connector.Target, _ *credential.Credential, cmd string) connector.ExecResult {
	switch runtime.GOOS {
	case "darwin", "linux":
	default:
		return connector.Down(fmt.Errorf("unsupported platform: %s", runtime.GOOS))
	}

	args := append(append([]string{}, c.shellArgs...), c.buildCommand(cmd))
	execCmd := exec.CommandContext(ctx, c.shell, args...)

	var out connector.OutputBuffer
	execCmd.Stdout = &out
	execCmd.Stderr = &out

	err := execCmd.Run()
	if err == nil {
		return connector.Completed(out.String(), 0)
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || ctx.Err() != nil {
		res := connector.Down(fmt.Errorf("failed to execute command: %w", err))
		res.Output = out.String()
		return res
	}

	code := exitErr.ExitCode()
	res := connector.ExecResult{Succeeded: true, Output: out.String(), ExitCode: &code}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		res.ExitSignal = ws.Signal().String()
	}
	return res
}

// buildCommand wraps the command with sudo if configured.
func (c *Connector) buildCommand(cmd string) string {
	if !c.sudo {
		return cmd
	}

	if c.sudoUser != "" {
		return fmt.Sprintf("sudo -u %s -- %s", c.sudoUser, cmd)
	}
	return fmt.Sprintf("sudo -- %s", cmd)
}

// String returns a description of the connection.
func (c *Connector) String() string {
	u, err := user.Current()
	if err != nil {
		return "local"
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	if c.sudo && c.sudoUser != "" {
		return fmt.Sprintf("local://%s@%s (sudo as %s)", u.Username, hostname, c.sudoUser)
	}
	if c.sudo {
		return fmt.Sprintf("local://%s@%s (sudo)", u.Username, hostname)
	}
	return fmt.Sprintf("local://%s@%s", u.Username, hostname)
}

// Ensure Connector implements the connector.Transport interface.
var _ connector.Transport = (*Connector)(nil)
