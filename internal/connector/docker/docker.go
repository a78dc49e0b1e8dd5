// Package docker provides a connector for executing commands in Docker containers.
package docker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/pbeaucage/AFL-andon/internal/connector"
	"github.com/pbeaucage/AFL-andon/internal/credential"
)

// Connector executes commands inside Docker containers. The container is the
// target's host.
type Connector struct {
	binary  string
	user    string
	workdir string
	env     map[string]string
}

// Option configures the Docker connector.
type Option func(*Connector)

// WithUser sets the user for command execution.
func WithUser(user string) Option {
	return func(c *Connector) {
		c.user = user
	}
}

// WithWorkdir sets the working directory for command execution.
func WithWorkdir(dir string) Option {
	return func(c *Connector) {
		c.workdir = dir
	}
}

// WithEnv adds an environment variable for command execution.
func WithEnv(key, value string) Option {
	return func(c *Connector) {
		if c.env == nil {
			c.env = make(map[string]string)
		}
		c.env[key] = value
	}
}

// WithBinary sets the docker CLI to invoke.
func WithBinary(path string) Option {
	return func(c *Connector) {
		c.binary = path
	}
}

// New creates a new Docker connector.
func New(opts ...Option) *Connector {
	c := &Connector{
		binary: "docker",
		env:    make(map[string]string),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// check verifies the container exists and is running.
func (c *Connector) check(ctx context.Context, container string) error {
	if container == "" {
		return errors.New("no container name")
	}

	if _, err := exec.LookPath(c.binary); err != nil {
		return fmt.Errorf("docker command not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.binary, "inspect", "-f", "{{.State.Running}}", container)
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("container '%s' not found or not accessible: %w", container, err)
	}

	if strings.TrimSpace(string(output)) != "true" {
		return fmt.Errorf("container '%s' is not running", container)
	}

	return nil
}

// Exec runs a command inside the container named by target.Host.
func (c *Connector) Exec(ctx context.Context, target connector.Target, _ *credential.Credential, cmd string) connector.ExecResult {
	if err := c.check(ctx, target.Host); err != nil {
		return connector.Down(err)
	}

	execCmd := exec.CommandContext(ctx, c.binary, c.buildExecArgs(target.Host, cmd)...)

	var out connector.OutputBuffer
	execCmd.Stdout = &out
	execCmd.Stderr = &out

	err := execCmd.Run()
	if err == nil {
		return connector.Completed(out.String(), 0)
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || ctx.Err() != nil {
		res := connector.Down(fmt.Errorf("failed to execute command in container: %w", err))
		res.Output = out.String()
		return res
	}

	code := exitErr.ExitCode()
	return connector.ExecResult{Succeeded: true, Output: out.String(), ExitCode: &code}
}

// buildExecArgs builds the docker exec command arguments.
func (c *Connector) buildExecArgs(container, cmd string) []string {
	args := []string{"exec", "-i"}

	if c.user != "" {
		args = append(args, "-u", c.user)
	}

	if c.workdir != "" {
		args = append(args, "-w", c.workdir)
	}

	keys := make([]string, 0, len(c.env))
	for k := range c.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, c.env[k]))
	}

	return append(args, container, "/bin/sh", "-c", cmd)
}

// String returns a description of the connector.
func (c *Connector) String() string {
	if c.user != "" {
		return fmt.Sprintf("docker://%s@", c.user)
	}
	return "docker://"
}

// Ensure Connector implements the connector.Transport interface.
var _ connector.Transport = (*Connector)(nil)
