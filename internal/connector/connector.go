// Package connector defines how commands reach a managed host and how their
// outcome is reported.
package connector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pbeaucage/AFL-andon/internal/credential"
)

// DefaultTimeout bounds connect and authentication.
const DefaultTimeout = 5 * time.Second

// Target is the connection triple for one server plus the transport kind.
type Target struct {
	// Host is the hostname or IP address (container name for docker).
	Host string

	// Port is the SSH port.
	Port int

	// User is the login user.
	User string

	// Connection is the transport kind (ssh, local, docker).
	Connection string
}

// Addr returns host:port.
func (t Target) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

func (t Target) String() string {
	switch t.Connection {
	case "local":
		return "local://" + t.Host
	case "docker":
		return "docker://" + t.Host
	}
	return fmt.Sprintf("ssh://%s@%s:%d", t.User, t.Host, t.Port)
}

// ExecResult is the uniform outcome of one remote command.
//
// TransportDown means the connection or authentication failed and the command
// never ran (or its connection was lost); it implies !Succeeded. A command that
// ran and exited non-zero still has Succeeded set: callers inspect ExitCode and
// Output themselves.
type ExecResult struct {
	Succeeded     bool
	TransportDown bool

	// Output holds stdout and stderr in arrival order per stream. The two
	// streams may interleave in any order.
	Output string

	// ExitCode is nil when the remote side reported no exit status.
	ExitCode *int

	// ExitSignal names the signal that terminated the command, if any.
	ExitSignal string

	// Err is the lower-level cause, for diagnostics only.
	Err error
}

// Exited reports whether the command ran and exited with status 0.
func (r ExecResult) Exited() bool {
	return r.Succeeded && r.ExitSignal == "" && (r.ExitCode == nil || *r.ExitCode == 0)
}

// Down builds a transport-down result.
func Down(err error) ExecResult {
	return ExecResult{TransportDown: true, Err: err}
}

// Completed builds a result for a command that ran.
func Completed(output string, code int) ExecResult {
	return ExecResult{Succeeded: true, Output: output, ExitCode: &code}
}

// Transport runs one command on a target. Implementations never return raw
// transport errors; every failure is folded into the ExecResult.
type Transport interface {
	Exec(ctx context.Context, target Target, cred *credential.Credential, cmd string) ExecResult
}

// WindowSize is a terminal size in character cells.
type WindowSize struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// DefaultWindowSize is used when the consumer does not report a size.
var DefaultWindowSize = WindowSize{Rows: 24, Cols: 80}

// Shell is a live interactive channel with a pseudo-terminal.
type Shell interface {
	// Read returns remote output. It returns io.EOF when the remote side closes.
	io.Reader

	// Write sends keystrokes.
	io.Writer

	// Resize forwards a window-change.
	Resize(rows, cols int) error

	// Close tears down the channel and its transport.
	Close() error
}

// ShellOpener opens interactive shells.
type ShellOpener interface {
	OpenShell(ctx context.Context, target Target, cred *credential.Credential, size WindowSize) (Shell, error)
}

// OutputBuffer collects command output. Stdout and stderr copiers may write
// to it concurrently.
type OutputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
