// Package supervisor sequences command building and remote execution into the
// lifecycle operations for managed servers.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/pbeaucage/AFL-andon/internal/command"
	"github.com/pbeaucage/AFL-andon/internal/config"
	"github.com/pbeaucage/AFL-andon/internal/connector"
	"github.com/pbeaucage/AFL-andon/internal/resolver"
)

// noSessionReply is what screen prints when asked to quit a session that does
// not exist.
const noSessionReply = "No screen session found"

// DefaultConcurrency bounds StatusAll fan-out.
const DefaultConcurrency = 8

// Resolver maps server names to targets and credential snapshots.
type Resolver interface {
	Resolve(name string) (*resolver.Resolution, error)
}

// Supervisor runs lifecycle operations. Only configuration problems are
// returned as errors; remote outcomes are reported in results.
type Supervisor struct {
	resolver    Resolver
	builder     *command.Builder
	transports  map[string]connector.Transport
	concurrency int

	mu     sync.Mutex
	states map[string]State
}

// Option configures the supervisor.
type Option func(*Supervisor)

// WithTransport registers the transport used for a connection kind.
func WithTransport(kind string, t connector.Transport) Option {
	return func(s *Supervisor) {
		s.transports[kind] = t
	}
}

// WithBuilder replaces the default command builder.
func WithBuilder(b *command.Builder) Option {
	return func(s *Supervisor) {
		s.builder = b
	}
}

// WithConcurrency bounds how many servers StatusAll polls at once.
func WithConcurrency(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New creates a supervisor.
func New(r Resolver, opts ...Option) *Supervisor {
	s := &Supervisor{
		resolver:    r,
		builder:     command.New(),
		transports:  make(map[string]connector.Transport),
		concurrency: DefaultConcurrency,
		states:      make(map[string]State),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start launches the server's session.
func (s *Supervisor) Start(ctx context.Context, name string) (*Result, error) {
	return s.run(ctx, command.OpStart, name, 0)
}

// Stop terminates the server's session. Stopping a session that is already
// gone is OK.
func (s *Supervisor) Stop(ctx context.Context, name string) (*Result, error) {
	return s.run(ctx, command.OpStop, name, 0)
}

// Restart stops then starts the server. A stop that failed on a reachable host
// aborts the restart; an unreachable host does not.
func (s *Supervisor) Restart(ctx context.Context, name string) (*RestartResult, error) {
	stop, err := s.Stop(ctx, name)
	if err != nil {
		return nil, err
	}

	result := &RestartResult{Stop: stop}
	if stop.Outcome == CommandFailed {
		log.Debug("Restart aborted, stop failed", "server", name)
		return result, nil
	}

	start, err := s.Start(ctx, name)
	if err != nil {
		return nil, err
	}
	result.Start = start
	return result, nil
}

// Status lists sessions on the host and looks for the server's session.
func (s *Supervisor) Status(ctx context.Context, name string) (*StatusResult, error) {
	res, spec, err := s.exec(ctx, command.OpStatus, name, 0)
	if err != nil {
		return nil, err
	}

	status := &StatusResult{Result: *res}
	if res.Outcome == TransportDown {
		return status, nil
	}

	status.Reachable = true
	status.Running = strings.Contains(res.Exec.Output, spec.SessionName)
	if status.Running {
		s.setState(name, Running)
	} else {
		s.setState(name, Stopped)
	}
	return status, nil
}

// StatusAll polls several servers concurrently. Results are in the order of
// names. A server whose configuration cannot be resolved gets a row with Err
// set; it does not affect the others.
func (s *Supervisor) StatusAll(ctx context.Context, names []string) []*StatusResult {
	results := make([]*StatusResult, len(names))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, name := range names {
		g.Go(func() error {
			st, err := s.Status(ctx, name)
			if err != nil {
				log.Debug("Status skipped", "server", name, "error", err)
				st = &StatusResult{
					Result: Result{Server: name, Op: command.OpStatus, Outcome: CommandFailed},
					Err:    err,
				}
			}
			results[i] = st
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// TailLog returns the last lines of the session log. lines <= 0 means the default.
func (s *Supervisor) TailLog(ctx context.Context, name string, lines int) (*Result, error) {
	return s.run(ctx, command.OpLog, name, lines)
}

// Exec runs an arbitrary command against a server and classifies the result
// like Start. Used for diagnostics.
func (s *Supervisor) Exec(ctx context.Context, name, cmd string) (*Result, error) {
	res, err := s.resolver.Resolve(name)
	if err != nil {
		return nil, err
	}
	return s.execResolved(ctx, res, command.Operation("exec"), cmd)
}

// State returns the last observed state of a server.
func (s *Supervisor) State(name string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[name]
}

// Forget drops tracked state, for servers removed from the config.
func (s *Supervisor) Forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, name)
}

func (s *Supervisor) setState(name string, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = st
}

func (s *Supervisor) run(ctx context.Context, op command.Operation, name string, lines int) (*Result, error) {
	res, _, err := s.exec(ctx, op, name, lines)
	return res, err
}

// exec resolves, builds and runs one operation. Configuration errors are
// returned before any transport is opened.
func (s *Supervisor) exec(ctx context.Context, op command.Operation, name string, lines int) (*Result, config.ServerSpec, error) {
	res, err := s.resolver.Resolve(name)
	if err != nil {
		return nil, config.ServerSpec{}, err
	}

	cmd, err := s.builder.Build(op, name, res.Spec, lines)
	if err != nil {
		return nil, res.Spec, err
	}

	result, err := s.execResolved(ctx, res, op, cmd)
	return result, res.Spec, err
}

func (s *Supervisor) execResolved(ctx context.Context, res *resolver.Resolution, op command.Operation, cmd string) (*Result, error) {
	transport, err := s.transport(res.Target.Connection)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", res.Name, err)
	}

	log.Debug("Running command", "server", res.Name, "op", op, "target", res.Target, "command", cmd)
	execResult := transport.Exec(ctx, res.Target, res.Credential, cmd)

	result := &Result{
		Server:  res.Name,
		Op:      op,
		Command: cmd,
		Outcome: classify(op, execResult),
		Exec:    execResult,
	}

	switch result.Outcome {
	case TransportDown:
		s.setState(res.Name, Unknown)
		log.Debug("Server unreachable", "server", res.Name, "op", op, "error", execResult.Err)
	case CommandFailed:
		log.Debug("Command failed", "server", res.Name, "op", op, "exit", exitDesc(execResult))
	}

	return result, nil
}

// transport selects the transport for a connection kind.
func (s *Supervisor) transport(kind string) (connector.Transport, error) {
	if kind == "" {
		kind = config.ConnectionSSH
	}
	t, ok := s.transports[kind]
	if !ok {
		return nil, fmt.Errorf("no transport for connection type %q", kind)
	}
	return t, nil
}

// classify maps an exec result to an outcome for op.
func classify(op command.Operation, r connector.ExecResult) Outcome {
	if r.TransportDown || !r.Succeeded {
		return TransportDown
	}

	// screen -ls exits non-zero whenever it lists anything; the output is
	// what matters.
	if op == command.OpStatus {
		return OK
	}

	if r.ExitSignal != "" {
		return CommandFailed
	}
	if r.ExitCode != nil && *r.ExitCode != 0 {
		if op == command.OpStop && strings.Contains(r.Output, noSessionReply) {
			return OK
		}
		return CommandFailed
	}
	return OK
}

func exitDesc(r connector.ExecResult) string {
	switch {
	case r.ExitSignal != "":
		return "signal " + r.ExitSignal
	case r.ExitCode != nil:
		return fmt.Sprintf("code %d", *r.ExitCode)
	default:
		return "unknown"
	}
}
