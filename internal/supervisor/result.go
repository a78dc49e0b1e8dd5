package supervisor

import (
	"github.com/pbeaucage/AFL-andon/internal/command"
	"github.com/pbeaucage/AFL-andon/internal/connector"
)

// Outcome is the tri-state result of a lifecycle operation.
type Outcome int

const (
	// OK means the command ran and did what was asked.
	OK Outcome = iota
	// CommandFailed means the host was reachable but the command failed.
	CommandFailed
	// TransportDown means the host could not be reached or authenticated.
	TransportDown
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case CommandFailed:
		return "failed"
	case TransportDown:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Result is the outcome of one remote command.
type Result struct {
	Server  string
	Op      command.Operation
	Command string
	Outcome Outcome
	Exec    connector.ExecResult
}

// OK reports whether the operation succeeded.
func (r *Result) OK() bool { return r.Outcome == OK }

// StatusResult reports whether a host is reachable and the session is running.
type StatusResult struct {
	Result

	Reachable bool
	Running   bool

	// Err is the configuration error that kept the server from being polled.
	Err error
}

// RestartResult holds both halves of a restart. Start is nil when the stop
// failed and the restart was aborted.
type RestartResult struct {
	Stop  *Result
	Start *Result
}

// Outcome is the combined outcome: the start's when it ran, otherwise the stop's.
func (r *RestartResult) Outcome() Outcome {
	if r.Start != nil {
		return r.Start.Outcome
	}
	return r.Stop.Outcome
}

// State is the last observed state of a server process.
type State int

const (
	Unknown State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
