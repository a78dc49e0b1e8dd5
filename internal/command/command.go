// Package command builds the remote shell command lines that drive screen sessions.
package command

import (
	"fmt"
	"strings"

	"github.com/pbeaucage/AFL-andon/internal/config"
)

// DefaultLogDir is where session logs are written on the remote host.
// It is expanded by the remote shell.
const DefaultLogDir = "$HOME/.afl"

// DefaultLogLines is the tail length used when the caller passes none.
const DefaultLogLines = 200

// Defaults for module launches.
const (
	DefaultInterpreter = "python"
	DefaultActivate    = "conda activate"
)

// Operation names a command the builder can produce.
type Operation string

const (
	OpStart  Operation = "start"
	OpStop   Operation = "stop"
	OpStatus Operation = "status"
	OpLog    Operation = "log"
	OpJoin   Operation = "join"
)

// Builder turns a server record into command lines. It performs no I/O.
type Builder struct {
	// LogDir is the remote log directory (default: $HOME/.afl).
	LogDir string
}

// New creates a builder with the default log directory.
func New() *Builder {
	return &Builder{LogDir: DefaultLogDir}
}

func (b *Builder) logDir() string {
	if b.LogDir == "" {
		return DefaultLogDir
	}
	return strings.TrimRight(b.LogDir, "/")
}

// LogPath returns the remote log file for a session.
func (b *Builder) LogPath(session string) string {
	return b.logDir() + "/" + quote(session+".screenlog")
}

// Build dispatches on op. lines is only used by OpLog.
func (b *Builder) Build(op Operation, name string, spec config.ServerSpec, lines int) (string, error) {
	switch op {
	case OpStart:
		return b.Start(name, spec)
	case OpStop:
		return b.Stop(spec), nil
	case OpStatus:
		return b.Status(), nil
	case OpLog:
		return b.Log(spec, lines), nil
	case OpJoin:
		return b.Join(spec), nil
	default:
		return "", fmt.Errorf("unknown operation: %s", op)
	}
}

// Start returns the command that launches the server in a detached, named,
// logging screen session. It fails with a NoLaunchTarget error when the record
// has neither (or both) a script and a module.
func (b *Builder) Start(name string, spec config.ServerSpec) (string, error) {
	inner, err := b.Inner(name, spec)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("screen -d -m -L -Logfile %s -S %s %s",
		b.LogPath(spec.SessionName), quote(spec.SessionName), inner), nil
}

// Inner returns the command run inside the session.
func (b *Builder) Inner(name string, spec config.ServerSpec) (string, error) {
	switch spec.LaunchKind() {
	case config.LaunchScript:
		// The script is a trusted command line and may carry arguments.
		return spec.Script, nil

	case config.LaunchModule:
		return fmt.Sprintf("%s -c %s", quote(spec.GetShell()), shellQuote(ModuleCommand(spec))), nil

	default:
		detail := "neither server_script nor module is set"
		if spec.Script != "" && spec.Module != "" {
			detail = "both server_script and module are set"
		}
		return "", config.NewError(config.NoLaunchTarget, name, detail)
	}
}

// ModuleCommand returns "<activation>;<interpreter> -m <module>", or just the
// interpreter invocation when no environment is set.
func ModuleCommand(spec config.ServerSpec) string {
	interpreter := spec.Interpreter
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	invocation := fmt.Sprintf("%s -m %s", interpreter, spec.Module)

	if spec.Environment == "" {
		return invocation
	}
	activate := spec.Activate
	if activate == "" {
		activate = DefaultActivate
	}
	return fmt.Sprintf("%s %s;%s", activate, spec.Environment, invocation)
}

// Stop returns the command that terminates the session.
func (b *Builder) Stop(spec config.ServerSpec) string {
	return fmt.Sprintf("screen -X -S %s quit", quote(spec.SessionName))
}

// Status returns the command that lists sessions. Callers look for the
// session name in its output.
func (b *Builder) Status() string {
	return "screen -ls"
}

// Log returns the command that prints the last lines of the session log.
func (b *Builder) Log(spec config.ServerSpec, lines int) string {
	if lines <= 0 {
		lines = DefaultLogLines
	}
	return fmt.Sprintf("tail -n %d %s", lines, b.LogPath(spec.SessionName))
}

// Join returns the command that attaches to the session.
func (b *Builder) Join(spec config.ServerSpec) string {
	return fmt.Sprintf("screen -x %s", quote(spec.SessionName))
}

// quote leaves shell-safe tokens alone and single-quotes everything else.
func quote(s string) string {
	if s == "" {
		return "''"
	}
	for _, r := range s {
		if !isSafe(r) {
			return shellQuote(s)
		}
	}
	return s
}

func isSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("-_./:@%+=,", r)
}

// shellQuote quotes a string for safe use in shell commands.
func shellQuote(s string) string {
	// Use single quotes and escape any single quotes in the string
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}

// Quote quotes s for a POSIX shell when it needs it.
func Quote(s string) string {
	return quote(s)
}
