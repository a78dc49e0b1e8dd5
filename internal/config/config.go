// Package config defines managed server records and the file-backed store that holds them.
package config

import (
	"errors"
	"fmt"
)

// Connection kinds a server may be reached through.
const (
	ConnectionSSH    = "ssh"
	ConnectionLocal  = "local"
	ConnectionDocker = "docker"
)

// Defaults applied to records on load.
const (
	DefaultSSHPort  = 22
	DefaultHTTPPort = 5000
	DefaultShell    = "bash"
)

// LaunchKind describes how a server's process is started.
type LaunchKind int

const (
	// LaunchNone means neither a script nor a module is configured.
	LaunchNone LaunchKind = iota
	// LaunchScript runs a script path or command line directly.
	LaunchScript
	// LaunchModule runs an interpreter module, optionally after activating an environment.
	LaunchModule
)

func (k LaunchKind) String() string {
	switch k {
	case LaunchScript:
		return "script"
	case LaunchModule:
		return "module"
	default:
		return "none"
	}
}

// ServerSpec is the declarative record for one managed server.
type ServerSpec struct {
	// Host is the SSH host (or container name for docker connections).
	Host string `yaml:"host" json:"host"`

	// Username is the remote login user.
	Username string `yaml:"username,omitempty" json:"username,omitempty"`

	// Port is the SSH port (default: 22).
	Port int `yaml:"port,omitempty" json:"port,omitempty"`

	// SessionName names the remote screen session.
	SessionName string `yaml:"screen_name" json:"screen_name"`

	// Script is the command line started inside the session.
	Script string `yaml:"server_script,omitempty" json:"server_script,omitempty"`

	// Module is the interpreter module started inside the session.
	Module string `yaml:"module,omitempty" json:"module,omitempty"`

	// Environment is the environment activated before running Module.
	Environment string `yaml:"environment,omitempty" json:"environment,omitempty"`

	// Interpreter runs Module (default: python).
	Interpreter string `yaml:"interpreter,omitempty" json:"interpreter,omitempty"`

	// Activate is the command that activates Environment (default: conda activate).
	Activate string `yaml:"activate,omitempty" json:"activate,omitempty"`

	// Shell runs Module launches (default: bash).
	Shell string `yaml:"shell,omitempty" json:"shell,omitempty"`

	// Active marks the server as a supervision target.
	Active bool `yaml:"active" json:"active"`

	// HTTPPort is the port of the process's own HTTP API.
	HTTPPort int `yaml:"httpPort,omitempty" json:"httpPort,omitempty"`

	// Connection selects the transport (ssh, local, docker).
	Connection string `yaml:"connection,omitempty" json:"connection,omitempty"`
}

// LaunchKind reports which launch target is configured.
// It returns LaunchNone when neither or both are set.
func (s ServerSpec) LaunchKind() LaunchKind {
	switch {
	case s.Script != "" && s.Module == "":
		return LaunchScript
	case s.Module != "" && s.Script == "":
		return LaunchModule
	default:
		return LaunchNone
	}
}

// GetConnection returns the connection kind, defaulting to "ssh".
func (s ServerSpec) GetConnection() string {
	if s.Connection == "" {
		return ConnectionSSH
	}
	return s.Connection
}

// GetPort returns the SSH port, defaulting to 22.
func (s ServerSpec) GetPort() int {
	if s.Port <= 0 {
		return DefaultSSHPort
	}
	return s.Port
}

// GetShell returns the shell, defaulting to bash.
func (s ServerSpec) GetShell() string {
	if s.Shell == "" {
		return DefaultShell
	}
	return s.Shell
}

// applyDefaults fills in zero-valued fields.
func (s *ServerSpec) applyDefaults() {
	if s.HTTPPort == 0 {
		s.HTTPPort = DefaultHTTPPort
	}
	if s.Shell == "" {
		s.Shell = DefaultShell
	}
	if s.Port == 0 {
		s.Port = DefaultSSHPort
	}
}

// Validate checks the fields that must be usable at load time.
// A missing launch target is reported at start time instead.
func (s ServerSpec) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("missing required 'host' field")
	}
	if s.SessionName == "" {
		return fmt.Errorf("missing required 'screen_name' field")
	}

	switch s.GetConnection() {
	case ConnectionSSH, ConnectionLocal, ConnectionDocker:
	default:
		return fmt.Errorf("invalid connection type: %s (must be ssh, local, or docker)", s.Connection)
	}

	return nil
}

// Patch is a partial server record. Active is applied only when set.
type Patch struct {
	ServerSpec
	Active *bool `json:"active,omitempty"`
}

// Spec returns the record described by the patch, inactive unless Active is set.
func (p Patch) Spec() ServerSpec {
	spec := p.ServerSpec
	spec.Active = p.Active != nil && *p.Active
	return spec
}

// merge overlays the non-zero fields of p onto s.
func (s ServerSpec) merge(p Patch) ServerSpec {
	u := p.ServerSpec
	if u.Host != "" {
		s.Host = u.Host
	}
	if u.Username != "" {
		s.Username = u.Username
	}
	if u.Port != 0 {
		s.Port = u.Port
	}
	if u.SessionName != "" {
		s.SessionName = u.SessionName
	}
	if u.Script != "" {
		s.Script = u.Script
		s.Module = ""
	}
	if u.Module != "" {
		s.Module = u.Module
		s.Script = ""
	}
	if u.Environment != "" {
		s.Environment = u.Environment
	}
	if u.Interpreter != "" {
		s.Interpreter = u.Interpreter
	}
	if u.Activate != "" {
		s.Activate = u.Activate
	}
	if u.Shell != "" {
		s.Shell = u.Shell
	}
	if u.HTTPPort != 0 {
		s.HTTPPort = u.HTTPPort
	}
	if u.Connection != "" {
		s.Connection = u.Connection
	}
	if p.Active != nil {
		s.Active = *p.Active
	}
	return s
}

// ErrorKind classifies configuration errors.
type ErrorKind int

const (
	// UnknownServer means no record exists for the name.
	UnknownServer ErrorKind = iota + 1
	// NoLaunchTarget means the record has no usable script or module.
	NoLaunchTarget
	// MissingCredential means no private key has been loaded.
	MissingCredential
)

func (k ErrorKind) String() string {
	switch k {
	case UnknownServer:
		return "unknown server"
	case NoLaunchTarget:
		return "no launch target"
	case MissingCredential:
		return "missing credential"
	default:
		return "config error"
	}
}

// Sentinels for errors.Is.
var (
	ErrUnknownServer     = &Error{Kind: UnknownServer}
	ErrNoLaunchTarget    = &Error{Kind: NoLaunchTarget}
	ErrMissingCredential = &Error{Kind: MissingCredential}
)

// Error is a configuration error raised before any network attempt.
type Error struct {
	Kind   ErrorKind
	Server string
	Detail string
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Server != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Server)
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates a configuration error for a server.
func NewError(kind ErrorKind, server, detail string) *Error {
	return &Error{Kind: kind, Server: server, Detail: detail}
}
