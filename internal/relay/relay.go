// Package relay bridges a live interactive shell attached to a server's screen
// session to a local consumer.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/pbeaucage/AFL-andon/internal/command"
	"github.com/pbeaucage/AFL-andon/internal/connector"
	"github.com/pbeaucage/AFL-andon/internal/resolver"
)

var (
	// ErrAlreadyAttached is returned when a server already has a live session.
	ErrAlreadyAttached = errors.New("already attached")

	// ErrSessionClosed is returned for operations on a session that has ended.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotAttached is returned by name-keyed operations when no session is live.
	ErrNotAttached = errors.New("not attached")
)

// Resolver maps server names to targets and credential snapshots.
type Resolver interface {
	Resolve(name string) (*resolver.Resolution, error)
}

// Relay owns the registry of interactive sessions. At most one session per
// server name is live at a time.
type Relay struct {
	resolver Resolver
	opener   connector.ShellOpener
	builder  *command.Builder
	onClose  func(*Session)
	outBuf   int

	mu sync.Mutex
	// A nil value marks a name reserved by an attach in progress.
	sessions map[string]*Session
}

// Option configures the relay.
type Option func(*Relay)

// WithBuilder replaces the default command builder.
func WithBuilder(b *command.Builder) Option {
	return func(r *Relay) {
		r.builder = b
	}
}

// OnClose registers a hook called exactly once per session when it ends.
func OnClose(fn func(*Session)) Option {
	return func(r *Relay) {
		r.onClose = fn
	}
}

// WithOutputBuffer sets how many output chunks may queue for a slow consumer.
func WithOutputBuffer(n int) Option {
	return func(r *Relay) {
		if n >= 0 {
			r.outBuf = n
		}
	}
}

// New creates a relay.
func New(res Resolver, opener connector.ShellOpener, opts ...Option) *Relay {
	r := &Relay{
		resolver: res,
		opener:   opener,
		builder:  command.New(),
		outBuf:   64,
		sessions: make(map[string]*Session),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Attach opens an interactive shell on the server, joins its screen session
// and registers the result under name. A second attach for the same name
// fails with ErrAlreadyAttached before any network I/O.
func (r *Relay) Attach(ctx context.Context, name string, size connector.WindowSize) (*Session, error) {
	if err := r.reserve(name); err != nil {
		return nil, err
	}

	s, err := r.open(ctx, name, size)
	if err != nil {
		r.release(name)
		return nil, err
	}

	r.mu.Lock()
	r.sessions[name] = s
	r.mu.Unlock()

	go s.pump()

	log.Debug("Attached", "server", name, "session", s.id)
	return s, nil
}

func (r *Relay) open(ctx context.Context, name string, size connector.WindowSize) (*Session, error) {
	res, err := r.resolver.Resolve(name)
	if err != nil {
		return nil, err
	}

	sh, err := r.opener.OpenShell(ctx, res.Target, res.Credential, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open shell on %s: %w", res.Target, err)
	}

	join := r.builder.Join(res.Spec)
	if _, err := sh.Write([]byte(join + "\n")); err != nil {
		sh.Close()
		return nil, fmt.Errorf("failed to join session %s: %w", res.Spec.SessionName, err)
	}

	return newSession(r, name, sh, r.outBuf), nil
}

// reserve claims name in one step so that concurrent attaches cannot both win.
func (r *Relay) reserve(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.sessions[name]; taken {
		return fmt.Errorf("%s: %w", name, ErrAlreadyAttached)
	}
	r.sessions[name] = nil
	return nil
}

func (r *Relay) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[name]; ok && s == nil {
		delete(r.sessions, name)
	}
}

// unregister removes s if it is still the registered session for its name.
func (r *Relay) unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.name] == s {
		delete(r.sessions, s.name)
	}
}

// Lookup returns the live session for name.
func (r *Relay) Lookup(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[name]
	return s, s != nil
}

// Names returns the servers with live sessions, sorted.
func (r *Relay) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.sessions))
	for name, s := range r.sessions {
		if s != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Write sends keystrokes to the session attached to name.
func (r *Relay) Write(name string, p []byte) error {
	s, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotAttached)
	}
	_, err := s.Write(p)
	return err
}

// Resize forwards a window size change to the session attached to name.
func (r *Relay) Resize(name string, rows, cols int) error {
	s, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotAttached)
	}
	return s.Resize(rows, cols)
}

// Detach ends the session attached to name. Detaching a name with no live
// session is a no-op.
func (r *Relay) Detach(name string) {
	if s, ok := r.Lookup(name); ok {
		s.Detach()
	}
}

// DetachAll ends every live session.
func (r *Relay) DetachAll() {
	for _, name := range r.Names() {
		r.Detach(name)
	}
}
