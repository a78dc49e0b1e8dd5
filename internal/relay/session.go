package relay

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/pbeaucage/AFL-andon/internal/connector"
)

const readChunk = 32 * 1024

// Session is one live interactive shell joined to a screen session.
//
// Output is push-driven: chunks arrive on Output() in the order the remote
// sent them, and the channel is closed when the session ends. The session ends
// on Detach, when the remote side closes, or on a transport error, whichever
// comes first; Done is closed exactly once.
type Session struct {
	id        string
	name      string
	startedAt time.Time

	relay *Relay
	shell connector.Shell

	output chan []byte
	done   chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	writeMu   sync.Mutex

	mu  sync.Mutex
	err error
}

func newSession(r *Relay, name string, sh connector.Shell, buf int) *Session {
	return &Session{
		id:        uuid.NewString(),
		name:      name,
		startedAt: time.Now(),
		relay:     r,
		shell:     sh,
		output:    make(chan []byte, buf),
		done:      make(chan struct{}),
	}
}

// ID is unique per attach.
func (s *Session) ID() string { return s.id }

// Name is the server the session is attached to.
func (s *Session) Name() string { return s.name }

// StartedAt is when the attach completed.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Output delivers remote bytes.
func (s *Session) Output() <-chan []byte { return s.output }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the transport error that ended the session, or nil when it was
// detached or closed cleanly by the remote.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Write sends p to the remote shell. Writes are applied in call order.
func (s *Session) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return 0, ErrSessionClosed
	}

	n, err := s.shell.Write(p)
	if err != nil {
		if s.closed.Load() {
			return n, ErrSessionClosed
		}
		s.close(fmt.Errorf("write: %w", err))
		return n, fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return n, nil
}

// Resize forwards a window size change.
func (s *Session) Resize(rows, cols int) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("invalid window size %dx%d", rows, cols)
	}
	if err := s.shell.Resize(rows, cols); err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	return nil
}

// Detach ends the session. Calling it again is a no-op.
func (s *Session) Detach() {
	s.close(nil)
}

// close tears the session down once: no further writes, registry entry
// removed, then Done closed and the hook called.
func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.mu.Lock()
		s.err = err
		s.mu.Unlock()

		_ = s.shell.Close()
		s.relay.unregister(s)
		close(s.done)

		if err != nil {
			log.Debug("Session ended", "server", s.name, "session", s.id, "error", err)
		} else {
			log.Debug("Session ended", "server", s.name, "session", s.id)
		}

		if s.relay.onClose != nil {
			s.relay.onClose(s)
		}
	})
}

// pump forwards remote output until the shell stops producing it.
func (s *Session) pump() {
	defer close(s.output)

	buf := make([]byte, readChunk)
	for {
		n, err := s.shell.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.output <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || s.closed.Load() {
				s.close(nil)
			} else {
				s.close(err)
			}
			return
		}
	}
}
