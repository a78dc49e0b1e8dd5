package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbeaucage/AFL-andon/internal/config"
	"github.com/pbeaucage/AFL-andon/internal/connector"
	connssh "github.com/pbeaucage/AFL-andon/internal/connector/ssh"
	"github.com/pbeaucage/AFL-andon/internal/credential"
	"github.com/pbeaucage/AFL-andon/internal/resolver"
	"github.com/pbeaucage/AFL-andon/internal/sshtest"
)

// fakeShell is an in-memory shell. Remote output is fed through remote.
type fakeShell struct {
	out    *io.PipeReader
	remote *io.PipeWriter

	mu      sync.Mutex
	input   bytes.Buffer
	resizes [][2]int
	closes  int
}

func newFakeShell() *fakeShell {
	r, w := io.Pipe()
	return &fakeShell{out: r, remote: w}
}

func (f *fakeShell) Read(p []byte) (int, error) { return f.out.Read(p) }

func (f *fakeShell) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input.Write(p)
}

func (f *fakeShell) Resize(rows, cols int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]int{rows, cols})
	return nil
}

func (f *fakeShell) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return f.out.CloseWithError(io.ErrClosedPipe)
}

func (f *fakeShell) Input() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input.String()
}

type fakeOpener struct {
	mu     sync.Mutex
	opens  int
	shells []*fakeShell
	err    error
	gate   chan struct{}
}

func (o *fakeOpener) OpenShell(ctx context.Context, _ connector.Target, _ *credential.Credential, size connector.WindowSize) (connector.Shell, error) {
	if o.gate != nil {
		select {
		case <-o.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.err != nil {
		return nil, o.err
	}
	sh := newFakeShell()
	o.shells = append(o.shells, sh)
	return sh, nil
}

func (o *fakeOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

type mapServers map[string]config.ServerSpec

func (m mapServers) Get(name string) (config.ServerSpec, bool) {
	s, ok := m[name]
	return s, ok
}

type fixedCreds struct{ cred *credential.Credential }

func (f fixedCreds) Current() (*credential.Credential, error) {
	if f.cred == nil {
		return nil, errors.New("no key")
	}
	return f.cred, nil
}

var servers = mapServers{
	"alpha-server": {Host: "alpha.example.com", SessionName: "alpha", Script: "/bin/run.sh"},
	"beta-server":  {Host: "beta.example.com", SessionName: "beta", Script: "/bin/run.sh"},
}

func newRelay(t *testing.T, opener connector.ShellOpener, opts ...Option) *Relay {
	t.Helper()
	pemBytes, _ := sshtest.NewKey(t)
	cred, err := credential.Parse("id_test", pemBytes)
	require.NoError(t, err)
	return New(resolver.New(servers, fixedCreds{cred}, "afl"), opener, opts...)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestAttachJoinsSession(t *testing.T) {
	opener := &fakeOpener{}
	r := newRelay(t, opener)

	s, err := r.Attach(context.Background(), "alpha-server", connector.WindowSize{Rows: 30, Cols: 100})
	require.NoError(t, err)
	defer s.Detach()

	assert.Equal(t, "alpha-server", s.Name())
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, "screen -x alpha\n", opener.shells[0].Input())
	assert.Equal(t, []string{"alpha-server"}, r.Names())

	got, ok := r.Lookup("alpha-server")
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestAttachTwice(t *testing.T) {
	opener := &fakeOpener{}
	r := newRelay(t, opener)
	ctx := context.Background()

	s, err := r.Attach(ctx, "alpha-server", connector.WindowSize{})
	require.NoError(t, err)
	defer s.Detach()

	_, err = r.Attach(ctx, "alpha-server", connector.WindowSize{})
	assert.ErrorIs(t, err, ErrAlreadyAttached)
	assert.Equal(t, 1, opener.Opens())

	other, err := r.Attach(ctx, "beta-server", connector.WindowSize{})
	require.NoError(t, err)
	defer other.Detach()
	assert.NotEqual(t, s.ID(), other.ID())
}

func TestAttachReservesBeforeNetwork(t *testing.T) {
	opener := &fakeOpener{gate: make(chan struct{})}
	r := newRelay(t, opener)

	first := make(chan error, 1)
	go func() {
		s, err := r.Attach(context.Background(), "alpha-server", connector.WindowSize{})
		if err == nil {
			defer s.Detach()
		}
		first <- err
	}()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, reserved := r.sessions["alpha-server"]
		return reserved
	}, time.Second, time.Millisecond)

	_, err := r.Attach(context.Background(), "alpha-server", connector.WindowSize{})
	assert.ErrorIs(t, err, ErrAlreadyAttached)

	_, ok := r.Lookup("alpha-server")
	assert.False(t, ok, "an attach in progress is not a live session")

	close(opener.gate)
	require.NoError(t, <-first)
	assert.Equal(t, 1, opener.Opens())
}

func TestAttachFailureReleasesName(t *testing.T) {
	opener := &fakeOpener{err: errors.New("connection refused")}
	r := newRelay(t, opener)
	ctx := context.Background()

	_, err := r.Attach(ctx, "alpha-server", connector.WindowSize{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyAttached)

	_, err = r.Attach(ctx, "missing", connector.WindowSize{})
	assert.ErrorIs(t, err, config.ErrUnknownServer)

	opener.mu.Lock()
	opener.err = nil
	opener.mu.Unlock()

	s, err := r.Attach(ctx, "alpha-server", connector.WindowSize{})
	require.NoError(t, err)
	s.Detach()
	assert.Empty(t, r.Names())
}

func TestDetachTwiceNotifiesOnce(t *testing.T) {
	var closes atomic.Int32
	opener := &fakeOpener{}
	r := newRelay(t, opener, OnClose(func(*Session) { closes.Add(1) }))

	s, err := r.Attach(context.Background(), "alpha-server", connector.WindowSize{})
	require.NoError(t, err)

	s.Detach()
	s.Detach()
	r.Detach("alpha-server")

	waitDone(t, s)
	assert.Equal(t, int32(1), closes.Load())
	assert.Equal(t, 1, opener.shells[0].closes)
	assert.NoError(t, s.Err())
	assert.Empty(t, r.Names(), "teardown unregisters synchronously")

	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Resize(10, 10), ErrSessionClosed)
	assert.ErrorIs(t, r.Write("alpha-server", []byte("x")), ErrNotAttached)
	assert.ErrorIs(t, r.Resize("alpha-server", 10, 10), ErrNotAttached)

	// Output is closed once the pump exits.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-s.Output():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRemoteEOFClosesSession(t *testing.T) {
	var closed []*Session
	var mu sync.Mutex
	opener := &fakeOpener{}
	r := newRelay(t, opener, OnClose(func(s *Session) {
		mu.Lock()
		closed = append(closed, s)
		mu.Unlock()
	}))

	s, err := r.Attach(context.Background(), "alpha-server", connector.WindowSize{})
	require.NoError(t, err)

	sh := opener.shells[0]
	go func() {
		_, _ = sh.remote.Write([]byte("[screen is terminating]\r\n"))
		_ = sh.remote.Close()
	}()

	var out bytes.Buffer
	for chunk := range s.Output() {
		out.Write(chunk)
	}
	waitDone(t, s)

	assert.Equal(t, "[screen is terminating]\r\n", out.String())
	assert.NoError(t, s.Err())
	assert.Empty(t, r.Names())

	s.Detach()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, closed, 1)
	assert.Same(t, s, closed[0])
}

func TestTransportErrorClosesSession(t *testing.T) {
	opener := &fakeOpener{}
	r := newRelay(t, opener)

	s, err := r.Attach(context.Background(), "alpha-server", connector.WindowSize{})
	require.NoError(t, err)

	reset := errors.New("connection reset by peer")
	_ = opener.shells[0].remote.CloseWithError(reset)

	waitDone(t, s)
	assert.ErrorIs(t, s.Err(), reset)
	_, ok := r.Lookup("alpha-server")
	assert.False(t, ok)
}

func TestOutputOrderPreserved(t *testing.T) {
	opener := &fakeOpener{}
	r := newRelay(t, opener, WithOutputBuffer(0))

	s, err := r.Attach(context.Background(), "alpha-server", connector.WindowSize{})
	require.NoError(t, err)
	defer s.Detach()

	sh := opener.shells[0]
	var want strings.Builder
	go func() {
		for i := 0; i < 50; i++ {
			chunk := []byte{byte('a' + i%26)}
			_, _ = sh.remote.Write(chunk)
		}
	}()
	for i := 0; i < 50; i++ {
		want.WriteByte(byte('a' + i%26))
	}

	var got bytes.Buffer
	for got.Len() < 50 {
		select {
		case chunk := <-s.Output():
			got.Write(chunk)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %q", got.String())
		}
	}
	assert.Equal(t, want.String(), got.String())
}

func TestWriteOrderAndResize(t *testing.T) {
	opener := &fakeOpener{}
	r := newRelay(t, opener)

	s, err := r.Attach(context.Background(), "alpha-server", connector.WindowSize{})
	require.NoError(t, err)
	defer s.Detach()

	for _, p := range []string{"l", "s", "\r", "\x01d"} {
		_, err := s.Write([]byte(p))
		require.NoError(t, err)
	}
	require.NoError(t, r.Write("alpha-server", []byte("!")))

	assert.Equal(t, "screen -x alpha\nls\r\x01d!", opener.shells[0].Input())

	require.NoError(t, s.Resize(40, 120))
	require.NoError(t, r.Resize("alpha-server", 50, 132))
	assert.Error(t, s.Resize(0, 80))
	assert.Equal(t, [][2]int{{40, 120}, {50, 132}}, opener.shells[0].resizes)
}

func TestDetachAll(t *testing.T) {
	r := newRelay(t, &fakeOpener{})
	ctx := context.Background()

	a, err := r.Attach(ctx, "alpha-server", connector.WindowSize{})
	require.NoError(t, err)
	b, err := r.Attach(ctx, "beta-server", connector.WindowSize{})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha-server", "beta-server"}, r.Names())

	r.DetachAll()
	waitDone(t, a)
	waitDone(t, b)
	assert.Empty(t, r.Names())
}

func TestAttachOverSSH(t *testing.T) {
	pemBytes, signer := sshtest.NewKey(t)
	cred, err := credential.Parse("id_test", pemBytes)
	require.NoError(t, err)
	srv := sshtest.NewServer(t, signer.PublicKey(), nil)

	spec := config.ServerSpec{Host: srv.Host(), Port: srv.Port(), SessionName: "alpha", Script: "/bin/run.sh"}
	res := resolver.New(mapServers{"alpha-server": spec}, fixedCreds{cred}, "afl")
	r := New(res, connssh.New(connssh.WithTimeout(2*time.Second)))

	s, err := r.Attach(context.Background(), "alpha-server", connector.WindowSize{Rows: 24, Cols: 80})
	require.NoError(t, err)

	require.NoError(t, s.Resize(33, 99))
	require.Eventually(t, func() bool {
		for _, rc := range srv.Resizes() {
			if rc == [2]int{33, 99} {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	_, err = s.Write([]byte("exit\n"))
	require.NoError(t, err)

	var out bytes.Buffer
	for chunk := range s.Output() {
		out.Write(chunk)
	}
	waitDone(t, s)

	assert.Contains(t, out.String(), "screen -x alpha")
	assert.Contains(t, srv.Input(), "screen -x alpha\n")
	assert.Equal(t, 1, srv.Shells())
	assert.Empty(t, r.Names())
}
