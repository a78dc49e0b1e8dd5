package ssh

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/pbeaucage/AFL-andon/internal/connector"
	"github.com/pbeaucage/AFL-andon/internal/credential"
	"github.com/pbeaucage/AFL-andon/internal/sshtest"
)

func newCredential(t *testing.T) *credential.Credential {
	t.Helper()
	pemBytes, _ := sshtest.NewKey(t)
	cred, err := credential.Parse("test", pemBytes)
	require.NoError(t, err)
	return cred
}

func targetFor(srv *sshtest.Server) connector.Target {
	return connector.Target{Host: srv.Host(), Port: srv.Port(), User: "afl", Connection: "ssh"}
}

func TestExec(t *testing.T) {
	cred := newCredential(t)
	srv := sshtest.NewServer(t, cred.Signer().PublicKey(), func(cmd string) (string, string, int) {
		switch cmd {
		case "screen -ls":
			return "There is a screen on:\n\t1234.alpha\t(Detached)\n", "", 1
		case "tail -n 200 log":
			return "line one\n", "tail: warning\n", 0
		}
		return "", "unknown command\n", 127
	})
	c := New(WithTimeout(2 * time.Second))
	ctx := context.Background()

	t.Run("zero exit", func(t *testing.T) {
		res := c.Exec(ctx, targetFor(srv), cred, "tail -n 200 log")
		require.True(t, res.Succeeded)
		assert.False(t, res.TransportDown)
		require.NotNil(t, res.ExitCode)
		assert.Equal(t, 0, *res.ExitCode)
		// Stream interleaving is unordered; only check containment.
		assert.Contains(t, res.Output, "line one")
		assert.Contains(t, res.Output, "tail: warning")
		assert.True(t, res.Exited())
	})

	t.Run("non-zero exit still succeeds", func(t *testing.T) {
		res := c.Exec(ctx, targetFor(srv), cred, "screen -ls")
		require.True(t, res.Succeeded)
		assert.False(t, res.TransportDown)
		require.NotNil(t, res.ExitCode)
		assert.Equal(t, 1, *res.ExitCode)
		assert.Contains(t, res.Output, "alpha")
		assert.False(t, res.Exited())
	})

	assert.Equal(t, []string{"tail -n 200 log", "screen -ls"}, srv.Commands())
}

func TestExecAuthFailure(t *testing.T) {
	trusted := newCredential(t)
	other := newCredential(t)
	srv := sshtest.NewServer(t, trusted.Signer().PublicKey(), nil)

	res := New(WithTimeout(2*time.Second)).Exec(context.Background(), targetFor(srv), other, "screen -ls")
	assert.False(t, res.Succeeded)
	assert.True(t, res.TransportDown)
	assert.Error(t, res.Err)
	assert.Empty(t, srv.Commands())
}

func TestExecNoCredential(t *testing.T) {
	res := New().Exec(context.Background(), connector.Target{Host: "127.0.0.1", Port: 1}, nil, "true")
	assert.True(t, res.TransportDown)
}

func TestExecConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	target := connector.Target{Host: "127.0.0.1", Port: addr.Port, User: "afl"}
	res := New(WithTimeout(time.Second)).Exec(context.Background(), target, newCredential(t), "true")
	assert.True(t, res.TransportDown)
	assert.False(t, res.Succeeded)
}

func TestExecHandshakeTimeout(t *testing.T) {
	// A listener that accepts but never speaks SSH.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { c.Close() })
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	target := connector.Target{Host: "127.0.0.1", Port: addr.Port, User: "afl"}

	start := time.Now()
	res := New(WithTimeout(300*time.Millisecond)).Exec(context.Background(), target, newCredential(t), "true")
	assert.True(t, res.TransportDown)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecContextCancelledDuringHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { c.Close() })
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	addr := ln.Addr().(*net.TCPAddr)
	target := connector.Target{Host: "127.0.0.1", Port: addr.Port, User: "afl"}
	res := New(WithTimeout(10*time.Second)).Exec(ctx, target, newCredential(t), "true")
	assert.True(t, res.TransportDown)
}

func TestInterrupted(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	live := context.Background()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want error
	}{
		{"clean exit after cancel", cancelled, nil, nil},
		{"exit status after cancel", cancelled, &ssh.ExitError{}, nil},
		{"cut short by cancel", cancelled, io.EOF, context.Canceled},
		{"connection lost", live, io.EOF, nil},
		{"clean exit", live, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, interrupted(tt.ctx, tt.err))
		})
	}
}

func TestOpenShell(t *testing.T) {
	cred := newCredential(t)
	srv := sshtest.NewServer(t, cred.Signer().PublicKey(), nil)
	c := New(WithTimeout(2 * time.Second))

	sh, err := c.OpenShell(context.Background(), targetFor(srv), cred, connector.WindowSize{Rows: 40, Cols: 120})
	require.NoError(t, err)
	defer sh.Close()

	_, err = sh.Write([]byte("hello\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := io.ReadAtLeast(sh, buf, len("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(buf[:n]))

	require.NoError(t, sh.Resize(50, 132))
	require.Eventually(t, func() bool {
		for _, r := range srv.Resizes() {
			if r == [2]int{50, 132} {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	_, err = sh.Write([]byte("exit\n"))
	require.NoError(t, err)
	rest, _ := io.ReadAll(sh)
	assert.True(t, strings.Contains(string(rest), "exit"))

	assert.NoError(t, sh.Close())
	assert.NoError(t, sh.Close(), "second close is a no-op")
}

func TestOpenShellAuthFailure(t *testing.T) {
	srv := sshtest.NewServer(t, newCredential(t).Signer().PublicKey(), nil)
	_, err := New(WithTimeout(2*time.Second)).OpenShell(context.Background(), targetFor(srv), newCredential(t), connector.WindowSize{})
	assert.Error(t, err)
}
