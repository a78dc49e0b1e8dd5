// Package sshtest provides an in-process SSH server and key helpers for tests.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// NewKey generates an ed25519 key and returns it PEM encoded with its signer.
func NewKey(tb testing.TB) ([]byte, ssh.Signer) {
	tb.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		tb.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		tb.Fatalf("marshal key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		tb.Fatalf("signer: %v", err)
	}
	return pem.EncodeToMemory(block), signer
}

// ExecFunc answers an exec request with output and an exit status.
type ExecFunc func(cmd string) (stdout, stderr string, status int)

// Server is a minimal SSH server that accepts one public key.
type Server struct {
	// Exec answers exec requests. Nil answers every command with status 0.
	Exec ExecFunc

	listener net.Listener
	config   *ssh.ServerConfig

	mu       sync.Mutex
	commands []string
	resizes  [][2]int
	shells   int
	input    bytes.Buffer
	conns    []net.Conn
}

// NewServer starts a server on a loopback port that trusts authorized.
// It is closed when the test ends.
func NewServer(tb testing.TB, authorized ssh.PublicKey, exec ExecFunc) *Server {
	tb.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		tb.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		tb.Fatalf("host signer: %v", err)
	}

	s := &Server{Exec: exec}
	s.config = &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unauthorized key")
		},
	}
	s.config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("listen: %v", err)
	}
	s.listener = ln

	go s.serve()
	tb.Cleanup(s.Close)
	return s
}

// Host returns the listen host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listen port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Commands returns the exec commands received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Resizes returns the window changes received so far as (rows, cols).
func (s *Server) Resizes() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.resizes...)
}

// Input returns everything written into shell channels so far.
func (s *Server) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.String()
}

// Shells returns the number of shell requests served.
func (s *Server) Shells() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shells
}

// DropConnections closes every accepted connection without a clean SSH shutdown.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// Close stops accepting and drops live connections.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
}

func (s *Server) serve() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, nc)
		s.mu.Unlock()
		go s.handleConn(nc)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, chReqs)
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			_ = req.Reply(true, nil)

		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				s.mu.Lock()
				s.resizes = append(s.resizes, [2]int{int(rows), int(cols)})
				s.mu.Unlock()
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.runExec(ch, payload.Command)
			return

		case "shell":
			_ = req.Reply(true, nil)
			s.mu.Lock()
			s.shells++
			s.mu.Unlock()
			go s.echo(ch)

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runExec(ch ssh.Channel, cmd string) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()

	var stdout, stderr string
	status := 0
	if s.Exec != nil {
		stdout, stderr, status = s.Exec(cmd)
	}
	_, _ = io.WriteString(ch, stdout)
	_, _ = io.WriteString(ch.Stderr(), stderr)
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
}

// echo copies shell input back as output until the client sends "exit\n"
// or closes its side.
func (s *Server) echo(ch ssh.Channel) {
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.input.Write(buf[:n])
			s.mu.Unlock()
			if _, werr := ch.Write(buf[:n]); werr != nil {
				return
			}
			if bytes.Contains(buf[:n], []byte("exit\n")) {
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				ch.Close()
				return
			}
		}
		if err != nil {
			ch.Close()
			return
		}
	}
}
