package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pbeaucage/AFL-andon/internal/config"
	"github.com/pbeaucage/AFL-andon/internal/connector"
	"github.com/pbeaucage/AFL-andon/internal/relay"
)

// detachKey is Ctrl-], the telnet escape.
const detachKey = 0x1d

var attachCmd = &cobra.Command{
	Use:   "attach <server>",
	Short: "Join a server's screen session interactively",
	Long: `Open an interactive shell on the server's host and join its screen
session. Terminal resizes are forwarded.

Press Ctrl-] to leave without touching the session. Screen's own detach
(Ctrl-A d) returns to the remote shell.`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func runAttach(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	name := args[0]

	ctx, cancel := signalContext()
	defer cancel()

	fd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(fd)

	size := connector.DefaultWindowSize
	if interactive {
		if cols, rows, err := term.GetSize(fd); err == nil {
			size = connector.WindowSize{Rows: rows, Cols: cols}
		}
	}

	sess, err := a.relay.Attach(ctx, name, size)
	if err != nil {
		if errors.Is(err, config.ErrUnknownServer) || errors.Is(err, config.ErrMissingCredential) || errors.Is(err, relay.ErrAlreadyAttached) {
			return err
		}
		a.out.Error("%s UNREACHABLE: %v", name, err)
		os.Exit(exitUnreachable)
	}

	if interactive {
		state, err := term.MakeRaw(fd)
		if err != nil {
			sess.Detach()
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer term.Restore(fd, state)
	}

	winch := make(chan os.Signal, 1)
	notifyResize(winch)
	defer stopResize(winch)

	go func() {
		for {
			select {
			case <-winch:
				if cols, rows, err := term.GetSize(fd); err == nil {
					_ = sess.Resize(rows, cols)
				}
			case <-sess.Done():
				return
			}
		}
	}()

	go forwardInput(sess)

	for chunk := range sess.Output() {
		if _, err := os.Stdout.Write(chunk); err != nil {
			sess.Detach()
		}
	}

	if interactive {
		fmt.Fprint(os.Stderr, "\r\n")
	}
	if err := sess.Err(); err != nil {
		return fmt.Errorf("session ended: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Detached from %s\n", name)
	return nil
}

// forwardInput copies stdin to the session until the detach key, EOF, or the
// session ends.
func forwardInput(sess *relay.Session) {
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			data := buf[:n]
			if i := bytes.IndexByte(data, detachKey); i >= 0 {
				if i > 0 {
					_, _ = sess.Write(data[:i])
				}
				sess.Detach()
				return
			}
			if _, werr := sess.Write(data); werr != nil {
				return
			}
		}
		if err != nil {
			sess.Detach()
			return
		}
	}
}
