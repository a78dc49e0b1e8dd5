// Package main is the entrypoint for the andon CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/pbeaucage/AFL-andon/internal/command"
	"github.com/pbeaucage/AFL-andon/internal/config"
	"github.com/pbeaucage/AFL-andon/internal/connector"
	"github.com/pbeaucage/AFL-andon/internal/connector/docker"
	"github.com/pbeaucage/AFL-andon/internal/connector/local"
	sshconn "github.com/pbeaucage/AFL-andon/internal/connector/ssh"
	"github.com/pbeaucage/AFL-andon/internal/credential"
	"github.com/pbeaucage/AFL-andon/internal/output"
	"github.com/pbeaucage/AFL-andon/internal/probe"
	"github.com/pbeaucage/AFL-andon/internal/relay"
	"github.com/pbeaucage/AFL-andon/internal/resolver"
	"github.com/pbeaucage/AFL-andon/internal/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes. A run that touched several servers exits with the worst one.
const (
	exitOK          = 0
	exitFailed      = 1
	exitUnreachable = 2
)

// Global flags
var (
	configPath string
	keyPath    string
	username   string
	knownHosts string
	timeout    time.Duration
	debug      bool
	noColor    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitFailed)
	}
}

var rootCmd = &cobra.Command{
	Use:   "andon",
	Short: "Andon - agentless remote process supervisor",
	Long: `Andon starts, stops, and watches long-running server processes on
remote hosts. Each process runs inside a named, logging screen session
reached over SSH; nothing needs to be installed on the host besides screen.

Servers are declared in a launcher file (~/.afl/launchers.json by default).`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			log.SetLevel(log.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "Launcher file (env "+config.EnvConfigPath+")")
	rootCmd.PersistentFlags().StringVarP(&keyPath, "ssh-key", "k", config.DefaultKeyPath(), "Private key used for SSH (env "+config.EnvKeyPath+")")
	rootCmd.PersistentFlags().StringVarP(&username, "user", "u", config.DefaultUsername(), "Login user for servers without one (env "+config.EnvUsername+")")
	rootCmd.PersistentFlags().StringVar(&knownHosts, "known-hosts", "", "Verify host keys against this known_hosts file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", connector.DefaultTimeout, "Connect and authenticate timeout")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output with commands and remote output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd)
	rootCmd.AddCommand(statusCmd, logCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(doctorCmd, probeCmd)
	rootCmd.AddCommand(serverCmd, importConfigCmd, importKeyCmd)
	rootCmd.AddCommand(serveCmd)
}

// app holds everything a command needs, wired from the global flags.
type app struct {
	store   *config.Store
	creds   *credential.Store
	builder *command.Builder
	sup     *supervisor.Supervisor
	relay   *relay.Relay
	prober  *probe.Prober
	out     *output.Output
}

func newApp() (*app, error) {
	store := config.NewStore(configPath)
	if err := store.Load(); err != nil {
		return nil, err
	}

	// A missing key is reported per server when an SSH operation needs it.
	creds := credential.NewStore(keyPath)
	if _, err := creds.Load(); err != nil {
		log.Debug("No private key loaded", "path", keyPath, "error", err)
	}

	opts := []sshconn.Option{sshconn.WithTimeout(timeout)}
	if knownHosts != "" {
		cb, err := sshconn.KnownHosts(knownHosts)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sshconn.WithHostKeyCallback(cb))
	}
	ssh := sshconn.New(opts...)

	builder := command.New()
	res := resolver.New(store, creds, username)

	sup := supervisor.New(res,
		supervisor.WithBuilder(builder),
		supervisor.WithTransport(config.ConnectionSSH, ssh),
		supervisor.WithTransport(config.ConnectionLocal, local.New()),
		supervisor.WithTransport(config.ConnectionDocker, docker.New()),
	)

	out := output.New(os.Stdout)
	out.SetColor(!noColor)
	out.SetDebug(debug)

	return &app{
		store:   store,
		creds:   creds,
		builder: builder,
		sup:     sup,
		relay: relay.New(res, ssh, relay.WithBuilder(builder), relay.OnClose(func(s *relay.Session) {
			log.Debug("Session closed", "server", s.Name(), "session", s.ID(), "duration", time.Since(s.StartedAt()))
		})),
		prober: probe.New(probe.WithTimeout(probe.DefaultTimeout)),
		out:    out,
	}, nil
}

// targets returns args, or the active servers when args is empty.
func (a *app) targets(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	names := a.store.ActiveNames()
	if len(names) == 0 {
		return nil, errors.New("no server names given and no active servers configured")
	}
	return names, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// exitFor maps a tally to the process exit code.
func exitFor(t *output.Tally) int {
	switch {
	case t.Unreachable > 0:
		return exitUnreachable
	case t.Failed > 0:
		return exitFailed
	default:
		return exitOK
	}
}

// listCmd prints the configured servers
var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List configured servers",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		a.out.Servers(a.store.List())
		return nil
	},
}
