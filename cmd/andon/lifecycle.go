package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pbeaucage/AFL-andon/internal/config"
	"github.com/pbeaucage/AFL-andon/internal/output"
	"github.com/pbeaucage/AFL-andon/internal/supervisor"
	"github.com/pbeaucage/AFL-andon/pkg/facts"
)

var startCmd = &cobra.Command{
	Use:   "start <server> [server...]",
	Short: "Start servers in detached screen sessions",
	Long: `Start each server's process in a detached, named screen session with
logging to ~/.afl/<session>.screenlog on the remote host.

Examples:
  andon start tiled
  andon start tiled robot --debug`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEach(args, func(ctx context.Context, a *app, name string) (supervisor.Outcome, error) {
			res, err := a.sup.Start(ctx, name)
			if err != nil {
				return 0, err
			}
			a.out.Result(res)
			return res.Outcome, nil
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <server> [server...]",
	Short: "Stop servers by quitting their screen sessions",
	Long: `Quit each server's screen session. Stopping a server whose session
does not exist succeeds.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEach(args, func(ctx context.Context, a *app, name string) (supervisor.Outcome, error) {
			res, err := a.sup.Stop(ctx, name)
			if err != nil {
				return 0, err
			}
			a.out.Result(res)
			return res.Outcome, nil
		})
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <server> [server...]",
	Short: "Stop then start servers",
	Long: `Stop each server and start it again. The start is skipped when the
stop command ran and failed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEach(args, func(ctx context.Context, a *app, name string) (supervisor.Outcome, error) {
			res, err := a.sup.Restart(ctx, name)
			if err != nil {
				return 0, err
			}
			a.out.Restart(res)
			return res.Outcome(), nil
		})
	},
}

// runEach applies op to every named server in order and exits with the worst
// outcome. Configuration errors are reported and counted as failures.
func runEach(names []string, op func(ctx context.Context, a *app, name string) (supervisor.Outcome, error)) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	tally := &output.Tally{StartTime: time.Now()}
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		outcome, err := op(ctx, a, name)
		if err != nil {
			a.out.Error("%v", err)
			tally.Add(supervisor.CommandFailed)
			continue
		}
		tally.Add(outcome)
	}

	if len(names) > 1 {
		a.out.Recap(tally)
	}
	if code := exitFor(tally); code != exitOK {
		os.Exit(code)
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status [server...]",
	Short: "Show whether servers are running",
	Long: `Check each server's screen sessions. Without arguments every active
server is checked, in parallel.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		names, err := a.targets(args)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		results := a.sup.StatusAll(ctx, names)
		a.out.Status(results)

		tally := &output.Tally{}
		for _, r := range results {
			tally.Add(r.Outcome)
		}
		if code := exitFor(tally); code != exitOK {
			os.Exit(code)
		}
		return nil
	},
}

var logLines int

var logCmd = &cobra.Command{
	Use:   "log <server>",
	Short: "Print the tail of a server's session log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		res, err := a.sup.TailLog(ctx, args[0], logLines)
		if err != nil {
			return err
		}
		a.out.Log(res)

		tally := &output.Tally{}
		tally.Add(res.Outcome)
		if code := exitFor(tally); code != exitOK {
			os.Exit(code)
		}
		return nil
	},
}

func init() {
	logCmd.Flags().IntVarP(&logLines, "lines", "n", 0, "Number of lines (default 200)")
}

var doctorCmd = &cobra.Command{
	Use:   "doctor [server...]",
	Short: "Check that hosts can run their servers",
	Long: `Connect to each server's host and check screen, the launch shell, the
interpreter, and the log directory. Without arguments every active server is
checked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		names, err := a.targets(args)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		tally := &output.Tally{StartTime: time.Now()}
		for _, name := range names {
			spec, ok := a.store.Get(name)
			if !ok {
				a.out.Error("%v", config.NewError(config.UnknownServer, name, ""))
				tally.Add(supervisor.CommandFailed)
				continue
			}

			a.out.Section(name)
			f, res, err := facts.Gather(ctx, a.sup, name, spec, a.builder.LogDir)
			if err != nil {
				a.out.Error("%v", err)
				tally.Add(supervisor.CommandFailed)
				continue
			}
			if f == nil {
				a.out.Result(res)
				tally.Add(res.Outcome)
				continue
			}

			a.out.Info("%s %s (%s) as %s", f.OSName, f.Arch, f.Hostname, f.User)
			if f.ScreenVersion != "" {
				a.out.Debug("%s", f.ScreenVersion)
			}

			outcome := supervisor.OK
			for _, c := range facts.Checks(f, spec) {
				a.out.Check(c.Name, c.OK, c.Detail)
				if !c.OK {
					outcome = supervisor.CommandFailed
				}
			}
			tally.Add(outcome)
		}

		a.out.Recap(tally)
		if code := exitFor(tally); code != exitOK {
			os.Exit(code)
		}
		return nil
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe [server...]",
	Short: "Check servers' own HTTP APIs",
	Long: `Request /get_server_time from each server's HTTP port. Without arguments
every active server is probed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		names, err := a.targets(args)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		down := false
		for _, name := range names {
			spec, ok := a.store.Get(name)
			if !ok {
				a.out.Error("%v", config.NewError(config.UnknownServer, name, ""))
				down = true
				continue
			}
			port := spec.HTTPPort
			if port == 0 {
				port = config.DefaultHTTPPort
			}
			r := a.prober.Probe(ctx, spec.Host, port)
			a.out.Probe(name, r)
			if !r.Reachable {
				down = true
			}
		}

		if down {
			os.Exit(exitFailed)
		}
		return nil
	},
}
