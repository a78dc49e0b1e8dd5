// Package output provides formatted terminal output for lifecycle operations.
package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pbeaucage/AFL-andon/internal/config"
	"github.com/pbeaucage/AFL-andon/internal/probe"
	"github.com/pbeaucage/AFL-andon/internal/supervisor"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Output handles formatted output.
type Output struct {
	w        io.Writer
	useColor bool
	debug    bool
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// Tally counts outcomes across several operations.
type Tally struct {
	OK          int
	Failed      int
	Unreachable int
	StartTime   time.Time
}

// Add records one outcome.
func (t *Tally) Add(o supervisor.Outcome) {
	switch o {
	case supervisor.OK:
		t.OK++
	case supervisor.CommandFailed:
		t.Failed++
	case supervisor.TransportDown:
		t.Unreachable++
	}
}

// outcomeStyle returns the indicator, color and label for an outcome.
// Unreachable and failed are always rendered differently.
func outcomeStyle(o supervisor.Outcome) (string, string, string) {
	switch o {
	case supervisor.OK:
		return "✓", colorGreen, "OK"
	case supervisor.CommandFailed:
		return "✗", colorRed, "FAILED"
	case supervisor.TransportDown:
		return "!", colorYellow, "UNREACHABLE"
	default:
		return "?", colorGray, o.String()
	}
}

// Result prints one operation result on a single line.
// Format: [indicator] op server LABEL (detail)
func (o *Output) Result(r *supervisor.Result) {
	indicator, c, label := outcomeStyle(r.Outcome)

	detail := ""
	switch r.Outcome {
	case supervisor.CommandFailed:
		detail = exitDetail(r)
	case supervisor.TransportDown:
		if r.Exec.Err != nil {
			detail = r.Exec.Err.Error()
		}
	}

	o.printf("  %s %s %s %s", o.color(c, indicator), o.color(colorGray, fmt.Sprintf("[%s]", r.Op)), r.Server, o.color(c, label))
	if detail != "" {
		o.printf(" %s", o.color(colorGray, "("+detail+")"))
	}
	o.printf("\n")

	if o.debug {
		o.printf("      %s %s\n", o.color(colorGray, "cmd:"), r.Command)
	}
	if r.Outcome == supervisor.CommandFailed || o.debug {
		o.block("output:", r.Exec.Output)
	}
}

// Restart prints both halves of a restart.
func (o *Output) Restart(r *supervisor.RestartResult) {
	o.Result(r.Stop)
	if r.Start == nil {
		o.printf("      %s\n", o.color(colorGray, "start skipped: stop failed"))
		return
	}
	o.Result(r.Start)
}

// Status prints one row per server.
func (o *Output) Status(results []*supervisor.StatusResult) {
	width := 0
	for _, r := range results {
		width = max(width, len(r.Server))
	}

	for _, r := range results {
		var indicator, c, label string
		switch {
		case r.Err != nil:
			indicator, c, label = "✗", colorRed, "ERROR"
		case !r.Reachable:
			indicator, c, label = "!", colorYellow, "UNREACHABLE"
		case r.Running:
			indicator, c, label = "●", colorGreen, "RUNNING"
		default:
			indicator, c, label = "○", colorGray, "STOPPED"
		}
		o.printf("  %s %-*s %s\n", o.color(c, indicator), width, r.Server, o.color(c, label))
		if r.Err != nil {
			o.printf("      %s\n", o.color(colorGray, r.Err.Error()))
		}
		if o.debug && r.Reachable {
			o.block("screen -ls:", r.Exec.Output)
		}
	}
}

// Log prints the log tail, or the failure when it could not be read.
func (o *Output) Log(r *supervisor.Result) {
	if r.Outcome != supervisor.OK {
		o.Result(r)
		return
	}
	o.printf("%s", r.Exec.Output)
	if r.Exec.Output != "" && !strings.HasSuffix(r.Exec.Output, "\n") {
		o.printf("\n")
	}
}

// Servers prints the configured servers.
func (o *Output) Servers(entries []config.Entry) {
	if len(entries) == 0 {
		o.printf("No servers configured.\n")
		return
	}

	nameW, hostW := len("NAME"), len("HOST")
	for _, e := range entries {
		nameW = max(nameW, len(e.Name))
		hostW = max(hostW, len(e.Spec.Host))
	}

	o.printf("  %s\n", o.color(colorBold, fmt.Sprintf("%-*s  %-*s  %-8s  %-7s  %s", nameW, "NAME", hostW, "HOST", "KIND", "ACTIVE", "SESSION")))
	for _, e := range entries {
		active := o.color(colorGray, fmt.Sprintf("%-7s", "no"))
		if e.Spec.Active {
			active = o.color(colorGreen, fmt.Sprintf("%-7s", "yes"))
		}
		o.printf("  %-*s  %-*s  %-8s  %s  %s\n",
			nameW, e.Name, hostW, e.Spec.Host, e.Spec.LaunchKind(), active, e.Spec.SessionName)
	}
}

// Probe prints an HTTP probe result.
func (o *Output) Probe(name string, r probe.Result) {
	if r.Reachable {
		o.printf("  %s %s %s %s\n", o.color(colorGreen, "✓"), name, o.color(colorGreen, "UP"),
			o.color(colorGray, fmt.Sprintf("(%s, %dms)", r.URL, r.Latency.Milliseconds())))
		return
	}
	o.printf("  %s %s %s %s\n", o.color(colorRed, "✗"), name, o.color(colorRed, "DOWN"),
		o.color(colorGray, fmt.Sprintf("(%s: %s)", r.URL, r.Error)))
}

// Check prints a diagnostic check line.
func (o *Output) Check(name string, ok bool, detail string) {
	indicator, c := "✓", colorGreen
	if !ok {
		indicator, c = "✗", colorRed
	}
	o.printf("  %s %s", o.color(c, indicator), name)
	if detail != "" {
		o.printf(" %s", o.color(colorGray, detail))
	}
	o.printf("\n")
}

// Recap prints totals for a batch of operations.
func (o *Output) Recap(t *Tally) {
	o.printf("\n%s ", o.color(colorBold, "RECAP"))

	ok := o.color(colorGreen, fmt.Sprintf("ok=%d", t.OK))
	failed := o.color(colorRed, fmt.Sprintf("failed=%d", t.Failed))
	unreachable := o.color(colorYellow, fmt.Sprintf("unreachable=%d", t.Unreachable))

	o.printf("%s %s %s", ok, failed, unreachable)
	if !t.StartTime.IsZero() {
		o.printf(" %s", o.color(colorGray, fmt.Sprintf("(%.2fs)", time.Since(t.StartTime).Seconds())))
	}
	o.printf("\n")
}

// Section prints a section header.
func (o *Output) Section(name string) {
	o.printf("\n%s\n", o.color(colorBold, name))
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

// block prints captured output indented under a label.
func (o *Output) block(label, s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	o.printf("      %s\n", o.color(colorGray, label))
	for _, line := range strings.Split(s, "\n") {
		o.printf("        %s\n", line)
	}
}

func exitDetail(r *supervisor.Result) string {
	switch {
	case r.Exec.ExitSignal != "":
		return "signal " + r.Exec.ExitSignal
	case r.Exec.ExitCode != nil:
		return fmt.Sprintf("exit %d", *r.Exec.ExitCode)
	default:
		return ""
	}
}

func (o *Output) printf(format string, args ...any) {
	fmt.Fprintf(o.w, format, args...)
}
