// Package facts gathers host information a managed server depends on and
// checks it against the server's record.
package facts

import (
	"context"
	"fmt"
	"strings"

	"github.com/pbeaucage/AFL-andon/internal/command"
	"github.com/pbeaucage/AFL-andon/internal/config"
	"github.com/pbeaucage/AFL-andon/internal/supervisor"
)

// Runner executes a command against a named server.
type Runner interface {
	Exec(ctx context.Context, name, cmd string) (*supervisor.Result, error)
}

// Facts describes a target host.
type Facts struct {
	OSType              string            `json:"os_type,omitempty"`
	OSFamily            string            `json:"os_family,omitempty"`
	OSName              string            `json:"os_name,omitempty"`
	OSVersion           string            `json:"os_version,omitempty"`
	Distribution        string            `json:"distribution,omitempty"`
	DistributionVersion string            `json:"distribution_version,omitempty"`
	Arch                string            `json:"arch,omitempty"`
	Kernel              string            `json:"kernel,omitempty"`
	Hostname            string            `json:"hostname,omitempty"`
	User                string            `json:"user,omitempty"`
	Home                string            `json:"home,omitempty"`
	Screen              string            `json:"screen,omitempty"`
	ScreenVersion       string            `json:"screen_version,omitempty"`
	Shell               string            `json:"shell,omitempty"`
	Interpreter         string            `json:"interpreter,omitempty"`
	LogDirWritable      bool              `json:"log_dir_writable"`
	Env                 map[string]string `json:"env,omitempty"`
}

// envVars are reported in Facts.Env when set.
var envVars = []string{"PATH", "SHELL", "LANG", "TERM"}

// Script returns one shell command that prints key=value lines describing
// the host. Everything is gathered over a single connection.
func Script(spec config.ServerSpec, logDir string) string {
	interpreter := spec.Interpreter
	if interpreter == "" {
		interpreter = command.DefaultInterpreter
	}
	if logDir == "" {
		logDir = command.DefaultLogDir
	}

	lines := []string{
		`echo "os_type=$(uname -s)"`,
		`echo "arch=$(uname -m)"`,
		`echo "kernel=$(uname -r)"`,
		`echo "hostname=$(hostname)"`,
		`echo "user=$(id -un)"`,
		`echo "home=$HOME"`,
		`echo "screen=$(command -v screen)"`,
		`echo "screen_version=$(screen -v 2>/dev/null | head -n 1)"`,
		fmt.Sprintf(`echo "shell=$(command -v %s)"`, command.Quote(spec.GetShell())),
		fmt.Sprintf(`echo "interpreter=$(command -v %s)"`, command.Quote(interpreter)),
		fmt.Sprintf(`if [ -d "%s" ] && [ -w "%s" ]; then echo "log_dir_writable=yes"; fi`, logDir, logDir),
		`if command -v sw_vers >/dev/null 2>&1; then echo "os_version=$(sw_vers -productVersion)"; echo "os_name=$(sw_vers -productName)"; fi`,
		`if [ -r /etc/os-release ]; then sed 's/^/os_release./' /etc/os-release; fi`,
	}
	for _, v := range envVars {
		lines = append(lines, fmt.Sprintf(`echo "env.%s=$%s"`, v, v))
	}
	return strings.Join(lines, "; ")
}

// Parse reads the output of Script.
func Parse(output string) *Facts {
	f := &Facts{Env: make(map[string]string)}
	var osRelease strings.Builder

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if rest, ok := strings.CutPrefix(line, "os_release."); ok {
			osRelease.WriteString(rest)
			osRelease.WriteByte('\n')
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		if name, ok := strings.CutPrefix(key, "env."); ok {
			if value != "" {
				f.Env[name] = value
			}
			continue
		}

		switch key {
		case "os_type":
			f.OSType = value
		case "arch":
			f.Arch = normalizeArch(value)
		case "kernel":
			f.Kernel = value
		case "hostname":
			f.Hostname = value
		case "user":
			f.User = value
		case "home":
			f.Home = value
		case "screen":
			f.Screen = value
		case "screen_version":
			f.ScreenVersion = value
		case "shell":
			f.Shell = value
		case "interpreter":
			f.Interpreter = value
		case "log_dir_writable":
			f.LogDirWritable = value == "yes"
		case "os_version":
			f.OSVersion = value
		case "os_name":
			f.OSName = value
		}
	}

	switch f.OSType {
	case "Darwin":
		f.OSFamily = "Darwin"
	case "Linux":
		f.OSFamily = "Linux"
		applyOSRelease(f, parseOSRelease(osRelease.String()))
	}

	return f
}

func applyOSRelease(f *Facts, osRelease map[string]string) {
	if id, ok := osRelease["ID"]; ok {
		f.Distribution = id
	}
	if version, ok := osRelease["VERSION_ID"]; ok {
		f.DistributionVersion = version
	}
	if name, ok := osRelease["PRETTY_NAME"]; ok {
		f.OSName = name
	}

	switch f.Distribution {
	case "ubuntu", "debian", "linuxmint", "pop":
		f.OSFamily = "Debian"
	case "fedora", "rhel", "centos", "rocky", "almalinux":
		f.OSFamily = "RedHat"
	case "arch", "manjaro":
		f.OSFamily = "Arch"
	case "alpine":
		f.OSFamily = "Alpine"
	case "opensuse", "sles":
		f.OSFamily = "Suse"
	}
}

func normalizeArch(arch string) string {
	switch arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l":
		return "arm"
	default:
		return arch
	}
}

// parseOSRelease parses /etc/os-release format.
func parseOSRelease(content string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "="); idx > 0 {
			key := line[:idx]
			value := strings.Trim(line[idx+1:], "\"'")
			result[key] = value
		}
	}
	return result
}

// Gather runs Script on the named server. Facts is nil unless the host was
// reachable.
func Gather(ctx context.Context, r Runner, name string, spec config.ServerSpec, logDir string) (*Facts, *supervisor.Result, error) {
	res, err := r.Exec(ctx, name, Script(spec, logDir))
	if err != nil {
		return nil, nil, err
	}
	if res.Outcome == supervisor.TransportDown {
		return nil, res, nil
	}
	return Parse(res.Exec.Output), res, nil
}

// Check is one item of the remote contract.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Checks compares the host against what spec needs to start and be observed.
func Checks(f *Facts, spec config.ServerSpec) []Check {
	found := func(name, path string) Check {
		if path == "" {
			return Check{Name: name, Detail: "not found on PATH"}
		}
		return Check{Name: name, OK: true, Detail: path}
	}

	checks := []Check{
		found("screen", f.Screen),
		found("shell "+spec.GetShell(), f.Shell),
	}

	logDir := Check{Name: "log directory", OK: f.LogDirWritable}
	if !f.LogDirWritable {
		logDir.Detail = "missing or not writable"
	}
	checks = append(checks, logDir)

	switch spec.LaunchKind() {
	case config.LaunchModule:
		interpreter := spec.Interpreter
		if interpreter == "" {
			interpreter = command.DefaultInterpreter
		}
		checks = append(checks, found("interpreter "+interpreter, f.Interpreter))
	case config.LaunchNone:
		checks = append(checks, Check{Name: "launch target", Detail: "set exactly one of server_script or module"})
	}

	return checks
}
