package facts

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pbeaucage/AFL-andon/internal/config"
	"github.com/pbeaucage/AFL-andon/internal/connector"
	"github.com/pbeaucage/AFL-andon/internal/supervisor"
)

const linuxOutput = `os_type=Linux
arch=x86_64
kernel=6.1.0
hostname=alpha
user=afl
home=/home/afl
screen=/usr/bin/screen
screen_version=Screen version 4.09.00 (GNU) 30-Jan-22
shell=/bin/bash
interpreter=
log_dir_writable=yes
os_release.PRETTY_NAME="Ubuntu 22.04.3 LTS"
os_release.ID=ubuntu
os_release.VERSION_ID="22.04"
env.PATH=/usr/local/bin:/usr/bin:/bin
env.SHELL=/bin/bash
env.LANG=
env.TERM=
`

func TestParse(t *testing.T) {
	f := Parse(linuxOutput)

	tests := []struct {
		field string
		got   string
		want  string
	}{
		{"os_type", f.OSType, "Linux"},
		{"os_family", f.OSFamily, "Debian"},
		{"os_name", f.OSName, "Ubuntu 22.04.3 LTS"},
		{"distribution", f.Distribution, "ubuntu"},
		{"distribution_version", f.DistributionVersion, "22.04"},
		{"arch", f.Arch, "amd64"},
		{"hostname", f.Hostname, "alpha"},
		{"user", f.User, "afl"},
		{"home", f.Home, "/home/afl"},
		{"screen", f.Screen, "/usr/bin/screen"},
		{"shell", f.Shell, "/bin/bash"},
		{"interpreter", f.Interpreter, ""},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.field, tt.want, tt.got)
		}
	}

	if !f.LogDirWritable {
		t.Error("expected log dir writable")
	}
	if f.Env["PATH"] == "" || f.Env["SHELL"] != "/bin/bash" {
		t.Errorf("unexpected env %v", f.Env)
	}
	if _, ok := f.Env["LANG"]; ok {
		t.Error("empty env vars should be dropped")
	}
}

func TestParseDarwin(t *testing.T) {
	f := Parse("os_type=Darwin\narch=arm64\nos_version=14.2\nos_name=macOS\n")
	if f.OSFamily != "Darwin" || f.OSVersion != "14.2" || f.OSName != "macOS" || f.Arch != "arm64" {
		t.Errorf("unexpected facts %+v", f)
	}
}

func TestParseOSRelease(t *testing.T) {
	got := parseOSRelease("# comment\nID=alpine\nVERSION_ID='3.19'\n\n")
	if got["ID"] != "alpine" || got["VERSION_ID"] != "3.19" {
		t.Errorf("unexpected result %v", got)
	}
}

func TestScript(t *testing.T) {
	spec := config.ServerSpec{Module: "afl.server", Interpreter: "python3", Shell: "zsh"}
	s := Script(spec, "")

	for _, want := range []string{"command -v screen", "command -v zsh", "command -v python3", `"$HOME/.afl"`, "/etc/os-release"} {
		if !strings.Contains(s, want) {
			t.Errorf("expected script to contain %q, got %q", want, s)
		}
	}
}

func TestChecks(t *testing.T) {
	f := Parse(linuxOutput)

	tests := []struct {
		name       string
		spec       config.ServerSpec
		wantFailed []string
	}{
		{"script", config.ServerSpec{Script: "/bin/run.sh"}, nil},
		{"module without interpreter", config.ServerSpec{Module: "afl.server"}, []string{"interpreter python"}},
		{"no launch target", config.ServerSpec{}, []string{"launch target"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var failed []string
			for _, c := range Checks(f, tt.spec) {
				if !c.OK {
					failed = append(failed, c.Name)
				}
			}
			if strings.Join(failed, ",") != strings.Join(tt.wantFailed, ",") {
				t.Errorf("expected failed checks %v, got %v", tt.wantFailed, failed)
			}
		})
	}
}

type stubRunner struct {
	result *supervisor.Result
	err    error
	cmd    string
}

func (s *stubRunner) Exec(_ context.Context, _ string, cmd string) (*supervisor.Result, error) {
	s.cmd = cmd
	return s.result, s.err
}

func TestGather(t *testing.T) {
	spec := config.ServerSpec{Script: "/bin/run.sh"}

	t.Run("reachable", func(t *testing.T) {
		r := &stubRunner{result: &supervisor.Result{Outcome: supervisor.OK, Exec: connector.Completed(linuxOutput, 0)}}
		f, res, err := Gather(context.Background(), r, "alpha", spec, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f == nil || f.Hostname != "alpha" || res == nil {
			t.Fatalf("unexpected facts %+v", f)
		}
		if r.cmd != Script(spec, "") {
			t.Error("expected the facts script to be run")
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		r := &stubRunner{result: &supervisor.Result{Outcome: supervisor.TransportDown, Exec: connector.Down(errors.New("refused"))}}
		f, res, err := Gather(context.Background(), r, "alpha", spec, "")
		if err != nil || f != nil || res.Outcome != supervisor.TransportDown {
			t.Errorf("expected nil facts on transport down, got %+v %+v %v", f, res, err)
		}
	})

	t.Run("config error", func(t *testing.T) {
		r := &stubRunner{err: config.ErrUnknownServer}
		if _, _, err := Gather(context.Background(), r, "alpha", spec, ""); !errors.Is(err, config.ErrUnknownServer) {
			t.Errorf("expected unknown server, got %v", err)
		}
	})
}
