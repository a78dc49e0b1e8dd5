package resolver

import (
	"errors"
	"testing"

	"github.com/pbeaucage/AFL-andon/internal/config"
	"github.com/pbeaucage/AFL-andon/internal/credential"
	"github.com/pbeaucage/AFL-andon/internal/sshtest"
)

type mapServers map[string]config.ServerSpec

func (m mapServers) Get(name string) (config.ServerSpec, bool) {
	s, ok := m[name]
	return s, ok
}

func loadedStore(t *testing.T) *credential.Store {
	t.Helper()
	pemBytes, _ := sshtest.NewKey(t)
	cred, err := credential.Parse("test-key", pemBytes)
	if err != nil {
		t.Fatal(err)
	}
	s := credential.NewStore("test-key")
	s.Set(cred)
	return s
}

func TestResolve(t *testing.T) {
	servers := mapServers{
		"alpha-server": {Host: "10.0.0.5", Username: "afl", SessionName: "alpha"},
		"beta-server":  {Host: "10.0.0.6", SessionName: "beta", Port: 2222},
		"local-server": {Host: "localhost", SessionName: "gamma", Connection: "local"},
	}
	r := New(servers, loadedStore(t), "operator")

	tests := []struct {
		name     string
		server   string
		wantUser string
		wantPort int
		wantCred bool
	}{
		{"explicit user", "alpha-server", "afl", 22, true},
		{"default user and custom port", "beta-server", "operator", 2222, true},
		{"local needs no credential", "local-server", "operator", 22, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(tt.server)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Target.User != tt.wantUser {
				t.Errorf("expected user %q, got %q", tt.wantUser, res.Target.User)
			}
			if res.Target.Port != tt.wantPort {
				t.Errorf("expected port %d, got %d", tt.wantPort, res.Target.Port)
			}
			if (res.Credential != nil) != tt.wantCred {
				t.Errorf("expected credential=%v, got %v", tt.wantCred, res.Credential != nil)
			}
		})
	}
}

func TestResolveUnknownServer(t *testing.T) {
	r := New(mapServers{}, loadedStore(t), "")
	_, err := r.Resolve("nope")
	if !errors.Is(err, config.ErrUnknownServer) {
		t.Errorf("expected unknown server error, got %v", err)
	}
}

func TestResolveMissingCredential(t *testing.T) {
	servers := mapServers{"alpha": {Host: "h", SessionName: "alpha"}}
	r := New(servers, credential.NewStore("/nonexistent"), "")
	_, err := r.Resolve("alpha")
	if !errors.Is(err, config.ErrMissingCredential) {
		t.Errorf("expected missing credential error, got %v", err)
	}
}

func TestResolveCapturesSnapshot(t *testing.T) {
	store := loadedStore(t)
	servers := mapServers{"alpha": {Host: "h", SessionName: "alpha"}}
	r := New(servers, store, "")

	res, err := r.Resolve("alpha")
	if err != nil {
		t.Fatal(err)
	}
	before := res.Credential.Fingerprint()

	pemBytes, _ := sshtest.NewKey(t)
	next, err := credential.Parse("next", pemBytes)
	if err != nil {
		t.Fatal(err)
	}
	store.Set(next)

	if res.Credential.Fingerprint() != before {
		t.Error("resolved credential changed after reload")
	}
	res2, _ := r.Resolve("alpha")
	if res2.Credential.Fingerprint() != next.Fingerprint() {
		t.Error("expected new resolution to see the reloaded key")
	}
}
