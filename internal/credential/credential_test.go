package credential

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pbeaucage/AFL-andon/internal/config"
	"github.com/pbeaucage/AFL-andon/internal/sshtest"
)

func writeKey(t *testing.T, dir, name string) string {
	t.Helper()
	pemBytes, _ := sshtest.NewKey(t)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCurrentWithoutLoad(t *testing.T) {
	s := NewStore("/nonexistent/id_rsa")
	_, err := s.Current()
	if !errors.Is(err, config.ErrMissingCredential) {
		t.Errorf("expected missing credential error, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := writeKey(t, t.TempDir(), "id_ed25519")
	s := NewStore(path)

	cred, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cred.Path() != path {
		t.Errorf("expected path %q, got %q", path, cred.Path())
	}
	if cred.Fingerprint() == "" {
		t.Error("expected fingerprint")
	}

	cur, err := s.Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur != cred {
		t.Error("expected current to be the loaded snapshot")
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	path := writeKey(t, t.TempDir(), "id")
	s := NewStore(path)

	first, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Error("expected the same key after reloading an unchanged file")
	}
}

func TestReloadSwapsSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writeKey(t, dir, "id")
	s := NewStore(path)

	held, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	heldFP := held.Fingerprint()

	// Replace the key on disk and reload.
	other := writeKey(t, dir, "other")
	data, _ := os.ReadFile(other)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	cur, _ := s.Current()
	if cur.Fingerprint() == heldFP {
		t.Error("expected a new snapshot after reload")
	}
	if held.Fingerprint() != heldFP {
		t.Error("a held snapshot must not change")
	}
}

func TestFailedLoadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := writeKey(t, dir, "id")
	s := NewStore(path)
	prev, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); err == nil {
		t.Fatal("expected parse error")
	}
	cur, err := s.Current()
	if err != nil || cur != prev {
		t.Error("expected previous snapshot to remain current")
	}
}

func TestImport(t *testing.T) {
	dir := t.TempDir()
	src := writeKey(t, dir, "incoming")
	dst := filepath.Join(dir, "ssh", "id_rsa")

	s := NewStore(dst)
	if _, err := s.Import(src); err != nil {
		t.Fatalf("import: %v", err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %o", info.Mode().Perm())
	}
	if _, err := s.Current(); err != nil {
		t.Errorf("expected imported key to be current: %v", err)
	}
}
