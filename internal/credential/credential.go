// Package credential holds the private key used to authenticate to managed hosts.
package credential

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pbeaucage/AFL-andon/internal/config"
)

// Credential is an immutable snapshot of loaded key material.
type Credential struct {
	path     string
	key      []byte
	signer   ssh.Signer
	loadedAt time.Time
}

// Parse builds a credential from raw private key bytes.
func Parse(path string, key []byte) (*Credential, error) {
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		if strings.Contains(err.Error(), "passphrase") {
			return nil, fmt.Errorf("encrypted private keys are not supported: %w", err)
		}
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &Credential{
		path:     path,
		key:      append([]byte(nil), key...),
		signer:   signer,
		loadedAt: time.Now(),
	}, nil
}

// Path returns the file the key was read from.
func (c *Credential) Path() string { return c.path }

// Key returns a copy of the raw key bytes.
func (c *Credential) Key() []byte { return append([]byte(nil), c.key...) }

// Signer returns the parsed signer.
func (c *Credential) Signer() ssh.Signer { return c.signer }

// LoadedAt returns when the snapshot was created.
func (c *Credential) LoadedAt() time.Time { return c.loadedAt }

// Fingerprint returns the SHA256 fingerprint of the public key.
func (c *Credential) Fingerprint() string {
	return ssh.FingerprintSHA256(c.signer.PublicKey())
}

// Store publishes the current credential snapshot.
// Loading swaps the whole snapshot; callers that already hold one keep it.
type Store struct {
	current atomic.Pointer[Credential]
	path    atomic.Pointer[string]
}

// NewStore creates a store with no key loaded.
func NewStore(path string) *Store {
	s := &Store{}
	s.path.Store(&path)
	return s
}

// Path returns the key file path the store loads from.
func (s *Store) Path() string {
	return *s.path.Load()
}

// SetPath changes the key file path. The current snapshot is kept until the next Load.
func (s *Store) SetPath(path string) {
	s.path.Store(&path)
}

// Load reads and parses the key file. On failure the previous snapshot stays current.
func (s *Store) Load() (*Credential, error) {
	path := s.Path()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", path, err)
	}

	cred, err := Parse(path, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	s.current.Store(cred)
	return cred, nil
}

// Reload is Load with the result discarded, for use as a watcher callback.
func (s *Store) Reload() error {
	_, err := s.Load()
	return err
}

// Set publishes an already parsed credential.
func (s *Store) Set(cred *Credential) {
	s.current.Store(cred)
}

// Current returns the current snapshot or a MissingCredential error.
func (s *Store) Current() (*Credential, error) {
	cred := s.current.Load()
	if cred == nil {
		return nil, config.NewError(config.MissingCredential, "", "no private key loaded from "+s.Path())
	}
	return cred, nil
}

// Import copies the key at src over the store's key file with mode 0600 and loads it.
func (s *Store) Import(src string) (*Credential, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", src, err)
	}
	if _, err := Parse(src, data); err != nil {
		return nil, fmt.Errorf("refusing to import %s: %w", src, err)
	}
	if err := config.CopyFile(src, s.Path(), 0o600); err != nil {
		return nil, err
	}
	return s.Load()
}
