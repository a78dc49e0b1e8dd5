package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Entry pairs a server name with its record.
type Entry struct {
	Name string     `json:"name"`
	Spec ServerSpec `json:"spec"`
}

// Store holds the server records loaded from a launcher file.
// Readers get copies; every mutation replaces the whole map.
type Store struct {
	mu      sync.RWMutex
	path    string
	servers map[string]ServerSpec
}

// NewStore creates an empty store bound to path. Call Load to read it.
func NewStore(path string) *Store {
	return &Store{
		path:    path,
		servers: make(map[string]ServerSpec),
	}
}

// LoadFile reads the launcher file at path into a new store.
func LoadFile(path string) (*Store, error) {
	s := NewStore(path)
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse decodes launcher data. JSON files are accepted as YAML.
func Parse(data []byte) (map[string]ServerSpec, error) {
	servers := make(map[string]ServerSpec)
	if len(strings.TrimSpace(string(data))) == 0 {
		return servers, nil
	}

	if err := yaml.Unmarshal(data, &servers); err != nil {
		return nil, fmt.Errorf("invalid launcher format: %w", err)
	}

	for name, spec := range servers {
		spec.applyDefaults()
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("server %s: %w", name, err)
		}
		servers[name] = spec
	}

	return servers, nil
}

// Path returns the launcher file path.
func (s *Store) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// SetPath rebinds the store to a new file and loads it.
func (s *Store) SetPath(path string) error {
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
	return s.Load()
}

// Load reads the launcher file. A missing file yields an empty store.
func (s *Store) Load() error {
	path := s.Path()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.replace(make(map[string]ServerSpec))
			return nil
		}
		return fmt.Errorf("failed to read launcher file: %w", err)
	}

	servers, err := Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse launcher file %s: %w", path, err)
	}

	s.replace(servers)
	return nil
}

func (s *Store) replace(servers map[string]ServerSpec) {
	s.mu.Lock()
	s.servers = servers
	s.mu.Unlock()
}

// Get returns the record for name.
func (s *Store) Get(name string) (ServerSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.servers[name]
	return spec, ok
}

// List returns all records, active servers first, then by name.
func (s *Store) List() []Entry {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.servers))
	for name, spec := range s.servers {
		entries = append(entries, Entry{Name: name, Spec: spec})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Spec.Active != entries[j].Spec.Active {
			return entries[i].Spec.Active
		}
		return entries[i].Name < entries[j].Name
	})
	return entries
}

// ActiveNames returns the names of active servers in sorted order.
func (s *Store) ActiveNames() []string {
	var names []string
	for _, e := range s.List() {
		if e.Spec.Active {
			names = append(names, e.Name)
		}
	}
	return names
}

// Add inserts a new record. It fails if the name is taken.
func (s *Store) Add(name string, spec ServerSpec) error {
	if name == "" {
		return fmt.Errorf("server name cannot be empty")
	}
	spec.applyDefaults()
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("server %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.servers[name]; exists {
		return fmt.Errorf("server %s already exists", name)
	}
	s.servers = s.with(name, spec)
	return nil
}

// Update merges the non-zero fields of p into the existing record.
// The active flag changes only when p.Active is set.
func (s *Store) Update(name string, p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.servers[name]
	if !ok {
		return NewError(UnknownServer, name, "")
	}
	merged := cur.merge(p)
	merged.applyDefaults()
	if err := merged.Validate(); err != nil {
		return fmt.Errorf("server %s: %w", name, err)
	}
	s.servers = s.with(name, merged)
	return nil
}

// Remove deletes a record.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[name]; !ok {
		return NewError(UnknownServer, name, "")
	}
	next := make(map[string]ServerSpec, len(s.servers))
	for k, v := range s.servers {
		if k != name {
			next[k] = v
		}
	}
	s.servers = next
	return nil
}

// ToggleActive flips the active flag and returns the new value.
func (s *Store) ToggleActive(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, ok := s.servers[name]
	if !ok {
		return false, NewError(UnknownServer, name, "")
	}
	spec.Active = !spec.Active
	s.servers = s.with(name, spec)
	return spec.Active, nil
}

// with returns a copy of the map with name set. Callers hold mu.
func (s *Store) with(name string, spec ServerSpec) map[string]ServerSpec {
	next := make(map[string]ServerSpec, len(s.servers)+1)
	for k, v := range s.servers {
		next[k] = v
	}
	next[name] = spec
	return next
}

// Save writes the store back to its file. Paths ending in .json are written as
// JSON so the file stays readable by other launcher tools; anything else as YAML.
func (s *Store) Save() error {
	s.mu.RLock()
	path := s.path
	servers := s.servers
	s.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(servers, "", "  ")
	} else {
		data, err = yaml.Marshal(servers)
	}
	if err != nil {
		return fmt.Errorf("failed to encode launcher file: %w", err)
	}

	return writeFileAtomic(path, data, 0o600)
}

// Import copies the launcher file at src over the store's file and reloads it.
// The source is parsed first so a broken file never replaces a good one.
func (s *Store) Import(src string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if _, err := Parse(data); err != nil {
		return fmt.Errorf("refusing to import %s: %w", src, err)
	}
	if err := writeFileAtomic(s.Path(), data, 0o600); err != nil {
		return err
	}
	return s.Load()
}

// writeFileAtomic writes data to a temp file next to path and renames it into place.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".andon-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// CopyFile copies src to dst with the given mode, replacing dst atomically.
func CopyFile(src, dst string, mode os.FileMode) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	return writeFileAtomic(dst, data, mode)
}
