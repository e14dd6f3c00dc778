package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store holds every policy document found in one directory, keyed by name.
type Store struct {
	dir string

	mu       sync.RWMutex
	policies map[string]*Policy
	digests  map[string]string
	files    map[string]string
}

// NewStore creates an empty store over dir. Call Load to populate it.
func NewStore(dir string) *Store {
	return &Store{
		dir:      dir,
		policies: make(map[string]*Policy),
		digests:  make(map[string]string),
		files:    make(map[string]string),
	}
}

// Dir returns the directory the store reads.
func (s *Store) Dir() string {
	return s.dir
}

// Load reads every policy document in the directory and replaces the store
// contents. It returns the names whose digest changed, appeared or vanished.
// A single malformed document fails the whole load and leaves the store as it was.
func (s *Store) Load() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading policy directory: %w", err)
	}

	policies := make(map[string]*Policy)
	files := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := FormatForPath(entry.Name()); !ok {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		p, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := files[p.Name()]; dup {
			return nil, fmt.Errorf("policy %q defined in both %s and %s", p.Name(), prev, path)
		}
		policies[p.Name()] = p
		files[p.Name()] = path
	}

	digests := make(map[string]string, len(policies))
	for name, p := range policies {
		digests[name] = p.Digest()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for name, d := range digests {
		if s.digests[name] != d {
			changed = append(changed, name)
		}
	}
	for name := range s.digests {
		if _, ok := digests[name]; !ok {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)

	s.policies = policies
	s.digests = digests
	s.files = files
	log.Debug("loaded %d policies from %s (%d changed)", len(policies), s.dir, len(changed))
	return changed, nil
}

// Get returns the named policy.
func (s *Store) Get(name string) (*Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[name]
	return p, ok
}

// Path returns the file the named policy was loaded from.
func (s *Store) Path(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[name]
	return f, ok
}

// Names returns the loaded policy names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.policies))
	for name := range s.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
