// Package playbook loads named policy rule sets from YAML files.
package playbook

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned for an unknown playbook id.
var ErrNotFound = errors.New("playbook not found")

// Playbook is an opaque set of policy rules handed to the risk collaborator.
type Playbook struct {
	Name        string         `yaml:"name"        json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Rules       map[string]any `yaml:"rules"       json:"rules"`
}

// Set is an in-memory collection keyed by playbook name.
type Set struct {
	mu    sync.RWMutex
	books map[string]Playbook
}

// NewSet builds a set from playbooks.
func NewSet(books ...Playbook) *Set {
	s := &Set{books: map[string]Playbook{}}
	for _, b := range books {
		s.Put(b)
	}
	return s
}

// Put adds or replaces a playbook.
func (s *Set) Put(b Playbook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[b.Name] = b
}

// Get returns the playbook with the given id.
func (s *Set) Get(id string) (Playbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[id]
	if !ok {
		return Playbook{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return b, nil
}

// Names lists playbook ids in sorted order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.books))
	for name := range s.books {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Parse decodes one YAML playbook. When the document has no name the
// fallback is used.
func Parse(data []byte, fallbackName string) (Playbook, error) {
	var b Playbook
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Playbook{}, fmt.Errorf("decode playbook: %w", err)
	}
	if strings.TrimSpace(b.Name) == "" {
		b.Name = fallbackName
	}
	if b.Name == "" {
		return Playbook{}, errors.New("playbook name is required")
	}
	if b.Rules == nil {
		b.Rules = map[string]any{}
	}
	return b, nil
}

// LoadDir reads every *.yaml and *.yml file in dir. A missing dir yields an
// empty set.
func LoadDir(dir string) (*Set, error) {
	set := NewSet()
	if dir == "" {
		return set, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return set, nil
		}
		return nil, fmt.Errorf("read playbooks dir: %w", err)
	}
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read playbook %s: %w", path, err)
		}
		b, err := Parse(data, strings.TrimSuffix(e.Name(), ext))
		if err != nil {
			return nil, fmt.Errorf("playbook %s: %w", path, err)
		}
		set.Put(b)
	}
	return set, nil
}
