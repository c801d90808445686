// Copyright 2026 The Talon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package engagement

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/specterops/talon/internal/csync"
	"github.com/specterops/talon/internal/hierarchy"
)

const stateFile = "state.yaml"

// Store maintains one engagement directory per root session with
// state.yaml, findings/ and artifacts/ inside.
type Store struct {
	dirFor func(rootID string) string
	hier   *hierarchy.Registry
	// Per-root mutex serializes read-merge-write so no interleaved
	// partial YAML is observable.
	locks *csync.Map[string, *sync.Mutex]
}

// NewStore creates a store whose per-root directory is <base>/<rootID>.
func NewStore(base string, hier *hierarchy.Registry) *Store {
	return NewStoreWithLayout(hier, func(rootID string) string {
		return filepath.Join(base, rootID)
	})
}

// NewStoreWithLayout creates a store over per-root directories resolved
// by dirFor, such as live working copies under the system temp dir.
func NewStoreWithLayout(hier *hierarchy.Registry, dirFor func(rootID string) string) *Store {
	return &Store{
		dirFor: dirFor,
		hier:   hier,
		locks:  csync.NewMap[string, *sync.Mutex](),
	}
}

// Dir returns the engagement directory of the session's tree.
func (s *Store) Dir(sessionID string) string {
	return s.dirFor(s.hier.RootOf(sessionID))
}

// Ensure creates the engagement directory layout.
func (s *Store) Ensure(sessionID string) error {
	dir := s.Dir(sessionID)
	for _, sub := range []string{
		"findings",
		filepath.Join("artifacts", "screenshots"),
		filepath.Join("artifacts", "loot"),
	} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0750); err != nil {
			return fmt.Errorf("ensure engagement dir: %w", err)
		}
	}
	return nil
}

func (s *Store) lock(rootID string) *sync.Mutex {
	return s.locks.GetOrSet(rootID, func() *sync.Mutex { return &sync.Mutex{} })
}

// Read returns the parsed engagement state, or an empty document when the
// file is missing.
func (s *Store) Read(sessionID string) (State, error) {
	root := s.hier.RootOf(sessionID)
	mu := s.lock(root)
	mu.Lock()
	defer mu.Unlock()
	return s.readLocked(root)
}

func (s *Store) readLocked(rootID string) (State, error) {
	data, err := os.ReadFile(filepath.Join(s.dirFor(rootID), stateFile))
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read engagement state: %w", err)
	}
	var doc State
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse engagement state: %w", err)
	}
	if doc == nil {
		doc = State{}
	}
	return doc, nil
}

// Update merges partial into the stored document under the tree's write
// lock and persists the result atomically.
func (s *Store) Update(sessionID string, partial State) (State, error) {
	root := s.hier.RootOf(sessionID)
	mu := s.lock(root)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.readLocked(root)
	if err != nil {
		return nil, err
	}
	merged := Merge(current, partial)

	if err := os.MkdirAll(s.dirFor(root), 0750); err != nil {
		return nil, fmt.Errorf("write engagement state: %w", err)
	}
	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode engagement state: %w", err)
	}
	path := filepath.Join(s.dirFor(root), stateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return nil, fmt.Errorf("write engagement state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("write engagement state: %w", err)
	}
	return merged, nil
}

// Mirror copies the tree's engagement directory (state.yaml, findings,
// artifacts) into dest, typically the archive directory at teardown.
// A missing engagement directory mirrors to nothing.
func (s *Store) Mirror(sessionID, dest string) error {
	root := s.hier.RootOf(sessionID)
	mu := s.lock(root)
	mu.Lock()
	defer mu.Unlock()

	src := s.dirFor(root)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(src, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0750)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("mirror engagement state: %w", err)
		}
		return os.WriteFile(target, data, 0640)
	})
}

// FormatForInjection renders the state as a prompt block for a sub-agent.
// Returns ok=false when the document is empty.
func (s *Store) FormatForInjection(sessionID string) (string, bool, error) {
	doc, err := s.Read(sessionID)
	if err != nil {
		return "", false, err
	}
	if IsEmpty(doc) {
		return "", false, nil
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", false, err
	}
	block := fmt.Sprintf(
		"## Engagement State\n\nSession directory: %s\n\n```yaml\n%s```\n",
		s.Dir(sessionID), string(data))
	return block, true, nil
}
