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
package trajectory

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/specterops/talon/internal/csync"
)

const trajectoryFile = "trajectory.jsonl"

// Store persists engagement timelines as one JSON entry per line under
// <base>/<rootID>/trajectory.jsonl. Writes serialize per root and
// replace atomically.
type Store struct {
	base  string
	locks *csync.Map[string, *sync.Mutex]
}

// NewStore creates a store rooted at base.
func NewStore(base string) *Store {
	return &Store{base: base, locks: csync.NewMap[string, *sync.Mutex]()}
}

// Path returns the jsonl path for a root session.
func (s *Store) Path(rootID string) string {
	return filepath.Join(s.base, rootID, trajectoryFile)
}

func (s *Store) lock(rootID string) *sync.Mutex {
	return s.locks.GetOrSet(rootID, func() *sync.Mutex { return &sync.Mutex{} })
}

// Save writes the log's entries, composing the content in memory and
// replacing the file in one rename.
func (s *Store) Save(rootID string, log EngagementLog) error {
	mu := s.lock(rootID)
	mu.Lock()
	defer mu.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range log.Entries {
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("encode trajectory entry: %w", err)
		}
	}

	dir := filepath.Join(s.base, rootID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("write trajectory: %w", err)
	}
	path := s.Path(rootID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0640); err != nil {
		return fmt.Errorf("write trajectory: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write trajectory: %w", err)
	}
	return nil
}

// Load reads the persisted entries. A missing file yields an empty log.
// Malformed lines are skipped.
func (s *Store) Load(rootID string) (EngagementLog, error) {
	mu := s.lock(rootID)
	mu.Lock()
	defer mu.Unlock()

	log := EngagementLog{RootID: rootID}
	f, err := os.Open(s.Path(rootID))
	if os.IsNotExist(err) {
		return log, nil
	}
	if err != nil {
		return log, fmt.Errorf("read trajectory: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		log.Entries = append(log.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return log, fmt.Errorf("read trajectory: %w", err)
	}
	log.Summarize()
	return log, nil
}
