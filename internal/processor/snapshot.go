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
package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/specterops/talon/internal/csync"
)

// Files larger than this are tracked by hash only; no inline diff.
const snapshotMaxDiffBytes = 256 << 10

// FSSnapshot is the default Snapshot collaborator: it captures the text
// files under a working directory and diffs them at step finish.
type FSSnapshot struct {
	dir     string
	handles *csync.Map[string, map[string]string]
	seq     atomic.Int64
}

// NewFSSnapshot tracks the tree rooted at dir.
func NewFSSnapshot(dir string) *FSSnapshot {
	return &FSSnapshot{
		dir:     dir,
		handles: csync.NewMap[string, map[string]string](),
	}
}

// Track captures the current tree and returns a handle for Patch.
func (s *FSSnapshot) Track(ctx context.Context) (string, error) {
	tree, err := s.capture(ctx)
	if err != nil {
		return "", err
	}
	handle := fmt.Sprintf("snap_%d", s.seq.Add(1))
	s.handles.Set(handle, tree)
	return handle, nil
}

// Patch diffs the current tree against the handle's capture and releases
// the handle.
func (s *FSSnapshot) Patch(ctx context.Context, handle string) (Patch, error) {
	before, ok := s.handles.Take(handle)
	if !ok {
		return Patch{}, fmt.Errorf("snapshot %s not tracked", handle)
	}
	after, err := s.capture(ctx)
	if err != nil {
		return Patch{}, err
	}

	names := make(map[string]bool, len(before)+len(after))
	for name := range before {
		names[name] = true
	}
	for name := range after {
		names[name] = true
	}

	var changed []string
	var diff strings.Builder
	dmp := diffmatchpatch.New()
	for name := range names {
		prev, next := before[name], after[name]
		if prev == next {
			continue
		}
		changed = append(changed, name)
		if utf8.ValidString(prev) && utf8.ValidString(next) {
			patches := dmp.PatchMake(prev, next)
			diff.WriteString(fmt.Sprintf("--- %s\n", name))
			diff.WriteString(dmp.PatchToText(patches))
		}
	}
	if len(changed) == 0 {
		return Patch{}, nil
	}
	sort.Strings(changed)

	sum := sha256.New()
	for _, name := range changed {
		sum.Write([]byte(name))
		sum.Write([]byte(after[name]))
	}
	return Patch{
		Hash:  hex.EncodeToString(sum.Sum(nil)),
		Files: changed,
		Diff:  diff.String(),
	}, nil
}

func (s *FSSnapshot) capture(ctx context.Context) (map[string]string, error) {
	tree := make(map[string]string)
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A vanished file mid-walk is not an error.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return nil
		}
		if info.Size() > snapshotMaxDiffBytes {
			tree[rel] = fmt.Sprintf("<%d bytes>", info.Size())
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		tree[rel] = string(data)
		return nil
	})
	if os.IsNotExist(err) {
		return tree, nil
	}
	return tree, err
}
