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
package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specterops/talon/internal/config"
	"github.com/specterops/talon/internal/engagement"
	"github.com/specterops/talon/internal/permission"
	"github.com/specterops/talon/internal/transport"
)

type nullStream struct{}

func (nullStream) Stream(_ context.Context, _ transport.Request) (<-chan transport.Event, error) {
	ch := make(chan transport.Event)
	close(ch)
	return ch, nil
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	dir := t.TempDir()
	// Keep live working copies inside the test temp dir.
	t.Setenv("TMPDIR", t.TempDir())
	cfg, err := config.LoadFrom(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	cfg.DataDir = dir

	c, err := New(cfg, nullStream{}, transport.Model{ID: "test-model", Provider: "test", ContextWindow: 100000})
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func TestSessionDeleteReleasesPermissions(t *testing.T) {
	c := newTestCore(t)
	root, err := c.Sessions.Create(context.Background(), "engagement")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- c.Permissions.Ask(context.Background(), permission.AskOptions{
			Type:      "bash",
			Patterns:  []string{"id"},
			SessionID: root.ID,
		})
	}()
	require.Eventually(t, func() bool {
		return len(c.Permissions.Pending(root.ID)) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Sessions.Delete(context.Background(), root.ID))
	err = <-done
	require.Error(t, err)
	assert.True(t, permission.IsRejected(err))
}

func TestArchiveRootWritesSnapshotAndTrajectory(t *testing.T) {
	c := newTestCore(t)
	root, err := c.Sessions.Create(context.Background(), "engagement")
	require.NoError(t, err)

	require.NoError(t, c.ArchiveRoot(context.Background(), root.ID))

	dir := filepath.Join(c.SessionsDir(), root.ID)
	for _, name := range []string{"session.json", "trajectory.jsonl"} {
		_, statErr := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, statErr, name)
	}
}

func TestArchiveRootMirrorsLiveState(t *testing.T) {
	c := newTestCore(t)
	root, err := c.Sessions.Create(context.Background(), "engagement")
	require.NoError(t, err)

	require.NoError(t, c.Engagement.Ensure(root.ID))
	_, err = c.Engagement.Update(root.ID, engagement.State{"target": map[string]any{"ip": "10.0.0.5"}})
	require.NoError(t, err)

	live := c.Engagement.Dir(root.ID)
	assert.Equal(t, filepath.Join(os.TempDir(), "talon-session-"+root.ID), live,
		"engagement state lives in the per-root working copy")
	assert.DirExists(t, filepath.Join(live, "findings"))

	require.NoError(t, c.ArchiveRoot(context.Background(), root.ID))

	archived := filepath.Join(c.SessionsDir(), root.ID)
	data, err := os.ReadFile(filepath.Join(archived, "state.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "10.0.0.5")
	assert.DirExists(t, filepath.Join(archived, "findings"))
}
