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
// Package core assembles the orchestration services into one instance.
package core

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/specterops/talon/internal/config"
	"github.com/specterops/talon/internal/engagement"
	"github.com/specterops/talon/internal/hierarchy"
	"github.com/specterops/talon/internal/home"
	"github.com/specterops/talon/internal/log"
	"github.com/specterops/talon/internal/mcptools"
	"github.com/specterops/talon/internal/message"
	"github.com/specterops/talon/internal/permission"
	"github.com/specterops/talon/internal/processor"
	"github.com/specterops/talon/internal/session"
	"github.com/specterops/talon/internal/task"
	"github.com/specterops/talon/internal/trajectory"
	"github.com/specterops/talon/internal/transport"
)

// Core bundles the orchestration services. Tests instantiate isolated
// cores; nothing here is process-global.
type Core struct {
	Config      *config.Config
	Hier        *hierarchy.Registry
	Sessions    *session.Service
	Messages    *message.Service
	Permissions *permission.Engine
	Engagement  *engagement.Store
	Mcp         *mcptools.Registry
	Trajectory  *trajectory.Aggregator
	Archive     *trajectory.Store
	Processor   *processor.Processor
	Dispatcher  *task.Dispatcher

	sessionsDir string
}

// New wires a core around the given model transport. When cfg.DataDir is
// empty the engagement home is used. Engagement state lives in the
// per-root working copy under the system temp dir; archives land under
// the sessions directory.
func New(cfg *config.Config, stream transport.Stream, model transport.Model) (*Core, error) {
	var sessionsDir string
	if cfg.DataDir != "" {
		sessionsDir = filepath.Join(cfg.DataDir, "sessions")
	} else {
		if err := home.EnsureDir(); err != nil {
			return nil, fmt.Errorf("core: %w", err)
		}
		dir, err := home.Sessions()
		if err != nil {
			return nil, fmt.Errorf("core: %w", err)
		}
		sessionsDir = dir
	}

	hier := hierarchy.NewRegistry()
	sessions := session.NewService(hier)
	messages := message.NewService()
	engine := permission.NewEngine(hier)
	store := engagement.NewStoreWithLayout(hier, func(rootID string) string {
		return home.Live(cfg.LiveDirPrefix, rootID)
	})
	mcp := mcptools.NewRegistry(cfg)

	// Deleting a session must not leave its tree's approvals suspended.
	sessions.RegisterCleanup(engine.ReleaseSession)

	proc := processor.New(processor.Options{
		Messages:       messages,
		Permissions:    engine,
		Transport:      stream,
		Model:          model,
		Mcp:            mcp,
		Snapshot:       processor.NewFSSnapshot(sessionsDir),
		ContinueOnDeny: cfg.Experimental.ContinueLoopOnDeny,
	})

	c := &Core{
		Config:      cfg,
		Hier:        hier,
		Sessions:    sessions,
		Messages:    messages,
		Permissions: engine,
		Engagement:  store,
		Mcp:         mcp,
		Trajectory:  trajectory.NewAggregator(sessions, messages, hier),
		Archive:     trajectory.NewStore(sessionsDir),
		Processor:   proc,
		sessionsDir: sessionsDir,
	}
	c.Dispatcher = task.NewDispatcher(sessions, messages, hier, store, proc, nil)
	return c, nil
}

// SessionsDir returns the archive base directory.
func (c *Core) SessionsDir() string {
	return c.sessionsDir
}

// ArchiveRoot persists a root session's metadata snapshot, its trajectory
// and a mirror of the live engagement state under its archive directory.
// The writes go to distinct files and run concurrently.
func (c *Core) ArchiveRoot(ctx context.Context, rootID string) error {
	dir := filepath.Join(c.sessionsDir, rootID)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.Sessions.Archive(gctx, rootID, dir); err != nil {
			return fmt.Errorf("core: archive session: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		trail, err := c.Trajectory.FromEngagement(gctx, rootID)
		if err != nil {
			return fmt.Errorf("core: %w", err)
		}
		if err := c.Archive.Save(rootID, trail); err != nil {
			return fmt.Errorf("core: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.Engagement.Mirror(rootID, dir); err != nil {
			return fmt.Errorf("core: mirror engagement state: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("archived root session",
		zap.String("session", rootID),
		zap.String("dir", home.Short(dir)))
	return nil
}

// Shutdown tears down the permission engine, rejecting everything still
// pending.
func (c *Core) Shutdown() {
	c.Permissions.Shutdown()
}
