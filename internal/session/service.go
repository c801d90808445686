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
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/specterops/talon/internal/csync"
	"github.com/specterops/talon/internal/hierarchy"
	"github.com/specterops/talon/internal/ident"
	"github.com/specterops/talon/internal/pubsub"
)

// CleanupHook runs when a session is deleted, before its hierarchy
// registration is released.
type CleanupHook func(sessionID string)

// Service is the in-memory session registry for one orchestration core.
type Service struct {
	sessions *csync.Map[string, Session]
	hier     *hierarchy.Registry
	broker   *pubsub.Broker[Session]
	cleanup  *csync.Map[int, CleanupHook]
}

// NewService creates a session service bound to a hierarchy registry.
func NewService(hier *hierarchy.Registry) *Service {
	return &Service{
		sessions: csync.NewMap[string, Session](),
		hier:     hier,
		broker:   pubsub.NewBroker[Session](),
		cleanup:  csync.NewMap[int, CleanupHook](),
	}
}

// Create creates a root session.
func (s *Service) Create(ctx context.Context, title string) (Session, error) {
	return s.create(ctx, "", title, nil)
}

// CreateChild creates a session under parentID and registers it in the
// hierarchy under the parent's root.
func (s *Service) CreateChild(ctx context.Context, parentID, title string, rules []PermissionRule) (Session, error) {
	if _, ok := s.sessions.Get(parentID); !ok {
		return Session{}, fmt.Errorf("parent session %s not found", parentID)
	}
	sess, err := s.create(ctx, parentID, title, rules)
	if err != nil {
		return Session{}, err
	}
	s.hier.Register(sess.ID, s.hier.RootOf(parentID))
	return sess, nil
}

func (s *Service) create(_ context.Context, parentID, title string, rules []PermissionRule) (Session, error) {
	ts := now()
	sess := Session{
		ID:          ident.New(ident.Session),
		ParentID:    parentID,
		Title:       title,
		Permissions: rules,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	s.sessions.Set(sess.ID, sess)
	s.broker.Publish(pubsub.CreatedEvent, sess)
	return sess, nil
}

// Get returns a session by ID.
func (s *Service) Get(_ context.Context, id string) (Session, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return Session{}, fmt.Errorf("session %s not found", id)
	}
	return sess, nil
}

// List returns all sessions ordered by creation.
func (s *Service) List(_ context.Context) ([]Session, error) {
	var out []Session
	for _, sess := range s.sessions.Seq2() {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save merges an update into the stored session and publishes an updated
// event.
func (s *Service) Save(_ context.Context, update Session) (Session, error) {
	existing, ok := s.sessions.Get(update.ID)
	if !ok {
		return Session{}, fmt.Errorf("session %s not found", update.ID)
	}
	update.UpdatedAt = now()
	merged := existing.Merge(update)
	s.sessions.Set(merged.ID, merged)
	s.broker.Publish(pubsub.UpdatedEvent, merged)
	return merged, nil
}

// Delete removes a session, runs cleanup hooks (releasing pending
// permissions), and releases its hierarchy registration.
func (s *Service) Delete(_ context.Context, id string) error {
	sess, ok := s.sessions.Take(id)
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	for _, hook := range s.cleanupHooks() {
		hook(id)
	}
	s.hier.Unregister(id)
	s.broker.Publish(pubsub.DeletedEvent, sess)
	return nil
}

// RegisterCleanup adds a hook invoked for every deleted session.
func (s *Service) RegisterCleanup(hook CleanupHook) {
	s.cleanup.Set(s.cleanup.Len(), hook)
}

func (s *Service) cleanupHooks() []CleanupHook {
	var hooks []CleanupHook
	for _, hook := range s.cleanup.Seq2() {
		hooks = append(hooks, hook)
	}
	return hooks
}

// Subscribe returns session lifecycle events.
func (s *Service) Subscribe(ctx context.Context) <-chan pubsub.Event[Session] {
	return s.broker.Subscribe(ctx)
}

// Archive writes the session metadata snapshot to
// <dir>/session.json via temp file and rename.
func (s *Service) Archive(ctx context.Context, id, dir string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, ".session.json.tmp")
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, "session.json"))
}
