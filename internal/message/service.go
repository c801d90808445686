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
package message

import (
	"context"
	"fmt"
	"sync"

	"github.com/specterops/talon/internal/ident"
	"github.com/specterops/talon/internal/pubsub"
)

// Service stores messages per session and publishes part-level events.
// Within one session parts are appended strictly in emission order.
type Service struct {
	mu     sync.RWMutex
	bySess map[string][]*Message
	msgs   *pubsub.Broker[*Message]
	parts  *pubsub.Broker[Part]
}

// NewService creates an empty message store.
func NewService() *Service {
	return &Service{
		bySess: make(map[string][]*Message),
		msgs:   pubsub.NewBroker[*Message](),
		parts:  pubsub.NewBroker[Part](),
	}
}

// Create appends a new message to a session.
func (s *Service) Create(_ context.Context, sessionID string, role Role, modelID, providerID string) (*Message, error) {
	msg := &Message{
		ID:         ident.New(ident.Message),
		SessionID:  sessionID,
		Role:       role,
		ModelID:    modelID,
		ProviderID: providerID,
		Time:       MessageTime{Created: Now()},
	}
	s.mu.Lock()
	s.bySess[sessionID] = append(s.bySess[sessionID], msg)
	s.mu.Unlock()
	s.msgs.Publish(pubsub.CreatedEvent, msg)
	return msg, nil
}

// Get returns a message by ID.
func (s *Service) Get(_ context.Context, sessionID, messageID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.bySess[sessionID] {
		if msg.ID == messageID {
			return msg, nil
		}
	}
	return nil, fmt.Errorf("message %s not found in session %s", messageID, sessionID)
}

// List returns the messages of a session in creation order.
func (s *Service) List(_ context.Context, sessionID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]*Message, len(s.bySess[sessionID]))
	copy(msgs, s.bySess[sessionID])
	return msgs, nil
}

// Update publishes a message-level change (totals, completion, error).
func (s *Service) Update(_ context.Context, msg *Message) {
	s.msgs.Publish(pubsub.UpdatedEvent, msg)
}

// NewPartMeta mints an envelope for a part of the given message. Part IDs
// are monotone, so ordering by ID equals emission order.
func NewPartMeta(msg *Message) PartMeta {
	return PartMeta{
		ID:        ident.New(ident.Part),
		SessionID: msg.SessionID,
		MessageID: msg.ID,
		CreatedAt: Now(),
	}
}

// AppendPart attaches a part to its message and publishes part.updated.
func (s *Service) AppendPart(_ context.Context, msg *Message, part Part) {
	s.mu.Lock()
	msg.Parts = append(msg.Parts, part)
	s.mu.Unlock()
	s.parts.Publish(pubsub.CreatedEvent, part)
}

// SavePart publishes an update for a part already attached to a message.
func (s *Service) SavePart(_ context.Context, part Part) {
	s.parts.Publish(pubsub.UpdatedEvent, part)
}

// RemoveParts detaches the given part IDs from a message.
func (s *Service) RemoveParts(_ context.Context, msg *Message, ids map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := msg.Parts[:0]
	for _, p := range msg.Parts {
		if !ids[p.Meta().ID] {
			kept = append(kept, p)
		}
	}
	msg.Parts = kept
}

// Subscribe returns message lifecycle events.
func (s *Service) Subscribe(ctx context.Context) <-chan pubsub.Event[*Message] {
	return s.msgs.Subscribe(ctx)
}

// SubscribeParts returns part add/change events.
func (s *Service) SubscribeParts(ctx context.Context) <-chan pubsub.Event[Part] {
	return s.parts.Subscribe(ctx)
}
