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
// Package permission implements the root-bubbling approval engine.
package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/specterops/talon/internal/csync"
	"github.com/specterops/talon/internal/hierarchy"
	"github.com/specterops/talon/internal/ident"
	"github.com/specterops/talon/internal/log"
	"github.com/specterops/talon/internal/pubsub"
	"github.com/specterops/talon/internal/session"
)

// TypeDoomLoop is the request type raised for runaway repeated tool
// calls.
const TypeDoomLoop = "doom_loop"

// Response is the user's answer to a pending request.
type Response string

const (
	ResponseOnce   Response = "once"
	ResponseAlways Response = "always"
	ResponseReject Response = "reject"
)

// Request is a pending permission demand. SessionID is always the root of
// the requesting session's tree.
type Request struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Patterns  []string       `json:"pattern,omitempty"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID,omitempty"`
	CallID    string         `json:"callID,omitempty"`
	Title     string         `json:"title"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt int64          `json:"createdAt"`
}

// Keys returns the approval-cache keys of the request: its patterns, or
// its type when no pattern was supplied.
func (r Request) Keys() []string {
	if len(r.Patterns) > 0 {
		return r.Patterns
	}
	return []string{r.Type}
}

// RejectedError reports a denied permission.
type RejectedError struct {
	SessionID    string
	PermissionID string
	CallID       string
	Metadata     map[string]any
	Reason       string
}

func (e *RejectedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permission rejected: %s", e.Reason)
	}
	return "permission rejected"
}

// IsRejected reports whether err is a permission rejection.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// PolicyDecision is the outcome of the pluggable policy hook.
type PolicyDecision string

const (
	PolicyAllow PolicyDecision = "allow"
	PolicyDeny  PolicyDecision = "deny"
	PolicyAsk   PolicyDecision = "ask"
)

// PolicyHook inspects a request before it is surfaced to the user.
type PolicyHook func(Request) PolicyDecision

// AskOptions parameterize one Ask call.
type AskOptions struct {
	Type      string
	Title     string
	Patterns  []string
	SessionID string
	MessageID string
	CallID    string
	Metadata  map[string]any
	// Always pre-approves these keys when the user answers "always";
	// defaults to Patterns.
	Always []string
}

type pendingRequest struct {
	req    Request
	always []string
	result chan Response
}

type rootState struct {
	mu          sync.Mutex
	pending     map[string]*pendingRequest
	approved    map[string]bool
	ultrasploit bool
}

// Engine is the permission engine for one orchestration core. All state
// is keyed by the root of the requesting session's tree.
type Engine struct {
	hier   *hierarchy.Registry
	roots  *csync.Map[string, *rootState]
	broker *pubsub.Broker[Request]
	policy PolicyHook

	closed  chan struct{}
	closeMu sync.Once
}

// NewEngine creates a permission engine bound to the hierarchy registry.
func NewEngine(hier *hierarchy.Registry) *Engine {
	return &Engine{
		hier:   hier,
		roots:  csync.NewMap[string, *rootState](),
		broker: pubsub.NewBroker[Request](),
		closed: make(chan struct{}),
	}
}

// SetPolicy installs the pluggable policy hook.
func (e *Engine) SetPolicy(hook PolicyHook) {
	e.policy = hook
}

func (e *Engine) root(rootID string) *rootState {
	return e.roots.GetOrSet(rootID, func() *rootState {
		return &rootState{
			pending:  make(map[string]*pendingRequest),
			approved: make(map[string]bool),
		}
	})
}

// Ask demands a permission. It resolves immediately under ultrasploit
// mode, an approval-cache hit, or a policy allow; fails with
// *RejectedError on policy deny; otherwise suspends until Respond or
// teardown. A deny from the policy hook wins over ultrasploit and over
// cached "always" approvals.
func (e *Engine) Ask(ctx context.Context, opts AskOptions) error {
	rootID := e.hier.RootOf(opts.SessionID)
	req := Request{
		ID:        ident.New(ident.Permission),
		Type:      opts.Type,
		Patterns:  opts.Patterns,
		SessionID: rootID,
		MessageID: opts.MessageID,
		CallID:    opts.CallID,
		Title:     opts.Title,
		Metadata:  opts.Metadata,
		CreatedAt: nowMillis(),
	}

	decision := PolicyAsk
	if e.policy != nil {
		decision = e.policy(req)
	}
	if decision == PolicyDeny {
		return &RejectedError{
			SessionID:    rootID,
			PermissionID: req.ID,
			CallID:       req.CallID,
			Metadata:     req.Metadata,
			Reason:       "denied by policy",
		}
	}

	state := e.root(rootID)
	state.mu.Lock()
	if state.ultrasploit {
		state.mu.Unlock()
		return nil
	}
	if coveredLocked(state, req.Keys()) {
		state.mu.Unlock()
		return nil
	}
	if decision == PolicyAllow {
		state.mu.Unlock()
		return nil
	}

	always := opts.Always
	if len(always) == 0 {
		always = req.Keys()
	}
	pending := &pendingRequest{
		req:    req,
		always: always,
		result: make(chan Response, 1),
	}
	state.pending[req.ID] = pending
	state.mu.Unlock()

	e.broker.Publish(pubsub.UpdatedEvent, req)
	log.Debug("permission pending",
		zap.String("root", rootID),
		zap.String("type", req.Type),
		zap.Strings("patterns", req.Patterns))

	select {
	case resp := <-pending.result:
		if resp == ResponseReject {
			return &RejectedError{
				SessionID:    rootID,
				PermissionID: req.ID,
				CallID:       req.CallID,
				Metadata:     req.Metadata,
			}
		}
		return nil
	case <-ctx.Done():
		state.mu.Lock()
		delete(state.pending, req.ID)
		state.mu.Unlock()
		return &RejectedError{
			SessionID:    rootID,
			PermissionID: req.ID,
			CallID:       req.CallID,
			Metadata:     req.Metadata,
			Reason:       "aborted",
		}
	case <-e.closed:
		state.mu.Lock()
		delete(state.pending, req.ID)
		state.mu.Unlock()
		return &RejectedError{
			SessionID:    rootID,
			PermissionID: req.ID,
			CallID:       req.CallID,
			Metadata:     req.Metadata,
			Reason:       "engine torn down",
		}
	}
}

// Respond answers a pending request. sessionID is the root ID carried by
// the request. Responding to an unknown request is a no-op.
func (e *Engine) Respond(sessionID, permissionID string, resp Response) {
	state := e.root(sessionID)
	state.mu.Lock()
	pending, ok := state.pending[permissionID]
	if !ok {
		state.mu.Unlock()
		return
	}
	delete(state.pending, permissionID)

	var coalesced []*pendingRequest
	if resp == ResponseAlways {
		for _, key := range pending.always {
			state.approved[key] = true
		}
		coalesced = coalesceLocked(state)
	}
	state.mu.Unlock()

	e.broker.Publish(pubsub.RepliedEvent, pending.req)
	pending.result <- resp
	for _, other := range coalesced {
		e.broker.Publish(pubsub.RepliedEvent, other.req)
		other.result <- ResponseAlways
	}
}

// coalesceLocked removes and returns every pending request whose keys are
// now fully covered by the approval cache, recording their always-keys
// too.
func coalesceLocked(state *rootState) []*pendingRequest {
	var resolved []*pendingRequest
	for {
		progressed := false
		for id, pending := range state.pending {
			if !coveredLocked(state, pending.req.Keys()) {
				continue
			}
			delete(state.pending, id)
			for _, key := range pending.always {
				state.approved[key] = true
			}
			resolved = append(resolved, pending)
			progressed = true
		}
		if !progressed {
			return resolved
		}
	}
}

func coveredLocked(state *rootState, keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	for _, key := range keys {
		matched := false
		for pattern := range state.approved {
			if session.MatchWildcard(pattern, key) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Pending returns the pending requests of a tree, keyed at its root.
func (e *Engine) Pending(sessionID string) []Request {
	state := e.root(e.hier.RootOf(sessionID))
	state.mu.Lock()
	defer state.mu.Unlock()
	out := make([]Request, 0, len(state.pending))
	for _, pending := range state.pending {
		out = append(out, pending.req)
	}
	return out
}

// ReleaseSession rejects every pending request raised for the given root
// session. Used when a session is deleted.
func (e *Engine) ReleaseSession(sessionID string) {
	state := e.root(e.hier.RootOf(sessionID))
	state.mu.Lock()
	var drop []*pendingRequest
	for id, pending := range state.pending {
		delete(state.pending, id)
		drop = append(drop, pending)
	}
	state.mu.Unlock()
	for _, pending := range drop {
		e.broker.Publish(pubsub.RepliedEvent, pending.req)
		pending.result <- ResponseReject
	}
}

// EnableUltrasploit turns on authorize-everything mode for the whole
// tree containing id.
func (e *Engine) EnableUltrasploit(id string) {
	state := e.root(e.hier.RootOf(id))
	state.mu.Lock()
	state.ultrasploit = true
	drain := make([]*pendingRequest, 0, len(state.pending))
	for pid, pending := range state.pending {
		delete(state.pending, pid)
		drain = append(drain, pending)
	}
	state.mu.Unlock()
	for _, pending := range drain {
		e.broker.Publish(pubsub.RepliedEvent, pending.req)
		pending.result <- ResponseOnce
	}
}

// DisableUltrasploit turns the mode off tree-wide.
func (e *Engine) DisableUltrasploit(id string) {
	state := e.root(e.hier.RootOf(id))
	state.mu.Lock()
	state.ultrasploit = false
	state.mu.Unlock()
}

// IsUltrasploit reports the tree-wide flag.
func (e *Engine) IsUltrasploit(id string) bool {
	state := e.root(e.hier.RootOf(id))
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.ultrasploit
}

// Subscribe returns permission events: UpdatedEvent when a request goes
// pending, RepliedEvent when it resolves.
func (e *Engine) Subscribe(ctx context.Context) <-chan pubsub.Event[Request] {
	return e.broker.Subscribe(ctx)
}

// Shutdown rejects all outstanding requests across every tree.
func (e *Engine) Shutdown() {
	e.closeMu.Do(func() {
		close(e.closed)
		for _, state := range e.roots.Seq2() {
			state.mu.Lock()
			for id := range state.pending {
				delete(state.pending, id)
			}
			state.mu.Unlock()
		}
		e.broker.Shutdown()
	})
}
