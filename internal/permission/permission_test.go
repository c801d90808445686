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
package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specterops/talon/internal/hierarchy"
	"github.com/specterops/talon/internal/pubsub"
)

func newTestEngine(t *testing.T) (*Engine, *hierarchy.Registry) {
	t.Helper()
	hier := hierarchy.NewRegistry()
	engine := NewEngine(hier)
	t.Cleanup(engine.Shutdown)
	return engine, hier
}

func askAsync(engine *Engine, opts AskOptions) <-chan error {
	done := make(chan error, 1)
	go func() { done <- engine.Ask(context.Background(), opts) }()
	return done
}

func waitPending(t *testing.T, engine *Engine, sessionID string, n int) []Request {
	t.Helper()
	var reqs []Request
	require.Eventually(t, func() bool {
		reqs = engine.Pending(sessionID)
		return len(reqs) == n
	}, time.Second, 5*time.Millisecond)
	return reqs
}

func TestBubbleLocality(t *testing.T) {
	engine, hier := newTestEngine(t)
	hier.Register("C1", "R1")

	done := askAsync(engine, AskOptions{
		Type:      "bash",
		Patterns:  []string{"nmap *"},
		SessionID: "C1",
	})

	reqs := waitPending(t, engine, "R1", 1)
	assert.Equal(t, "R1", reqs[0].SessionID, "request bubbles to the tree root")
	assert.Empty(t, engine.Pending("R2"), "unrelated tree sees nothing")

	engine.Respond("R1", reqs[0].ID, ResponseOnce)
	require.NoError(t, <-done)

	// "once" leaves no residue: the same ask suspends again.
	again := askAsync(engine, AskOptions{
		Type:      "bash",
		Patterns:  []string{"nmap *"},
		SessionID: "C1",
	})
	reqs = waitPending(t, engine, "R1", 1)
	engine.Respond("R1", reqs[0].ID, ResponseReject)
	err := <-again
	require.Error(t, err)
	assert.True(t, IsRejected(err))
}

func TestUltrasploitTreeWide(t *testing.T) {
	engine, hier := newTestEngine(t)
	hier.Register("C1", "R1")
	hier.Register("C2", "R1")

	engine.EnableUltrasploit("C1")
	assert.True(t, engine.IsUltrasploit("R1"))

	// Every session in the tree passes without suspending.
	require.NoError(t, engine.Ask(context.Background(), AskOptions{
		Type: "bash", Patterns: []string{"rm -rf /tmp/x"}, SessionID: "C2",
	}))
	require.NoError(t, engine.Ask(context.Background(), AskOptions{
		Type: "edit", SessionID: "R1",
	}))

	// Other trees are unaffected.
	assert.False(t, engine.IsUltrasploit("R2"))
	other := askAsync(engine, AskOptions{Type: "bash", Patterns: []string{"id"}, SessionID: "R2"})
	reqs := waitPending(t, engine, "R2", 1)
	engine.Respond("R2", reqs[0].ID, ResponseOnce)
	require.NoError(t, <-other)

	engine.DisableUltrasploit("R1")
	assert.False(t, engine.IsUltrasploit("C1"))
}

func TestUltrasploitDrainsPending(t *testing.T) {
	engine, _ := newTestEngine(t)

	done := askAsync(engine, AskOptions{Type: "bash", Patterns: []string{"whoami"}, SessionID: "R1"})
	waitPending(t, engine, "R1", 1)

	engine.EnableUltrasploit("R1")
	require.NoError(t, <-done)
	assert.Empty(t, engine.Pending("R1"))
}

func TestPolicyDenyWinsOverUltrasploit(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.SetPolicy(func(req Request) PolicyDecision {
		if req.Type == "bash" {
			return PolicyDeny
		}
		return PolicyAsk
	})
	engine.EnableUltrasploit("R1")

	err := engine.Ask(context.Background(), AskOptions{Type: "bash", Patterns: []string{"id"}, SessionID: "R1"})
	require.Error(t, err)
	assert.True(t, IsRejected(err))

	require.NoError(t, engine.Ask(context.Background(), AskOptions{Type: "edit", SessionID: "R1"}))
}

func TestPolicyDenyWinsOverApprovalCache(t *testing.T) {
	engine, _ := newTestEngine(t)

	done := askAsync(engine, AskOptions{Type: "bash", Patterns: []string{"nmap -sV 10.0.0.1"}, SessionID: "R1", Always: []string{"nmap *"}})
	reqs := waitPending(t, engine, "R1", 1)
	engine.Respond("R1", reqs[0].ID, ResponseAlways)
	require.NoError(t, <-done)

	engine.SetPolicy(func(req Request) PolicyDecision {
		if req.Type == "bash" {
			return PolicyDeny
		}
		return PolicyAsk
	})

	// A later policy deny overrides the stored grant.
	err := engine.Ask(context.Background(), AskOptions{
		Type: "bash", Patterns: []string{"nmap -A 10.0.0.2"}, SessionID: "R1",
	})
	require.Error(t, err)
	assert.True(t, IsRejected(err))
}

func TestAlwaysCachesAndCoalesces(t *testing.T) {
	engine, _ := newTestEngine(t)

	first := askAsync(engine, AskOptions{Type: "bash", Patterns: []string{"nmap -sV 10.0.0.1"}, SessionID: "R1", Always: []string{"nmap *"}})
	waitPending(t, engine, "R1", 1)
	second := askAsync(engine, AskOptions{Type: "bash", Patterns: []string{"nmap -p- 10.0.0.1"}, SessionID: "R1", Always: []string{"nmap *"}})
	reqs := waitPending(t, engine, "R1", 2)

	// Answer whichever arrived first with "always"; the sibling whose
	// pattern the new grant covers resolves with it.
	var target Request
	for _, r := range reqs {
		if r.Patterns[0] == "nmap -sV 10.0.0.1" {
			target = r
		}
	}
	engine.Respond("R1", target.ID, ResponseAlways)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Empty(t, engine.Pending("R1"))

	// The grant persists for later asks.
	require.NoError(t, engine.Ask(context.Background(), AskOptions{
		Type: "bash", Patterns: []string{"nmap -A 10.0.0.2"}, SessionID: "R1",
	}))
}

func TestAbortedAskRejects(t *testing.T) {
	engine, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- engine.Ask(ctx, AskOptions{Type: "bash", Patterns: []string{"sleep 100"}, SessionID: "R1"})
	}()
	reqs := waitPending(t, engine, "R1", 1)

	cancel()
	err := <-done
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.Empty(t, engine.Pending("R1"))

	// A late Respond to the aborted request is a no-op.
	engine.Respond("R1", reqs[0].ID, ResponseOnce)
}

func TestReleaseSessionRejectsPending(t *testing.T) {
	engine, hier := newTestEngine(t)
	hier.Register("C1", "R1")

	done := askAsync(engine, AskOptions{Type: "bash", Patterns: []string{"id"}, SessionID: "C1"})
	waitPending(t, engine, "R1", 1)

	engine.ReleaseSession("R1")
	err := <-done
	require.Error(t, err)
	assert.True(t, IsRejected(err))
}

func TestShutdownRejectsEverywhere(t *testing.T) {
	hier := hierarchy.NewRegistry()
	engine := NewEngine(hier)

	a := askAsync(engine, AskOptions{Type: "bash", Patterns: []string{"a"}, SessionID: "R1"})
	b := askAsync(engine, AskOptions{Type: "bash", Patterns: []string{"b"}, SessionID: "R2"})
	waitPending(t, engine, "R1", 1)
	waitPending(t, engine, "R2", 1)

	engine.Shutdown()
	for _, done := range []<-chan error{a, b} {
		err := <-done
		require.Error(t, err)
		assert.True(t, IsRejected(err))
	}
}

func TestSubscribeSeesLifecycle(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := engine.Subscribe(ctx)

	done := askAsync(engine, AskOptions{Type: "bash", Patterns: []string{"id"}, SessionID: "R1"})
	reqs := waitPending(t, engine, "R1", 1)
	engine.Respond("R1", reqs[0].ID, ResponseOnce)
	require.NoError(t, <-done)

	var sawPending, sawReplied bool
	timeout := time.After(time.Second)
	for !(sawPending && sawReplied) {
		select {
		case evt := <-events:
			switch evt.Type {
			case pubsub.UpdatedEvent:
				sawPending = true
			case pubsub.RepliedEvent:
				sawReplied = true
			}
		case <-timeout:
			t.Fatal("missing lifecycle events")
		}
	}
}
