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
package task

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specterops/talon/internal/engagement"
	"github.com/specterops/talon/internal/hierarchy"
	"github.com/specterops/talon/internal/message"
	"github.com/specterops/talon/internal/processor"
	"github.com/specterops/talon/internal/session"
	"github.com/specterops/talon/internal/transport"
)

type fakeRunner struct {
	msgs  *message.Service
	text  string
	calls int
}

func (r *fakeRunner) Run(ctx context.Context, sessionID string, _ transport.Request) (processor.Result, error) {
	r.calls++
	msg, err := r.msgs.Create(ctx, sessionID, message.Assistant, "test-model", "test")
	if err != nil {
		return processor.Result{Status: processor.StatusStop}, err
	}
	r.msgs.AppendPart(ctx, msg, &message.TextPart{
		PartMeta: message.NewPartMeta(msg),
		Text:     r.text,
	})
	msg.Time.Completed = message.Now()
	return processor.Result{Status: processor.StatusStop, Message: msg}, nil
}

type blockedRunner struct{}

func (blockedRunner) Run(ctx context.Context, _ string, _ transport.Request) (processor.Result, error) {
	<-ctx.Done()
	return processor.Result{Status: processor.StatusStop}, ctx.Err()
}

type fixture struct {
	sessions *session.Service
	messages *message.Service
	hier     *hierarchy.Registry
	store    *engagement.Store
	runner   *fakeRunner
	disp     *Dispatcher
	root     session.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hier := hierarchy.NewRegistry()
	sessions := session.NewService(hier)
	messages := message.NewService()
	store := engagement.NewStore(t.TempDir(), hier)
	runner := &fakeRunner{msgs: messages, text: "recon complete"}
	disp := NewDispatcher(sessions, messages, hier, store, runner, nil)

	root, err := sessions.Create(context.Background(), "engagement against 10.0.0.0/24")
	require.NoError(t, err)

	return &fixture{
		sessions: sessions, messages: messages, hier: hier,
		store: store, runner: runner, disp: disp, root: root,
	}
}

func TestPromptInjectionOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Update(f.root.ID, engagement.State{
		"target": map[string]any{"ip": "10.0.0.1"},
	})
	require.NoError(t, err)

	res, err := f.disp.Task(context.Background(), Caller{SessionID: f.root.ID}, Params{
		Description:  "recon",
		Prompt:       "scan",
		SubagentType: "pentest/recon",
	})
	require.NoError(t, err)
	assert.Equal(t, "recon complete", res.Text)

	msgs, err := f.messages.List(context.Background(), res.TaskID)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	require.Equal(t, message.User, msgs[0].Role)

	prompt := msgs[0].TextContent()
	assert.Contains(t, prompt, "## Session Directory")
	assert.Contains(t, prompt, f.store.Dir(f.root.ID))

	ipIdx := strings.Index(prompt, "10.0.0.1")
	scanIdx := strings.LastIndex(prompt, "scan")
	require.GreaterOrEqual(t, ipIdx, 0, "state injection present")
	assert.Less(t, ipIdx, scanIdx, "state injection precedes the caller prompt")
}

func TestChildSessionRules(t *testing.T) {
	f := newFixture(t)
	res, err := f.disp.Task(context.Background(), Caller{SessionID: f.root.ID}, Params{
		Description:  "enum",
		Prompt:       "enumerate shares",
		SubagentType: "pentest/enum",
	})
	require.NoError(t, err)

	child, err := f.sessions.Get(context.Background(), res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, f.root.ID, child.ParentID)
	assert.Equal(t, f.root.ID, f.hier.RootOf(child.ID))

	assert.Equal(t, session.ActionDeny, child.RuleFor("task", "pentest/anything"), "recursive dispatch denied")
	assert.Equal(t, session.ActionDeny, child.RuleFor("todowrite", "x"))
	assert.Equal(t, session.ActionDeny, child.RuleFor("todoread", "x"))
	assert.Equal(t, session.ActionAllow,
		child.RuleFor("external_directory", f.store.Dir(f.root.ID)+"/findings/web.md"))

	// Engagement layout created.
	_, statErr := os.Stat(f.store.Dir(f.root.ID) + "/findings")
	assert.NoError(t, statErr)
}

func TestAgentTypeDenied(t *testing.T) {
	f := newFixture(t)
	restricted, err := f.sessions.CreateChild(context.Background(), f.root.ID, "restricted", []session.PermissionRule{
		{Permission: "task", Pattern: "*", Action: session.ActionDeny},
	})
	require.NoError(t, err)

	_, err = f.disp.Task(context.Background(), Caller{SessionID: restricted.ID}, Params{
		Prompt: "x", SubagentType: "custom/helper",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")

	// The pentest family bypasses the ruleset.
	_, err = f.disp.Task(context.Background(), Caller{SessionID: restricted.ID}, Params{
		Prompt: "x", SubagentType: "pentest/recon",
	})
	require.NoError(t, err)

	// So does the bypass flag.
	_, err = f.disp.Task(context.Background(), Caller{SessionID: restricted.ID, Bypass: true}, Params{
		Prompt: "x", SubagentType: "custom/helper",
	})
	require.NoError(t, err)
}

func TestEmptyStateHint(t *testing.T) {
	f := newFixture(t)
	res, err := f.disp.Task(context.Background(), Caller{SessionID: f.root.ID}, Params{
		Prompt: "go", SubagentType: "pentest/recon",
	})
	require.NoError(t, err)

	msgs, err := f.messages.List(context.Background(), res.TaskID)
	require.NoError(t, err)
	assert.Contains(t, msgs[0].TextContent(), "No engagement state recorded yet")
}

func TestNoInjectionForOtherAgents(t *testing.T) {
	f := newFixture(t)
	res, err := f.disp.Task(context.Background(), Caller{SessionID: f.root.ID}, Params{
		Prompt: "summarize", SubagentType: "general/writer",
	})
	require.NoError(t, err)

	msgs, err := f.messages.List(context.Background(), res.TaskID)
	require.NoError(t, err)
	prompt := msgs[0].TextContent()
	assert.Contains(t, prompt, "## Session Directory", "directory header always present")
	assert.NotContains(t, prompt, "Engagement State", "no injection for empty state outside pentest family")
}

func TestReuseTaskID(t *testing.T) {
	f := newFixture(t)
	first, err := f.disp.Task(context.Background(), Caller{SessionID: f.root.ID}, Params{
		Prompt: "start", SubagentType: "pentest/recon",
	})
	require.NoError(t, err)

	second, err := f.disp.Task(context.Background(), Caller{SessionID: f.root.ID}, Params{
		Prompt: "continue", SubagentType: "pentest/recon", TaskID: first.TaskID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, second.TaskID, "task id resumes the same child")
}

func TestCancelPropagates(t *testing.T) {
	f := newFixture(t)
	f.disp.runner = blockedRunner{}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.disp.Task(context.Background(), Caller{SessionID: f.root.ID}, Params{
			Prompt: "long running", SubagentType: "pentest/recon",
		})
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool {
		return f.disp.active.Len() > 0
	}, time.Second, 5*time.Millisecond)
	taskID := f.disp.active.Keys()[0]

	f.disp.Cancel(taskID)
	out := <-done
	require.Error(t, out.err)
	assert.Contains(t, out.err.Error(), "context canceled")
}
