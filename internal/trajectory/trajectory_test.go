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
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specterops/talon/internal/hierarchy"
	"github.com/specterops/talon/internal/message"
	"github.com/specterops/talon/internal/session"
)

type fixture struct {
	sessions *session.Service
	messages *message.Service
	hier     *hierarchy.Registry
	agg      *Aggregator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hier := hierarchy.NewRegistry()
	sessions := session.NewService(hier)
	messages := message.NewService()
	return &fixture{
		sessions: sessions,
		messages: messages,
		hier:     hier,
		agg:      NewAggregator(sessions, messages, hier),
	}
}

// addTVAR attaches a TVAR part with a fixed timestamp to a fresh
// assistant message.
func (f *fixture) addTVAR(t *testing.T, sessionID, thought string, ts int64) {
	t.Helper()
	msg, err := f.messages.Create(context.Background(), sessionID, message.Assistant, "test-model", "test")
	require.NoError(t, err)
	meta := message.NewPartMeta(msg)
	meta.CreatedAt = ts
	f.messages.AppendPart(context.Background(), msg, &message.TVARPart{
		PartMeta: meta,
		Thought:  thought,
		Verify:   "checked",
		Phase:    "reconnaissance",
	})
}

func (f *fixture) addTool(t *testing.T, sessionID, tool string, status message.ToolStatus, ts int64) {
	t.Helper()
	msg, err := f.messages.Create(context.Background(), sessionID, message.Assistant, "test-model", "test")
	require.NoError(t, err)
	meta := message.NewPartMeta(msg)
	meta.CreatedAt = ts
	f.messages.AppendPart(context.Background(), msg, &message.ToolPart{
		PartMeta: meta,
		CallID:   "call_" + tool,
		Tool:     tool,
		State: message.ToolState{
			Status: status,
			Time:   message.TimeSpan{Start: ts, End: ts + 40},
		},
	})
}

func TestEngagementOrderAcrossSessions(t *testing.T) {
	f := newFixture(t)
	root, err := f.sessions.Create(context.Background(), "engagement")
	require.NoError(t, err)
	c1, err := f.sessions.CreateChild(context.Background(), root.ID, "Child session (recon) for recon1", nil)
	require.NoError(t, err)
	c2, err := f.sessions.CreateChild(context.Background(), root.ID, "Child session (enum) for enum1", nil)
	require.NoError(t, err)

	// Root reasons first, children later; insertion order is scrambled on
	// purpose.
	f.addTVAR(t, c2.ID, "from c2", 3000)
	f.addTVAR(t, root.ID, "from root", 1000)
	f.addTVAR(t, c1.ID, "from c1", 2000)

	log, err := f.agg.FromEngagement(context.Background(), root.ID)
	require.NoError(t, err)
	require.Len(t, log.Entries, 3)

	assert.Equal(t, []string{"from root", "from c1", "from c2"},
		[]string{log.Entries[0].Summary, log.Entries[1].Summary, log.Entries[2].Summary})
	assert.Equal(t, "master", log.Entries[0].AgentName)
	assert.Equal(t, "recon1", log.Entries[1].AgentName)
	assert.Equal(t, "enum1", log.Entries[2].AgentName)
}

func TestAgentNameExtraction(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"@web-hunter subagent for SQLi", "web-hunter"},
		{"Child session (recon sweep) for pentest/recon", "pentest/recon"},
		{"some unrelated title", "subagent"},
	}
	for _, tc := range tests {
		t.Run(tc.title, func(t *testing.T) {
			got := AgentName(session.Session{ParentID: "R", Title: tc.title})
			assert.Equal(t, tc.want, got)
		})
	}
	assert.Equal(t, "master", AgentName(session.Session{Title: "anything"}), "root is always master")
}

func TestSummaryCounters(t *testing.T) {
	f := newFixture(t)
	root, err := f.sessions.Create(context.Background(), "engagement")
	require.NoError(t, err)
	child, err := f.sessions.CreateChild(context.Background(), root.ID, "@scanner subagent", nil)
	require.NoError(t, err)

	f.addTool(t, root.ID, "nmap", message.ToolCompleted, 1000)
	f.addTool(t, child.ID, "hydra", message.ToolError, 2000)
	f.addTVAR(t, child.ID, "think", 3000)

	log, err := f.agg.FromEngagement(context.Background(), root.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, log.Summary.TotalAgents)
	assert.Equal(t, []string{"master", "scanner"}, log.Summary.AgentNames)
	assert.Equal(t, 2, log.Summary.ToolCalls)
	assert.Equal(t, 1, log.Summary.SuccessfulTools)
	assert.Equal(t, 1, log.Summary.FailedTools)
	assert.Equal(t, []string{"reconnaissance"}, log.Summary.Phases)
}

func TestTVARToolLinking(t *testing.T) {
	f := newFixture(t)
	root, err := f.sessions.Create(context.Background(), "engagement")
	require.NoError(t, err)

	msg, err := f.messages.Create(context.Background(), root.ID, message.Assistant, "test-model", "test")
	require.NoError(t, err)
	f.messages.AppendPart(context.Background(), msg, &message.TVARPart{
		PartMeta:   message.NewPartMeta(msg),
		Thought:    "run the scan",
		Verify:     "in scope",
		ToolCallID: "call_9",
	})
	f.messages.AppendPart(context.Background(), msg, &message.ToolPart{
		PartMeta: message.NewPartMeta(msg),
		CallID:   "call_9",
		Tool:     "nmap",
		State:    message.ToolState{Status: message.ToolCompleted},
	})

	log, err := f.agg.FromSession(context.Background(), root.ID)
	require.NoError(t, err)
	require.Len(t, log.Steps, 2)
	assert.Equal(t, "nmap", log.Steps[0].ToolName, "linked tvar carries the tool name")
	assert.Equal(t, "completed", log.Steps[0].Status)
}

func TestFormatBlanksRepeatedAgent(t *testing.T) {
	log := EngagementLog{
		RootID: "R",
		Summary: Summary{
			TotalAgents: 2,
			AgentNames:  []string{"master", "recon1"},
		},
		Entries: []Entry{
			{Type: "tvar", Timestamp: 1000, AgentName: "master", Phase: "reconnaissance", Summary: "first"},
			{Type: "tvar", Timestamp: 2000, AgentName: "master", Phase: "exploitation", Summary: "second"},
			{Type: "tvar", Timestamp: 3000, AgentName: "recon1", Summary: "third"},
		},
	}
	text := FormatEngagementLog(log)

	lines := []string{}
	for _, line := range strings.Split(text, "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], "master")
	assert.NotContains(t, lines[2], "master", "repeated agent column blanked")
	assert.Contains(t, lines[2], "[explo]", "phase tag abbreviated to five characters")
	assert.Contains(t, lines[3], "recon1")
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	log := EngagementLog{
		RootID: "R",
		Entries: []Entry{
			{Type: "tvar", Timestamp: 1, AgentName: "master", SessionID: "R", Summary: "a"},
			{Type: "tool", Timestamp: 2, AgentName: "recon1", SessionID: "C", ToolName: "nmap", Status: "completed", Summary: "nmap"},
		},
	}
	require.NoError(t, store.Save("R", log))

	loaded, err := store.Load("R")
	require.NoError(t, err)
	assert.Equal(t, log.Entries, loaded.Entries)

	empty, err := store.Load("missing")
	require.NoError(t, err)
	assert.Empty(t, empty.Entries)
}
