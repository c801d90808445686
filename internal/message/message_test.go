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
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []ToolStatus
		wantErr bool
	}{
		{"full lifecycle", []ToolStatus{ToolPending, ToolRunning, ToolCompleted}, false},
		{"error path", []ToolStatus{ToolPending, ToolRunning, ToolError}, false},
		{"skip running", []ToolStatus{ToolPending, ToolCompleted}, false},
		{"regress to running", []ToolStatus{ToolPending, ToolCompleted, ToolRunning}, true},
		{"completed to error", []ToolStatus{ToolPending, ToolCompleted, ToolError}, true},
		{"error to completed", []ToolStatus{ToolPending, ToolError, ToolCompleted}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tp := &ToolPart{CallID: "call_1", Tool: "nmap", State: ToolState{Status: tc.path[0]}}
			var err error
			for _, status := range tc.path[1:] {
				err = tp.Transition(ToolState{Status: status})
				if err != nil {
					break
				}
			}
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTransitionPreservesInputAndStart(t *testing.T) {
	tp := &ToolPart{CallID: "c", Tool: "curl", State: ToolState{Status: ToolPending, Time: TimeSpan{Start: 100}}}
	require.NoError(t, tp.Transition(ToolState{Status: ToolRunning, Input: `{"url":"http://x"}`}))
	require.NoError(t, tp.Transition(ToolState{Status: ToolCompleted, Output: "ok", Time: TimeSpan{End: 200}}))

	assert.Equal(t, `{"url":"http://x"}`, tp.State.Input, "input survives completion")
	assert.Equal(t, int64(100), tp.State.Time.Start)
	assert.Equal(t, int64(200), tp.State.Time.End)
}

func TestPartOrdering(t *testing.T) {
	svc := NewService()
	ctx := context.Background()
	msg, err := svc.Create(ctx, "ses_1", Assistant, "model", "provider")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		svc.AppendPart(ctx, msg, &TextPart{PartMeta: NewPartMeta(msg), Text: "x"})
	}

	ids := make([]string, len(msg.Parts))
	for i, p := range msg.Parts {
		ids[i] = p.Meta().ID
	}
	assert.True(t, sort.StringsAreSorted(ids), "part IDs are monotone in emission order")
}

func TestLastTextAndRemoveParts(t *testing.T) {
	svc := NewService()
	ctx := context.Background()
	msg, err := svc.Create(ctx, "ses_1", Assistant, "m", "p")
	require.NoError(t, err)

	first := &TextPart{PartMeta: NewPartMeta(msg), Text: "first"}
	tool := &ToolPart{PartMeta: NewPartMeta(msg), CallID: "c", Tool: "bash"}
	last := &TextPart{PartMeta: NewPartMeta(msg), Text: "last"}
	svc.AppendPart(ctx, msg, first)
	svc.AppendPart(ctx, msg, tool)
	svc.AppendPart(ctx, msg, last)

	assert.Equal(t, "last", msg.LastText())

	svc.RemoveParts(ctx, msg, map[string]bool{last.ID: true})
	assert.Equal(t, "first", msg.LastText())
	assert.Len(t, msg.Parts, 2)
}
