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

import "fmt"

// PartMeta is the shared envelope of every part kind.
type PartMeta struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	CreatedAt int64  `json:"createdAt"`
}

// Meta returns the envelope.
func (m PartMeta) Meta() PartMeta { return m }

func (PartMeta) isPart() {}

// Part is the tagged union of message content kinds. Structs embedding
// PartMeta satisfy it.
type Part interface {
	Meta() PartMeta
	isPart()
}

// TimeSpan stamps the start and end of a streamed part.
type TimeSpan struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

// TextPart is streamed free text.
type TextPart struct {
	PartMeta
	Text string   `json:"text"`
	Time TimeSpan `json:"time"`
}

// ReasoningPart is model-reported private reasoning.
type ReasoningPart struct {
	PartMeta
	Text string   `json:"text"`
	Time TimeSpan `json:"time"`
}

// ToolStatus is the state of a tool invocation.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// ToolState carries the payload of the current tool status.
type ToolState struct {
	Status   ToolStatus     `json:"status"`
	Input    string         `json:"input,omitempty"`
	Output   string         `json:"output,omitempty"`
	Title    string         `json:"title,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Time     TimeSpan       `json:"time"`
}

// ToolPart is a tool invocation with a guarded state machine
// pending -> running -> (completed | error).
type ToolPart struct {
	PartMeta
	CallID string    `json:"callID"`
	Tool   string    `json:"tool"`
	State  ToolState `json:"state"`
}

var toolRank = map[ToolStatus]int{
	ToolPending:   0,
	ToolRunning:   1,
	ToolCompleted: 2,
	ToolError:     2,
}

// Transition advances the state machine. Completed and errored parts do
// not regress.
func (t *ToolPart) Transition(next ToolState) error {
	if toolRank[next.Status] < toolRank[t.State.Status] {
		return fmt.Errorf("tool %s: cannot transition %s -> %s", t.CallID, t.State.Status, next.Status)
	}
	if toolRank[t.State.Status] == 2 && toolRank[next.Status] == 2 && t.State.Status != next.Status {
		return fmt.Errorf("tool %s: already %s", t.CallID, t.State.Status)
	}
	if next.Time.Start == 0 {
		next.Time.Start = t.State.Time.Start
	}
	if next.Input == "" {
		next.Input = t.State.Input
	}
	t.State = next
	return nil
}

// TVARPart is a parsed structured reasoning block.
type TVARPart struct {
	PartMeta
	Thought    string `json:"thought"`
	Verify     string `json:"verify"`
	Action     string `json:"action,omitempty"`
	Result     string `json:"result,omitempty"`
	Phase      string `json:"phase,omitempty"`
	ToolCallID string `json:"toolCallID,omitempty"`
}

// StepStartPart marks a model step boundary and carries the workspace
// snapshot handle taken at step start.
type StepStartPart struct {
	PartMeta
	Snapshot string `json:"snapshot,omitempty"`
}

// StepFinishPart closes a model step with its usage accounting.
type StepFinishPart struct {
	PartMeta
	FinishReason string     `json:"finishReason,omitempty"`
	Tokens       TokenUsage `json:"tokens"`
	Cost         float64    `json:"cost"`
}

// PatchPart records the filesystem diff produced during a step.
type PatchPart struct {
	PartMeta
	Hash  string   `json:"hash"`
	Files []string `json:"files"`
	Diff  string   `json:"diff,omitempty"`
}
