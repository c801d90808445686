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
// Package transport defines the model-stream event vocabulary consumed
// by the processor. Concrete adapters live in subpackages.
package transport

import (
	"context"

	"github.com/specterops/talon/internal/message"
)

// EventType enumerates the typed events a model stream produces.
type EventType string

const (
	EventStart      EventType = "start"
	EventFinish     EventType = "finish"
	EventStartStep  EventType = "start-step"
	EventFinishStep EventType = "finish-step"

	EventTextStart EventType = "text-start"
	EventTextDelta EventType = "text-delta"
	EventTextEnd   EventType = "text-end"

	EventReasoningStart EventType = "reasoning-start"
	EventReasoningDelta EventType = "reasoning-delta"
	EventReasoningEnd   EventType = "reasoning-end"

	EventToolInputStart EventType = "tool-input-start"
	EventToolInputDelta EventType = "tool-input-delta"
	EventToolInputEnd   EventType = "tool-input-end"
	EventToolCall       EventType = "tool-call"
	EventToolResult     EventType = "tool-result"
	EventToolError      EventType = "tool-error"

	EventError EventType = "error"
)

// Event is one unit of the stream. Fields are populated per type: ID
// keys text/reasoning/tool-input streams, ToolCallID keys tool
// lifecycle events.
type Event struct {
	Type EventType

	ID   string
	Text string

	ToolCallID string
	ToolName   string
	Input      string
	Output     string

	FinishReason string
	Usage        message.TokenUsage

	ProviderMetadata map[string]any

	Err error
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is one assistant turn: the conversation so far plus the tool
// surface.
type Request struct {
	Model     string
	System    string
	MaxTokens int64
	Messages  []*message.Message
	Tools     []ToolDef
}

// Model describes the target model for cost and compaction math.
type Model struct {
	ID              string
	Provider        string
	ContextWindow   int
	CostPer1MInput  float64
	CostPer1MOutput float64
}

// Cost prices a token usage against the model.
func (m Model) Cost(u message.TokenUsage) float64 {
	return float64(u.Input+u.CacheRead)/1e6*m.CostPer1MInput +
		float64(u.Output+u.Reasoning)/1e6*m.CostPer1MOutput
}

// Stream is the model transport collaborator. The returned channel is
// closed after the final event; a fatal setup failure is returned
// directly.
type Stream interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}
