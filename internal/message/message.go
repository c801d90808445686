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
// Package message models conversation turns and their ordered parts.
package message

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	User      Role = "user"
	Assistant Role = "assistant"
)

// TokenUsage tracks token counts for one message or step.
type TokenUsage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Reasoning int `json:"reasoning,omitempty"`
	CacheRead int `json:"cacheRead,omitempty"`
}

// Total returns all tokens counted against the context window.
func (u TokenUsage) Total() int {
	return u.Input + u.Output + u.Reasoning + u.CacheRead
}

// Add accumulates another usage sample.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	u.Input += other.Input
	u.Output += other.Output
	u.Reasoning += other.Reasoning
	u.CacheRead += other.CacheRead
	return u
}

// MessageTime stamps message lifecycle boundaries in unix milliseconds.
type MessageTime struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

// Message is one turn in a session. Assistant messages own an ordered
// sequence of parts.
type Message struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionID"`
	ParentID   string      `json:"parentID,omitempty"`
	Role       Role        `json:"role"`
	ModelID    string      `json:"modelID,omitempty"`
	ProviderID string      `json:"providerID,omitempty"`
	Tokens     TokenUsage  `json:"tokens"`
	Cost       float64     `json:"cost"`
	Time       MessageTime `json:"time"`
	Error      string      `json:"error,omitempty"`

	Parts []Part `json:"-"`
}

// TextContent concatenates the message's text parts.
func (m *Message) TextContent() string {
	var text string
	for _, p := range m.Parts {
		if t, ok := p.(*TextPart); ok {
			text += t.Text
		}
	}
	return text
}

// LastText returns the text of the final text part, or "".
func (m *Message) LastText() string {
	for i := len(m.Parts) - 1; i >= 0; i-- {
		if t, ok := m.Parts[i].(*TextPart); ok {
			return t.Text
		}
	}
	return ""
}

// ToolParts returns the message's tool parts in order.
func (m *Message) ToolParts() []*ToolPart {
	var tools []*ToolPart
	for _, p := range m.Parts {
		if tp, ok := p.(*ToolPart); ok {
			tools = append(tools, tp)
		}
	}
	return tools
}

// TVARParts returns the message's structured reasoning parts in order.
func (m *Message) TVARParts() []*TVARPart {
	var blocks []*TVARPart
	for _, p := range m.Parts {
		if tv, ok := p.(*TVARPart); ok {
			blocks = append(blocks, tv)
		}
	}
	return blocks
}

// IsFinished reports whether the message completed.
func (m *Message) IsFinished() bool {
	return m.Time.Completed > 0
}

// Now returns the current time in unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}
