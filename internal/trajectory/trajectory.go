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
// Package trajectory aggregates reasoning and tool events across a
// session tree into one ordered timeline.
package trajectory

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/specterops/talon/internal/hierarchy"
	"github.com/specterops/talon/internal/message"
	"github.com/specterops/talon/internal/session"
)

// Entry is one timeline event: a structured reasoning block or a tool
// invocation.
type Entry struct {
	Type       string `json:"type"` // "tvar" or "tool"
	Timestamp  int64  `json:"timestamp"`
	AgentName  string `json:"agentName,omitempty"`
	SessionID  string `json:"sessionID"`
	Phase      string `json:"phase,omitempty"`
	Summary    string `json:"summary"`
	Details    string `json:"details,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	Status     string `json:"status,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// SessionLog is the processed timeline of one session.
type SessionLog struct {
	SessionID string  `json:"sessionID"`
	Model     string  `json:"model,omitempty"`
	StartTime int64   `json:"startTime"`
	EndTime   int64   `json:"endTime,omitempty"`
	Steps     []Entry `json:"steps"`
}

// Summary carries the engagement-wide counters.
type Summary struct {
	TotalAgents     int      `json:"totalAgents"`
	AgentNames      []string `json:"agentNames"`
	ToolCalls       int      `json:"toolCalls"`
	SuccessfulTools int      `json:"successfulTools"`
	FailedTools     int      `json:"failedTools"`
	Phases          []string `json:"phases"`
}

// EngagementLog is the merged timeline of a whole session tree.
type EngagementLog struct {
	RootID  string  `json:"rootID"`
	Entries []Entry `json:"entries"`
	Summary Summary `json:"summary"`
}

// Aggregator walks the session tree post-hoc.
type Aggregator struct {
	sessions *session.Service
	messages *message.Service
	hier     *hierarchy.Registry
}

// NewAggregator wires an aggregator.
func NewAggregator(sessions *session.Service, messages *message.Service, hier *hierarchy.Registry) *Aggregator {
	return &Aggregator{sessions: sessions, messages: messages, hier: hier}
}

// FromSession collects the TVAR and tool events of one session in
// timestamp order. A TVAR linked to a tool call carries that tool's
// name and completion status.
func (a *Aggregator) FromSession(ctx context.Context, sessionID string) (SessionLog, error) {
	msgs, err := a.messages.List(ctx, sessionID)
	if err != nil {
		return SessionLog{}, err
	}

	out := SessionLog{SessionID: sessionID}
	toolsByCall := make(map[string]*message.ToolPart)
	for _, msg := range msgs {
		for _, tool := range msg.ToolParts() {
			toolsByCall[tool.CallID] = tool
		}
	}

	for _, msg := range msgs {
		if out.StartTime == 0 || msg.Time.Created < out.StartTime {
			out.StartTime = msg.Time.Created
		}
		if msg.Time.Completed > out.EndTime {
			out.EndTime = msg.Time.Completed
		}
		if msg.Role != message.Assistant {
			continue
		}
		if out.Model == "" {
			out.Model = msg.ModelID
		}
		for _, part := range msg.Parts {
			switch p := part.(type) {
			case *message.TVARPart:
				entry := Entry{
					Type:      "tvar",
					Timestamp: p.CreatedAt,
					SessionID: sessionID,
					Phase:     p.Phase,
					Summary:   p.Thought,
					Details:   p.Verify,
				}
				if p.ToolCallID != "" {
					if tool, ok := toolsByCall[p.ToolCallID]; ok {
						entry.ToolName = tool.Tool
						entry.Status = string(tool.State.Status)
					}
				}
				out.Steps = append(out.Steps, entry)
			case *message.ToolPart:
				entry := Entry{
					Type:      "tool",
					Timestamp: p.CreatedAt,
					SessionID: sessionID,
					ToolName:  p.Tool,
					Status:    string(p.State.Status),
					Summary:   toolSummary(p),
				}
				if p.State.Time.Start > 0 && p.State.Time.End > 0 {
					entry.DurationMs = p.State.Time.End - p.State.Time.Start
				}
				out.Steps = append(out.Steps, entry)
			}
		}
	}

	sort.SliceStable(out.Steps, func(i, j int) bool {
		return out.Steps[i].Timestamp < out.Steps[j].Timestamp
	})
	return out, nil
}

func toolSummary(tool *message.ToolPart) string {
	if tool.State.Title != "" {
		return tool.State.Title
	}
	return tool.Tool
}

var (
	atSubagentRe    = regexp.MustCompile(`@(\S+)\s+subagent`)
	childSessionRe  = regexp.MustCompile(`Child session .* for (\S+)`)
	fallbackSubName = "subagent"
)

// AgentName extracts an agent name from a child session title. The root
// of a tree is always named "master".
func AgentName(sess session.Session) string {
	if sess.IsRoot() {
		return "master"
	}
	if m := atSubagentRe.FindStringSubmatch(sess.Title); m != nil {
		return m[1]
	}
	if m := childSessionRe.FindStringSubmatch(sess.Title); m != nil {
		return m[1]
	}
	return fallbackSubName
}

// FromEngagement merges every session in rootID's tree into one
// ascending timeline with summary counters.
func (a *Aggregator) FromEngagement(ctx context.Context, rootID string) (EngagementLog, error) {
	children := a.hier.Children(rootID)
	// Session IDs are monotone, so sorting restores creation order.
	sort.Strings(children)
	ids := append([]string{rootID}, children...)

	log := EngagementLog{RootID: rootID}
	seenNames := make(map[string]bool)
	seenPhases := make(map[string]bool)

	for _, id := range ids {
		name := "master"
		if sess, err := a.sessions.Get(ctx, id); err == nil {
			name = AgentName(sess)
		} else if id != rootID {
			name = fallbackSubName
		}
		if !seenNames[name] {
			seenNames[name] = true
			log.Summary.AgentNames = append(log.Summary.AgentNames, name)
		}

		sessionLog, err := a.FromSession(ctx, id)
		if err != nil {
			return EngagementLog{}, fmt.Errorf("trajectory: session %s: %w", id, err)
		}
		for _, entry := range sessionLog.Steps {
			entry.AgentName = name
			log.Entries = append(log.Entries, entry)
		}
	}

	sort.SliceStable(log.Entries, func(i, j int) bool {
		return log.Entries[i].Timestamp < log.Entries[j].Timestamp
	})

	for _, entry := range log.Entries {
		if entry.Phase != "" && !seenPhases[entry.Phase] {
			seenPhases[entry.Phase] = true
			log.Summary.Phases = append(log.Summary.Phases, entry.Phase)
		}
		if entry.Type == "tool" {
			log.Summary.ToolCalls++
			switch entry.Status {
			case string(message.ToolCompleted):
				log.Summary.SuccessfulTools++
			case string(message.ToolError):
				log.Summary.FailedTools++
			}
		}
	}
	log.Summary.TotalAgents = len(log.Summary.AgentNames)
	return log, nil
}

// Summarize recomputes the summary counters from the entries. Used when
// a log is reloaded from disk, where only entries persist.
func (l *EngagementLog) Summarize() {
	summary := Summary{}
	seenNames := make(map[string]bool)
	seenPhases := make(map[string]bool)
	for _, entry := range l.Entries {
		if entry.AgentName != "" && !seenNames[entry.AgentName] {
			seenNames[entry.AgentName] = true
			summary.AgentNames = append(summary.AgentNames, entry.AgentName)
		}
		if entry.Phase != "" && !seenPhases[entry.Phase] {
			seenPhases[entry.Phase] = true
			summary.Phases = append(summary.Phases, entry.Phase)
		}
		if entry.Type == "tool" {
			summary.ToolCalls++
			switch entry.Status {
			case string(message.ToolCompleted):
				summary.SuccessfulTools++
			case string(message.ToolError):
				summary.FailedTools++
			}
		}
	}
	summary.TotalAgents = len(summary.AgentNames)
	l.Summary = summary
}

// FormatEngagementLog renders the timeline as text. Consecutive entries
// from the same agent blank the agent column; phase tags are abbreviated
// to five characters.
func FormatEngagementLog(log EngagementLog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Engagement %s — %d agents (%s), %d tool calls (%d ok, %d failed)\n\n",
		log.RootID,
		log.Summary.TotalAgents,
		strings.Join(log.Summary.AgentNames, ", "),
		log.Summary.ToolCalls,
		log.Summary.SuccessfulTools,
		log.Summary.FailedTools)

	width := 0
	for _, name := range log.Summary.AgentNames {
		if len(name) > width {
			width = len(name)
		}
	}

	prevAgent := ""
	for _, entry := range log.Entries {
		agent := entry.AgentName
		if agent == prevAgent {
			agent = ""
		} else {
			prevAgent = entry.AgentName
		}

		stamp := time.UnixMilli(entry.Timestamp).UTC().Format("15:04:05")
		fmt.Fprintf(&b, "%s  %-*s  %s %s", stamp, width, agent, phaseTag(entry.Phase), entry.Summary)
		if entry.Type == "tool" || entry.ToolName != "" {
			status := entry.Status
			if status == "" {
				status = "pending"
			}
			fmt.Fprintf(&b, " [%s %s]", entry.ToolName, status)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func phaseTag(phase string) string {
	if phase == "" {
		return "[     ]"
	}
	if len(phase) > 5 {
		phase = phase[:5]
	}
	return fmt.Sprintf("[%-5s]", phase)
}
