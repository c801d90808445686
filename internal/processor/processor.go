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
// Package processor drives one assistant response over a model stream,
// materializing message parts and their side effects.
package processor

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/specterops/talon/internal/log"
	"github.com/specterops/talon/internal/mcptools"
	"github.com/specterops/talon/internal/message"
	"github.com/specterops/talon/internal/permission"
	"github.com/specterops/talon/internal/pubsub"
	"github.com/specterops/talon/internal/transport"
	"github.com/specterops/talon/internal/tvar"
)

// Status is the terminal state of one processor run.
type Status string

const (
	// StatusContinue means another step may follow.
	StatusContinue Status = "continue"
	// StatusStop means a denied permission or fatal error ended the run.
	StatusStop Status = "stop"
	// StatusCompact means the caller must compact history and rerun.
	StatusCompact Status = "compact"
)

// StatusEvent is published out of band while a run is in flight.
type StatusEvent struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionID"`
	Attempt     int    `json:"attempt,omitempty"`
	Message     string `json:"message,omitempty"`
	NextRetryAt int64  `json:"nextRetryAt,omitempty"`
}

// Options wires a processor to its collaborators. Messages and Transport
// are required; the rest are optional.
type Options struct {
	Messages    *message.Service
	Permissions *permission.Engine
	Transport   transport.Stream
	Model       transport.Model

	Snapshot    Snapshot
	OutputStore OutputStore
	Mcp         McpRegistry
	Retry       RetryPolicy
	Compaction  CompactionPolicy

	// TextHook post-processes finalized text before TVAR extraction.
	TextHook func(string) string

	// ContinueOnDeny keeps the loop eligible to continue after a denied
	// permission instead of stopping at the step boundary.
	ContinueOnDeny bool
}

// Processor owns the lifecycle of assistant messages for one session
// scope.
type Processor struct {
	opts   Options
	status *pubsub.Broker[StatusEvent]
}

// New creates a processor, defaulting the retry and compaction policies.
func New(opts Options) *Processor {
	if opts.Retry == nil {
		opts.Retry = NewDefaultRetryPolicy()
	}
	if opts.Compaction == nil {
		opts.Compaction = DefaultCompactionPolicy{}
	}
	return &Processor{opts: opts, status: pubsub.NewBroker[StatusEvent]()}
}

// Status returns out-of-band run status events (retries).
func (p *Processor) Status(ctx context.Context) <-chan pubsub.Event[StatusEvent] {
	return p.status.Subscribe(ctx)
}

// Result is the outcome of one Run.
type Result struct {
	Status  Status
	Message *message.Message
}

// Run streams one assistant turn for sessionID. It returns the terminal
// status and the materialized assistant message. On abort the returned
// error is the context error and all in-flight tool parts are errored.
func (p *Processor) Run(ctx context.Context, sessionID string, req transport.Request) (Result, error) {
	assistant, err := p.opts.Messages.Create(ctx, sessionID, message.Assistant, p.opts.Model.ID, p.opts.Model.Provider)
	if err != nil {
		return Result{Status: StatusStop}, err
	}
	if req.Model == "" {
		req.Model = p.opts.Model.ID
	}

	attempt := 0
	for {
		status, runErr := p.runAttempt(ctx, assistant, req)
		if runErr == nil {
			if !assistant.IsFinished() {
				assistant.Time.Completed = message.Now()
				p.opts.Messages.Update(ctx, assistant)
			}
			return Result{Status: status, Message: assistant}, nil
		}
		if ctx.Err() != nil {
			p.newRun(ctx, assistant, req).abort()
			return Result{Status: StatusStop, Message: assistant}, ctx.Err()
		}

		attempt++
		delay, retry := p.opts.Retry.ShouldRetry(runErr, attempt)
		if !retry {
			assistant.Error = runErr.Error()
			assistant.Time.Completed = message.Now()
			p.opts.Messages.Update(ctx, assistant)
			log.Error("transport failed", zap.String("session", sessionID), zap.Error(runErr))
			return Result{Status: StatusStop, Message: assistant}, nil
		}

		p.status.Publish(pubsub.UpdatedEvent, StatusEvent{
			Type:        "retry",
			SessionID:   sessionID,
			Attempt:     attempt,
			Message:     runErr.Error(),
			NextRetryAt: time.Now().Add(delay).UnixMilli(),
		})
		log.Warn("retrying transport",
			zap.String("session", sessionID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(runErr))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			p.newRun(ctx, assistant, req).abort()
			return Result{Status: StatusStop, Message: assistant}, ctx.Err()
		}
	}
}

// run is the per-attempt stream state. There is only one active step at
// a time within a message; text and reasoning streams interleave keyed
// by distinct IDs.
type run struct {
	p   *Processor
	ctx context.Context
	msg *message.Message
	req transport.Request

	texts      map[string]*message.TextPart
	reasonings map[string]*message.ReasoningPart
	tools      map[string]*message.ToolPart

	snapshotHandle  string
	finishReason    string
	blocked         bool
	needsCompaction bool
	raisedLoops     map[string]bool
}

func (p *Processor) newRun(ctx context.Context, msg *message.Message, req transport.Request) *run {
	return &run{
		p:           p,
		ctx:         ctx,
		msg:         msg,
		req:         req,
		texts:       make(map[string]*message.TextPart),
		reasonings:  make(map[string]*message.ReasoningPart),
		tools:       make(map[string]*message.ToolPart),
		raisedLoops: make(map[string]bool),
	}
}

func (p *Processor) runAttempt(ctx context.Context, msg *message.Message, req transport.Request) (Status, error) {
	events, err := p.opts.Transport.Stream(ctx, req)
	if err != nil {
		return StatusStop, err
	}

	r := p.newRun(ctx, msg, req)
	for {
		select {
		case <-ctx.Done():
			r.abort()
			return StatusStop, ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return r.terminal(), nil
			}
			if evt.Type == transport.EventError {
				return StatusStop, evt.Err
			}
			r.handle(evt)
			if ctx.Err() != nil {
				r.abort()
				return StatusStop, ctx.Err()
			}
		}
	}
}

func (r *run) terminal() Status {
	if r.blocked && !r.p.opts.ContinueOnDeny {
		return StatusStop
	}
	if r.needsCompaction {
		return StatusCompact
	}
	switch r.finishReason {
	case "tool_use", "tool-calls":
		return StatusContinue
	}
	return StatusStop
}

func (r *run) handle(evt transport.Event) {
	switch evt.Type {
	case transport.EventStart, transport.EventFinish:
		if evt.FinishReason != "" {
			r.finishReason = evt.FinishReason
		}

	case transport.EventStartStep:
		r.startStep()

	case transport.EventFinishStep:
		r.finishStep(evt)

	case transport.EventTextStart:
		part := &message.TextPart{
			PartMeta: message.NewPartMeta(r.msg),
			Time:     message.TimeSpan{Start: message.Now()},
		}
		r.texts[evt.ID] = part
		r.p.opts.Messages.AppendPart(r.ctx, r.msg, part)

	case transport.EventTextDelta:
		if part := r.texts[evt.ID]; part != nil {
			part.Text += evt.Text
			r.p.opts.Messages.SavePart(r.ctx, part)
		}

	case transport.EventTextEnd:
		r.endText(evt.ID)

	case transport.EventReasoningStart:
		part := &message.ReasoningPart{
			PartMeta: message.NewPartMeta(r.msg),
			Time:     message.TimeSpan{Start: message.Now()},
		}
		r.reasonings[evt.ID] = part
		r.p.opts.Messages.AppendPart(r.ctx, r.msg, part)

	case transport.EventReasoningDelta:
		if part := r.reasonings[evt.ID]; part != nil {
			part.Text += evt.Text
			r.p.opts.Messages.SavePart(r.ctx, part)
		}

	case transport.EventReasoningEnd:
		if part := r.reasonings[evt.ID]; part != nil {
			part.Text = strings.TrimRight(part.Text, " \t\r\n")
			part.Time.End = message.Now()
			r.p.opts.Messages.SavePart(r.ctx, part)
		}

	case transport.EventToolInputStart:
		r.pendingTool(evt.ToolCallID, evt.ToolName)

	case transport.EventToolInputDelta, transport.EventToolInputEnd:
		// Input accumulates transport-side; the full input arrives with
		// tool-call.

	case transport.EventToolCall:
		r.toolCall(evt)

	case transport.EventToolResult:
		r.toolResult(evt)

	case transport.EventToolError:
		if part := r.tools[evt.ToolCallID]; part != nil {
			r.transition(part, message.ToolState{
				Status: message.ToolError,
				Input:  evt.Input,
				Error:  evt.Output,
				Time:   message.TimeSpan{End: message.Now()},
			})
		}
	}
}

func (r *run) startStep() {
	part := &message.StepStartPart{PartMeta: message.NewPartMeta(r.msg)}
	if r.p.opts.Snapshot != nil {
		handle, err := r.p.opts.Snapshot.Track(r.ctx)
		if err != nil {
			log.Warn("snapshot track failed", zap.Error(err))
		} else {
			r.snapshotHandle = handle
			part.Snapshot = handle
		}
	}
	r.p.opts.Messages.AppendPart(r.ctx, r.msg, part)
}

func (r *run) finishStep(evt transport.Event) {
	if evt.FinishReason != "" {
		r.finishReason = evt.FinishReason
	}
	usage := evt.Usage
	if usage.Total() == 0 {
		usage = r.estimateUsage()
	}
	cost := r.p.opts.Model.Cost(usage)
	r.msg.Tokens = r.msg.Tokens.Add(usage)
	r.msg.Cost += cost
	r.p.opts.Messages.Update(r.ctx, r.msg)

	r.p.opts.Messages.AppendPart(r.ctx, r.msg, &message.StepFinishPart{
		PartMeta:     message.NewPartMeta(r.msg),
		FinishReason: evt.FinishReason,
		Tokens:       usage,
		Cost:         cost,
	})

	if r.snapshotHandle != "" {
		patch, err := r.p.opts.Snapshot.Patch(r.ctx, r.snapshotHandle)
		r.snapshotHandle = ""
		if err != nil {
			log.Warn("snapshot patch failed", zap.Error(err))
		} else if len(patch.Files) > 0 {
			r.p.opts.Messages.AppendPart(r.ctx, r.msg, &message.PatchPart{
				PartMeta: message.NewPartMeta(r.msg),
				Hash:     patch.Hash,
				Files:    patch.Files,
				Diff:     patch.Diff,
			})
		}
	}

	if r.p.opts.Compaction.ShouldCompact(r.msg.Tokens, r.p.opts.Model) {
		r.needsCompaction = true
	}
}

// estimateUsage approximates the step's tokens when the transport
// reported none, so the compaction check still sees context pressure.
func (r *run) estimateUsage() message.TokenUsage {
	var prompt strings.Builder
	prompt.WriteString(r.req.System)
	for _, m := range r.req.Messages {
		prompt.WriteString(m.TextContent())
	}
	return message.TokenUsage{
		Input:  EstimateTokens(prompt.String()),
		Output: EstimateTokens(r.msg.TextContent()),
	}
}

func (r *run) endText(id string) {
	part := r.texts[id]
	if part == nil {
		return
	}
	text := strings.TrimRight(part.Text, " \t\r\n")
	if r.p.opts.TextHook != nil {
		text = r.p.opts.TextHook(text)
	}

	blocks := tvar.Parse(text)
	for _, block := range blocks {
		r.p.opts.Messages.AppendPart(r.ctx, r.msg, &message.TVARPart{
			PartMeta: message.NewPartMeta(r.msg),
			Thought:  block.Thought,
			Verify:   block.Verify,
			Action:   block.Action,
			Result:   block.Result,
			Phase:    tvar.ClassifyPhase(block.Thought + " " + block.Verify),
		})
	}
	if len(blocks) > 0 {
		text = tvar.Strip(text, blocks)
	}

	part.Text = text
	part.Time.End = message.Now()
	r.p.opts.Messages.SavePart(r.ctx, part)
}

func (r *run) pendingTool(callID, toolName string) *message.ToolPart {
	if part := r.tools[callID]; part != nil {
		return part
	}
	part := &message.ToolPart{
		PartMeta: message.NewPartMeta(r.msg),
		CallID:   callID,
		Tool:     toolName,
		State: message.ToolState{
			Status: message.ToolPending,
			Time:   message.TimeSpan{Start: message.Now()},
		},
	}
	r.tools[callID] = part
	r.p.opts.Messages.AppendPart(r.ctx, r.msg, part)
	return part
}

func (r *run) toolCall(evt transport.Event) {
	part := r.pendingTool(evt.ToolCallID, evt.ToolName)
	r.transition(part, message.ToolState{
		Status: message.ToolRunning,
		Input:  evt.Input,
	})

	r.linkTVAR(evt.ToolCallID)
	r.checkDoomLoop(part)
}

// linkTVAR attaches the call to the most recent tvar part still unlinked.
func (r *run) linkTVAR(callID string) {
	for i := len(r.msg.Parts) - 1; i >= 0; i-- {
		if block, ok := r.msg.Parts[i].(*message.TVARPart); ok && block.ToolCallID == "" {
			block.ToolCallID = callID
			r.p.opts.Messages.SavePart(r.ctx, block)
			return
		}
	}
	log.Warn("tool call without preceding reasoning block",
		zap.String("session", r.msg.SessionID),
		zap.String("call", callID))
}

// checkDoomLoop raises a single permission when the last three
// non-pending tool calls repeat the same tool with byte-identical input.
func (r *run) checkDoomLoop(current *message.ToolPart) {
	if r.p.opts.Permissions == nil {
		return
	}
	var recent []*message.ToolPart
	for _, part := range r.msg.ToolParts() {
		if part.State.Status != message.ToolPending {
			recent = append(recent, part)
		}
	}
	if len(recent) < 3 {
		return
	}
	last := recent[len(recent)-3:]
	name, input := last[0].Tool, last[0].State.Input
	for _, part := range last[1:] {
		if part.Tool != name || part.State.Input != input {
			return
		}
	}

	key := name + "\x00" + input
	if r.raisedLoops[key] {
		return
	}
	r.raisedLoops[key] = true

	err := r.p.opts.Permissions.Ask(r.ctx, permission.AskOptions{
		Type:      permission.TypeDoomLoop,
		Title:     "Repeated identical tool call: " + name,
		Patterns:  []string{name},
		SessionID: r.msg.SessionID,
		MessageID: r.msg.ID,
		CallID:    current.CallID,
		Metadata:  map[string]any{"tool": name, "input": input},
	})
	if permission.IsRejected(err) {
		r.blocked = true
		r.transition(current, message.ToolState{
			Status: message.ToolError,
			Error:  "Permission denied: repeated identical tool call",
			Time:   message.TimeSpan{End: message.Now()},
		})
	}
}

func (r *run) toolResult(evt transport.Event) {
	part := r.tools[evt.ToolCallID]
	if part == nil {
		log.Warn("result for unknown tool call", zap.String("call", evt.ToolCallID))
		return
	}

	output := evt.Output
	var metadata map[string]any
	if r.p.opts.Mcp != nil && r.p.opts.Mcp.IsMcpTool(part.Tool) {
		if raw, ok := mcptools.ExtractRawOutput(output); ok && r.p.opts.OutputStore != nil {
			stored, err := r.p.opts.OutputStore.Store(r.ctx, StoreRequest{
				SessionID: r.msg.SessionID,
				Tool:      part.Tool,
				CallID:    part.CallID,
				Data:      raw,
			})
			if err != nil {
				log.Warn("output store failed", zap.String("tool", part.Tool), zap.Error(err))
			} else if stored.Stored {
				output = stored.Output
				metadata = map[string]any{
					"outputStored": true,
					"outputId":     stored.OutputID,
				}
			}
		}
	}

	r.transition(part, message.ToolState{
		Status:   message.ToolCompleted,
		Input:    evt.Input,
		Output:   output,
		Metadata: metadata,
		Time:     message.TimeSpan{End: message.Now()},
	})
}

func (r *run) transition(part *message.ToolPart, next message.ToolState) {
	if err := part.Transition(next); err != nil {
		log.Warn("tool transition refused", zap.Error(err))
		return
	}
	r.p.opts.Messages.SavePart(r.ctx, part)
}

// abort flips every running or pending tool on the message to error and
// stamps message completion. It scans the materialized parts rather than
// run-local state so tools from an earlier failed attempt are covered.
func (r *run) abort() {
	now := message.Now()
	for _, part := range r.msg.ToolParts() {
		switch part.State.Status {
		case message.ToolPending, message.ToolRunning:
			r.transition(part, message.ToolState{
				Status: message.ToolError,
				Error:  "Tool execution aborted",
				Time:   message.TimeSpan{End: now},
			})
		}
	}
	if !r.msg.IsFinished() {
		r.msg.Time.Completed = now
		r.p.opts.Messages.Update(r.ctx, r.msg)
	}
}
