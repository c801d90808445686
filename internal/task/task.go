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
// Package task dispatches sub-agent sessions and runs them to
// completion.
package task

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/specterops/talon/internal/csync"
	"github.com/specterops/talon/internal/engagement"
	"github.com/specterops/talon/internal/hierarchy"
	"github.com/specterops/talon/internal/log"
	"github.com/specterops/talon/internal/message"
	"github.com/specterops/talon/internal/processor"
	"github.com/specterops/talon/internal/session"
	"github.com/specterops/talon/internal/transport"
)

// AuthorizedPrefix names the sub-agent family exempt from the caller's
// permission ruleset.
const AuthorizedPrefix = "pentest/"

const emptyStateHint = "## Engagement State\n\nNo engagement state recorded yet. " +
	"Record discoveries as you make them.\n\n"

// Params describe one task dispatch.
type Params struct {
	Description  string
	Prompt       string
	SubagentType string
	// TaskID resumes an existing child session when set.
	TaskID string
	// Command is the caller-side command that triggered the dispatch.
	Command string
}

// Caller identifies the dispatching session.
type Caller struct {
	SessionID string
	// Bypass skips the agent-type permission check.
	Bypass bool
}

// Result is the completed task's output.
type Result struct {
	TaskID string
	Text   string
}

// Runner drives one assistant turn; satisfied by *processor.Processor.
type Runner interface {
	Run(ctx context.Context, sessionID string, req transport.Request) (processor.Result, error)
}

// Dispatcher creates child sessions and runs their turns.
type Dispatcher struct {
	sessions   *session.Service
	messages   *message.Service
	hier       *hierarchy.Registry
	engagement *engagement.Store
	runner     Runner
	agents     processor.AgentDirectory

	// active maps a child session to its cancel so parent aborts
	// propagate.
	active *csync.Map[string, context.CancelFunc]
}

// NewDispatcher wires a dispatcher. agents may be nil, which skips
// directory validation.
func NewDispatcher(
	sessions *session.Service,
	messages *message.Service,
	hier *hierarchy.Registry,
	store *engagement.Store,
	runner Runner,
	agents processor.AgentDirectory,
) *Dispatcher {
	return &Dispatcher{
		sessions:   sessions,
		messages:   messages,
		hier:       hier,
		engagement: store,
		runner:     runner,
		agents:     agents,
		active:     csync.NewMap[string, context.CancelFunc](),
	}
}

// Cancel aborts the running task on the given child session, if any.
func (d *Dispatcher) Cancel(taskID string) {
	if cancel, ok := d.active.Take(taskID); ok {
		cancel()
	}
}

// Task creates or resumes a child session for the sub-agent type and
// drives it until its response completes.
func (d *Dispatcher) Task(ctx context.Context, caller Caller, params Params) (Result, error) {
	if params.SubagentType == "" {
		return Result{}, fmt.Errorf("task: subagent type required")
	}

	callerSess, err := d.sessions.Get(ctx, caller.SessionID)
	if err != nil {
		return Result{}, fmt.Errorf("task: %w", err)
	}

	if !caller.Bypass && !strings.HasPrefix(params.SubagentType, AuthorizedPrefix) {
		if callerSess.RuleFor("task", params.SubagentType) == session.ActionDeny {
			return Result{}, fmt.Errorf("task: agent type %q denied for session %s", params.SubagentType, caller.SessionID)
		}
		if d.agents != nil {
			if _, ok := d.agents.Lookup(params.SubagentType); !ok {
				return Result{}, fmt.Errorf("task: unknown agent type %q", params.SubagentType)
			}
		}
	}

	rootID := d.hier.RootOf(caller.SessionID)
	rootDir := d.engagement.Dir(rootID)

	child, err := d.resolveChild(ctx, caller.SessionID, rootID, rootDir, params)
	if err != nil {
		return Result{}, err
	}

	if err := d.engagement.Ensure(rootID); err != nil {
		return Result{}, fmt.Errorf("task: %w", err)
	}

	prompt, err := d.enrichPrompt(rootID, rootDir, params)
	if err != nil {
		return Result{}, fmt.Errorf("task: %w", err)
	}

	user, err := d.messages.Create(ctx, child.ID, message.User, "", "")
	if err != nil {
		return Result{}, fmt.Errorf("task: %w", err)
	}
	d.messages.AppendPart(ctx, user, &message.TextPart{
		PartMeta: message.NewPartMeta(user),
		Text:     prompt,
		Time:     message.TimeSpan{Start: message.Now(), End: message.Now()},
	})

	taskCtx, cancel := context.WithCancel(ctx)
	d.active.Set(child.ID, cancel)
	defer func() {
		cancel()
		d.active.Delete(child.ID)
	}()

	log.Info("dispatching sub-agent",
		zap.String("caller", caller.SessionID),
		zap.String("child", child.ID),
		zap.String("type", params.SubagentType))

	var last *message.Message
	for {
		history, err := d.messages.List(taskCtx, child.ID)
		if err != nil {
			return Result{}, fmt.Errorf("task: %w", err)
		}
		res, err := d.runner.Run(taskCtx, child.ID, transport.Request{Messages: history})
		if err != nil {
			return Result{TaskID: child.ID}, fmt.Errorf("task: %w", err)
		}
		last = res.Message
		if res.Status != processor.StatusContinue {
			break
		}
	}

	text := ""
	if last != nil {
		text = last.LastText()
	}
	return Result{TaskID: child.ID, Text: text}, nil
}

func (d *Dispatcher) resolveChild(ctx context.Context, callerID, rootID, rootDir string, params Params) (session.Session, error) {
	if params.TaskID != "" {
		if existing, err := d.sessions.Get(ctx, params.TaskID); err == nil {
			d.hier.Register(existing.ID, rootID)
			return existing, nil
		}
		log.Warn("task id not found, creating fresh child", zap.String("taskID", params.TaskID))
	}

	title := fmt.Sprintf("Child session (%s) for %s", params.Description, params.SubagentType)
	rules := []session.PermissionRule{
		{Permission: "task", Pattern: "*", Action: session.ActionDeny},
		{Permission: "todowrite", Pattern: "*", Action: session.ActionDeny},
		{Permission: "todoread", Pattern: "*", Action: session.ActionDeny},
		{Permission: "external_directory", Pattern: rootDir + "/*", Action: session.ActionAllow},
	}
	child, err := d.sessions.CreateChild(ctx, callerID, title, rules)
	if err != nil {
		return session.Session{}, fmt.Errorf("task: %w", err)
	}
	return child, nil
}

// enrichPrompt prefixes the caller prompt with the session-directory
// header and, when applicable, the engagement-state injection.
func (d *Dispatcher) enrichPrompt(rootID, rootDir string, params Params) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "## Session Directory\n\n%s\n\n", rootDir)

	inject := strings.HasPrefix(params.SubagentType, AuthorizedPrefix)
	block, ok, err := d.engagement.FormatForInjection(rootID)
	if err != nil {
		return "", err
	}
	if ok {
		inject = true
	}
	if inject {
		if ok {
			b.WriteString(block)
			b.WriteString("\n")
		} else {
			b.WriteString(emptyStateHint)
		}
	}

	b.WriteString(params.Prompt)
	return b.String(), nil
}
