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
package processor

import (
	"context"
	"time"

	"github.com/specterops/talon/internal/message"
	"github.com/specterops/talon/internal/transport"
)

// Patch is the filesystem delta produced between step boundaries.
type Patch struct {
	Hash  string
	Files []string
	Diff  string
}

// Snapshot tracks workspace state at step start and diffs it at step
// finish.
type Snapshot interface {
	Track(ctx context.Context) (handle string, err error)
	Patch(ctx context.Context, handle string) (Patch, error)
}

// StoreRequest hands an MCP raw_output payload to external storage.
type StoreRequest struct {
	SessionID string
	Tool      string
	CallID    string
	Data      string
}

// StoreResult reports whether the payload was stored and the summary
// that replaces the inline output.
type StoreResult struct {
	Output   string
	Stored   bool
	OutputID string
}

// OutputStore persists large MCP tool outputs out of band.
type OutputStore interface {
	Store(ctx context.Context, req StoreRequest) (StoreResult, error)
}

// McpRegistry answers whether a tool name is served over MCP.
type McpRegistry interface {
	IsMcpTool(name string) bool
}

// RetryPolicy classifies transport errors and schedules backoff.
type RetryPolicy interface {
	// ShouldRetry reports whether the attempt (1-based) should be retried
	// and after what delay.
	ShouldRetry(err error, attempt int) (time.Duration, bool)
}

// CompactionPolicy decides when accumulated usage would overflow the
// model's context window.
type CompactionPolicy interface {
	ShouldCompact(usage message.TokenUsage, model transport.Model) bool
}

// AgentInfo describes a dispatchable sub-agent.
type AgentInfo struct {
	Name        string
	Description string
	Model       string
}

// AgentDirectory resolves sub-agent types for the task dispatcher.
type AgentDirectory interface {
	Lookup(name string) (AgentInfo, bool)
	List() []AgentInfo
}
