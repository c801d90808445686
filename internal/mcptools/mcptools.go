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
// Package mcptools tracks which tool names are served over MCP.
package mcptools

import (
	"encoding/json"
	"sync"

	"github.com/specterops/talon/internal/config"
)

// Registry answers "is this tool an MCP tool" against the configured
// name list. The set is built lazily and rebuilt when the configuration
// reloads.
type Registry struct {
	cfg *config.Config

	mu    sync.RWMutex
	names map[string]bool
	ready bool
}

// NewRegistry binds a registry to cfg and invalidates its cache on
// config reloads.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{cfg: cfg}
	cfg.OnChange(r.Invalidate)
	return r
}

// IsMcpTool reports whether name is served over MCP.
func (r *Registry) IsMcpTool(name string) bool {
	r.mu.RLock()
	if r.ready {
		known := r.names[name]
		r.mu.RUnlock()
		return known
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		r.names = make(map[string]bool)
		for _, n := range r.cfg.McpToolNames() {
			r.names[n] = true
		}
		r.ready = true
	}
	return r.names[name]
}

// Invalidate drops the cached set so the next lookup rebuilds it.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.ready = false
	r.names = nil
	r.mu.Unlock()
}

// ExtractRawOutput unwraps an MCP result envelope: a JSON object with a
// raw_output field yields that field's text and true, anything else
// passes through unchanged with false.
func ExtractRawOutput(output string) (string, bool) {
	var envelope struct {
		RawOutput *string `json:"raw_output"`
	}
	if err := json.Unmarshal([]byte(output), &envelope); err != nil {
		return output, false
	}
	if envelope.RawOutput == nil {
		return output, false
	}
	return *envelope.RawOutput, true
}
