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
// Package hierarchy maps sessions to the root of their session tree.
package hierarchy

import (
	"github.com/specterops/talon/internal/csync"
)

// Registry is a process-local mapping from child session IDs to the root
// session of their tree. Lookups are total: an unregistered session is its
// own root.
type Registry struct {
	roots *csync.Map[string, string]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{roots: csync.NewMap[string, string]()}
}

// Register records child as belonging to the tree rooted at root.
// Idempotent.
func (r *Registry) Register(child, root string) {
	r.roots.Set(child, root)
}

// RootOf returns the root of the tree containing id. Unregistered IDs are
// their own root.
func (r *Registry) RootOf(id string) string {
	if root, ok := r.roots.Get(id); ok {
		return root
	}
	return id
}

// Children returns every registered session whose root is root, excluding
// root itself.
func (r *Registry) Children(root string) []string {
	var children []string
	for child, reg := range r.roots.Seq2() {
		if reg == root && child != root {
			children = append(children, child)
		}
	}
	return children
}

// Unregister removes a single registration.
func (r *Registry) Unregister(id string) {
	r.roots.Delete(id)
}

// UnregisterTree removes root and every registration under it.
func (r *Registry) UnregisterTree(root string) {
	for _, child := range r.Children(root) {
		r.roots.Delete(child)
	}
	r.roots.Delete(root)
}
