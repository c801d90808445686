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
// Package session manages conversational sessions and their tree
// lifecycle.
package session

import (
	"strings"
	"time"
)

// RuleAction is the outcome of a matching permission rule.
type RuleAction string

const (
	ActionAllow RuleAction = "allow"
	ActionDeny  RuleAction = "deny"
	ActionAsk   RuleAction = "ask"
)

// PermissionRule scopes a permission type to a wildcard pattern and an
// action. Rules are evaluated in order; the first match wins.
type PermissionRule struct {
	Permission string     `json:"permission"`
	Pattern    string     `json:"pattern,omitempty"`
	Action     RuleAction `json:"action"`
}

// Session represents a conversational context. A session with no ParentID
// is the root of its tree.
type Session struct {
	ID          string           `json:"id"`
	ParentID    string           `json:"parentID,omitempty"`
	Title       string           `json:"title"`
	Permissions []PermissionRule `json:"permission,omitempty"`
	CreatedAt   int64            `json:"createdAt"`
	UpdatedAt   int64            `json:"updatedAt"`
}

// IsRoot reports whether the session has no parent.
func (s Session) IsRoot() bool {
	return s.ParentID == ""
}

// RuleFor returns the action of the first rule matching the permission
// type and value, or ActionAsk when no rule matches.
func (s Session) RuleFor(permission, value string) RuleAction {
	for _, rule := range s.Permissions {
		if rule.Permission != permission {
			continue
		}
		if rule.Pattern == "" || MatchWildcard(rule.Pattern, value) {
			return rule.Action
		}
	}
	return ActionAsk
}

// Merge returns a copy of s with non-zero fields from update applied.
func (s Session) Merge(update Session) Session {
	result := s
	if update.Title != "" {
		result.Title = update.Title
	}
	if update.ParentID != "" {
		result.ParentID = update.ParentID
	}
	if len(update.Permissions) > 0 {
		result.Permissions = update.Permissions
	}
	if update.UpdatedAt > 0 {
		result.UpdatedAt = update.UpdatedAt
	}
	return result
}

// MatchWildcard matches value against a pattern where `*` matches any run
// of characters. Matching is case-sensitive and `/` has no special
// meaning.
func MatchWildcard(pattern, value string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}
	segments := strings.Split(pattern, "*")
	rest := value
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		idx := strings.Index(rest, seg)
		if idx < 0 {
			return false
		}
		if i == 0 && idx != 0 {
			// Pattern does not start with *, so the first segment must
			// anchor at the beginning.
			return false
		}
		rest = rest[idx+len(seg):]
	}
	last := segments[len(segments)-1]
	if last != "" && !strings.HasSuffix(value, last) {
		return false
	}
	return true
}

func now() int64 {
	return time.Now().UnixMilli()
}
