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
// Package ident generates monotonically ascending opaque identifiers.
package ident

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind is the identifier namespace prefix.
type Kind string

const (
	Session    Kind = "ses"
	Message    Kind = "msg"
	Part       Kind = "prt"
	Permission Kind = "per"
)

var counter atomic.Uint64

// New returns a fresh identifier for the given kind. Identifiers generated
// by one process sort lexicographically in creation order: a fixed-width
// millisecond timestamp leads, a process-wide counter breaks ties within
// the same millisecond, and a random tail keeps IDs unique across
// processes.
func New(kind Kind) string {
	now := time.Now().UnixMilli()
	seq := counter.Add(1)
	tail := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%012x%08x%s", kind, now, seq, tail)
}

// KindOf reports the namespace of an identifier, or "" if it has none.
func KindOf(id string) Kind {
	i := strings.IndexByte(id, '_')
	if i <= 0 {
		return ""
	}
	return Kind(id[:i])
}
