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
// Package engagement persists the shared YAML state of a session tree.
package engagement

import (
	"fmt"
	"reflect"
)

// State is the permissive engagement document. Recognized fields have
// merge semantics; unknown keys pass through verbatim.
type State = map[string]any

// Identity predicates for keyed array dedup.
var arrayKeys = map[string][]string{
	"ports":       {"port", "protocol"},
	"credentials": {"username", "service"},
	"sessions":    {"id"},
}

// Arrays that append rather than dedup by key. An incoming element equal
// to an existing one is skipped so re-applying an update is a no-op.
var appendArrays = map[string]bool{
	"vulnerabilities": true,
	"files":           true,
	"failedAttempts":  true,
	"notes":           true,
}

// Merge applies partial onto base and returns the merged document. Merge
// is idempotent at the key level: applying the same partial twice yields
// the same document.
func Merge(base, partial State) State {
	out := make(State, len(base)+len(partial))
	for k, v := range base {
		out[k] = v
	}
	for key, incoming := range partial {
		switch {
		case key == "target":
			out[key] = shallowMerge(asMap(out[key]), asMap(incoming))
		case key == "flags":
			out[key] = unionSet(asSlice(out[key]), asSlice(incoming))
		case arrayKeys[key] != nil:
			out[key] = mergeKeyed(asSlice(out[key]), asSlice(incoming), arrayKeys[key])
		case appendArrays[key]:
			out[key] = appendNew(asSlice(out[key]), asSlice(incoming))
		default:
			// Scalars and unknown keys: last writer wins.
			out[key] = incoming
		}
	}
	return out
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}

func asSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	if v == nil {
		return nil
	}
	return []any{v}
}

func shallowMerge(base, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(incoming))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

func identityOf(elem any, keys []string) string {
	m := asMap(elem)
	if m == nil {
		return fmt.Sprintf("%v", elem)
	}
	id := ""
	for _, k := range keys {
		id += fmt.Sprintf("%v|", m[k])
	}
	return id
}

// mergeKeyed deduplicates by the identity keys; a duplicate incoming
// element shallow-merges into the existing one, incoming fields winning.
func mergeKeyed(base, incoming []any, keys []string) []any {
	out := make([]any, len(base))
	copy(out, base)
	index := make(map[string]int, len(out))
	for i, elem := range out {
		index[identityOf(elem, keys)] = i
	}
	for _, elem := range incoming {
		id := identityOf(elem, keys)
		if i, ok := index[id]; ok {
			existing := asMap(out[i])
			update := asMap(elem)
			if existing != nil && update != nil {
				out[i] = shallowMerge(existing, update)
			} else {
				out[i] = elem
			}
			continue
		}
		index[id] = len(out)
		out = append(out, elem)
	}
	return out
}

func unionSet(base, incoming []any) []any {
	out := make([]any, 0, len(base)+len(incoming))
	seen := make(map[string]bool)
	for _, elem := range append(append([]any{}, base...), incoming...) {
		key := fmt.Sprintf("%v", elem)
		if !seen[key] {
			seen[key] = true
			out = append(out, elem)
		}
	}
	return out
}

func appendNew(base, incoming []any) []any {
	out := make([]any, len(base))
	copy(out, base)
	for _, elem := range incoming {
		duplicate := false
		for _, existing := range out {
			if reflect.DeepEqual(existing, elem) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, elem)
		}
	}
	return out
}

// IsEmpty reports whether the document carries no data.
func IsEmpty(s State) bool {
	return len(s) == 0
}
