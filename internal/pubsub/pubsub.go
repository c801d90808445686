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
// Package pubsub carries in-process lifecycle events: session updates,
// permission asks and replies, part changes.
package pubsub

// EventType classifies what happened to the payload.
type EventType int

const (
	CreatedEvent EventType = iota
	UpdatedEvent
	DeletedEvent
	// RepliedEvent resolves a previously published pending item, such as
	// a permission request.
	RepliedEvent
	ErrorEvent
)

// Event pairs a payload with its lifecycle type.
type Event[T any] struct {
	Type    EventType
	Payload T
}
