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
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/specterops/talon/internal/message"
	"github.com/specterops/talon/internal/transport"
)

// DefaultCompactionPolicy signals compaction when reported usage crosses
// a fraction of the model's context window.
type DefaultCompactionPolicy struct {
	// Threshold is the usable fraction of the window, default 0.9.
	Threshold float64
}

// ShouldCompact implements CompactionPolicy.
func (p DefaultCompactionPolicy) ShouldCompact(usage message.TokenUsage, model transport.Model) bool {
	if model.ContextWindow <= 0 {
		return false
	}
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = 0.9
	}
	return float64(usage.Total()) >= threshold*float64(model.ContextWindow)
}

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// EstimateTokens counts tokens in text with the cl100k_base encoding,
// falling back to a bytes/4 heuristic when the encoding is unavailable.
func EstimateTokens(text string) int {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	if encoder == nil {
		return len(text) / 4
	}
	return len(encoder.Encode(text, nil, nil))
}
