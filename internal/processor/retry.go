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
	"strings"
	"time"
)

// DefaultRetryPolicy retries overload and transient network failures
// with exponential backoff.
type DefaultRetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewDefaultRetryPolicy returns the standard policy: 5 attempts, 2s
// base, 30s cap.
func NewDefaultRetryPolicy() *DefaultRetryPolicy {
	return &DefaultRetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

var retryableFragments = []string{
	"overloaded",
	"rate limit",
	"rate_limit",
	"429",
	"529",
	"502",
	"503",
	"timeout",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"EOF",
}

// ShouldRetry implements RetryPolicy.
func (p *DefaultRetryPolicy) ShouldRetry(err error, attempt int) (time.Duration, bool) {
	if err == nil || attempt >= p.MaxAttempts {
		return 0, false
	}
	text := strings.ToLower(err.Error())
	retryable := false
	for _, fragment := range retryableFragments {
		if strings.Contains(text, strings.ToLower(fragment)) {
			retryable = true
			break
		}
	}
	if !retryable {
		return 0, false
	}
	delay := p.BaseDelay << (attempt - 1)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay, true
}
