// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wallet

import (
	"math/rand"
	"time"
)

// RetryInfo records the backoff state of one pending operation.
type RetryInfo struct {
	FirstTry     time.Time `json:"firstTry"`
	NextRetry    time.Time `json:"nextRetry"`
	RetryCounter int       `json:"retryCounter"`
	// Active is false once the operation hit a permanent failure; the
	// scheduler then skips it until an explicit user action resets it.
	Active bool `json:"active"`
}

// Due reports whether the operation should run now.
func (r *RetryInfo) Due(now time.Time) bool {
	return r.Active && !r.NextRetry.After(now)
}

// RetryPolicy computes capped exponential backoff with jitter.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy matches the protocol's pacing: quick first
// retries, capped at a couple of minutes.
var DefaultRetryPolicy = RetryPolicy{
	InitialDelay: 3 * time.Second,
	MaxDelay:     2 * time.Minute,
}

// Start initializes retry state for a fresh operation, due immediately.
func (p RetryPolicy) Start(now time.Time) RetryInfo {
	return RetryInfo{FirstTry: now, NextRetry: now, Active: true}
}

// Increment advances the backoff after a transient failure. The delay
// doubles per attempt up to MaxDelay, then gains up to 50% random
// jitter so herds of wallets do not synchronize.
func (p RetryPolicy) Increment(r RetryInfo, now time.Time) RetryInfo {
	r.RetryCounter++
	delay := p.InitialDelay
	for i := 0; i < r.RetryCounter-1 && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	r.NextRetry = now.Add(delay + jitter)
	r.Active = true
	return r
}

// Stop disables further retries after a permanent failure.
func (p RetryPolicy) Stop(r RetryInfo) RetryInfo {
	r.Active = false
	return r
}

// Reset makes the operation due immediately, keeping its history.
func (p RetryPolicy) Reset(r RetryInfo, now time.Time) RetryInfo {
	r.NextRetry = now
	r.Active = true
	return r
}
