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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryStartIsDueImmediately(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	r := DefaultRetryPolicy.Start(now)
	assert.True(t, r.Active)
	assert.True(t, r.Due(now))
	assert.Equal(t, 0, r.RetryCounter)
}

func TestRetryIncrementBacksOff(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	r := DefaultRetryPolicy.Start(now)

	prev := time.Duration(0)
	for i := 0; i < 6; i++ {
		r = DefaultRetryPolicy.Increment(r, now)
		delay := r.NextRetry.Sub(now)
		require.Positive(t, delay)
		// Jitter at most halves on top, so the window per step is
		// [base, 1.5*base] and each base doubles.
		assert.GreaterOrEqual(t, delay, prev/3)
		assert.LessOrEqual(t, delay, DefaultRetryPolicy.MaxDelay*3/2)
		assert.False(t, r.Due(now))
		prev = delay
	}
	assert.Equal(t, 6, r.RetryCounter)
}

func TestRetryIncrementCapsAtMaxDelay(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	r := DefaultRetryPolicy.Start(now)
	for i := 0; i < 30; i++ {
		r = DefaultRetryPolicy.Increment(r, now)
	}
	delay := r.NextRetry.Sub(now)
	assert.LessOrEqual(t, delay, DefaultRetryPolicy.MaxDelay*3/2)
	assert.GreaterOrEqual(t, delay, DefaultRetryPolicy.MaxDelay)
}

func TestRetryStopAndReset(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	r := DefaultRetryPolicy.Start(now)
	r = DefaultRetryPolicy.Increment(r, now)

	r = DefaultRetryPolicy.Stop(r)
	assert.False(t, r.Active)
	assert.False(t, r.Due(now.Add(time.Hour)))

	r = DefaultRetryPolicy.Reset(r, now)
	assert.True(t, r.Active)
	assert.True(t, r.Due(now))
	// Reset keeps the attempt history.
	assert.Equal(t, 1, r.RetryCounter)
}
