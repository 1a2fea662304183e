// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRateLimit(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed", &RateLimitError{Provider: "openai", Status: 429}, true},
		{"wrapped typed", fmt.Errorf("call failed: %w", &RateLimitError{Status: 429}), true},
		{"rate limit text", errors.New("Rate limit reached for gpt-4o"), true},
		{"too many requests", errors.New("429 Too Many Requests"), true},
		{"quota", errors.New("You exceeded your current quota exceeded"), true},
		{"tpm", errors.New("tokens per minute (TPM) cap hit"), true},
		{"plain error", errors.New("connection refused"), false},
		{"invalid input", errors.New("model not found"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRateLimit(tt.err))
		})
	}
}

func TestBackoff_DelayEnvelope(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 60 * time.Second}
	for n := 0; n < 10; n++ {
		want := time.Second << uint(n)
		if want > 60*time.Second {
			want = 60 * time.Second
		}
		for i := 0; i < 20; i++ {
			d := b.Delay(n)
			assert.GreaterOrEqual(t, d, time.Duration(float64(want)*0.8), "attempt %d", n)
			assert.LessOrEqual(t, d, time.Duration(float64(want)*1.2), "attempt %d", n)
		}
	}
}

func TestBackoff_CapAppliesToLargeAttempts(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 60 * time.Second}
	// Shift overflow territory must still respect the cap.
	d := b.Delay(40)
	assert.LessOrEqual(t, d, time.Duration(float64(60*time.Second)*1.2))
}

func withFastBackoff(t *testing.T) {
	t.Helper()
	old := DefaultBackoff
	DefaultBackoff = Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond}
	t.Cleanup(func() { DefaultBackoff = old })
}

func TestWithRetry_SucceedsAfterRateLimits(t *testing.T) {
	withFastBackoff(t)

	attempts := 0
	got, err := WithRetry(context.Background(), 8, func(ctx context.Context) (string, error) {
		attempts++
		if attempts <= 3 {
			return "", &RateLimitError{Provider: "mock", Status: 429}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 4, attempts)
}

func TestWithRetry_NonRateLimitPropagatesImmediately(t *testing.T) {
	withFastBackoff(t)

	attempts := 0
	_, err := WithRetry(context.Background(), 8, func(ctx context.Context) (string, error) {
		attempts++
		return "", errors.New("invalid request body")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_BudgetExhausted(t *testing.T) {
	withFastBackoff(t)

	attempts := 0
	_, err := WithRetry(context.Background(), 2, func(ctx context.Context) (string, error) {
		attempts++
		return "", errors.New("rate limit")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries")
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_ZeroRetries(t *testing.T) {
	attempts := 0
	_, err := WithRetry(context.Background(), 0, func(ctx context.Context) (string, error) {
		attempts++
		return "", errors.New("rate limit")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_CancellationDuringBackoff(t *testing.T) {
	old := DefaultBackoff
	DefaultBackoff = Backoff{Base: time.Hour, Cap: time.Hour}
	t.Cleanup(func() { DefaultBackoff = old })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := WithRetry(ctx, 5, func(ctx context.Context) (string, error) {
			return "", errors.New("rate limit")
		})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry did not respond to cancellation")
	}
}
