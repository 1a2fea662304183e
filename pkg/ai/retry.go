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
	"math/rand"
	"strings"
	"time"
)

// RateLimitError marks a provider response as a rate limit regardless of
// its message text. HTTP 429 responses are wrapped in this type.
type RateLimitError struct {
	Provider string
	Status   int
	Message  string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited (status %d): %s", e.Provider, e.Status, e.Message)
}

// rateLimitMarkers are sniffed case-insensitively in error messages.
// Providers differ in how they phrase throttling; the substrings cover
// OpenAI, Anthropic, and Azure-fronted deployments.
var rateLimitMarkers = []string{
	"rate limit",
	"too many requests",
	"quota exceeded",
	"tokens per minute",
	"rpm",
	"tpm",
}

// IsRateLimit reports whether an error should trigger backoff-and-retry.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Backoff computes the retry delay for attempt n (0-based):
// min(base·2ⁿ, cap) scaled by uniform jitter in [0.8, 1.2].
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff matches the provider wrappers' envelope.
var DefaultBackoff = Backoff{Base: time.Second, Cap: 60 * time.Second}

// Delay returns the jittered delay for attempt n.
func (b Backoff) Delay(n int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	cap := b.Cap
	if cap <= 0 {
		cap = 60 * time.Second
	}
	d := base << uint(n)
	if d > cap || d <= 0 {
		d = cap
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// WithRetry runs fn, retrying rate-limit failures up to maxRetries times
// with exponential backoff. Non-rate-limit errors propagate immediately;
// the backoff sleep honors context cancellation.
func WithRetry[T any](ctx context.Context, maxRetries int, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !IsRateLimit(err) {
			return zero, err
		}
		lastErr = err
		if attempt >= maxRetries {
			break
		}
		select {
		case <-time.After(DefaultBackoff.Delay(attempt)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}
