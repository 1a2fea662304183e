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
	"sync"
)

// Process-wide named semaphores, one per provider name. Two worker pools
// calling the same provider share one concurrency budget.
var (
	limiterMu sync.Mutex
	limiters  = map[string]chan struct{}{}
)

// AcquireSlot blocks until a concurrency slot for the named provider is
// available (or the context is done). The returned release function must
// be called exactly once.
func AcquireSlot(ctx context.Context, provider string, maxConcurrent int) (func(), error) {
	sem := limiterFor(provider, maxConcurrent)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func limiterFor(provider string, maxConcurrent int) chan struct{} {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	limiterMu.Lock()
	defer limiterMu.Unlock()
	sem, ok := limiters[provider]
	if !ok {
		sem = make(chan struct{}, maxConcurrent)
		limiters[provider] = sem
	}
	return sem
}

// ResetLimiters discards all named semaphores. Test hook; resizing a live
// provider's budget also goes through here.
func ResetLimiters() {
	limiterMu.Lock()
	limiters = map[string]chan struct{}{}
	limiterMu.Unlock()
}
