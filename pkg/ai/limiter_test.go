// Copyright 2025 KrakLabs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package ai

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireSlot_BoundsConcurrency(t *testing.T) {
	ResetLimiters()
	t.Cleanup(ResetLimiters)

	const limit = 2
	var current, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := AcquireSlot(context.Background(), "test-provider", limit)
			require.NoError(t, err)
			defer release()

			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(limit))
}

func TestAcquireSlot_SharedAcrossCallers(t *testing.T) {
	ResetLimiters()
	t.Cleanup(ResetLimiters)

	release, err := AcquireSlot(context.Background(), "shared", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = AcquireSlot(ctx, "shared", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := AcquireSlot(context.Background(), "shared", 1)
	require.NoError(t, err)
	release2()
}

func TestPolicyFor_Defaults(t *testing.T) {
	assert.Equal(t, 1, PolicyFor("ollama").MaxConcurrent)
	assert.Equal(t, 3, PolicyFor("ollama").MaxRetries)
	assert.Equal(t, 4, PolicyFor("anthropic").MaxConcurrent)
	assert.Equal(t, 8, PolicyFor("anthropic").MaxRetries)
	assert.Equal(t, 8, PolicyFor("openai").MaxConcurrent)
	assert.Equal(t, 0, PolicyFor("mock").MaxRetries)
}

func TestPolicyFor_EnvOverride(t *testing.T) {
	t.Setenv("OLLAMA_MAX_CONCURRENT", "5")
	t.Setenv("OLLAMA_MAX_RETRIES", "1")
	p := PolicyFor("ollama")
	assert.Equal(t, 5, p.MaxConcurrent)
	assert.Equal(t, 1, p.MaxRetries)
}

func TestPolicyFor_GlobalThreadCap(t *testing.T) {
	t.Setenv("MOCK_MAX_CONCURRENT", "500")
	t.Setenv("MAX_CONCURRENT_THREADS", "16")
	assert.Equal(t, 16, PolicyFor("mock").MaxConcurrent)
}
