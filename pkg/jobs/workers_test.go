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

package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("ingestion")
	assert.False(t, ok)

	r.Register("ingestion", func(context.Context, *Job, *Queue) error { return nil })
	r.Register("projection", func(context.Context, *Job, *Queue) error { return nil })

	fn, ok := r.Lookup("ingestion")
	require.True(t, ok)
	assert.NotNil(t, fn)
	assert.ElementsMatch(t, []string{"ingestion", "projection"}, r.Types())
}

func TestRunProtected_RecoversPanic(t *testing.T) {
	job := &Job{ID: uuid.New(), Type: "ingestion"}
	err := runProtected(context.Background(), func(context.Context, *Job, *Queue) error {
		panic("boom")
	}, job, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker panic: boom")

	sentinel := errors.New("worker error")
	err = runProtected(context.Background(), func(context.Context, *Job, *Queue) error {
		return sentinel
	}, job, nil)
	assert.ErrorIs(t, err, sentinel)
}

func TestRetryCooldown_ExponentialAndCapped(t *testing.T) {
	assert.Equal(t, 1*time.Second, retryCooldown(0))
	assert.Equal(t, 2*time.Second, retryCooldown(1))
	assert.Equal(t, 8*time.Second, retryCooldown(3))
	assert.Equal(t, 300*time.Second, retryCooldown(20))
}

func TestMaintenanceTypesAreAutoApproved(t *testing.T) {
	for _, jobType := range []string{"artifact_cleanup", "projection", "vocab_refresh", "vocab_consolidate", "epistemic_remeasurement"} {
		assert.True(t, maintenanceTypes[jobType], jobType)
	}
	assert.False(t, maintenanceTypes["ingestion"], "ingestion needs operator approval")
	assert.False(t, maintenanceTypes["proposal_execution"])
}

func TestMetricRowDelta(t *testing.T) {
	r := MetricRow{Counter: 57, LastMeasuredCounter: 40}
	assert.Equal(t, int64(17), r.Delta())
}
