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

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WorkerFunc executes one claimed job. It reports progress through the
// queue and returns nil on success. A panic inside a worker is treated
// as a failure, not a crash.
type WorkerFunc func(ctx context.Context, job *Job, q *Queue) error

// Registry maps job types to worker functions.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]WorkerFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]WorkerFunc)}
}

// Register binds a job type. Re-registering replaces the previous fn.
func (r *Registry) Register(jobType string, fn WorkerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[jobType] = fn
}

// Lookup returns the worker for a type.
func (r *Registry) Lookup(jobType string) (WorkerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[jobType]
	return fn, ok
}

// Types lists the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fns))
	for t := range r.fns {
		out = append(out, t)
	}
	return out
}

// Worker polls the queue and dispatches claimed jobs to the registry.
type Worker struct {
	queue    *Queue
	registry *Registry
	logger   *slog.Logger
	poll     time.Duration
}

// NewWorker wires a worker loop. pollInterval <= 0 defaults to 2s.
func NewWorker(queue *Queue, registry *Registry, logger *slog.Logger, pollInterval time.Duration) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{queue: queue, registry: registry, logger: logger, poll: pollInterval}
}

// Run claims and executes jobs until the context is cancelled. The job
// in flight finishes (or fails) before Run returns; cancellation is
// observed between jobs and inside workers that honor their context.
func (w *Worker) Run(ctx context.Context) error {
	for {
		job, err := w.queue.Claim(ctx)
		if err == ErrNoJob {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.poll):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("claim failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.poll):
			}
			continue
		}

		w.execute(ctx, job)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// RunOne claims and executes at most one job; used by tests and the CLI
// drain command. Returns ErrNoJob when nothing was ready.
func (w *Worker) RunOne(ctx context.Context) error {
	job, err := w.queue.Claim(ctx)
	if err != nil {
		return err
	}
	w.execute(ctx, job)
	return nil
}

func (w *Worker) execute(ctx context.Context, job *Job) {
	fn, ok := w.registry.Lookup(job.Type)
	if !ok {
		_ = w.queue.Fail(ctx, job.ID, fmt.Errorf("no worker registered for type %q", job.Type))
		return
	}

	start := time.Now()
	err := runProtected(ctx, fn, job, w.queue)
	recordJobDuration(job.Type, time.Since(start))

	if err != nil {
		if failErr := w.queue.Fail(ctx, job.ID, err); failErr != nil {
			w.logger.Error("failed to record job failure", "id", job.ID, "error", failErr)
		}
		return
	}
	if completeErr := w.queue.Complete(ctx, job.ID, job.Stats); completeErr != nil {
		w.logger.Error("failed to record job completion", "id", job.ID, "error", completeErr)
	}
	w.logger.Info("job completed", "id", job.ID, "type", job.Type, "duration", time.Since(start))
}

// runProtected converts worker panics into errors so one bad job cannot
// take the whole worker loop down.
func runProtected(ctx context.Context, fn WorkerFunc, job *Job, q *Queue) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return fn(ctx, job, q)
}
