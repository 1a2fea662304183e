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
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Launcher decides when a maintenance job should run. CheckConditions
// must be side-effect free and PrepareJobData deterministic; both may
// hit the database read-only.
type Launcher interface {
	Name() string
	JobType() string
	Interval() time.Duration
	CheckConditions(ctx context.Context) (bool, error)
	PrepareJobData(ctx context.Context) (map[string]any, error)
}

// StatefulLauncher additionally carries a persisted state string between
// ticks. The consolidation launcher uses it for hysteresis.
type StatefulLauncher interface {
	Launcher
	LoadState(state string)
	SaveState() string
}

// Scheduler ticks over registered launchers and enqueues jobs whose
// conditions hold. Last-run times and launcher state live in the
// scheduled_jobs table so a restart does not re-fire everything at once.
type Scheduler struct {
	pool      *pgxpool.Pool
	queue     *Queue
	launchers []Launcher
	logger    *slog.Logger
}

// NewScheduler wires a scheduler.
func NewScheduler(pool *pgxpool.Pool, queue *Queue, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{pool: pool, queue: queue, logger: logger}
}

// AddLauncher registers a launcher and upserts its schedule row.
func (s *Scheduler) AddLauncher(ctx context.Context, l Launcher) error {
	s.launchers = append(s.launchers, l)
	_, err := s.pool.Exec(ctx, `
INSERT INTO scheduled_jobs (launcher, interval_sec)
VALUES ($1, $2)
ON CONFLICT (launcher) DO UPDATE SET interval_sec = EXCLUDED.interval_sec`,
		l.Name(), int64(l.Interval().Seconds()))
	return err
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) error {
	if tick <= 0 {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every due launcher once. Launcher failures are logged
// and backed off linearly per consecutive failure; the launcher itself
// is never marked failed beyond the current tick.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, l := range s.launchers {
		due, err := s.isDue(ctx, l, now)
		if err != nil {
			s.logger.Error("scheduler state read failed", "launcher", l.Name(), "error", err)
			continue
		}
		if !due {
			continue
		}
		if err := s.fire(ctx, l); err != nil {
			recordLauncherError(l.Name())
			s.recordFailure(ctx, l.Name())
			s.logger.Error("launcher failed", "launcher", l.Name(), "error", err)
			continue
		}
		s.recordRun(ctx, l.Name())
	}
}

// isDue checks the persisted last run against the interval, padded by a
// linear backoff when the launcher has been failing.
func (s *Scheduler) isDue(ctx context.Context, l Launcher, now time.Time) (bool, error) {
	var lastRun *time.Time
	var failures int
	row := s.pool.QueryRow(ctx,
		`SELECT last_run_at, failures FROM scheduled_jobs WHERE launcher = $1`, l.Name())
	if err := row.Scan(&lastRun, &failures); err != nil {
		return false, err
	}
	if lastRun == nil {
		return true, nil
	}
	wait := l.Interval() + time.Duration(failures)*time.Minute
	return now.Sub(*lastRun) >= wait, nil
}

func (s *Scheduler) fire(ctx context.Context, l Launcher) error {
	if sl, ok := l.(StatefulLauncher); ok {
		var state string
		row := s.pool.QueryRow(ctx,
			`SELECT last_state FROM scheduled_jobs WHERE launcher = $1`, l.Name())
		if err := row.Scan(&state); err == nil {
			sl.LoadState(state)
		}
	}

	fire, err := l.CheckConditions(ctx)
	if err != nil {
		return err
	}

	if sl, ok := l.(StatefulLauncher); ok {
		if _, err := s.pool.Exec(ctx,
			`UPDATE scheduled_jobs SET last_state = $2 WHERE launcher = $1`,
			l.Name(), sl.SaveState()); err != nil {
			s.logger.Warn("launcher state persist failed", "launcher", l.Name(), "error", err)
		}
	}

	if !fire {
		return nil
	}

	data, err := l.PrepareJobData(ctx)
	if err != nil {
		return err
	}
	id, err := s.queue.Enqueue(ctx, l.JobType(), data)
	if err != nil {
		return err
	}

	recordLauncherFired(l.Name())
	s.logger.Info("launcher fired", "launcher", l.Name(), "job_type", l.JobType(), "job_id", id)
	return nil
}

func (s *Scheduler) recordRun(ctx context.Context, name string) {
	if _, err := s.pool.Exec(ctx,
		`UPDATE scheduled_jobs SET last_run_at = now(), failures = 0 WHERE launcher = $1`,
		name); err != nil {
		s.logger.Warn("scheduler state write failed", "launcher", name, "error", err)
	}
}

func (s *Scheduler) recordFailure(ctx context.Context, name string) {
	if _, err := s.pool.Exec(ctx,
		`UPDATE scheduled_jobs SET last_run_at = now(), failures = failures + 1 WHERE launcher = $1`,
		name); err != nil {
		s.logger.Warn("scheduler state write failed", "launcher", name, "error", err)
	}
}
