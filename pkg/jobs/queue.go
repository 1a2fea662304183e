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

// Package jobs is the persisted work queue: FIFO job rows in Postgres
// claimed with FOR UPDATE SKIP LOCKED, a pluggable worker registry, a
// scheduler with condition-gated launchers, and the graph-change
// counters those launchers read.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Job states.
const (
	StatusQueued     = "queued"
	StatusApproved   = "approved"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrNoJob is returned by Claim when nothing is ready.
var ErrNoJob = errors.New("jobs: no approved job available")

// maintenanceTypes are auto-approved at enqueue time; everything else
// waits for an operator.
var maintenanceTypes = map[string]bool{
	"artifact_cleanup":        true,
	"projection":              true,
	"vocab_refresh":           true,
	"vocab_consolidate":       true,
	"epistemic_remeasurement": true,
}

// Job is one row of kg_jobs.
type Job struct {
	ID         uuid.UUID      `json:"id"`
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	Status     string         `json:"status"`
	Progress   map[string]any `json:"progress,omitempty"`
	Stats      map[string]any `json:"stats,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ApprovedAt *time.Time     `json:"approved_at,omitempty"`
	ApprovedBy string         `json:"approved_by,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Retries    int            `json:"retries"`
	MaxRetries int            `json:"max_retries"`
	Error      string         `json:"error,omitempty"`
}

// Queue persists jobs in Postgres.
type Queue struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewQueue wraps a pool.
func NewQueue(pool *pgxpool.Pool, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{pool: pool, logger: logger}
}

// EnsureSchema creates the job tables if missing.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS kg_jobs (
    id          UUID PRIMARY KEY,
    type        TEXT NOT NULL,
    data        JSONB NOT NULL DEFAULT '{}',
    status      TEXT NOT NULL DEFAULT 'queued',
    progress    JSONB,
    stats       JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    approved_at TIMESTAMPTZ,
    approved_by TEXT,
    started_at  TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    retries     INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    not_before  TIMESTAMPTZ NOT NULL DEFAULT now(),
    error       TEXT
);
CREATE INDEX IF NOT EXISTS kg_jobs_claim_idx
    ON kg_jobs (status, not_before, created_at);
CREATE TABLE IF NOT EXISTS artifacts (
    id         UUID PRIMARY KEY,
    job_id     UUID,
    kind       TEXT NOT NULL,
    location   TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS scheduled_jobs (
    launcher     TEXT PRIMARY KEY,
    interval_sec BIGINT NOT NULL,
    last_run_at  TIMESTAMPTZ,
    last_state   TEXT NOT NULL DEFAULT '',
    failures     INTEGER NOT NULL DEFAULT 0
);`)
	if err != nil {
		return fmt.Errorf("ensure job schema: %w", err)
	}
	return nil
}

// Enqueue inserts a job. Maintenance types come back already approved
// with approved_by = "system".
func (q *Queue) Enqueue(ctx context.Context, jobType string, data map[string]any) (uuid.UUID, error) {
	id := uuid.New()
	payload, err := json.Marshal(data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal job data: %w", err)
	}

	status := StatusQueued
	var approvedBy any
	var approvedAt any
	if maintenanceTypes[jobType] {
		status = StatusApproved
		approvedBy = "system"
		approvedAt = time.Now().UTC()
	}

	_, err = q.pool.Exec(ctx, `
INSERT INTO kg_jobs (id, type, data, status, approved_at, approved_by)
VALUES ($1, $2, $3, $4, $5, $6)`,
		id, jobType, payload, status, approvedAt, approvedBy)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", jobType, err)
	}

	recordJobEnqueued(jobType)
	q.logger.Info("job enqueued", "id", id, "type", jobType, "status", status)
	return id, nil
}

// Approve moves a queued job into the claimable pool.
func (q *Queue) Approve(ctx context.Context, id uuid.UUID, by string) error {
	tag, err := q.pool.Exec(ctx, `
UPDATE kg_jobs SET status = $2, approved_at = now(), approved_by = $3
WHERE id = $1 AND status = $4`,
		id, StatusApproved, by, StatusQueued)
	if err != nil {
		return fmt.Errorf("approve job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not in queued state", id)
	}
	return nil
}

// Update patches progress, stats and data columns. Unknown keys in the
// patch are rejected so a typo cannot silently drop a progress report.
func (q *Queue) Update(ctx context.Context, id uuid.UUID, patch map[string]any) error {
	for key, value := range patch {
		var column string
		switch key {
		case "progress", "stats", "data":
			column = key
		default:
			return fmt.Errorf("unknown job field %q", key)
		}
		payload, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", key, err)
		}
		if _, err := q.pool.Exec(ctx,
			fmt.Sprintf(`UPDATE kg_jobs SET %s = $2 WHERE id = $1`, column),
			id, payload); err != nil {
			return fmt.Errorf("update job %s: %w", id, err)
		}
	}
	return nil
}

// Claim takes the oldest ready approved job, marks it processing and
// returns it. ErrNoJob when the queue is drained. SKIP LOCKED keeps
// concurrent workers from blocking on each other.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
SELECT id FROM kg_jobs
WHERE status = $1 AND not_before <= now()
ORDER BY created_at
LIMIT 1
FOR UPDATE SKIP LOCKED`, StatusApproved)

	var id uuid.UUID
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("select claimable job: %w", err)
	}

	if _, err := tx.Exec(ctx, `
UPDATE kg_jobs SET status = $2, started_at = now() WHERE id = $1`,
		id, StatusProcessing); err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return q.Get(ctx, id)
}

// Complete finishes a job successfully.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID, stats map[string]any) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	if _, err := q.pool.Exec(ctx, `
UPDATE kg_jobs SET status = $2, finished_at = now(), stats = $3, error = NULL
WHERE id = $1`,
		id, StatusCompleted, payload); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	recordJobCompleted()
	return nil
}

// retryCooldown is the exponential re-queue delay after a failure.
func retryCooldown(retries int) time.Duration {
	d := time.Duration(math.Min(math.Pow(2, float64(retries)), 300)) * time.Second
	return d
}

// Fail records a failure. While the retry budget lasts the job goes back
// to approved with an exponential cooldown; after that it is failed for
// good with the error string.
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, jobErr error) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}

	if job.Retries < job.MaxRetries {
		cooldown := retryCooldown(job.Retries)
		if _, err := q.pool.Exec(ctx, `
UPDATE kg_jobs SET status = $2, retries = retries + 1, error = $3,
    not_before = now() + $4::interval
WHERE id = $1`,
			id, StatusApproved, jobErr.Error(), fmt.Sprintf("%d seconds", int(cooldown.Seconds()))); err != nil {
			return fmt.Errorf("requeue job %s: %w", id, err)
		}
		recordJobRetried()
		q.logger.Warn("job requeued after failure",
			"id", id, "type", job.Type, "retry", job.Retries+1, "cooldown", cooldown, "error", jobErr)
		return nil
	}

	if _, err := q.pool.Exec(ctx, `
UPDATE kg_jobs SET status = $2, finished_at = now(), error = $3 WHERE id = $1`,
		id, StatusFailed, jobErr.Error()); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	recordJobFailed()
	q.logger.Error("job failed permanently", "id", id, "type", job.Type, "error", jobErr)
	return nil
}

const jobColumns = `id, type, data, status, progress, stats, created_at,
approved_at, approved_by, started_at, finished_at, retries, max_retries, error`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var data, progress, stats []byte
	var approvedBy, errStr *string
	err := row.Scan(&j.ID, &j.Type, &data, &j.Status, &progress, &stats,
		&j.CreatedAt, &j.ApprovedAt, &approvedBy, &j.StartedAt, &j.FinishedAt,
		&j.Retries, &j.MaxRetries, &errStr)
	if err != nil {
		return nil, err
	}
	if approvedBy != nil {
		j.ApprovedBy = *approvedBy
	}
	if errStr != nil {
		j.Error = *errStr
	}
	if err := json.Unmarshal(data, &j.Data); err != nil {
		return nil, fmt.Errorf("unmarshal job data: %w", err)
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &j.Progress); err != nil {
			return nil, fmt.Errorf("unmarshal job progress: %w", err)
		}
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &j.Stats); err != nil {
			return nil, fmt.Errorf("unmarshal job stats: %w", err)
		}
	}
	return &j, nil
}

// Get fetches one job.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := q.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM kg_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s not found", id)
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// List returns jobs, optionally filtered by status, newest first.
func (q *Queue) List(ctx context.Context, status string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM kg_jobs`
	args := []any{limit}
	if status != "" {
		query += ` WHERE status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// DeleteByOntology clears every job row whose data targets the ontology.
// Ontology delete calls this so a re-ingestion starts clean.
func (q *Queue) DeleteByOntology(ctx context.Context, ontology string) (int64, error) {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM kg_jobs WHERE data->>'ontology' = $1`, ontology)
	if err != nil {
		return 0, fmt.Errorf("delete jobs for ontology %s: %w", ontology, err)
	}
	return tag.RowsAffected(), nil
}
