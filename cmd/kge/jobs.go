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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/kge/internal/errors"
	"github.com/kraklabs/kge/internal/output"
	"github.com/kraklabs/kge/internal/ui"
	"github.com/kraklabs/kge/pkg/jobs"
)

// runJobs executes the 'jobs' CLI command and its subactions.
//
// Subcommands:
//   - list: Show jobs, optionally filtered by status
//   - approve: Approve a queued job so a worker may claim it
//   - show: Display one job with data, progress, and stats
//
// Examples:
//
//	kge jobs list --status queued
//	kge jobs approve 7d9c... --by alice
//	kge jobs show 7d9c... --json
func runJobs(args []string, globals GlobalFlags) {
	if len(args) == 0 {
		jobsUsage()
		os.Exit(1)
	}

	sub := args[0]
	subArgs := args[1:]

	switch sub {
	case "list":
		runJobsList(subArgs, globals)
	case "approve":
		runJobsApprove(subArgs, globals)
	case "show":
		runJobsShow(subArgs, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown jobs subcommand: %s\n", sub)
		jobsUsage()
		os.Exit(1)
	}
}

func jobsUsage() {
	fmt.Fprintf(os.Stderr, `Usage: kge jobs <list|approve|show> [options]

Operates the persisted job queue. Ingestion jobs wait in 'queued' until
approved; maintenance jobs are auto-approved at enqueue time.

Subcommands:
  list               Show jobs (--status, --limit)
  approve <id>       Approve a queued job (--by)
  show <id>          Display one job in full

`)
}

func runJobsList(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("jobs list", flag.ExitOnError)
	status := fs.String("status", "", "Filter by status (queued, approved, processing, completed, failed)")
	limit := fs.Int("limit", 20, "Maximum jobs to show")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx := context.Background()
	rt, _, err := openRuntime(ctx, globals, newLogger(globals))
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer rt.Close()

	list, err := rt.Queue.List(ctx, *status, *limit)
	if err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot read job queue",
			err.Error(),
			"Check the Postgres connection and retry",
			err,
		), globals.JSON)
	}

	if globals.JSON {
		if err := output.JSON(list); err != nil {
			errors.FatalError(err, true)
		}
		return
	}

	if len(list) == 0 {
		ui.Info("No jobs")
		return
	}
	ui.Header("Jobs")
	for _, j := range list {
		fmt.Printf("  %s  %-24s %-12s %s\n",
			ui.DimText(j.ID.String()[:8]),
			j.Type,
			statusText(j.Status),
			ui.DimText(j.CreatedAt.Format(time.RFC3339)))
	}
}

func runJobsApprove(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("jobs approve", flag.ExitOnError)
	by := fs.String("by", "", "Approver recorded on the job (required)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 || *by == "" {
		fmt.Fprintln(os.Stderr, "Usage: kge jobs approve <id> --by <name>")
		os.Exit(1)
	}

	id, err := uuid.Parse(fs.Arg(0))
	if err != nil {
		errors.FatalError(errors.NewInputError(
			"Invalid job id",
			err.Error(),
			"Pass the full UUID shown by 'kge jobs list --json'",
		), globals.JSON)
	}

	ctx := context.Background()
	rt, _, err := openRuntime(ctx, globals, newLogger(globals))
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer rt.Close()

	if err := rt.Queue.Approve(ctx, id, *by); err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot approve job",
			err.Error(),
			"Only jobs in 'queued' state can be approved",
			err,
		), globals.JSON)
	}

	if globals.JSON {
		_ = output.JSON(map[string]any{"job_id": id, "status": jobs.StatusApproved})
		return
	}
	ui.Successf("Job %s approved by %s", id, *by)
}

func runJobsShow(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("jobs show", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: kge jobs show <id>")
		os.Exit(1)
	}

	id, err := uuid.Parse(fs.Arg(0))
	if err != nil {
		errors.FatalError(errors.NewInputError(
			"Invalid job id",
			err.Error(),
			"Pass the full UUID shown by 'kge jobs list --json'",
		), globals.JSON)
	}

	ctx := context.Background()
	rt, _, err := openRuntime(ctx, globals, newLogger(globals))
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer rt.Close()

	job, err := rt.Queue.Get(ctx, id)
	if err != nil {
		errors.FatalError(errors.NewNotFoundError(
			"Job not found",
			err.Error(),
			"Run 'kge jobs list' to see known jobs",
		), globals.JSON)
	}

	if globals.JSON {
		if err := output.JSON(job); err != nil {
			errors.FatalError(err, true)
		}
		return
	}

	ui.Header(fmt.Sprintf("Job %s", job.ID))
	fmt.Printf("  Type:    %s\n", job.Type)
	fmt.Printf("  Status:  %s\n", statusText(job.Status))
	fmt.Printf("  Created: %s\n", ui.DimText(job.CreatedAt.Format(time.RFC3339)))
	if job.ApprovedBy != "" {
		fmt.Printf("  Approved by: %s\n", job.ApprovedBy)
	}
	if job.Retries > 0 {
		fmt.Printf("  Retries: %s of %d\n", ui.CountText(job.Retries), job.MaxRetries)
	}
	if job.Error != "" {
		fmt.Printf("  Error:   %s\n", ui.Red.Sprint(job.Error))
	}
	for key, section := range map[string]map[string]any{
		"Data": job.Data, "Progress": job.Progress, "Stats": job.Stats,
	} {
		if len(section) == 0 {
			continue
		}
		fmt.Printf("  %s:\n", key)
		for k, v := range section {
			fmt.Printf("    %s: %v\n", k, v)
		}
	}
}

// statusText colors a job status the way the rest of the CLI colors
// severities.
func statusText(status string) string {
	switch status {
	case jobs.StatusFailed:
		return ui.Red.Sprint(status)
	case jobs.StatusProcessing:
		return ui.Yellow.Sprint(status)
	case jobs.StatusCompleted:
		return ui.Green.Sprint(status)
	case jobs.StatusApproved:
		return ui.Cyan.Sprint(status)
	default:
		return status
	}
}
