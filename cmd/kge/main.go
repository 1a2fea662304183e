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

// Package main implements the kge CLI for ingesting documents into the
// knowledge graph and operating its job queue.
//
// Usage:
//
//	kge init                        Create ~/.kge/config.yaml configuration
//	kge ingest <file>               Ingest a document into an ontology
//	kge search <query>              Semantic search over concepts
//	kge status [--json]             Show graph and queue status
//	kge jobs <list|approve|show>    Operate the job queue
//	kge serve                       Run the worker and scheduler
//	kge reset                       Delete an ontology (destructive!)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/kraklabs/kge/internal/bootstrap"
	"github.com/kraklabs/kge/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"     // Version string
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// GlobalFlags carries the flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	JSON       bool
	Quiet      bool
	NoColor    bool
	Verbose    int
}

// main is the entry point for the kge CLI.
//
// It parses global flags and dispatches to command handlers.
//
// Global flags:
//   - --version: Display version information and exit
//   - --config: Path to config.yaml (default: ~/.kge/config.yaml)
//   - --json: Machine-readable output
//   - -q/--quiet: Suppress progress output
//   - --no-color: Disable colored output
//   - -v: Increase log verbosity (repeatable)
func main() {
	var (
		globals     GlobalFlags
		showVersion bool
	)

	fs := pflag.NewFlagSet("kge", pflag.ExitOnError)
	fs.BoolVar(&showVersion, "version", false, "Show version and exit")
	fs.StringVar(&globals.ConfigPath, "config", "", "Path to config.yaml (default: ~/.kge/config.yaml)")
	fs.BoolVar(&globals.JSON, "json", false, "Machine-readable JSON output")
	fs.BoolVarP(&globals.Quiet, "quiet", "q", false, "Suppress progress output")
	fs.BoolVar(&globals.NoColor, "no-color", false, "Disable colored output")
	fs.CountVarP(&globals.Verbose, "verbose", "v", "Increase log verbosity (repeatable)")
	fs.SetInterspersed(false)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `kge - Knowledge Graph Engine

kge builds a concept graph from documents: chunks are sent through an
extraction model, concepts are deduplicated by meaning, and every claim
stays linked to the verbatim evidence it came from. Apache AGE holds
the graph; an S3-compatible store holds the originals.

Usage:
  kge [global options] <command> [options]

Commands:
  init          Create ~/.kge/config.yaml configuration
  ingest        Ingest a document into an ontology
  search        Semantic search over an ontology's concepts
  status        Show graph, metrics, and queue status
  jobs          List, approve, and inspect queued jobs
  serve         Run the job worker and scheduler
  reset         Delete an ontology and all its artifacts (destructive!)
  completion    Generate shell completion script (bash|zsh|fish)

Global Options:
  --config      Path to config.yaml
  --json        Machine-readable JSON output
  -q, --quiet   Suppress progress output
  --no-color    Disable colored output
  -v            Increase log verbosity (repeatable)
  --version     Show version and exit

Examples:
  kge init                                 Create configuration interactively
  kge ingest notes.md --ontology physics   Ingest a markdown document
  kge search "wave function" --ontology physics
  kge status --json                        Output as JSON
  kge jobs list --status queued            Show jobs awaiting approval
  kge jobs approve <id> --by alice         Approve a queued job
  kge serve                                Run workers until interrupted

Getting Started:
  1. Create the configuration:   kge init
  2. Ingest your first document: kge ingest doc.md --ontology myontology
  3. Check the graph:            kge status
  4. Run background workers:     kge serve

Environment Variables:
  KGE_CONFIG         Config path override
  POSTGRES_HOST      Postgres host (default: localhost)
  GARAGE_S3_ENDPOINT Object storage endpoint (default: localhost:3900)
  OLLAMA_HOST        Ollama URL (default: http://localhost:11434)

For detailed command help: kge <command> --help

`)
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if showVersion {
		fmt.Printf("kge version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	// JSON output implies quiet progress.
	if globals.JSON {
		globals.Quiet = true
	}
	ui.InitColors(globals.NoColor)

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		runInit(cmdArgs, globals)
	case "ingest":
		runIngest(cmdArgs, globals)
	case "search":
		runSearch(cmdArgs, globals)
	case "status":
		runStatus(cmdArgs, globals)
	case "jobs":
		runJobs(cmdArgs, globals)
	case "serve":
		runServe(cmdArgs, globals)
	case "reset":
		runReset(cmdArgs, globals)
	case "completion":
		runCompletion(cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		fs.Usage()
		os.Exit(1)
	}
}

// newLogger builds the logger every command shares.
func newLogger(globals GlobalFlags) *slog.Logger {
	return bootstrap.NewLogger(globals.Verbose)
}

// openRuntime loads configuration and connects the backends.
func openRuntime(ctx context.Context, globals GlobalFlags, logger *slog.Logger) (*bootstrap.Runtime, *bootstrap.Config, error) {
	cfg, err := bootstrap.LoadConfig(globals.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	rt, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return rt, cfg, nil
}
