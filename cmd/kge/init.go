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
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kraklabs/kge/internal/bootstrap"
	"github.com/kraklabs/kge/internal/ui"
)

// initFlags holds parsed flags for the init command.
type initFlags struct {
	force, nonInteractive  bool
	pgHost, pgDatabase     string
	pgUser, pgGraph        string
	garageEndpoint, bucket string
	aiType, aiEmbedModel   string
}

// runInit executes the 'init' CLI command, creating the config.yaml file.
//
// It prompts for the Postgres, garage, and AI provider settings in
// interactive mode; -y accepts the defaults. Secrets (Postgres password,
// garage keys, AI API key) are not written by init: they stay in the
// POSTGRES_PASSWORD, GARAGE_ACCESS_KEY/GARAGE_SECRET_KEY, and provider
// API-key environment variables unless the user edits the file.
//
// Examples:
//
//	kge init                           Interactive setup
//	kge init -y                        Use all defaults
//	kge init --pg-host db.internal     Preset the Postgres host
func runInit(args []string, globals GlobalFlags) {
	flags := parseInitFlags(args)

	configPath := globals.ConfigPath
	if configPath == "" {
		p, err := bootstrap.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		configPath = p
	}

	if _, err := os.Stat(configPath); err == nil && !flags.force {
		fmt.Fprintf(os.Stderr, "Error: %s already exists. Use --force to overwrite.\n", configPath)
		os.Exit(1)
	}

	cfg := createInitConfig(flags)
	if !flags.nonInteractive {
		runInteractiveConfig(bufio.NewReader(os.Stdin), cfg)
	}

	if err := cfg.Save(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ui.Successf("Configuration written to %s", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review and edit the configuration if needed")
	fmt.Println("  2. Ingest a document:  kge ingest doc.md --ontology myontology")
	fmt.Println("  3. Check the graph:    kge status")
}

func parseInitFlags(args []string) initFlags {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	var f initFlags
	fs.BoolVar(&f.force, "force", false, "Overwrite existing configuration")
	fs.BoolVar(&f.nonInteractive, "y", false, "Non-interactive mode (use defaults)")
	fs.StringVar(&f.pgHost, "pg-host", "", "Postgres host")
	fs.StringVar(&f.pgDatabase, "pg-database", "", "Postgres database")
	fs.StringVar(&f.pgUser, "pg-user", "", "Postgres user")
	fs.StringVar(&f.pgGraph, "graph", "", "AGE graph name")
	fs.StringVar(&f.garageEndpoint, "garage-endpoint", "", "Object storage endpoint")
	fs.StringVar(&f.bucket, "bucket", "", "Object storage bucket")
	fs.StringVar(&f.aiType, "ai-provider", "", "AI provider (ollama, openai, anthropic, mock)")
	fs.StringVar(&f.aiEmbedModel, "embed-model", "", "Embedding model name")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: kge init [options]

Creates the kge configuration file (default: ~/.kge/config.yaml).

Examples:
  kge init                              # Interactive setup
  kge init -y                           # Non-interactive with defaults
  kge init --pg-host db.internal -y
  kge init --ai-provider ollama --embed-model nomic-embed-text

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	return f
}

// createInitConfig builds the starting configuration from flags plus the
// package defaults.
func createInitConfig(flags initFlags) *bootstrap.Config {
	cfg := &bootstrap.Config{}
	cfg.Postgres.Host = flags.pgHost
	cfg.Postgres.Database = flags.pgDatabase
	cfg.Postgres.User = flags.pgUser
	cfg.Postgres.Graph = flags.pgGraph
	cfg.Garage.Endpoint = flags.garageEndpoint
	cfg.Garage.Bucket = flags.bucket
	cfg.AI.Type = flags.aiType
	cfg.AI.EmbedModel = flags.aiEmbedModel

	if cfg.AI.Type == "" {
		cfg.AI.Type = "ollama"
	}
	if cfg.AI.EmbedModel == "" {
		cfg.AI.EmbedModel = "nomic-embed-text"
	}
	return cfg
}

// runInteractiveConfig walks the user through the settings, showing the
// current value as the default for each prompt.
func runInteractiveConfig(reader *bufio.Reader, cfg *bootstrap.Config) {
	ui.Header("kge configuration")
	fmt.Println()

	ui.SubHeader("Postgres (graph database)")
	cfg.Postgres.Host = prompt(reader, "Host", orDefault(cfg.Postgres.Host, "localhost"))
	cfg.Postgres.Port = promptInt(reader, "Port", orDefaultInt(cfg.Postgres.Port, 5432))
	cfg.Postgres.Database = prompt(reader, "Database", orDefault(cfg.Postgres.Database, "knowledge_graph"))
	cfg.Postgres.User = prompt(reader, "User", orDefault(cfg.Postgres.User, "admin"))
	cfg.Postgres.Graph = prompt(reader, "Graph name", orDefault(cfg.Postgres.Graph, "knowledge_graph"))
	fmt.Println()

	ui.SubHeader("Object storage (S3-compatible)")
	cfg.Garage.Endpoint = prompt(reader, "Endpoint", orDefault(cfg.Garage.Endpoint, "localhost:3900"))
	cfg.Garage.Bucket = prompt(reader, "Bucket", orDefault(cfg.Garage.Bucket, "kg-storage"))
	fmt.Println()

	ui.SubHeader("AI provider")
	cfg.AI.Type = prompt(reader, "Provider (ollama, openai, anthropic, mock)", cfg.AI.Type)
	cfg.AI.EmbedModel = prompt(reader, "Embedding model", cfg.AI.EmbedModel)
	fmt.Println()
}

// prompt displays an interactive prompt and reads user input from stdin.
//
// If the user presses Enter without providing input, the defaultValue is
// returned.
func prompt(reader *bufio.Reader, label, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", label, defaultValue)
	} else {
		fmt.Printf("%s: ", label)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func promptInt(reader *bufio.Reader, label string, defaultValue int) int {
	for {
		input := prompt(reader, label, strconv.Itoa(defaultValue))
		n, err := strconv.Atoi(input)
		if err == nil && n > 0 {
			return n
		}
		fmt.Println("Please enter a positive number.")
	}
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func orDefaultInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
