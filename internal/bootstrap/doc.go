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

// Package bootstrap handles kge configuration loading and runtime setup.
//
// This internal package provides the wiring shared by every kge command:
// loading the YAML configuration file, opening the Postgres/AGE graph
// client, ensuring the relational schema (vocabulary, jobs, metrics,
// source embeddings), and constructing the object storage and AI
// provider clients.
//
// # Setup Workflow
//
// A typical workflow for a command that needs the full runtime:
//
//	cfg, err := bootstrap.LoadConfig(configPath)
//	if err != nil {
//	    errors.FatalError(err, jsonMode)
//	}
//	rt, err := bootstrap.Open(ctx, cfg, logger)
//	if err != nil {
//	    errors.FatalError(err, jsonMode)
//	}
//	defer rt.Close()
//
// # Idempotency
//
// Open ensures schema with CREATE TABLE IF NOT EXISTS statements, so
// running it repeatedly against the same database is safe. This makes it
// suitable for use in scripts and automated workflows.
//
// # Configuration
//
// Configuration lives at ~/.kge/config.yaml by default; the path can be
// overridden with --config or the KGE_CONFIG environment variable.
// Connection settings fall back to the standard POSTGRES_* and GARAGE_*
// environment variables when the file omits them.
package bootstrap
