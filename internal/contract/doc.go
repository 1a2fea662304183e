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

// Package contract provides validation constants and utilities for kge.
//
// This internal package contains configuration constants and validation
// functions applied at the ingestion boundary, before a document reaches
// the pipeline or the job queue.
//
// # Document Size Limits
//
// kge enforces a soft limit on ingested documents to prevent memory
// exhaustion while chunking and extracting:
//
//	// Default limit is 16 MiB
//	limit := contract.SoftLimitBytes()
//
//	// Validate a document before ingesting
//	result := contract.ValidateDocument(content)
//	if !result.OK {
//	    log.Printf("Validation failed: %s", result.Message)
//	}
//
// # Configuration via Environment
//
// The soft limit can be adjusted via the KGE_SOFT_LIMIT_BYTES environment
// variable. This is useful for environments with limited memory or when
// ingesting unusually large documents:
//
//	export KGE_SOFT_LIMIT_BYTES=8388608  # 8 MiB
//
// If the environment variable is not set or invalid, the default limit
// of 16 MiB (DefaultSoftLimitBytes) is used.
//
// # Constants
//
// The package exports these constants:
//
//   - DefaultSoftLimitBytes: Baseline soft limit (16 MiB)
//   - OntologyMaxBytes: Maximum length for ontology names (128 bytes)
package contract
