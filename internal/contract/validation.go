// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package contract

import (
	"fmt"
	"os"
	"strconv"
)

const (
	// DefaultSoftLimitBytes is the baseline soft limit for ingested documents.
	DefaultSoftLimitBytes = 16 << 20 // 16 MiB

	// OntologyMaxBytes is the maximum length for an ontology name.
	OntologyMaxBytes = 128
)

// SoftLimitBytes returns the effective soft limit for document size.
// Controlled via env KGE_SOFT_LIMIT_BYTES; falls back to DefaultSoftLimitBytes.
func SoftLimitBytes() int {
	if v := os.Getenv("KGE_SOFT_LIMIT_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return DefaultSoftLimitBytes
}

// ValidationResult represents the result of a validation check.
type ValidationResult struct {
	OK      bool
	Message string
}

// ValidateDocument performs basic validation on a document before ingestion.
// This just checks the size limit; content checks belong to the chunker.
func ValidateDocument(content []byte) *ValidationResult {
	if len(content) == 0 {
		return &ValidationResult{
			OK:      false,
			Message: "document is empty",
		}
	}
	if len(content) > SoftLimitBytes() {
		return &ValidationResult{
			OK:      false,
			Message: fmt.Sprintf("document exceeds soft limit of %d bytes", SoftLimitBytes()),
		}
	}
	return &ValidationResult{OK: true}
}

// ValidateOntology checks that an ontology name is present and within bounds.
func ValidateOntology(name string) *ValidationResult {
	if name == "" {
		return &ValidationResult{
			OK:      false,
			Message: "ontology is required",
		}
	}
	if len(name) > OntologyMaxBytes {
		return &ValidationResult{
			OK:      false,
			Message: fmt.Sprintf("ontology name exceeds %d bytes", OntologyMaxBytes),
		}
	}
	return &ValidationResult{OK: true}
}
