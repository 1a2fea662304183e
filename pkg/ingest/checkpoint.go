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

package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// recentConceptKeep bounds the concept-id tail carried in a checkpoint.
const recentConceptKeep = 50

// ErrCheckpointStale marks a checkpoint whose source file changed or
// disappeared since it was written.
var ErrCheckpointStale = errors.New("ingest: checkpoint no longer matches source file")

// Checkpoint is the per-document resume state, written after every
// chunk so a crashed worker can pick up where it left off.
type Checkpoint struct {
	DocumentName     string    `json:"document_name"`
	FilePath         string    `json:"file_path"`
	FileHash         string    `json:"file_hash"`
	CharPosition     int       `json:"char_position"`
	ChunksProcessed  int       `json:"chunks_processed"`
	RecentConceptIDs []string  `json:"recent_concept_ids"`
	Timestamp        time.Time `json:"timestamp"`
	Stats            Stats     `json:"stats"`
}

// CheckpointManager persists checkpoints as JSON files in one directory.
type CheckpointManager struct {
	dir    string
	logger *slog.Logger
}

// NewCheckpointManager creates the directory if needed.
func NewCheckpointManager(dir string, logger *slog.Logger) (*CheckpointManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &CheckpointManager{dir: dir, logger: logger}, nil
}

// normalizeDocName keys checkpoint files: lowercase with spaces and
// slashes replaced by underscores.
func normalizeDocName(name string) string {
	n := strings.ToLower(name)
	n = strings.NewReplacer(" ", "_", "/", "_", "\\", "_").Replace(n)
	return n
}

func (m *CheckpointManager) path(documentName string) string {
	return filepath.Join(m.dir, normalizeDocName(documentName)+".checkpoint.json")
}

// Save writes a checkpoint atomically (temp file + rename) so a crash
// mid-write never leaves a truncated checkpoint behind.
func (m *CheckpointManager) Save(cp *Checkpoint) error {
	if len(cp.RecentConceptIDs) > recentConceptKeep {
		cp.RecentConceptIDs = cp.RecentConceptIDs[len(cp.RecentConceptIDs)-recentConceptKeep:]
	}
	cp.Timestamp = time.Now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	final := m.path(cp.DocumentName)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint for a document, or nil when none exists.
func (m *CheckpointManager) Load(documentName string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.path(documentName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &cp, nil
}

// Validate rejects a checkpoint whose source file is gone or modified.
func (m *CheckpointManager) Validate(cp *Checkpoint) error {
	data, err := os.ReadFile(cp.FilePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointStale, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != cp.FileHash {
		return fmt.Errorf("%w: content hash changed", ErrCheckpointStale)
	}
	return nil
}

// Delete removes a document's checkpoint. Missing is not an error.
func (m *CheckpointManager) Delete(documentName string) error {
	err := os.Remove(m.path(documentName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// List returns available checkpoints newest first.
func (m *CheckpointManager) List() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var out []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".checkpoint.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			m.logger.Warn("unreadable checkpoint skipped", "file", entry.Name(), "error", err)
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			m.logger.Warn("corrupt checkpoint skipped", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}
