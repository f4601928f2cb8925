// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jeranaias/hmchat/internal/fault"
	"github.com/jeranaias/hmchat/internal/model"
	"github.com/jeranaias/hmchat/internal/util"
)

// SnapshotVersion is written into every export.
const SnapshotVersion = "1.0"

// exportDateLayout is RFC 3339 with millisecond precision.
const exportDateLayout = "2006-01-02T15:04:05.000Z07:00"

// Snapshot is a complete dump of the store.
type Snapshot struct {
	Version    string                     `json:"version"`
	ExportDate string                     `json:"exportDate"`
	Chats      []model.Chat               `json:"chats"`
	Messages   map[string][]model.Message `json:"messages"`
	Settings   *model.Settings            `json:"settings,omitempty"`
}

// MessageCount returns the number of messages across all chats.
func (s *Snapshot) MessageCount() int {
	n := 0
	for _, msgs := range s.Messages {
		n += len(msgs)
	}
	return n
}

// Decode reads a snapshot. A missing "version" or "chats" key, or malformed
// JSON, is a format fault. Settings fields absent from the snapshot take
// their defaults.
func Decode(r io.Reader) (*Snapshot, error) {
	const op = "export.Decode"

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fault.Format(op, "failed to read snapshot: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fault.Format(op, "snapshot is not a JSON object: %v", err)
	}
	for _, key := range []string{"version", "chats"} {
		if v, ok := raw[key]; !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return nil, fault.Format(op, "invalid backup file: missing %q", key)
		}
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fault.Format(op, "invalid backup file: %v", err)
	}
	if v, ok := raw["settings"]; ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		settings := model.DefaultSettings()
		if err := json.Unmarshal(v, &settings); err != nil {
			return nil, fault.Format(op, "invalid settings: %v", err)
		}
		snap.Settings = &settings
	}
	return &snap, nil
}

// Encode writes snap as indented JSON.
func Encode(w io.Writer, snap *Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// WriteFile atomically writes snap to path. The file holds the API key and
// is created with mode 0600.
func WriteFile(path string, snap *Snapshot) error {
	var buf bytes.Buffer
	if err := Encode(&buf, snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// ReadFile reads and decodes the snapshot at path.
func ReadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// DefaultFilename returns the backup file name for the given day.
func DefaultFilename(now time.Time) string {
	return fmt.Sprintf("hmchat-backup-%s.json", now.Format("2006-01-02"))
}

// formatExportDate renders t in UTC for the exportDate field.
func formatExportDate(t time.Time) string {
	return t.UTC().Format(exportDateLayout)
}
