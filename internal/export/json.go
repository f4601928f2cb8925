// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"fmt"

	"github.com/jeranaias/hmchat/internal/model"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter exports one chat as JSON in snapshot record shape, so the
// output can be pasted into a backup file.
type JSONExporter struct{}

// NewJSONExporter creates a new JSON exporter. Options do not affect JSON
// output; the chat is always written in full.
func NewJSONExporter(_ *Options) *JSONExporter {
	return &JSONExporter{}
}

type chatDocument struct {
	Chat     *model.Chat     `json:"chat"`
	Messages []model.Message `json:"messages"`
}

// Export converts a chat to JSON.
func (e *JSONExporter) Export(chat *model.Chat, msgs []model.Message) ([]byte, error) {
	if chat == nil {
		return nil, fmt.Errorf("chat is nil")
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return json.MarshalIndent(chatDocument{Chat: chat, Messages: msgs}, "", "  ")
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}

// MimeType returns the MIME type for JSON.
func (e *JSONExporter) MimeType() string {
	return "application/json"
}
