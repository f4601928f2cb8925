// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/jeranaias/hmchat/internal/model"
	"github.com/jeranaias/hmchat/internal/util"
)

// =============================================================================
// CHAT EXPORT INTERFACE
// =============================================================================

// ChatExporter renders one chat for reading outside hmchat.
type ChatExporter interface {
	// Export converts a chat and its messages to the target format.
	Export(chat *model.Chat, msgs []model.Message) ([]byte, error)

	// FileExtension returns the file extension (e.g., ".md").
	FileExtension() string

	// MimeType returns the MIME type for the exported format.
	MimeType() string
}

// Options configures chat export.
type Options struct {
	// IncludeMetadata adds a YAML front matter block and a summary section.
	IncludeMetadata bool

	// IncludeTimestamps adds per-message timestamps.
	IncludeTimestamps bool

	// Model is recorded in the metadata when set.
	Model string
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		IncludeMetadata:   true,
		IncludeTimestamps: true,
	}
}

// ExporterFor returns the exporter for a format name ("md", "markdown",
// "json").
func ExporterFor(format string, opts *Options) (ChatExporter, error) {
	switch format {
	case "", "md", "markdown":
		return NewMarkdownExporter(opts), nil
	case "json":
		return NewJSONExporter(opts), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

// ExportChatToFile renders the chat with exporter and writes it into dir.
// Returns the output file path.
func ExportChatToFile(chat *model.Chat, msgs []model.Message, exporter ChatExporter, dir string) (string, error) {
	content, err := exporter.Export(chat, msgs)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}

	filename := fmt.Sprintf("chat_%s_%s%s",
		sanitizeFilename(chat.Title),
		time.Now().Format("20060102_150405"),
		exporter.FileExtension(),
	)
	outputPath := filepath.Join(dir, filename)
	if err := util.AtomicWriteFile(outputPath, content, 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return outputPath, nil
}

// Markdown renders a chat with the default options.
func Markdown(chat *model.Chat, msgs []model.Message) ([]byte, error) {
	return NewMarkdownExporter(nil).Export(chat, msgs)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// sanitizeFilename replaces characters that are invalid in file names.
func sanitizeFilename(s string) string {
	s = util.TruncateRunesNoEllipsis(s, 50)

	replacer := map[rune]rune{
		'/':  '-',
		'\\': '-',
		':':  '-',
		'*':  '-',
		'?':  '-',
		'"':  '-',
		'<':  '-',
		'>':  '-',
		'|':  '-',
		' ':  '_',
		'\t': '_',
		'\n': '_',
		'\r': '_',
	}

	result := []rune{}
	for _, r := range s {
		if replacement, found := replacer[r]; found {
			result = append(result, replacement)
		} else if r < 32 || r == 127 {
			result = append(result, '-')
		} else {
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return "chat"
	}
	return string(result)
}

// formatTimestamp formats a timestamp for display.
func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

// formatShortTimestamp formats a timestamp for inline display.
func formatShortTimestamp(t time.Time) string {
	return t.Format("15:04:05")
}
