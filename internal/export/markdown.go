// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/hmchat/internal/model"
	"github.com/jeranaias/hmchat/internal/util"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports chats to Markdown.
type MarkdownExporter struct {
	options *Options
	now     func() time.Time
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts, now: time.Now}
}

// Export converts a chat to Markdown.
func (e *MarkdownExporter) Export(chat *model.Chat, msgs []model.Message) ([]byte, error) {
	if chat == nil {
		return nil, fmt.Errorf("chat is nil")
	}
	if chat.CreatedAt.IsZero() {
		return nil, fmt.Errorf("chat has invalid creation timestamp")
	}

	var sb strings.Builder

	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		sb.WriteString(fmt.Sprintf("title: %s\n", escapeYAML(chat.Title)))
		sb.WriteString(fmt.Sprintf("id: %s\n", chat.ID))
		if e.options.Model != "" {
			sb.WriteString(fmt.Sprintf("model: %s\n", escapeYAML(e.options.Model)))
		}
		sb.WriteString(fmt.Sprintf("date: %s\n", chat.CreatedAt.Format(time.RFC3339)))
		sb.WriteString(fmt.Sprintf("updated: %s\n", chat.UpdatedAt.Format(time.RFC3339)))
		sb.WriteString(fmt.Sprintf("messages: %d\n", len(msgs)))
		sb.WriteString(fmt.Sprintf("exported: %s\n", e.now().Format(time.RFC3339)))
		sb.WriteString("generator: hmchat\n")
		sb.WriteString("---\n\n")
	}

	sb.WriteString(fmt.Sprintf("# %s\n\n", escapeMarkdown(util.SingleLine(chat.Title))))

	if e.options.IncludeMetadata {
		sb.WriteString(fmt.Sprintf("- **Created**: %s\n", formatTimestamp(chat.CreatedAt)))
		sb.WriteString(fmt.Sprintf("- **Last Updated**: %s\n", formatTimestamp(chat.UpdatedAt)))
		sb.WriteString(fmt.Sprintf("- **Messages**: %d\n", len(msgs)))
		sb.WriteString("\n---\n\n")
	}

	for i, msg := range msgs {
		label := formatRoleLabel(msg.Role)
		if e.options.IncludeTimestamps {
			sb.WriteString(fmt.Sprintf("### %s <sub>%s</sub>\n\n", label, formatShortTimestamp(msg.Timestamp)))
		} else {
			sb.WriteString(fmt.Sprintf("### %s\n\n", label))
		}

		content := strings.TrimSpace(msg.Content)
		if content == "" && msg.Role == model.RoleAssistant {
			content = "*(no response)*"
		}
		sb.WriteString(content)
		sb.WriteString("\n\n")

		if i < len(msgs)-1 {
			sb.WriteString("---\n\n")
		}
	}

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// MimeType returns the MIME type for Markdown.
func (e *MarkdownExporter) MimeType() string {
	return "text/markdown"
}

// formatRoleLabel returns a heading label for the message role.
func formatRoleLabel(role model.Role) string {
	switch role {
	case "":
		return "Unknown"
	case model.RoleUser, model.RoleAssistant, model.RoleSystem:
		return "[" + role.DisplayName() + "]"
	default:
		runes := []rune(string(role))
		return strings.ToUpper(string(runes[0])) + string(runes[1:])
	}
}

// =============================================================================
// ESCAPING HELPERS
// =============================================================================

// escapeMarkdown escapes characters that would break formatting in headings.
func escapeMarkdown(s string) string {
	s = strings.ReplaceAll(s, "#", "\\#")
	s = strings.ReplaceAll(s, "*", "\\*")
	s = strings.ReplaceAll(s, "_", "\\_")
	s = strings.ReplaceAll(s, "[", "\\[")
	s = strings.ReplaceAll(s, "]", "\\]")
	return s
}

// escapeYAML quotes a front matter value when it contains YAML syntax.
func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":#|>@`\"'[]{}!%&*\n\r\\") || strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
		s = strings.ReplaceAll(s, "\\", "\\\\")
		s = strings.ReplaceAll(s, "\"", "\\\"")
		s = strings.ReplaceAll(s, "\n", "\\n")
		s = strings.ReplaceAll(s, "\r", "\\r")
		return fmt.Sprintf("\"%s\"", s)
	}
	return s
}
