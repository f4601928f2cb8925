// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// styles.go - shared lipgloss styles for CLI output.
//
// Colors are disabled for non-TTY output and when NO_COLOR is set; see
// terminal.go.

package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/hmchat/internal/model"
	"github.com/jeranaias/hmchat/internal/util"
)

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	// TitleStyle is used for command titles and headers
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")) // Cyan

	// LabelStyle is used for field labels
	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(16)

	// ValueStyle is used for regular values and text
	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	// SuccessStyle is used for success messages
	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	// ErrorStyle is used for error messages
	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	// WarningStyle is used for warnings and cancellations
	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	// DimStyle is used for secondary information and hints
	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	// SeparatorStyle is used for visual separators
	SeparatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	// PromptStyle is the chat input prompt
	PromptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	// UserStyle labels user messages in transcripts
	UserStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75")).
			Bold(true)

	// AssistantStyle labels assistant messages in transcripts
	AssistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("141")).
			Bold(true)
)

// =============================================================================
// HELPERS
// =============================================================================

// RenderConditional renders text with style if colors are enabled,
// otherwise returns the text unmodified.
func RenderConditional(style lipgloss.Style, text string) string {
	if !ColorsEnabled() {
		return text
	}
	return style.Render(text)
}

// RenderSeparator renders a horizontal rule no wider than the terminal.
func RenderSeparator() string {
	width := GetTerminalWidth()
	if width > 4 {
		width -= 4
	}
	if width > 70 {
		width = 70
	}
	return RenderConditional(SeparatorStyle, strings.Repeat("-", width))
}

// RenderField renders a "label  value" line.
func RenderField(label, value string) string {
	if !ColorsEnabled() {
		return util.PadWidth(label, 16) + value
	}
	return LabelStyle.Render(label) + ValueStyle.Render(value)
}

// RenderRole renders a role label for transcripts.
func RenderRole(role model.Role) string {
	label := role.DisplayName()
	switch role {
	case model.RoleUser:
		return RenderConditional(UserStyle, label)
	case model.RoleAssistant:
		return RenderConditional(AssistantStyle, label)
	default:
		return RenderConditional(DimStyle, label)
	}
}
