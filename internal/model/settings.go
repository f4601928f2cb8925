// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "strings"

// Defaults for the settings singleton.
const (
	DefaultAPIURL      = "https://api.openai.com/v1"
	DefaultModel       = "gpt-3.5-turbo"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
)

// Settings is the provider configuration. Exactly one record exists; the
// store hands out DefaultSettings until the user saves.
type Settings struct {
	APIKey      string  `json:"apiKey"`
	APIURL      string  `json:"apiUrl"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}

// DefaultSettings returns the settings used before the user saves any.
func DefaultSettings() Settings {
	return Settings{
		APIKey:      "",
		APIURL:      DefaultAPIURL,
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
}

// Configured reports whether both endpoint and credential are present.
func (s Settings) Configured() bool {
	return strings.TrimSpace(s.APIURL) != "" && strings.TrimSpace(s.APIKey) != ""
}

// BaseURL returns APIURL without a trailing slash.
func (s Settings) BaseURL() string {
	return strings.TrimRight(strings.TrimSpace(s.APIURL), "/")
}
