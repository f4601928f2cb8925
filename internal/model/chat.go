// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/hmchat/internal/util"
)

// TitleMaxRunes is how much of the first user message becomes the chat title.
const TitleMaxRunes = 50

// DefaultTitle is used when the first message has no printable text.
const DefaultTitle = "New chat"

// =============================================================================
// CHAT TYPE
// =============================================================================

// Chat is a conversation thread. UpdatedAt moves forward on every change to
// the chat or append to its messages.
type Chat struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type chatJSON struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// MarshalJSON encodes the chat in snapshot form.
func (c Chat) MarshalJSON() ([]byte, error) {
	return json.Marshal(chatJSON{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: ToMillis(c.CreatedAt),
		UpdatedAt: ToMillis(c.UpdatedAt),
	})
}

// UnmarshalJSON decodes the snapshot form.
func (c *Chat) UnmarshalJSON(data []byte) error {
	var raw chatJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Chat{
		ID:        raw.ID,
		Title:     raw.Title,
		CreatedAt: FromMillis(raw.CreatedAt),
		UpdatedAt: FromMillis(raw.UpdatedAt),
	}
	return nil
}

// TitleFromText derives a chat title from the first user message:
// NFC-normalised, whitespace collapsed, first TitleMaxRunes runes.
func TitleFromText(text string) string {
	title := strings.Join(strings.Fields(norm.NFC.String(text)), " ")
	if title == "" {
		return DefaultTitle
	}
	return util.TruncateRunesNoEllipsis(title, TitleMaxRunes)
}

// =============================================================================
// TIME HELPERS
// =============================================================================

// Now returns the current time truncated to millisecond precision.
func Now() time.Time {
	return FromMillis(time.Now().UnixMilli())
}

// ToMillis converts t to Unix milliseconds; the zero time maps to 0.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts Unix milliseconds to a time; 0 maps to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
