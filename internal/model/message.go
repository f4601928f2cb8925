// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is one turn of a chat. Content may be empty while an assistant
// reply is pending or after it failed.
type Message struct {
	ID        string
	ChatID    string
	Role      Role
	Content   string
	Timestamp time.Time
}

// IsPending reports whether m is an assistant placeholder with no content yet.
func (m *Message) IsPending() bool {
	return m.Role == RoleAssistant && m.Content == ""
}

type messageJSON struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	ChatID    string `json:"chatId"`
}

// MarshalJSON encodes the message in snapshot form.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: ToMillis(m.Timestamp),
		ChatID:    m.ChatID,
	})
}

// UnmarshalJSON decodes the snapshot form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message{
		ID:        raw.ID,
		ChatID:    raw.ChatID,
		Role:      raw.Role,
		Content:   raw.Content,
		Timestamp: FromMillis(raw.Timestamp),
	}
	return nil
}
