// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the records persisted by hmchat.
//
// # Key Types
//
//   - Chat: a conversation thread (title plus activity timestamps)
//   - Message: one turn of a chat, owned by exactly one Chat
//   - Settings: the singleton provider configuration record
//   - Role: message role enumeration (system, user, assistant)
//
// # Wire Format
//
// Records marshal to the snapshot format shared with the browser client:
// camelCase keys and timestamps as Unix milliseconds. All timestamps produced
// by this module are truncated to millisecond precision (see Now) so that a
// snapshot round trip is lossless.
//
//	chat := model.Chat{ID: id, Title: model.TitleFromText(input)}
//	data, _ := json.Marshal(chat) // {"id":..., "createdAt": 1718000000000, ...}
package model
