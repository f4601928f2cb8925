// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides chat persistence for hmchat.
//
// Chats, messages and the settings singleton live in one SQLite database
// opened through the pure-Go modernc.org/sqlite driver.
//
// # Key Types
//
//   - Store: durable store for chats, messages and settings
//   - ChatUpdate, MessageUpdate: partial updates merged into existing records
//   - ImportBatch: records upserted in one transaction by the snapshot adapter
//   - Event: change notification delivered to subscribers after commit
//
// # Usage
//
//	store, err := storage.Open(path)
//	chat, err := store.CreateChat(ctx, "Hello")
//	msg, err := store.AddMessage(ctx, model.RoleUser, "Hello there", chat.ID)
//	msgs, err := store.ListMessages(ctx, chat.ID)
//
// # Ordering
//
// ListChats returns most recently active first. Every write that touches a
// chat assigns an updated_at strictly greater than any value the store has
// handed out before, so the chat written last is always first. Messages are
// ordered by timestamp and then insertion sequence.
//
// # Storage Location
//
// The default database is ~/.hmchat/hmchat.db.
package storage
