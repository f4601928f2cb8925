// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jeranaias/hmchat/internal/fault"
	"github.com/jeranaias/hmchat/internal/model"
)

// ImportBatch is a set of records written together by Import. Messages are
// inserted in slice order.
type ImportBatch struct {
	Chats    []model.Chat
	Messages []model.Message
	Settings *model.Settings
}

// ImportStats counts the records written by Import.
type ImportStats struct {
	Chats    int
	Messages int
	Settings bool
}

// Import upserts every record of b by id in a single transaction. Records
// not named in b are left alone. A message whose chat is neither in b nor
// already stored fails the whole import with a reference fault.
func (s *Store) Import(ctx context.Context, b ImportBatch) (ImportStats, error) {
	const op = "storage.Import"
	var stats ImportStats

	for _, m := range b.Messages {
		if !m.Role.Valid() {
			return stats, fmt.Errorf("%s: message %q: %w: %q", op, m.ID, ErrInvalidRole, m.Role)
		}
	}

	tx, done, err := s.begin(ctx)
	if err != nil {
		return stats, fault.Storage(op, err)
	}
	defer done()

	var maxUpdated int64
	for _, c := range b.Chats {
		created, updated := model.ToMillis(c.CreatedAt), model.ToMillis(c.UpdatedAt)
		if updated < created {
			updated = created
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chats (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   title = excluded.title,
			   created_at = excluded.created_at,
			   updated_at = excluded.updated_at`,
			c.ID, c.Title, created, updated); err != nil {
			return stats, fault.Storage(op, err)
		}
		maxUpdated = max(maxUpdated, updated)
		stats.Chats++
	}

	var maxStamp int64
	known := make(map[string]bool, len(b.Chats))
	for _, c := range b.Chats {
		known[c.ID] = true
	}
	for _, m := range b.Messages {
		if !known[m.ChatID] {
			var id string
			err := tx.QueryRowContext(ctx, "SELECT id FROM chats WHERE id = ?", m.ChatID).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				return ImportStats{}, fault.Reference(op, "message %q references missing chat %q", m.ID, m.ChatID)
			}
			if err != nil {
				return ImportStats{}, fault.Storage(op, err)
			}
			known[m.ChatID] = true
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   chat_id = excluded.chat_id,
			   role = excluded.role,
			   content = excluded.content,
			   timestamp = excluded.timestamp`,
			m.ID, m.ChatID, string(m.Role), m.Content, model.ToMillis(m.Timestamp)); err != nil {
			return ImportStats{}, fault.Storage(op, err)
		}
		maxStamp = max(maxStamp, model.ToMillis(m.Timestamp))
		stats.Messages++
	}

	if b.Settings != nil {
		if err := putSettings(ctx, tx, *b.Settings); err != nil {
			return ImportStats{}, fault.Storage(op, err)
		}
		stats.Settings = true
	}

	if err := tx.Commit(); err != nil {
		return ImportStats{}, fault.Storage(op, err)
	}
	s.lastTick = max(s.lastTick, maxUpdated)
	s.lastStamp = max(s.lastStamp, maxStamp)

	s.log.WithField("chats", stats.Chats).WithField("messages", stats.Messages).Info("import committed")
	s.obs.queue(Event{Kind: Imported})
	return stats, nil
}

// Clear deletes every chat, message and the settings record.
func (s *Store) Clear(ctx context.Context) error {
	const op = "storage.Clear"

	tx, done, err := s.begin(ctx)
	if err != nil {
		return fault.Storage(op, err)
	}
	defer done()

	for _, stmt := range []string{
		"DELETE FROM messages",
		"DELETE FROM chats",
		"DELETE FROM settings",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fault.Storage(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fault.Storage(op, err)
	}

	s.log.Info("store cleared")
	s.obs.queue(Event{Kind: Cleared})
	return nil
}

// Dump returns every chat (most recently active first), every message
// grouped by chat id, and the settings singleton, read in one transaction so
// the result is consistent.
func (s *Store) Dump(ctx context.Context) ([]model.Chat, map[string][]model.Message, model.Settings, error) {
	const op = "storage.Dump"

	// The writer lock keeps a concurrent write from landing between reads.
	tx, done, err := s.begin(ctx)
	if err != nil {
		return nil, nil, model.Settings{}, fault.Storage(op, err)
	}
	defer done()

	rows, err := tx.QueryContext(ctx,
		"SELECT id, title, created_at, updated_at FROM chats ORDER BY updated_at DESC, id")
	if err != nil {
		return nil, nil, model.Settings{}, fault.Storage(op, err)
	}
	chats := []model.Chat{}
	messages := map[string][]model.Message{}
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			rows.Close()
			return nil, nil, model.Settings{}, fault.Storage(op, err)
		}
		chats = append(chats, *chat)
		messages[chat.ID] = []model.Message{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, model.Settings{}, fault.Storage(op, err)
	}

	rows, err = tx.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages ORDER BY chat_id, timestamp, seq")
	if err != nil {
		return nil, nil, model.Settings{}, fault.Storage(op, err)
	}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, nil, model.Settings{}, fault.Storage(op, err)
		}
		messages[msg.ChatID] = append(messages[msg.ChatID], *msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, model.Settings{}, fault.Storage(op, err)
	}

	settings := model.DefaultSettings()
	var data string
	err = tx.QueryRowContext(ctx, "SELECT data FROM settings WHERE id = ?", SettingsKey).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, nil, model.Settings{}, fault.Storage(op, err)
	default:
		if err := json.Unmarshal([]byte(data), &settings); err != nil {
			settings = model.DefaultSettings()
		}
	}
	return chats, messages, settings, nil
}
