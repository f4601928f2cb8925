// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jeranaias/hmchat/internal/fault"
	"github.com/jeranaias/hmchat/internal/model"
)

// ChatUpdate lists the chat fields to change. Nil fields are left as is.
type ChatUpdate struct {
	Title *string
}

// CreateChat stores a new chat with both timestamps set to now.
func (s *Store) CreateChat(ctx context.Context, title string) (*model.Chat, error) {
	const op = "storage.CreateChat"

	tx, done, err := s.begin(ctx)
	if err != nil {
		return nil, fault.Storage(op, err)
	}
	defer done()

	ts := s.tick()
	chat := &model.Chat{
		ID:        newID(),
		Title:     title,
		CreatedAt: model.FromMillis(ts),
		UpdatedAt: model.FromMillis(ts),
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO chats (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)",
		chat.ID, chat.Title, ts, ts); err != nil {
		return nil, fault.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Storage(op, err)
	}

	s.obs.queue(Event{Kind: ChatCreated, ID: chat.ID, Chat: copyChat(chat)})
	return chat, nil
}

// ListChats returns every chat, most recently active first.
func (s *Store) ListChats(ctx context.Context) ([]model.Chat, error) {
	const op = "storage.ListChats"

	db, err := s.reader()
	if err != nil {
		return nil, fault.Storage(op, err)
	}
	rows, err := db.QueryContext(ctx,
		"SELECT id, title, created_at, updated_at FROM chats ORDER BY updated_at DESC, id")
	if err != nil {
		return nil, fault.Storage(op, err)
	}
	defer rows.Close()

	chats := []model.Chat{}
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fault.Storage(op, err)
		}
		chats = append(chats, *chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage(op, err)
	}
	return chats, nil
}

// GetChat returns the chat with id, or nil when there is none.
func (s *Store) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	const op = "storage.GetChat"

	db, err := s.reader()
	if err != nil {
		return nil, fault.Storage(op, err)
	}
	chat, err := scanChat(db.QueryRowContext(ctx,
		"SELECT id, title, created_at, updated_at FROM chats WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Storage(op, err)
	}
	return chat, nil
}

// UpdateChat merges upd into the chat and refreshes its UpdatedAt. It returns
// nil without error when the chat does not exist.
func (s *Store) UpdateChat(ctx context.Context, id string, upd ChatUpdate) (*model.Chat, error) {
	const op = "storage.UpdateChat"

	tx, done, err := s.begin(ctx)
	if err != nil {
		return nil, fault.Storage(op, err)
	}
	defer done()

	chat, err := scanChat(tx.QueryRowContext(ctx,
		"SELECT id, title, created_at, updated_at FROM chats WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Storage(op, err)
	}

	if upd.Title != nil {
		chat.Title = *upd.Title
	}
	ts := s.tick()
	chat.UpdatedAt = model.FromMillis(ts)

	if _, err := tx.ExecContext(ctx,
		"UPDATE chats SET title = ?, updated_at = ? WHERE id = ?",
		chat.Title, ts, id); err != nil {
		return nil, fault.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Storage(op, err)
	}

	s.obs.queue(Event{Kind: ChatUpdated, ID: id, Chat: copyChat(chat)})
	return chat, nil
}

// DeleteChat removes the chat and all of its messages in one transaction.
// Deleting a missing chat is not an error.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	const op = "storage.DeleteChat"

	tx, done, err := s.begin(ctx)
	if err != nil {
		return fault.Storage(op, err)
	}
	defer done()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ?", id); err != nil {
		return fault.Storage(op, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM chats WHERE id = ?", id)
	if err != nil {
		return fault.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return fault.Storage(op, err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.obs.queue(Event{Kind: ChatDeleted, ID: id})
	}
	return nil
}

// touchChat bumps the chat's UpdatedAt inside tx and returns the updated
// chat. A missing chat yields sql.ErrNoRows.
func (s *Store) touchChat(ctx context.Context, tx *sql.Tx, chatID string) (*model.Chat, error) {
	chat, err := scanChat(tx.QueryRowContext(ctx,
		"SELECT id, title, created_at, updated_at FROM chats WHERE id = ?", chatID))
	if err != nil {
		return nil, err
	}
	ts := s.tick()
	if _, err := tx.ExecContext(ctx, "UPDATE chats SET updated_at = ? WHERE id = ?", ts, chatID); err != nil {
		return nil, err
	}
	chat.UpdatedAt = model.FromMillis(ts)
	return chat, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*model.Chat, error) {
	var (
		chat             model.Chat
		created, updated int64
	)
	if err := row.Scan(&chat.ID, &chat.Title, &created, &updated); err != nil {
		return nil, err
	}
	chat.CreatedAt = model.FromMillis(created)
	chat.UpdatedAt = model.FromMillis(updated)
	return &chat, nil
}

func copyChat(c *model.Chat) *model.Chat {
	cp := *c
	return &cp
}
