// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jeranaias/hmchat/internal/fault"
	"github.com/jeranaias/hmchat/internal/model"
)

// MessageUpdate lists the message fields to change. Nil fields are left as is.
type MessageUpdate struct {
	Content *string
	Role    *model.Role
}

const messageColumns = "id, chat_id, role, content, timestamp"

// AddMessage appends a message to the chat and bumps the chat's UpdatedAt in
// the same transaction. It fails with a reference fault, writing nothing,
// when the chat does not exist.
func (s *Store) AddMessage(ctx context.Context, role model.Role, content, chatID string) (*model.Message, error) {
	const op = "storage.AddMessage"

	if !role.Valid() {
		return nil, fmt.Errorf("%s: %w: %q", op, ErrInvalidRole, role)
	}

	tx, done, err := s.begin(ctx)
	if err != nil {
		return nil, fault.Storage(op, err)
	}
	defer done()

	chat, err := s.touchChat(ctx, tx, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Reference(op, "chat %q does not exist", chatID)
	}
	if err != nil {
		return nil, fault.Storage(op, err)
	}

	msg := &model.Message{
		ID:        newID(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		Timestamp: model.FromMillis(s.stamp()),
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages ("+messageColumns+") VALUES (?, ?, ?, ?, ?)",
		msg.ID, msg.ChatID, string(msg.Role), msg.Content, model.ToMillis(msg.Timestamp)); err != nil {
		return nil, fault.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Storage(op, err)
	}

	s.obs.queue(Event{Kind: MessageAdded, ID: msg.ID, Message: copyMessage(msg)})
	s.obs.queue(Event{Kind: ChatUpdated, ID: chatID, Chat: chat})
	return msg, nil
}

// ListMessages returns the chat's messages, oldest first. Messages sharing a
// timestamp keep insertion order.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]model.Message, error) {
	const op = "storage.ListMessages"

	db, err := s.reader()
	if err != nil {
		return nil, fault.Storage(op, err)
	}
	rows, err := db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE chat_id = ? ORDER BY timestamp, seq", chatID)
	if err != nil {
		return nil, fault.Storage(op, err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fault.Storage(op, err)
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage(op, err)
	}
	return msgs, nil
}

// GetMessage returns the message with id, or nil when there is none.
func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	const op = "storage.GetMessage"

	db, err := s.reader()
	if err != nil {
		return nil, fault.Storage(op, err)
	}
	msg, err := scanMessage(db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Storage(op, err)
	}
	return msg, nil
}

// UpdateMessage merges upd into the message. It returns nil without error
// when the message does not exist. The parent chat's UpdatedAt is not
// touched.
func (s *Store) UpdateMessage(ctx context.Context, id string, upd MessageUpdate) (*model.Message, error) {
	const op = "storage.UpdateMessage"

	if upd.Role != nil && !upd.Role.Valid() {
		return nil, fmt.Errorf("%s: %w: %q", op, ErrInvalidRole, *upd.Role)
	}

	tx, done, err := s.begin(ctx)
	if err != nil {
		return nil, fault.Storage(op, err)
	}
	defer done()

	msg, err := scanMessage(tx.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Storage(op, err)
	}

	if upd.Content != nil {
		msg.Content = *upd.Content
	}
	if upd.Role != nil {
		msg.Role = *upd.Role
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET content = ?, role = ? WHERE id = ?",
		msg.Content, string(msg.Role), id); err != nil {
		return nil, fault.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Storage(op, err)
	}

	s.obs.queue(Event{Kind: MessageUpdated, ID: id, Message: copyMessage(msg)})
	return msg, nil
}

// DeleteMessage removes one message. Deleting a missing message is not an
// error.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	const op = "storage.DeleteMessage"

	tx, done, err := s.begin(ctx)
	if err != nil {
		return fault.Storage(op, err)
	}
	defer done()

	res, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return fault.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return fault.Storage(op, err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.obs.queue(Event{Kind: MessageDeleted, ID: id})
	}
	return nil
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		msg  model.Message
		role string
		ts   int64
	)
	if err := row.Scan(&msg.ID, &msg.ChatID, &role, &msg.Content, &ts); err != nil {
		return nil, err
	}
	msg.Role = model.Role(role)
	msg.Timestamp = model.FromMillis(ts)
	return &msg, nil
}

func copyMessage(m *model.Message) *model.Message {
	cp := *m
	return &cp
}
