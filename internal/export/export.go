// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/hmchat/internal/fault"
	"github.com/jeranaias/hmchat/internal/logging"
	"github.com/jeranaias/hmchat/internal/model"
	"github.com/jeranaias/hmchat/internal/storage"
)

// Store is the part of storage.Store the snapshot adapter needs.
type Store interface {
	Dump(ctx context.Context) ([]model.Chat, map[string][]model.Message, model.Settings, error)
	Import(ctx context.Context, b storage.ImportBatch) (storage.ImportStats, error)
	Clear(ctx context.Context) error
}

// =============================================================================
// SNAPSHOT EXPORTER
// =============================================================================

// Exporter dumps, restores and clears the whole store.
type Exporter struct {
	store Store
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewExporter returns an exporter over store.
func NewExporter(store Store) *Exporter {
	return &Exporter{
		store: store,
		log:   logging.Discard(),
		now:   time.Now,
	}
}

// WithLogger sets the logger and returns the exporter for chaining.
func (e *Exporter) WithLogger(log logrus.FieldLogger) *Exporter {
	if log != nil {
		e.log = log
	}
	return e
}

// Export captures every chat, every message grouped by chat, and the
// settings singleton. Every chat has a messages entry, possibly empty.
func (e *Exporter) Export(ctx context.Context) (*Snapshot, error) {
	chats, messages, settings, err := e.store.Dump(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range chats {
		if messages[c.ID] == nil {
			messages[c.ID] = []model.Message{}
		}
	}

	snap := &Snapshot{
		Version:    SnapshotVersion,
		ExportDate: formatExportDate(e.now()),
		Chats:      chats,
		Messages:   messages,
		Settings:   &settings,
	}
	e.log.WithField("chats", len(chats)).WithField("messages", snap.MessageCount()).Info("snapshot exported")
	return snap, nil
}

// Import upserts the snapshot's records in one transaction. Nothing is
// written when the snapshot is invalid or any message refers to a chat that
// is neither in the snapshot nor already stored.
func (e *Exporter) Import(ctx context.Context, snap *Snapshot) error {
	const op = "export.Import"

	batch, err := toBatch(snap)
	if err != nil {
		return err
	}

	stats, err := e.store.Import(ctx, batch)
	if errors.Is(err, fault.ErrReference) {
		return fault.Format(op, "invalid backup file: %s", fault.Message(err))
	}
	if err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"version":  snap.Version,
		"chats":    stats.Chats,
		"messages": stats.Messages,
		"settings": stats.Settings,
	}).Info("snapshot imported")
	return nil
}

// Clear empties the store. It cannot be undone.
func (e *Exporter) Clear(ctx context.Context) error {
	return e.store.Clear(ctx)
}

// toBatch validates snap and flattens it into an import batch. A message
// with no chatId inherits the key it is grouped under.
func toBatch(snap *Snapshot) (storage.ImportBatch, error) {
	const op = "export.Import"

	if snap == nil {
		return storage.ImportBatch{}, fault.Format(op, "invalid backup file: empty snapshot")
	}
	if snap.Version == "" {
		return storage.ImportBatch{}, fault.Format(op, "invalid backup file: missing %q", "version")
	}
	if snap.Chats == nil {
		return storage.ImportBatch{}, fault.Format(op, "invalid backup file: missing %q", "chats")
	}

	batch := storage.ImportBatch{Chats: snap.Chats, Settings: snap.Settings}
	for i, c := range snap.Chats {
		if c.ID == "" {
			return storage.ImportBatch{}, fault.Format(op, "invalid backup file: chat %d has no id", i)
		}
	}

	keys := make([]string, 0, len(snap.Messages))
	for k := range snap.Messages {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for i, m := range snap.Messages[key] {
			if m.ChatID == "" {
				m.ChatID = key
			}
			switch {
			case m.ID == "":
				return storage.ImportBatch{}, fault.Format(op, "invalid backup file: message %d of chat %q has no id", i, key)
			case m.ChatID == "":
				return storage.ImportBatch{}, fault.Format(op, "invalid backup file: message %q has no chat", m.ID)
			case !m.Role.Valid():
				return storage.ImportBatch{}, fault.Format(op, "invalid backup file: message %q has unknown role %q", m.ID, m.Role)
			}
			batch.Messages = append(batch.Messages, m)
		}
	}
	return batch, nil
}
