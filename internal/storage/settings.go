// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jeranaias/hmchat/internal/fault"
	"github.com/jeranaias/hmchat/internal/model"
)

// GetSettings returns the settings singleton, or the defaults when nothing
// has been saved. Fields missing from a stored record take their defaults.
func (s *Store) GetSettings(ctx context.Context) (model.Settings, error) {
	const op = "storage.GetSettings"

	db, err := s.reader()
	if err != nil {
		return model.Settings{}, fault.Storage(op, err)
	}

	var data string
	err = db.QueryRowContext(ctx, "SELECT data FROM settings WHERE id = ?", SettingsKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.Settings{}, fault.Storage(op, err)
	}

	settings := model.DefaultSettings()
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		s.log.WithError(err).Warn("stored settings are unreadable; using defaults")
		return model.DefaultSettings(), nil
	}
	return settings, nil
}

// SaveSettings replaces the settings singleton.
func (s *Store) SaveSettings(ctx context.Context, settings model.Settings) error {
	const op = "storage.SaveSettings"

	tx, done, err := s.begin(ctx)
	if err != nil {
		return fault.Storage(op, err)
	}
	defer done()

	if err := putSettings(ctx, tx, settings); err != nil {
		return fault.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return fault.Storage(op, err)
	}

	saved := settings
	s.obs.queue(Event{Kind: SettingsSaved, ID: SettingsKey, Settings: &saved})
	return nil
}

func putSettings(ctx context.Context, tx *sql.Tx, settings model.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO settings (id, data) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		SettingsKey, string(data))
	return err
}
