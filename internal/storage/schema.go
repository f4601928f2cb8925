// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

// SchemaVersion is the layout written by this binary. Version 1 keyed the
// settings record by the API key.
const SchemaVersion = 2

// SettingsKey is the fixed id of the settings singleton.
const SettingsKey = "default"

// Schema creates every table at the current version.
const Schema = `
-- Metadata table for schema version
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS chats (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    created_at INTEGER NOT NULL,  -- Unix millis
    updated_at INTEGER NOT NULL   -- Unix millis
);

CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats(updated_at);

-- seq preserves insertion order when timestamps collide
CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    chat_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    timestamp INTEGER NOT NULL,   -- Unix millis
    FOREIGN KEY(chat_id) REFERENCES chats(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id, timestamp, seq);
` + settingsTable

const settingsTable = `
CREATE TABLE IF NOT EXISTS settings (
    id TEXT PRIMARY KEY CHECK (id = 'default'),
    data TEXT NOT NULL            -- JSON encoded model.Settings
);
`

// InitMetadata records the schema version of a fresh database.
const InitMetadata = `
INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '2');
INSERT OR IGNORE INTO metadata (key, value) VALUES ('created_at', strftime('%s', 'now'));
`

// migrateV1 rebuilds the settings table. Chats and messages share the v1
// layout and are kept as is.
const migrateV1 = `
DROP TABLE IF EXISTS settings;
` + settingsTable + `
UPDATE metadata SET value = '2' WHERE key = 'schema_version';
`
