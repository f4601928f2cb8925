// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/hmchat/internal/fault"
	"github.com/jeranaias/hmchat/internal/model"
	"github.com/jeranaias/hmchat/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "hmchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seed fills store with two chats (one empty) and custom settings.
func seed(t *testing.T, store *storage.Store) (*model.Chat, *model.Chat) {
	t.Helper()
	ctx := context.Background()

	talk, err := store.CreateChat(ctx, "Talk")
	require.NoError(t, err)
	for _, m := range []struct {
		role    model.Role
		content string
	}{
		{model.RoleUser, "hello"},
		{model.RoleAssistant, "hi there"},
		{model.RoleUser, "how are you?"},
		{model.RoleAssistant, ""},
	} {
		_, err := store.AddMessage(ctx, m.role, m.content, talk.ID)
		require.NoError(t, err)
	}

	empty, err := store.CreateChat(ctx, "Empty")
	require.NoError(t, err)

	settings := model.DefaultSettings()
	settings.APIKey = "sk-test"
	settings.Model = "gpt-4o"
	settings.Temperature = 0.2
	require.NoError(t, store.SaveSettings(ctx, settings))
	return talk, empty
}

type storeState struct {
	Chats    []model.Chat
	Messages map[string][]model.Message
	Settings model.Settings
}

func stateOf(t *testing.T, store *storage.Store) storeState {
	t.Helper()
	chats, msgs, settings, err := store.Dump(context.Background())
	require.NoError(t, err)
	return storeState{Chats: chats, Messages: msgs, Settings: settings}
}

// =============================================================================
// SNAPSHOT TESTS
// =============================================================================

func TestExporter_ExportShape(t *testing.T) {
	store := newTestStore(t)
	talk, empty := seed(t, store)

	ex := NewExporter(store)
	ex.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 890_000_000, time.UTC) }

	snap, err := ex.Export(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SnapshotVersion, snap.Version)
	assert.Equal(t, "2025-03-04T05:06:07.890Z", snap.ExportDate)
	assert.Len(t, snap.Chats, 2)
	assert.Len(t, snap.Messages[talk.ID], 4)
	require.Contains(t, snap.Messages, empty.ID)
	assert.Empty(t, snap.Messages[empty.ID])
	require.NotNil(t, snap.Settings)
	assert.Equal(t, "gpt-4o", snap.Settings.Model)
	assert.Equal(t, 4, snap.MessageCount())

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, snap))
	var raw map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	assert.Contains(t, raw, "exportDate")
	assert.Contains(t, raw["settings"], "apiKey")
	assert.Equal(t, []any{}, raw["messages"].(map[string]any)[empty.ID])
}

func TestExporter_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store)
	before := stateOf(t, store)

	ex := NewExporter(store)
	snap, err := ex.Export(ctx)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), DefaultFilename(time.Now()))
	require.NoError(t, WriteFile(path, snap))

	require.NoError(t, ex.Clear(ctx))
	cleared := stateOf(t, store)
	assert.Empty(t, cleared.Chats)
	assert.Equal(t, model.DefaultSettings(), cleared.Settings)

	loaded, err := ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, ex.Import(ctx, loaded))

	assert.Equal(t, before, stateOf(t, store))
}

func TestExporter_ImportIsAdditive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	talk, _ := seed(t, store)

	ts := model.FromMillis(1700000000000)
	snap := &Snapshot{
		Version: SnapshotVersion,
		Chats: []model.Chat{
			{ID: talk.ID, Title: "Renamed", CreatedAt: talk.CreatedAt, UpdatedAt: talk.UpdatedAt},
			{ID: "new-chat", Title: "New", CreatedAt: ts, UpdatedAt: ts},
		},
		Messages: map[string][]model.Message{
			// chatId omitted: inherits the key.
			"new-chat": {{ID: "n1", Role: model.RoleUser, Content: "from backup", Timestamp: ts}},
		},
	}
	require.NoError(t, NewExporter(store).Import(ctx, snap))

	state := stateOf(t, store)
	assert.Len(t, state.Chats, 3)
	assert.Len(t, state.Messages[talk.ID], 4, "messages absent from the snapshot are kept")
	require.Len(t, state.Messages["new-chat"], 1)
	assert.Equal(t, "new-chat", state.Messages["new-chat"][0].ChatID)
	assert.Equal(t, "gpt-4o", state.Settings.Model, "settings absent from the snapshot are kept")

	got, err := store.GetChat(ctx, talk.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
}

func TestExporter_ImportRejectsMissingKeys(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store)
	before := stateOf(t, store)
	ex := NewExporter(store)

	for name, snap := range map[string]*Snapshot{
		"nil":             nil,
		"missing version": {Chats: []model.Chat{{ID: "x", Title: "x"}}},
		"missing chats":   {Version: SnapshotVersion},
	} {
		t.Run(name, func(t *testing.T) {
			err := ex.Import(ctx, snap)
			require.Error(t, err)
			assert.True(t, errors.Is(err, fault.ErrFormat))
		})
	}
	assert.Equal(t, before, stateOf(t, store))
}

func TestExporter_ImportOrphanMessageRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store)
	before := stateOf(t, store)

	ts := model.FromMillis(1700000000000)
	err := NewExporter(store).Import(ctx, &Snapshot{
		Version: SnapshotVersion,
		Chats:   []model.Chat{{ID: "c-new", Title: "New", CreatedAt: ts, UpdatedAt: ts}},
		Messages: map[string][]model.Message{
			"c-new": {{ID: "m1", ChatID: "c-new", Role: model.RoleUser, Content: "ok", Timestamp: ts}},
			"ghost": {{ID: "m2", ChatID: "ghost", Role: model.RoleUser, Content: "orphan", Timestamp: ts}},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrFormat))
	assert.Contains(t, err.Error(), "ghost")

	assert.Equal(t, before, stateOf(t, store))
}

func TestExporter_ImportRejectsUnknownRole(t *testing.T) {
	store := newTestStore(t)

	err := NewExporter(store).Import(context.Background(), &Snapshot{
		Version:  SnapshotVersion,
		Chats:    []model.Chat{{ID: "c"}},
		Messages: map[string][]model.Message{"c": {{ID: "m", Role: "tool"}}},
	})
	assert.True(t, errors.Is(err, fault.ErrFormat))
}

// =============================================================================
// DECODE TESTS
// =============================================================================

func TestDecode_MissingKeys(t *testing.T) {
	tests := map[string]string{
		"missing version": `{"exportDate":"2025-01-01T00:00:00.000Z","chats":[],"messages":{}}`,
		"missing chats":   `{"version":"1.0","messages":{}}`,
		"null chats":      `{"version":"1.0","chats":null}`,
		"malformed":       `{"version":`,
		"not an object":   `[1,2,3]`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(input))
			require.Error(t, err)
			assert.True(t, errors.Is(err, fault.ErrFormat))
		})
	}
}

func TestDecode_EmptyChatsIsValid(t *testing.T) {
	snap, err := Decode(strings.NewReader(`{"version":"1.0","chats":[]}`))
	require.NoError(t, err)
	assert.NotNil(t, snap.Chats)
	assert.Empty(t, snap.Chats)
	assert.Nil(t, snap.Settings)
}

func TestDecode_PartialSettingsTakeDefaults(t *testing.T) {
	snap, err := Decode(strings.NewReader(`{
		"version": "1.0",
		"exportDate": "2024-06-10T06:13:20.000Z",
		"chats": [{"id":"c1","title":"Hi","createdAt":1718000000000,"updatedAt":1718000001000}],
		"messages": {"c1": [{"id":"m1","role":"user","content":"hey","timestamp":1718000000500,"chatId":"c1"}]},
		"settings": {"apiKey":"sk-x","apiUrl":"http://localhost:1234/v1"}
	}`))
	require.NoError(t, err)

	require.NotNil(t, snap.Settings)
	assert.Equal(t, "sk-x", snap.Settings.APIKey)
	assert.Equal(t, model.DefaultModel, snap.Settings.Model)
	assert.Equal(t, model.DefaultMaxTokens, snap.Settings.MaxTokens)
	assert.Equal(t, model.FromMillis(1718000001000), snap.Chats[0].UpdatedAt)
	assert.Equal(t, "hey", snap.Messages["c1"][0].Content)
}

// =============================================================================
// FILE TESTS
// =============================================================================

func TestWriteFile_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "backup.json")
	require.NoError(t, WriteFile(path, &Snapshot{Version: SnapshotVersion, Chats: []model.Chat{}}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestDefaultFilename(t *testing.T) {
	day := time.Date(2025, 1, 9, 23, 0, 0, 0, time.Local)
	assert.Equal(t, "hmchat-backup-2025-01-09.json", DefaultFilename(day))
}
