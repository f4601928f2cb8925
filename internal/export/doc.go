// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export moves hmchat data in and out of the store.
//
// Whole-store backups use the snapshot format shared with the browser
// client:
//
//	{ "version": "1.0", "exportDate": "2025-01-02T03:04:05.000Z",
//	  "chats": [Chat...], "messages": { "<chatId>": [Message...] },
//	  "settings": Settings }
//
// Import is additive: records are upserted by id and nothing absent from the
// snapshot is removed. A snapshot without "version" or "chats" is rejected
// with a format fault before the store is touched.
//
// Single chats can also be rendered for reading with a ChatExporter
// (Markdown with YAML front matter, or JSON).
//
// # Usage
//
//	ex := export.NewExporter(store)
//	snap, err := ex.Export(ctx)
//	err = export.WriteFile(export.DefaultFilename(time.Now()), snap)
//
//	snap, err = export.ReadFile(path)
//	err = ex.Import(ctx, snap)
package export
