// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package conversation sequences a user turn into durable state plus one
// completion request.
//
// A Controller persists the user message and an empty assistant placeholder,
// asks the completion client for a reply built from the chat's history, and
// fills the placeholder in place. At most one generation runs at a time; a
// second Submit or Retry while one is in flight fails with ErrBusy.
//
// Cancel abandons the in-flight generation. A reply that arrives afterwards
// is discarded and never written to the store.
package conversation
