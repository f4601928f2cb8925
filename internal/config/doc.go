// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides process configuration loading and management for
// hmchat.
//
// This is configuration of the program itself: where the database lives,
// request timeouts, logging and terminal rendering. Provider settings (API
// URL, key, model, temperature) are user data and live in the store.
//
// # Key Types
//
//   - Config: Main configuration structure
//   - ClientConfig: completion client timeouts, rate limit and streaming
//   - LogConfig: log level and destination
//   - UIConfig: terminal rendering options
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (HMCHAT_*), including those set by .env files
//   - ~/.hmchat/config.toml
//   - Built-in defaults
//
// HMCHAT_HOME replaces ~/.hmchat.
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Reload on change:
//
//	err := config.Watch(ctx, path, 200*time.Millisecond, func(cfg *config.Config, err error) {
//	    // apply cfg
//	})
package config
