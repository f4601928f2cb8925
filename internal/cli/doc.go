// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the hmchat command line: argument parsing, the
// interactive chat loop and the data management commands.
//
// # Key Types
//
//   - Command: Enumeration of the available commands
//   - Args: Global flags plus an ArgParser over the command's arguments
//   - App: The opened store, completion client, conversation controller and
//     snapshot exporter a command runs against
//
// # Usage
//
//	os.Exit(cli.Run(context.Background(), os.Args[1:]))
//
// # Commands Overview
//
//   - chat: Interactive chat (default)
//   - ask: Single question
//   - chats: List, show, rename, delete and export chats
//   - models: Models offered by the provider
//   - settings: Provider URL, key, model and sampling settings
//   - data: Backup, restore and clear
//   - config: Process configuration file
//
// Handlers return errors; Run prints them and maps them to exit codes.
package cli
