// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// data_cmd.go - the "data" command: whole-store backup, restore and clear.

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jeranaias/hmchat/internal/export"
)

// HandleData dispatches the data subcommands.
func (a *App) HandleData(ctx context.Context, args Args) error {
	p := args.Parser
	switch p.Subcommand() {
	case "export", "backup":
		return a.exportData(ctx, args)
	case "import", "restore":
		return a.importData(ctx, args)
	case "clear":
		return a.clearData(ctx, args)
	case "":
		return ErrMissingArgument("subcommand", "hmchat data [export|import|clear]")
	default:
		return &UsageError{
			Message: fmt.Sprintf("unknown data subcommand %q", p.Subcommand()),
			Usage:   "hmchat data [export|import|clear]",
		}
	}
}

func (a *App) exportData(ctx context.Context, args Args) error {
	path := args.Parser.Positional(1)
	if path == "" {
		path = export.DefaultFilename(time.Now())
	}

	snap, err := a.Exporter.Export(ctx)
	if err != nil {
		return err
	}
	if path == "-" {
		return export.Encode(a.Out, snap)
	}
	if err := export.WriteFile(path, snap); err != nil {
		return err
	}

	if args.JSON {
		return writeJSON(a.Out, map[string]any{
			"path":     path,
			"chats":    len(snap.Chats),
			"messages": snap.MessageCount(),
		})
	}
	if !args.Quiet {
		a.printf("%s Exported %d chats and %d messages to %s\n",
			RenderConditional(SuccessStyle, "[OK]"), len(snap.Chats), snap.MessageCount(), path)
	}
	return nil
}

func (a *App) importData(ctx context.Context, args Args) error {
	path := args.Parser.Positional(1)
	if path == "" {
		return ErrMissingArgument("FILE", "hmchat data import hmchat-backup-2025-01-31.json")
	}

	var (
		snap *export.Snapshot
		err  error
	)
	if path == "-" {
		snap, err = export.Decode(a.In)
	} else {
		snap, err = export.ReadFile(path)
	}
	if err != nil {
		return err
	}
	if err := a.Exporter.Import(ctx, snap); err != nil {
		return err
	}

	if args.JSON {
		return writeJSON(a.Out, map[string]any{
			"chats":    len(snap.Chats),
			"messages": snap.MessageCount(),
			"settings": snap.Settings != nil,
		})
	}
	if !args.Quiet {
		a.printf("%s Imported %d chats and %d messages\n",
			RenderConditional(SuccessStyle, "[OK]"), len(snap.Chats), snap.MessageCount())
	}
	return nil
}

func (a *App) clearData(ctx context.Context, args Args) error {
	ok, err := a.Confirm("delete all chats, messages and settings", ConfirmationOptions{
		ConfirmFlag: args.Parser.BoolFlag("confirm"),
		JSONMode:    args.JSON,
	})
	if err != nil || !ok {
		return err
	}
	if err := a.Exporter.Clear(ctx); err != nil {
		return err
	}
	if !args.Quiet {
		a.printf("%s All data cleared\n", RenderConditional(SuccessStyle, "[OK]"))
	}
	return nil
}
