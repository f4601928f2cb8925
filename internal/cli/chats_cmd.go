// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chats_cmd.go - the "chats" command: list, show, rename, delete, export.

package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/hmchat/internal/export"
	"github.com/jeranaias/hmchat/internal/model"
	"github.com/jeranaias/hmchat/internal/storage"
	"github.com/jeranaias/hmchat/internal/util"
)

// HandleChats dispatches the chats subcommands.
func (a *App) HandleChats(ctx context.Context, args Args) error {
	p := args.Parser
	switch p.Subcommand() {
	case "", "list", "ls":
		return a.listChats(ctx, args)
	case "show", "view":
		return a.showChat(ctx, args)
	case "rename":
		return a.renameChat(ctx, args)
	case "delete", "rm":
		return a.deleteChat(ctx, args)
	case "export":
		return a.exportChat(ctx, args)
	default:
		return &UsageError{
			Message: fmt.Sprintf("unknown chats subcommand %q", p.Subcommand()),
			Usage:   "hmchat chats [list|show|rename|delete|export]",
		}
	}
}

// resolveChat finds a chat by id or by a unique id prefix.
func (a *App) resolveChat(ctx context.Context, ref string) (*model.Chat, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrMissingArgument("chat id", "hmchat chats list")
	}

	chat, err := a.Store.GetChat(ctx, ref)
	if err != nil {
		return nil, err
	}
	if chat != nil {
		return chat, nil
	}

	chats, err := a.Store.ListChats(ctx)
	if err != nil {
		return nil, err
	}
	var matches []model.Chat
	for _, c := range chats {
		if strings.HasPrefix(c.ID, ref) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return nil, &NotFoundError{Resource: "chat", ID: ref}
	case 1:
		return &matches[0], nil
	default:
		return nil, &ValidationError{
			Field:  "chat id",
			Value:  ref,
			Reason: fmt.Sprintf("prefix matches %d chats", len(matches)),
		}
	}
}

type chatSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func (a *App) listChats(ctx context.Context, args Args) error {
	chats, err := a.Store.ListChats(ctx)
	if err != nil {
		return err
	}

	if args.JSON {
		out := make([]chatSummary, len(chats))
		for i, c := range chats {
			out[i] = chatSummary{
				ID:        c.ID,
				Title:     c.Title,
				CreatedAt: c.CreatedAt.Format(time.RFC3339),
				UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
			}
		}
		return writeJSON(a.Out, out)
	}

	if len(chats) == 0 {
		a.printf("No chats yet. Start one with: hmchat chat\n")
		return nil
	}
	a.printChatTable(chats)
	return nil
}

// printChatTable prints one line per chat: short id, last activity, title.
func (a *App) printChatTable(chats []model.Chat) {
	titleWidth := GetTerminalWidth() - 8 - 16 - 6
	if titleWidth < 20 {
		titleWidth = 20
	}
	for _, c := range chats {
		a.printf("%s  %s  %s\n",
			RenderConditional(DimStyle, shortID(c.ID)),
			c.UpdatedAt.Local().Format("2006-01-02 15:04"),
			util.TruncateWidth(util.SingleLine(c.Title), titleWidth),
		)
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func (a *App) showChat(ctx context.Context, args Args) error {
	chat, err := a.resolveChat(ctx, args.Parser.Positional(1))
	if err != nil {
		return err
	}
	msgs, err := a.Store.ListMessages(ctx, chat.ID)
	if err != nil {
		return err
	}

	if args.JSON {
		data, err := export.NewJSONExporter(nil).Export(chat, msgs)
		if err != nil {
			return err
		}
		_, err = a.Out.Write(append(data, '\n'))
		return err
	}

	a.printf("%s\n", RenderConditional(TitleStyle, chat.Title))
	a.printf("%s\n", RenderConditional(DimStyle, fmt.Sprintf("%s | %d messages", chat.ID, len(msgs))))
	for _, m := range msgs {
		a.printf("\n%s\n", RenderRole(m.Role))
		switch {
		case m.IsPending():
			a.printf("%s\n", RenderConditional(DimStyle, "(no answer)"))
		case m.Role == model.RoleAssistant:
			a.printf("%s\n", strings.TrimRight(a.render(m.Content), "\n"))
		default:
			a.printf("%s\n", m.Content)
		}
	}
	return nil
}

func (a *App) renameChat(ctx context.Context, args Args) error {
	p := args.Parser
	title := strings.TrimSpace(p.JoinFrom(2))
	if title == "" {
		return ErrMissingArgument("title", `hmchat chats rename ID "New title"`)
	}
	chat, err := a.resolveChat(ctx, p.Positional(1))
	if err != nil {
		return err
	}
	if _, err := a.Store.UpdateChat(ctx, chat.ID, storage.ChatUpdate{Title: &title}); err != nil {
		return err
	}
	if !args.Quiet {
		a.printf("%s Renamed chat %s\n", RenderConditional(SuccessStyle, "[OK]"), shortID(chat.ID))
	}
	return nil
}

func (a *App) deleteChat(ctx context.Context, args Args) error {
	p := args.Parser
	chat, err := a.resolveChat(ctx, p.Positional(1))
	if err != nil {
		return err
	}
	ok, err := a.Confirm(fmt.Sprintf("delete chat %q", chat.Title), ConfirmationOptions{
		ConfirmFlag: p.BoolFlag("confirm"),
		JSONMode:    args.JSON,
	})
	if err != nil || !ok {
		return err
	}
	if err := a.Store.DeleteChat(ctx, chat.ID); err != nil {
		return err
	}
	if !args.Quiet {
		a.printf("%s Deleted chat %s\n", RenderConditional(SuccessStyle, "[OK]"), shortID(chat.ID))
	}
	return nil
}

func (a *App) exportChat(ctx context.Context, args Args) error {
	p := args.Parser
	chat, err := a.resolveChat(ctx, p.Positional(1))
	if err != nil {
		return err
	}
	msgs, err := a.Store.ListMessages(ctx, chat.ID)
	if err != nil {
		return err
	}

	settings, err := a.Store.GetSettings(ctx)
	if err != nil {
		return err
	}
	opts := export.DefaultOptions()
	opts.Model = settings.Model

	exporter, err := export.ExporterFor(strings.ToLower(p.Flag("format")), opts)
	if err != nil {
		return &ValidationError{Field: "format", Value: p.Flag("format"), Reason: "must be md or json"}
	}
	path, err := export.ExportChatToFile(chat, msgs, exporter, p.FlagOrDefault("output", "."))
	if err != nil {
		return err
	}
	a.printf("%s\n", path)
	return nil
}
