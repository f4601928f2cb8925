// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - the one-shot "ask" command.

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jeranaias/hmchat/internal/conversation"
)

// maxPipedInput bounds a question read from stdin.
const maxPipedInput = 1 << 20

// askResult is the --json output of ask.
type askResult struct {
	ChatID     string `json:"chat_id"`
	MessageID  string `json:"message_id"`
	Content    string `json:"content"`
	NewChat    bool   `json:"new_chat"`
	Input      int    `json:"input_tokens"`
	Output     int    `json:"output_tokens"`
	DurationMS int64  `json:"duration_ms"`
}

// HandleAsk sends one question and prints the answer. The question is the
// positional arguments, or stdin when it is piped. Ctrl+C abandons the
// request.
func (a *App) HandleAsk(ctx context.Context, args Args) error {
	p := args.Parser

	question := p.JoinFrom(0)
	if question == "" && !a.Interactive {
		data, err := io.ReadAll(io.LimitReader(a.In, maxPipedInput))
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		question = string(data)
	}
	if strings.TrimSpace(question) == "" {
		return ErrMissingArgument("question", `hmchat ask "What is a goroutine?"`)
	}

	chatID := ""
	if ref := p.Flag("chat"); ref != "" {
		chat, err := a.resolveChat(ctx, ref)
		if err != nil {
			return err
		}
		chatID = chat.ID
	}

	stream := a.Config.Client.Stream && !p.BoolFlag("no-stream")
	markdown := a.Markdown && !p.BoolFlag("plain") && !args.JSON
	ctrl := conversation.NewController(a.Store, a.Client,
		conversation.WithStreaming(stream),
		conversation.WithLogger(a.Log),
	)

	printed := false
	if stream && !markdown && !args.JSON {
		unsubscribe := ctrl.Subscribe(func(ev conversation.Event) {
			if ev.Kind == conversation.EventDelta {
				a.printf("%s", ev.Delta)
				printed = true
			}
		})
		defer unsubscribe()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	ex, err := ctrl.Submit(ctx, question, chatID)
	if printed {
		a.printf("\n")
	}
	if err != nil {
		return err
	}

	if args.JSON {
		return writeJSON(a.Out, askResult{
			ChatID:     ex.Chat.ID,
			MessageID:  ex.Reply.ID,
			Content:    ex.Reply.Content,
			NewChat:    ex.CreatedChat,
			Input:      ex.Usage.Input,
			Output:     ex.Usage.Output,
			DurationMS: ex.Duration.Milliseconds(),
		})
	}

	if !printed {
		if markdown {
			a.printf("%s", a.render(ex.Reply.Content))
		} else {
			a.printf("%s\n", ex.Reply.Content)
		}
	}
	if !args.Quiet {
		fmt.Fprintln(a.ErrOut, RenderConditional(DimStyle, exchangeFooter(ex)))
	}
	return nil
}

// exchangeFooter summarises an exchange: chat id, tokens and time.
func exchangeFooter(ex *conversation.Exchange) string {
	parts := []string{"chat " + ex.Chat.ID}
	if ex.Usage.Total > 0 {
		parts = append(parts, fmt.Sprintf("%d tokens", ex.Usage.Total))
	}
	parts = append(parts, ex.Duration.Round(10*time.Millisecond).String())
	return strings.Join(parts, " | ")
}
