// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - the interactive "chat" command.

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/peterh/liner"

	"github.com/jeranaias/hmchat/internal/config"
	"github.com/jeranaias/hmchat/internal/conversation"
	"github.com/jeranaias/hmchat/internal/storage"
	"github.com/jeranaias/hmchat/internal/util"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a line editor whose history lives in the config dir.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}
	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	c.LoadHistory()
	return c
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history with owner-only permissions.
func (c *ChatCLI) SaveHistory() {
	if err := config.EnsureConfigDir(); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

// Close saves history and restores the terminal.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// =============================================================================
// SESSION STATE
// =============================================================================

// chatSession is the state of one REPL run.
type chatSession struct {
	app      *App
	chatID   string
	noStream bool
	turns    int

	mu          sync.Mutex
	ctrl        *conversation.Controller
	unsubscribe func()

	// streamed is set when deltas were printed for the current turn.
	streamed bool
}

func newChatSession(app *App, chatID string, noStream bool) *chatSession {
	s := &chatSession{app: app, chatID: chatID, noStream: noStream}
	s.attach(app.Controller)
	return s
}

// attach subscribes to ctrl and makes it current.
func (s *chatSession) attach(ctrl *conversation.Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.ctrl = ctrl
	s.unsubscribe = ctrl.Subscribe(s.onEvent)
}

func (s *chatSession) controller() *conversation.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl
}

// onEvent runs on the goroutine that called Submit or Retry.
func (s *chatSession) onEvent(ev conversation.Event) {
	switch ev.Kind {
	case conversation.EventStarted:
		// A new chat exists from here on, even if the request fails.
		s.chatID = ev.ChatID
	case conversation.EventDelta:
		s.app.printf("%s", ev.Delta)
		s.streamed = true
	}
}

// cancel stops the running generation, if any.
func (s *chatSession) cancel() bool {
	return s.controller().Cancel()
}

// reload applies a configuration change between turns.
func (s *chatSession) reload(cfg *config.Config) {
	if s.noStream {
		cfg.Client.Stream = false
	}
	if err := s.app.ApplyConfig(cfg); err != nil {
		DisplayError(s.app.ErrOut, err)
		return
	}
	s.attach(s.app.Controller)
	fmt.Fprintln(s.app.ErrOut, RenderConditional(DimStyle, "[configuration reloaded]"))
}

// =============================================================================
// CHAT HANDLER
// =============================================================================

// HandleChat runs the interactive chat loop. Ctrl+C while an answer is being
// generated stops it; Ctrl+C or Ctrl+D at the prompt leaves.
func (a *App) HandleChat(ctx context.Context, args Args) error {
	p := args.Parser

	chatID := ""
	if ref := p.Flag("chat"); ref != "" {
		chat, err := a.resolveChat(ctx, ref)
		if err != nil {
			return err
		}
		chatID = chat.ID
	}

	noStream := p.BoolFlag("no-stream")
	if noStream && a.Config.Client.Stream {
		cfg := a.Config.Clone()
		cfg.Client.Stream = false
		if err := a.ApplyConfig(cfg); err != nil {
			return err
		}
	}

	session := newChatSession(a, chatID, noStream)
	input := NewChatCLI()
	defer input.Close()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	reloads := a.watchConfig(watchCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer func() {
		signal.Stop(sigCh)
		close(sigCh)
	}()
	go func() {
		for range sigCh {
			session.cancel()
		}
	}()

	if !args.Quiet {
		a.printWelcome(ctx, session)
	}

	for {
		select {
		case cfg := <-reloads:
			session.reload(cfg)
		default:
		}

		line, err := input.ReadInput("you> ")
		if err != nil {
			// liner.ErrPromptAborted (Ctrl+C) or io.EOF (Ctrl+D)
			a.printf("\n")
			a.printExitSummary(session)
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := a.handleSlashCommand(ctx, session, line)
			if err != nil {
				DisplayError(a.ErrOut, err)
			}
			if quit {
				a.printExitSummary(session)
				return nil
			}
			continue
		}
		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			a.printExitSummary(session)
			return nil
		}

		if err := a.chatTurn(ctx, session, line, false); err != nil {
			DisplayError(a.ErrOut, err)
		}
	}
}

// watchConfig starts a config file watcher for the life of ctx and returns
// the channel of reloaded configurations.
func (a *App) watchConfig(ctx context.Context) <-chan *config.Config {
	reloads := make(chan *config.Config, 1)

	path, err := config.Path()
	if err != nil {
		return reloads
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return reloads
	}

	log := a.Log
	go func() {
		err := config.Watch(ctx, path, config.DefaultDebounce, func(cfg *config.Config, err error) {
			if err != nil {
				log.WithError(err).Warn("config reload failed")
				return
			}
			// Keep only the newest pending configuration.
			select {
			case <-reloads:
			default:
			}
			reloads <- cfg
		})
		if err != nil {
			log.WithError(err).Debug("config watcher stopped")
		}
	}()
	return reloads
}

// chatTurn submits text, or retries the last answer, and prints the reply.
func (a *App) chatTurn(ctx context.Context, s *chatSession, text string, retry bool) error {
	ctrl := s.controller()
	s.streamed = false

	var (
		ex  *conversation.Exchange
		err error
	)
	if retry {
		ex, err = ctrl.Retry(ctx, s.chatID)
	} else {
		ex, err = ctrl.Submit(ctx, text, s.chatID)
	}
	if s.streamed {
		a.printf("\n")
	}

	switch {
	case errors.Is(err, conversation.ErrCanceled):
		fmt.Fprintln(a.ErrOut, RenderConditional(WarningStyle, "[Cancelled]"))
		return nil
	case err != nil:
		return err
	}

	s.chatID = ex.Chat.ID
	s.turns++
	if !s.streamed {
		a.printf("%s\n", strings.TrimRight(a.render(ex.Reply.Content), "\n"))
	}
	if a.Config.Log.Level == "debug" {
		fmt.Fprintln(a.ErrOut, RenderConditional(DimStyle, exchangeFooter(ex)))
	}
	return nil
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand runs a /command and reports whether to leave.
func (a *App) handleSlashCommand(ctx context.Context, s *chatSession, line string) (bool, error) {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch cmd {
	case "/quit", "/exit", "/q":
		return true, nil

	case "/new":
		s.chatID = ""
		fmt.Fprintln(a.ErrOut, RenderConditional(DimStyle, "Started a new chat."))
		return false, nil

	case "/retry", "/regenerate":
		if s.chatID == "" {
			return false, conversation.ErrNothingToRetry
		}
		return false, a.chatTurn(ctx, s, "", true)

	case "/chats", "/history":
		chats, err := a.Store.ListChats(ctx)
		if err != nil {
			return false, err
		}
		if len(chats) == 0 {
			a.printf("No chats yet.\n")
			return false, nil
		}
		a.printChatTable(chats)
		return false, nil

	case "/open", "/switch":
		chat, err := a.resolveChat(ctx, rest)
		if err != nil {
			return false, err
		}
		s.chatID = chat.ID
		fmt.Fprintln(a.ErrOut, RenderConditional(DimStyle, "Continuing: "+util.TruncateRunes(chat.Title, 60)))
		return false, nil

	case "/title", "/rename":
		if s.chatID == "" {
			return false, &UsageError{Message: "no chat yet", Usage: "send a message first"}
		}
		if rest == "" {
			return false, ErrMissingArgument("title", "/title New title")
		}
		_, err := a.Store.UpdateChat(ctx, s.chatID, storage.ChatUpdate{Title: &rest})
		return false, err

	case "/help", "/?":
		a.printf("%s\n", strings.Join([]string{
			"/new          start a new chat",
			"/retry        regenerate the last answer",
			"/chats        list chats",
			"/open ID      continue another chat",
			"/title TEXT   rename this chat",
			"/quit         leave",
			"Ctrl+C        stop the answer being generated",
		}, "\n"))
		return false, nil

	default:
		return false, &UsageError{Message: fmt.Sprintf("unknown command %s", cmd), Usage: "/help"}
	}
}

// =============================================================================
// BANNERS
// =============================================================================

func (a *App) printWelcome(ctx context.Context, s *chatSession) {
	a.printf("%s\n", RenderConditional(TitleStyle, "hmchat "+Version))

	settings, err := a.Store.GetSettings(ctx)
	if err == nil {
		a.printf("%s\n", RenderConditional(DimStyle, fmt.Sprintf("model %s at %s", settings.Model, settings.BaseURL())))
		if !settings.Configured() {
			a.printf("%s\n", RenderConditional(WarningStyle,
				"No API key set. Configure with: hmchat settings set api_key <KEY>"))
		}
	}
	if s.chatID != "" {
		if chat, err := a.Store.GetChat(ctx, s.chatID); err == nil && chat != nil {
			a.printf("%s\n", RenderConditional(DimStyle, "Continuing: "+util.TruncateRunes(chat.Title, 60)))
		}
	}
	a.printf("%s\n\n", RenderConditional(DimStyle, "Type /help for commands."))
}

func (a *App) printExitSummary(s *chatSession) {
	if s.turns == 0 {
		return
	}
	word := "answers"
	if s.turns == 1 {
		word = "answer"
	}
	fmt.Fprintln(a.ErrOut, RenderConditional(DimStyle, fmt.Sprintf("%d %s this session.", s.turns, word)))
}
