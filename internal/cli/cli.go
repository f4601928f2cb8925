// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - command parsing, usage text and dispatch for hmchat.

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/jeranaias/hmchat/internal/config"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdChat Command = iota
	CmdAsk
	CmdChats
	CmdModels
	CmdSettings
	CmdData
	CmdConfig
	CmdVersion
	CmdHelp
	CmdUnknown
)

// Args holds parsed CLI arguments.
type Args struct {
	// Name is the command word as typed.
	Name string

	// Global flags
	JSON    bool
	Quiet   bool
	Verbose bool

	// Parser holds the command's own arguments (everything after the
	// command word, global flags removed).
	Parser *ArgParser
}

const usageText = `hmchat - local-first chat client for OpenAI-compatible endpoints

Conversations are stored on this machine; only the messages of the chat
being answered are sent to the configured provider.

Usage:
  hmchat                              Interactive chat (same as "chat")
  hmchat chat [--chat ID] [--no-stream]
                                      Interactive chat
  hmchat ask "question" [--chat ID] [--no-stream] [--plain]
                                      Ask a single question
  hmchat chats [list]                 List chats, most recent first
  hmchat chats show ID                Print a chat transcript
  hmchat chats rename ID TITLE        Rename a chat
  hmchat chats delete ID [--confirm]  Delete a chat and its messages
  hmchat chats export ID [--format md|json] [--output DIR]
                                      Write a chat to a file
  hmchat models                       List models offered by the provider
  hmchat settings [show]              Show provider settings
  hmchat settings set KEY VALUE       Change a provider setting
                                      (api_url, api_key, model, temperature, max_tokens)
  hmchat settings reset [--confirm]   Restore default provider settings
  hmchat settings test                Check the provider connection
  hmchat data export [FILE]           Back up everything to a JSON file
  hmchat data import FILE             Restore a backup (merges by id)
  hmchat data clear --confirm         Delete all chats, messages and settings
  hmchat config [show]                Show process configuration
  hmchat config set KEY VALUE         Change a configuration value
  hmchat config path                  Print the config file path
  hmchat config keys                  List configuration keys
  hmchat version                      Show version information
  hmchat help                         Show this help

Global flags:
  --json                              Machine-readable output where supported
  -q, --quiet                         Less output
  -v, --verbose                       Debug logging to the log destination

Chat commands:
  /new        Start a new chat
  /retry      Regenerate the last answer
  /chats      List chats
  /open ID    Continue another chat
  /quit       Leave (also Ctrl+D)
  Ctrl+C      Stop the answer being generated

Environment:
  HMCHAT_HOME        Configuration directory (default ~/.hmchat)
  HMCHAT_DB          Database path
  HMCHAT_LOG_LEVEL   trace, debug, info, warn, error
  HMCHAT_LOG_FILE    Log file (default stderr)
  HMCHAT_TIMEOUT     Request timeout in seconds
  HMCHAT_RPM         Requests per minute limit (0 = unlimited)
  HMCHAT_STREAM      Stream replies (true/false)
  NO_COLOR           Disable colors
`

// PrintUsage writes the help text.
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, usageText)
}

// PrintVersion writes version information.
func PrintVersion(w io.Writer, jsonMode bool) {
	if jsonMode {
		writeJSON(w, map[string]string{
			"version":    Version,
			"git_commit": GitCommit,
			"build_date": BuildDate,
			"go_version": runtime.Version(),
			"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		})
		return
	}
	fmt.Fprintf(w, "hmchat %s\n", Version)
	fmt.Fprintf(w, "  Commit:  %s\n", GitCommit)
	fmt.Fprintf(w, "  Built:   %s\n", BuildDate)
	fmt.Fprintf(w, "  Go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Parse identifies the command in argv (os.Args[1:]) and separates global
// flags from the command's own arguments.
func Parse(argv []string) (Command, Args) {
	remaining, args := parseGlobalFlags(argv)

	if len(remaining) == 0 {
		args.Name = "chat"
		args.Parser = NewArgParser(nil)
		return CmdChat, args
	}

	args.Name = strings.ToLower(remaining[0])
	args.Parser = NewArgParser(remaining[1:])

	switch args.Name {
	case "chat", "repl":
		return CmdChat, args
	case "ask", "a":
		return CmdAsk, args
	case "chats", "history":
		return CmdChats, args
	case "models":
		return CmdModels, args
	case "settings":
		return CmdSettings, args
	case "data", "backup":
		return CmdData, args
	case "config":
		return CmdConfig, args
	case "version", "--version":
		return CmdVersion, args
	case "help", "--help", "-h":
		return CmdHelp, args
	default:
		return CmdUnknown, args
	}
}

// parseGlobalFlags removes global flags wherever they appear.
func parseGlobalFlags(argv []string) ([]string, Args) {
	var args Args
	remaining := make([]string, 0, len(argv))
	for i, arg := range argv {
		if arg == "--" {
			remaining = append(remaining, argv[i:]...)
			break
		}
		switch arg {
		case "--json":
			args.JSON = true
		case "-q", "--quiet":
			args.Quiet = true
		case "-v", "--verbose":
			args.Verbose = true
		default:
			remaining = append(remaining, arg)
		}
	}
	return remaining, args
}

// Run executes argv and returns the process exit code.
func Run(ctx context.Context, argv []string) int {
	cmd, args := Parse(argv)

	switch cmd {
	case CmdHelp:
		PrintUsage(os.Stdout)
		return ExitSuccess
	case CmdVersion:
		PrintVersion(os.Stdout, args.JSON)
		return ExitSuccess
	case CmdUnknown:
		DisplayError(os.Stderr, &UsageError{
			Message: fmt.Sprintf("unknown command %q", args.Name),
			Usage:   "hmchat help",
		})
		return ExitUsageError
	}

	cfg, err := config.Load()
	if err != nil {
		DisplayError(os.Stderr, err)
		return ExitConfigError
	}
	if args.Verbose {
		cfg.Log.Level = "debug"
	}
	SetColorMode(cfg.UI.Color)

	if cmd == CmdConfig {
		app := &App{Config: cfg, Out: os.Stdout, ErrOut: os.Stderr, In: os.Stdin}
		return finish(app, app.HandleConfig(args))
	}

	app, err := OpenApp(ctx, cfg)
	if err != nil {
		DisplayError(os.Stderr, err)
		return ExitCode(err)
	}
	defer app.Close()

	return finish(app, app.Dispatch(ctx, cmd, args))
}

func finish(app *App, err error) int {
	if err != nil {
		DisplayError(app.ErrOut, err)
	}
	return ExitCode(err)
}

// Dispatch runs a data command against an open App.
func (a *App) Dispatch(ctx context.Context, cmd Command, args Args) error {
	switch cmd {
	case CmdChat:
		return a.HandleChat(ctx, args)
	case CmdAsk:
		return a.HandleAsk(ctx, args)
	case CmdChats:
		return a.HandleChats(ctx, args)
	case CmdModels:
		return a.HandleModels(ctx, args)
	case CmdSettings:
		return a.HandleSettings(ctx, args)
	case CmdData:
		return a.HandleData(ctx, args)
	case CmdConfig:
		return a.HandleConfig(args)
	default:
		return &UsageError{Message: fmt.Sprintf("unknown command %q", args.Name), Usage: "hmchat help"}
	}
}
