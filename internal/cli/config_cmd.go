// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - the "config" command for ~/.hmchat/config.toml.

package cli

import (
	"fmt"
	"strings"

	"github.com/jeranaias/hmchat/internal/config"
)

// HandleConfig dispatches the config subcommands. It needs no database.
func (a *App) HandleConfig(args Args) error {
	p := args.Parser
	switch p.Subcommand() {
	case "", "show":
		if args.JSON {
			return writeJSON(a.Out, a.Config)
		}
		fmt.Fprint(a.Out, a.Config.String())
		return nil

	case "path":
		path, err := config.Path()
		if err != nil {
			return err
		}
		fmt.Fprintln(a.Out, path)
		return nil

	case "keys":
		for _, key := range config.Keys() {
			fmt.Fprintln(a.Out, key)
		}
		return nil

	case "get":
		key := p.Positional(1)
		if key == "" {
			return ErrMissingArgument("KEY", "hmchat config get client.timeout_secs")
		}
		v, err := a.Config.Get(key)
		if err != nil {
			return &ValidationError{Field: "config key", Value: key, Reason: err.Error()}
		}
		fmt.Fprintln(a.Out, v)
		return nil

	case "set":
		return a.setConfig(args)

	default:
		return &UsageError{
			Message: fmt.Sprintf("unknown config subcommand %q", p.Subcommand()),
			Usage:   "hmchat config [show|get|set|path|keys]",
		}
	}
}

// setConfig edits the file itself, so environment overrides in effect are
// not written back.
func (a *App) setConfig(args Args) error {
	p := args.Parser
	key := p.Positional(1)
	if key == "" || p.PositionalCount() < 3 {
		return ErrMissingArgument("KEY VALUE", "hmchat config set client.timeout_secs 120")
	}

	path, err := config.Path()
	if err != nil {
		return err
	}
	cfg, err := config.ReadFile(path)
	if err != nil {
		return err
	}
	if err := cfg.Set(key, p.JoinFrom(2)); err != nil {
		return err
	}
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	if err := config.SaveTOML(cfg, path); err != nil {
		return err
	}
	if !args.Quiet {
		fmt.Fprintf(a.Out, "%s Set %s in %s\n", RenderConditional(SuccessStyle, "[OK]"), strings.ToLower(key), path)
	}
	return nil
}
