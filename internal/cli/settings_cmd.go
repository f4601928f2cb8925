// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// settings_cmd.go - the "settings" command for the stored provider settings.

package cli

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jeranaias/hmchat/internal/cloud"
	"github.com/jeranaias/hmchat/internal/logging"
	"github.com/jeranaias/hmchat/internal/model"
)

// settingsKeys lists the keys accepted by "settings set".
var settingsKeys = []string{"api_url", "api_key", "model", "temperature", "max_tokens"}

// HandleSettings dispatches the settings subcommands.
func (a *App) HandleSettings(ctx context.Context, args Args) error {
	p := args.Parser
	switch p.Subcommand() {
	case "", "show":
		return a.showSettings(ctx, args)
	case "set":
		return a.setSetting(ctx, args)
	case "reset":
		return a.resetSettings(ctx, args)
	case "test":
		return a.testSettings(ctx, args)
	default:
		return &UsageError{
			Message: fmt.Sprintf("unknown settings subcommand %q", p.Subcommand()),
			Usage:   "hmchat settings [show|set|reset|test]",
		}
	}
}

type settingsView struct {
	APIURL      string  `json:"api_url"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Configured  bool    `json:"configured"`
}

func (a *App) showSettings(ctx context.Context, args Args) error {
	s, err := a.Store.GetSettings(ctx)
	if err != nil {
		return err
	}
	view := settingsView{
		APIURL:      s.APIURL,
		APIKey:      logging.RedactKey(s.APIKey),
		Model:       s.Model,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
		Configured:  s.Configured(),
	}
	if args.JSON {
		return writeJSON(a.Out, view)
	}

	a.printf("%s\n", RenderConditional(TitleStyle, "Provider settings"))
	a.printf("%s\n", RenderField("api_url", view.APIURL))
	a.printf("%s\n", RenderField("api_key", view.APIKey))
	a.printf("%s\n", RenderField("model", view.Model))
	a.printf("%s\n", RenderField("temperature", strconv.FormatFloat(view.Temperature, 'g', -1, 64)))
	a.printf("%s\n", RenderField("max_tokens", strconv.Itoa(view.MaxTokens)))
	if !view.Configured {
		a.printf("\n%s\n", RenderConditional(WarningStyle,
			"Not configured: set api_url and api_key with `hmchat settings set`."))
	}
	return nil
}

// settingKey maps a key and its aliases to the canonical settings key, or
// "" when unknown.
func settingKey(key string) string {
	switch strings.ReplaceAll(strings.ToLower(key), "-", "_") {
	case "api_url", "apiurl", "url":
		return "api_url"
	case "api_key", "apikey", "key":
		return "api_key"
	case "model":
		return "model"
	case "temperature", "temp":
		return "temperature"
	case "max_tokens", "maxtokens":
		return "max_tokens"
	default:
		return ""
	}
}

// applySetting validates value and stores it in s under key.
func applySetting(s *model.Settings, key, value string) error {
	value = strings.TrimSpace(value)
	switch settingKey(key) {
	case "api_url":
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "api_url", Value: value, Reason: "must be an http(s) URL",
				Example: "https://api.openai.com/v1"}
		}
		s.APIURL = value
	case "api_key":
		s.APIKey = value
	case "model":
		if value == "" {
			return &ValidationError{Field: "model", Reason: "must not be empty"}
		}
		s.Model = value
	case "temperature":
		t, err := strconv.ParseFloat(value, 64)
		if err != nil || t < 0 || t > 2 {
			return &ValidationError{Field: "temperature", Value: value, Reason: "must be a number from 0 to 2"}
		}
		s.Temperature = t
	case "max_tokens":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return &ValidationError{Field: "max_tokens", Value: value, Reason: "must be a positive integer"}
		}
		s.MaxTokens = n
	default:
		return &ValidationError{Field: "settings key", Value: key,
			Reason: "must be one of " + strings.Join(settingsKeys, ", ")}
	}
	return nil
}

func (a *App) setSetting(ctx context.Context, args Args) error {
	p := args.Parser
	key := p.Positional(1)
	if key == "" || p.PositionalCount() < 3 {
		return ErrMissingArgument("KEY VALUE", "hmchat settings set model gpt-4o")
	}

	s, err := a.Store.GetSettings(ctx)
	if err != nil {
		return err
	}
	if err := applySetting(&s, key, p.JoinFrom(2)); err != nil {
		return err
	}

	requested := s.MaxTokens
	if k := settingKey(key); k == "max_tokens" || k == "model" {
		s.MaxTokens = cloud.ClampMaxTokens(s.MaxTokens, a.lookupModel(ctx, s.Model))
	}
	if err := a.Store.SaveSettings(ctx, s); err != nil {
		return err
	}

	if !args.Quiet {
		a.printf("%s Saved %s\n", RenderConditional(SuccessStyle, "[OK]"), settingKey(key))
		if s.MaxTokens != requested {
			a.printf("%s\n", RenderConditional(WarningStyle, fmt.Sprintf(
				"max_tokens %d exceeds the context window of %s; clamped to %d",
				requested, s.Model, s.MaxTokens)))
		}
	}
	return nil
}

// lookupModel finds id's metadata: from the provider when it is configured,
// otherwise, or when the provider does not know it, from DefaultModels.
// Returns nil when neither knows the model.
func (a *App) lookupModel(ctx context.Context, id string) *cloud.Model {
	if a.Client.IsConfigured(ctx) {
		m, err := a.Client.GetModel(ctx, id)
		if err == nil {
			return m
		}
		a.Log.WithError(err).WithField("model", id).Debug("model lookup failed, using built-in list")
	}
	for _, m := range cloud.DefaultModels {
		if m.ID == id {
			return &m
		}
	}
	return nil
}

func (a *App) resetSettings(ctx context.Context, args Args) error {
	ok, err := a.Confirm("reset provider settings to defaults", ConfirmationOptions{
		ConfirmFlag: args.Parser.BoolFlag("confirm"),
		JSONMode:    args.JSON,
	})
	if err != nil || !ok {
		return err
	}
	if err := a.Store.SaveSettings(ctx, model.DefaultSettings()); err != nil {
		return err
	}
	if !args.Quiet {
		a.printf("%s Settings reset\n", RenderConditional(SuccessStyle, "[OK]"))
	}
	return nil
}

func (a *App) testSettings(ctx context.Context, args Args) error {
	s, err := a.Store.GetSettings(ctx)
	if err != nil {
		return err
	}
	if !s.Configured() {
		return &ValidationError{Field: "settings", Reason: "api_url and api_key must both be set"}
	}
	if err := a.Client.TestConnection(ctx); err != nil {
		return err
	}
	if args.JSON {
		return writeJSON(a.Out, map[string]any{"ok": true, "api_url": s.APIURL})
	}
	a.printf("%s Connected to %s\n", RenderConditional(SuccessStyle, "[OK]"), s.BaseURL())
	return nil
}
