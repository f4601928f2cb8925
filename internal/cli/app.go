// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - wiring of the store, client, controller and exporter.

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/glamour"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/hmchat/internal/cloud"
	"github.com/jeranaias/hmchat/internal/config"
	"github.com/jeranaias/hmchat/internal/conversation"
	"github.com/jeranaias/hmchat/internal/export"
	"github.com/jeranaias/hmchat/internal/logging"
	"github.com/jeranaias/hmchat/internal/storage"
)

// App holds everything a command needs.
type App struct {
	Config *config.Config
	Log    *logrus.Logger

	Store      *storage.Store
	Client     *cloud.Client
	Controller *conversation.Controller
	Exporter   *export.Exporter

	Out    io.Writer
	ErrOut io.Writer
	In     io.Reader

	// Interactive reports whether prompts can be shown (stdin is a TTY).
	Interactive bool
	// Markdown enables glamour rendering of replies (stdout is a TTY and
	// ui.markdown is on).
	Markdown bool

	logCloser io.Closer
	renderer  *glamour.TermRenderer
}

// OpenApp opens the database named by cfg and builds the client, the
// controller and the exporter. Output goes to the process streams.
func OpenApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, closer, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return nil, err
	}

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		closer.Close()
		return nil, err
	}
	store, err := storage.Open(ctx, dbPath, storage.WithLogger(logger))
	if err != nil {
		closer.Close()
		return nil, err
	}

	app := &App{
		Config:      cfg,
		Log:         logger,
		Store:       store,
		Out:         os.Stdout,
		ErrOut:      os.Stderr,
		In:          os.Stdin,
		Interactive: IsTTY(),
		Markdown:    cfg.UI.Markdown && IsStdoutTTY(),
		logCloser:   closer,
	}
	app.Exporter = export.NewExporter(store).WithLogger(logger)
	app.buildCore()

	logger.WithField("db", dbPath).Debug("hmchat started")
	return app, nil
}

// buildCore (re)creates the client and controller from a.Config.
func (a *App) buildCore() {
	a.Client = cloud.NewClient(a.Store,
		cloud.WithTimeout(a.Config.Client.Timeout()),
		cloud.WithRateLimit(a.Config.Client.RequestsPerMinute),
		cloud.WithLogger(a.Log),
	)
	a.Controller = conversation.NewController(a.Store, a.Client,
		conversation.WithStreaming(a.Config.Client.Stream),
		conversation.WithLogger(a.Log),
	)
}

// ApplyConfig switches to cfg: log level, colors and rendering take effect
// at once; the client and controller are rebuilt. The caller must ensure no
// generation is running.
func (a *App) ApplyConfig(cfg *config.Config) error {
	if err := logging.SetLevel(a.Log, cfg.Log.Level); err != nil {
		return err
	}
	a.Config = cfg
	SetColorMode(cfg.UI.Color)
	a.Markdown = cfg.UI.Markdown && IsStdoutTTY()
	a.renderer = nil
	a.buildCore()
	a.Log.WithFields(logrus.Fields{
		"timeout": cfg.Client.Timeout(),
		"rpm":     cfg.Client.RequestsPerMinute,
		"stream":  cfg.Client.Stream,
	}).Info("configuration reloaded")
	return nil
}

// Close releases the database and the log file.
func (a *App) Close() error {
	var err error
	if a.Store != nil {
		err = a.Store.Close()
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
	return err
}

// =============================================================================
// OUTPUT HELPERS
// =============================================================================

// render formats an assistant reply for the terminal. Markdown is rendered
// with glamour when enabled; otherwise the text is returned unchanged.
func (a *App) render(content string) string {
	if !a.Markdown {
		return content
	}
	if a.renderer == nil {
		width := a.Config.UI.WordWrap
		if width <= 0 {
			width = GetTerminalWidth() - 4
		}
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			a.Log.WithError(err).Debug("markdown renderer unavailable")
			return content
		}
		a.renderer = r
	}
	out, err := a.renderer.Render(content)
	if err != nil {
		return content
	}
	return out
}

// printf writes to the command output.
func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.Out, format, args...)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
