// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"

	"github.com/jeranaias/hmchat/internal/util"
)

// HandleModels lists the provider's models, falling back to the built-in
// list when the provider cannot be asked. The configured model is marked.
func (a *App) HandleModels(ctx context.Context, args Args) error {
	models := a.Client.ModelsOrDefault(ctx)

	if args.JSON {
		return writeJSON(a.Out, models)
	}

	settings, err := a.Store.GetSettings(ctx)
	if err != nil {
		return err
	}

	idWidth := 0
	for _, m := range models {
		if w := util.StringWidth(m.ID); w > idWidth {
			idWidth = w
		}
	}
	if idWidth > 48 {
		idWidth = 48
	}

	for _, m := range models {
		marker := "  "
		if m.ID == settings.Model {
			marker = RenderConditional(SuccessStyle, "* ")
		}
		window := ""
		if n := m.ContextWindow(); n > 0 {
			window = RenderConditional(DimStyle, fmt.Sprintf("%dk ctx", n/1000))
		}
		a.printf("%s%s  %-9s %s\n", marker, util.PadWidth(m.ID, idWidth), window, m.DisplayName())
	}
	return nil
}
