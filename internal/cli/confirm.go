// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// confirm.go - confirmation for destructive commands.
//
//  1. --confirm proceeds without prompting
//  2. --json or a non-interactive stdin requires --confirm
//  3. Otherwise the user is asked y/N

package cli

import (
	"bufio"
	"fmt"
	"strings"
)

// ConfirmationOptions describes how a destructive command was invoked.
type ConfirmationOptions struct {
	// ConfirmFlag indicates --confirm was passed
	ConfirmFlag bool
	// JSONMode indicates --json was passed; prompts would corrupt the output
	JSONMode bool
}

// Confirm asks the user to approve action. It returns false without error
// when the user declines.
func (a *App) Confirm(action string, opts ConfirmationOptions) (bool, error) {
	if opts.ConfirmFlag {
		return true, nil
	}
	if opts.JSONMode || !a.Interactive {
		return false, &UsageError{
			Message: fmt.Sprintf("refusing to %s without confirmation", action),
			Usage:   "add --confirm to proceed",
		}
	}

	fmt.Fprintf(a.Out, "%s %s? [y/N]: ", RenderConditional(WarningStyle, "Confirm:"), action)
	line, err := bufio.NewReader(a.In).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(a.Out)
		return false, nil
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		fmt.Fprintln(a.Out, "Cancelled.")
		return false, nil
	}
}
