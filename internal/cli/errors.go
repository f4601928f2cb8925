// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - error types, exit codes and error display for CLI commands.
//
// Handlers return errors; Run decides how to display them.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jeranaias/hmchat/internal/config"
	"github.com/jeranaias/hmchat/internal/conversation"
	"github.com/jeranaias/hmchat/internal/fault"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates configuration file or settings error
	ExitConfigError = 3
	// ExitAuthError indicates the provider rejected the credential
	ExitAuthError = 4
	// ExitNetworkError indicates the provider could not be reached
	ExitNetworkError = 5
	// ExitRemoteError indicates the provider answered with an error
	ExitRemoteError = 6
	// ExitNotFoundError indicates a resource was not found
	ExitNotFoundError = 7
	// ExitCanceled indicates the user interrupted the operation
	ExitCanceled = 130
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError reports a malformed command line.
type UsageError struct {
	Message string
	Usage   string // example invocation, optional
}

func (e *UsageError) Error() string {
	if e.Usage != "" {
		return fmt.Sprintf("%s\nUsage: %s", e.Message, e.Usage)
	}
	return e.Message
}

// ValidationError represents a validation failure for user input.
type ValidationError struct {
	Field   string
	Value   string
	Reason  string
	Example string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Value != "" {
		msg += fmt.Sprintf(" (got: %s)", e.Value)
	}
	if e.Example != "" {
		msg += fmt.Sprintf("\nExample: %s", e.Example)
	}
	return msg
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrMissingArgument creates an error for missing required arguments.
func ErrMissingArgument(argName, usage string) error {
	return &UsageError{Message: "missing required argument: " + argName, Usage: usage}
}

// =============================================================================
// ERROR DISPLAY
// =============================================================================

// ExitCode determines the process exit code for an error.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usageErr *UsageError
	var validationErr *ValidationError
	var notFoundErr *NotFoundError
	var configErrs config.ValidateErrors

	switch {
	case errors.As(err, &usageErr), errors.As(err, &validationErr):
		return ExitUsageError
	case errors.As(err, &notFoundErr), errors.Is(err, fault.ErrReference):
		return ExitNotFoundError
	case errors.As(err, &configErrs):
		return ExitConfigError
	case errors.Is(err, conversation.ErrCanceled), errors.Is(err, context.Canceled):
		return ExitCanceled
	case errors.Is(err, fault.ErrAuth):
		return ExitAuthError
	case errors.Is(err, fault.ErrNetwork):
		return ExitNetworkError
	case errors.Is(err, fault.ErrRemote):
		return ExitRemoteError
	default:
		return ExitGeneralError
	}
}

// hint returns a follow-up suggestion for well-known failures.
func hint(err error) string {
	switch {
	case errors.Is(err, fault.ErrAuth):
		return "Check the API key with: hmchat settings set api_key <KEY>"
	case errors.Is(err, fault.ErrNetwork):
		return "Check the API URL with: hmchat settings show"
	case errors.Is(err, fault.ErrFormat):
		return "The file is not an hmchat backup."
	default:
		return ""
	}
}

// DisplayError writes err in the standard format.
func DisplayError(w io.Writer, err error) {
	if err == nil {
		return
	}
	msg := fault.Message(err)
	if msg == "" {
		msg = err.Error()
	}
	fmt.Fprintf(w, "%s %s\n", RenderConditional(ErrorStyle, "[Error]"), strings.TrimSpace(msg))
	if h := hint(err); h != "" {
		fmt.Fprintln(w, RenderConditional(DimStyle, h))
	}
}
