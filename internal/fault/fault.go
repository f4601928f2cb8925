// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fault defines the error taxonomy shared by the store, the snapshot
// adapter, the completion client and the conversation controller.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// KINDS
// =============================================================================

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindStorage: local persistence unavailable, full or corrupt.
	KindStorage
	// KindReference: an operation names a parent record that does not exist.
	KindReference
	// KindFormat: a snapshot or payload is malformed.
	KindFormat
	// KindAuth: the remote rejected the credential.
	KindAuth
	// KindNetwork: the remote could not be reached.
	KindNetwork
	// KindRemote: the remote answered with an error envelope or bad status.
	KindRemote
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "StorageFault"
	case KindReference:
		return "ReferenceFault"
	case KindFormat:
		return "FormatFault"
	case KindAuth:
		return "AuthFault"
	case KindNetwork:
		return "NetworkFault"
	case KindRemote:
		return "RemoteFault"
	default:
		return "UnknownFault"
	}
}

// =============================================================================
// ERROR TYPE
// =============================================================================

// Error is the concrete error carried through every layer.
// Compare with errors.Is against the sentinels below.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "storage.AddMessage"
	Message string // human readable, shown verbatim to the user
	Status  int    // HTTP status for Auth/Remote faults, 0 otherwise
	Err     error  // underlying cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind so that errors.Is(err, fault.ErrRemote) works for any
// remote fault. A remote fault carrying 401/403 also matches ErrAuth.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindAuth && e.Kind == KindRemote && isAuthStatus(e.Status)
}

func isAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// Sentinels for errors.Is.
var (
	ErrStorage   = &Error{Kind: KindStorage}
	ErrReference = &Error{Kind: KindReference}
	ErrFormat    = &Error{Kind: KindFormat}
	ErrAuth      = &Error{Kind: KindAuth}
	ErrNetwork   = &Error{Kind: KindNetwork}
	ErrRemote    = &Error{Kind: KindRemote}
)

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// Storage wraps a persistence failure.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// Reference reports a missing parent record.
func Reference(op, format string, args ...any) error {
	return &Error{Kind: KindReference, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Format reports a malformed payload.
func Format(op, format string, args ...any) error {
	return &Error{Kind: KindFormat, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Network wraps a transport failure.
func Network(op string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// Remote reports an error answer from the provider.
func Remote(op string, status int, message string) error {
	return &Error{Kind: KindRemote, Op: op, Status: status, Message: message}
}

// Auth reports a rejected credential.
func Auth(op string, status int, message string) error {
	return &Error{Kind: KindAuth, Op: op, Status: status, Message: message}
}

// KindOf returns the kind of the first fault in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Message returns the user-facing text of err: the fault message when there
// is one, otherwise err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Message != "" {
		return fe.Message
	}
	return err.Error()
}
