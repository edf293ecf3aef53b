// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package channel

import "errors"

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorType categorizes channel errors.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotConnected
	ErrTypeClosed
	ErrTypeUnauthorized
	ErrTypeDial
	ErrTypeTransport
	ErrTypeProtocol
)

// Error is returned by the channel client.
type Error struct {
	Type    ErrorType
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches sentinel errors by type.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Cause == nil && t.Type == e.Type
}

// Sentinel errors for errors.Is checks.
var (
	ErrNotConnected = &Error{Type: ErrTypeNotConnected, Message: "channel not connected"}
	ErrClosed       = &Error{Type: ErrTypeClosed, Message: "channel client disposed"}
	ErrUnauthorized = &Error{Type: ErrTypeUnauthorized, Message: "channel server rejected authentication"}
)

// IsNotConnected reports whether err means the channel was not connected.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// IsClosed reports whether err means the client was disposed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsUnauthorized reports whether the server rejected the announce.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
