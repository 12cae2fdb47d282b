// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind classifies an Error the way spec.md's error taxonomy does rather
// than naming a Go type. Kind.Fatal reports the classification;
// Processor.fail does not consult it: the code that detects a condition
// decides whether to call fail.
type Kind int8

const (
	// KindUnspecified is the zero value; never sent on the wire.
	KindUnspecified Kind = iota
	// KindProtocolViolation covers malformed frames, duplicate ids and
	// oversize messages. Always fatal.
	KindProtocolViolation
	// KindTransportFailure covers a failed transport read or write.
	// Always fatal.
	KindTransportFailure
	// KindTooManyRequests is returned when the call queue is full.
	// Never fatal.
	KindTooManyRequests
	// KindUnauthorized is returned when an authorization attribute
	// denies a call. Never fatal.
	KindUnauthorized
	// KindInvocationError wraps a panic or error returned by the
	// invoked API method. Fatal only when Options.DisconnectOnAPIErr.
	KindInvocationError
	// KindCanceled marks cooperative cancellation of a call or request.
	// Never fatal.
	KindCanceled
	// KindRemoteStreamError marks a stream closed by the peer with an
	// error; surfaced to the next Read on the affected stream only.
	KindRemoteStreamError
	// KindDisposed marks a completion failed by session teardown.
	KindDisposed
)

func (k Kind) String() string {
	switch k {
	case KindProtocolViolation:
		return "protocol_violation"
	case KindTransportFailure:
		return "transport_failure"
	case KindTooManyRequests:
		return "too_many_requests"
	case KindUnauthorized:
		return "unauthorized"
	case KindInvocationError:
		return "invocation_error"
	case KindCanceled:
		return "canceled"
	case KindRemoteStreamError:
		return "remote_stream_error"
	case KindDisposed:
		return "disposed"
	default:
		return "unspecified"
	}
}

// Fatal reports whether an Error of this kind, on its own, must escalate
// to session teardown. KindInvocationError is conditionally fatal and is
// handled separately by the call engine (see Options.DisconnectOnAPIErr).
func (k Kind) Fatal() bool {
	switch k {
	case KindProtocolViolation, KindTransportFailure:
		return true
	default:
		return false
	}
}

// Error is the wire and in-process representation of every error this
// package can surface: wrapping a peer's Error message, a local
// transport failure, or a taxonomy classification of a local condition.
// It round-trips its Kind and Code across the wire (spec.md §7).
type Error struct {
	Kind    Kind
	Code    int64
	Message string
	// Cause, if set, is the underlying local error (e.g. a transport
	// read failure); it is never sent on the wire, only Message is.
	Cause error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Kind.String()
}

// Unwrap lets errors.Is/errors.As and xerrors.As see through to Cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports kind-equality, so errors.Is(err, &Error{Kind: KindCanceled})
// matches any *Error of that kind regardless of message/code/cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == KindUnspecified {
		return false
	}
	return e.Kind == t.Kind
}

// NewError builds an *Error of the given kind with a formatted message,
// wrapping cause (if any) with xerrors so the chain survives %w.
func NewError(kind Kind, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	var wrapped error
	if cause != nil {
		wrapped = xerrors.Errorf("%s: %w", msg, cause)
	}
	return &Error{Kind: kind, Message: msg, Cause: wrapped}
}

// errProtocol is a convenience constructor for the most common fatal kind.
func errProtocol(format string, args ...any) *Error {
	return NewError(KindProtocolViolation, nil, format, args...)
}

func errDisposed() *Error {
	return &Error{Kind: KindDisposed, Message: "processor disposed"}
}

func errCanceled() *Error {
	return &Error{Kind: KindCanceled, Message: "canceled"}
}

// wireError is the serializable projection of an Error used by the
// Error message kind; Cause never crosses the wire.
type wireError struct {
	Kind    int8   `json:"kind"`
	Code    int64  `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func toWireError(err error) *wireError {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return &wireError{Kind: int8(e.Kind), Code: e.Code, Message: e.Message}
	}
	return &wireError{Kind: int8(KindInvocationError), Message: err.Error()}
}

func fromWireError(w *wireError) *Error {
	if w == nil {
		return nil
	}
	return &Error{Kind: Kind(w.Kind), Code: w.Code, Message: w.Message}
}
