// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package apierrors defines the server's typed error taxonomy and its
// mapping onto spec.MatrixError / HTTP status, consumed at the HTTP
// boundary via clientapi/httputil.MatrixErrorResponse.
package apierrors

import (
	"fmt"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/pkg/errors"
)

// Kind names one bucket of the error taxonomy.
type Kind string

const (
	KindBadRequest   Kind = "BadRequest"
	KindUnauthorized Kind = "Unauthorized"
	KindForbidden    Kind = "Forbidden"
	KindNotFound     Kind = "NotFound"
	KindConflict     Kind = "Conflict"
	KindRateLimited  Kind = "RateLimited"
	KindTransient    Kind = "Transient"
	KindInternal     Kind = "Internal"
)

// Error wraps a Kind with a human message and, for Internal errors, a
// correlation ID so operators can cross-reference logs without leaking
// internals to the client.
type Error struct {
	Kind          Kind
	Message       string
	RetryAfterMS  int64 // only meaningful for KindRateLimited
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %s (correlation_id=%s)", e.Kind, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: errors.WithStack(cause)}
}

func BadRequest(message string) *Error   { return New(KindBadRequest, message) }
func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }
func Forbidden(message string) *Error    { return New(KindForbidden, message) }
func NotFound(message string) *Error     { return New(KindNotFound, message) }
func Conflict(message string) *Error     { return New(KindConflict, message) }

func RateLimited(message string, retryAfterMS int64) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfterMS: retryAfterMS}
}

func Transient(cause error, message string) *Error {
	return Wrap(KindTransient, cause, message)
}

// Internal wraps a programmer error or unexpected state with a correlation
// ID; the message returned to the client never includes cause's text.
func Internal(cause error, correlationID string) *Error {
	return &Error{
		Kind:          KindInternal,
		Message:       "Internal server error",
		CorrelationID: correlationID,
		cause:         errors.WithStack(cause),
	}
}

// ToMatrixError converts e to the (status, JSON body) pair the HTTP
// boundary returns; each kind maps to exactly one status and errcode.
func ToMatrixError(e *Error) (int, interface{}) {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest, spec.BadJSON(e.Message)
	case KindUnauthorized:
		return http.StatusUnauthorized, spec.Unknown(e.Message)
	case KindForbidden:
		return http.StatusForbidden, spec.Forbidden(e.Message)
	case KindNotFound:
		return http.StatusNotFound, spec.NotFound(e.Message)
	case KindConflict:
		return http.StatusBadRequest, spec.Unknown(e.Message)
	case KindRateLimited:
		return http.StatusTooManyRequests, spec.LimitExceeded(e.Message, e.RetryAfterMS)
	case KindTransient:
		return http.StatusServiceUnavailable, spec.Unknown(e.Message)
	default:
		return http.StatusInternalServerError, spec.InternalServerError{}
	}
}
