// Copyright 2026 The Feedme Client Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package feedme

import "fmt"

// ErrorCode classifies a feedme error. Classification is always by this
// explicit tag, never by matching against an error's message.
type ErrorCode string

const (
	// CodeInvalidArgument means caller-supplied arguments violate the
	// contract of the method called. Thrown synchronously.
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// CodeInvalidState means the operation is not permitted in the
	// current phase (e.g. Connect while already connected).
	CodeInvalidState ErrorCode = "INVALID_STATE"
	// CodeInvalidFeedState means a SubscriptionHandle operation was
	// invalid for the handle's current state: DesireOpen when already
	// desired open, DesireClosed when already desired closed, or Data
	// when the feed is not open.
	CodeInvalidFeedState ErrorCode = "INVALID_FEED_STATE"
	// CodeDestroyed means the operation targeted an already-destroyed
	// Client or SubscriptionHandle.
	CodeDestroyed ErrorCode = "DESTROYED"
	// CodeNotConnected means an action or feed-open request could not
	// be issued because the client was not connected.
	CodeNotConnected ErrorCode = "NOT_CONNECTED"
	// CodeTimeout means a connect, action, or feed-open deadline expired
	// before a response arrived.
	CodeTimeout ErrorCode = "TIMEOUT"
	// CodeRejected means the server declined a feed-open request.
	CodeRejected ErrorCode = "REJECTED"
	// CodeHandshakeRejected means the server declined the connection
	// handshake. Automatic reconnection is disabled for this error.
	CodeHandshakeRejected ErrorCode = "HANDSHAKE_REJECTED"
	// CodeTransportFailure means the underlying transport dropped the
	// connection. Triggers automatic reconnection if configured.
	CodeTransportFailure ErrorCode = "TRANSPORT_FAILURE"
	// CodeTerminated means the server ended a feed for a reason that is
	// not considered a client-side bug.
	CodeTerminated ErrorCode = "TERMINATED"
	// CodeBadFeedAction means the session could not apply a delta the
	// server sent. Subject to reopen throttling.
	CodeBadFeedAction ErrorCode = "BAD_FEED_ACTION"
	// CodeTransportError means the Transport implementation violated its
	// contract. The root cause is available via TransportCause.
	CodeTransportError ErrorCode = "TRANSPORT_ERROR"
)

// Error is the error type returned or delivered by every feedme
// operation, event, and callback.
type Error struct {
	code  ErrorCode
	cause error // wrapped cause, may be nil

	// transportCause holds the root error that made a Transport
	// implementation misbehave. Populated only for CodeTransportError.
	transportCause error
}

// NewError constructs an Error with the given code and optional
// wrapped cause.
func NewError(code ErrorCode, cause error) *Error {
	return &Error{code: code, cause: cause}
}

// newTransportError constructs a CodeTransportError wrapping the
// transport-contract violation and the root cause that produced it.
func newTransportError(violation error, transportCause error) *Error {
	return &Error{code: CodeTransportError, cause: violation, transportCause: transportCause}
}

// Code returns the error's classification tag.
func (e *Error) Code() ErrorCode {
	return e.code
}

// TransportCause returns the root cause of a CodeTransportError, or nil
// for any other code.
func (e *Error) TransportCause() error {
	return e.transportCause
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("feedme: %s: %v", e.code, e.cause)
	}
	return fmt.Sprintf("feedme: %s", e.code)
}

// Unwrap returns the wrapped cause, if any, so errors.Is/As see through
// an Error to whatever produced it.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether err is a *Error with the same code, so callers can
// write errors.Is(err, feedme.NewError(feedme.CodeTimeout, nil)) or, more
// idiomatically, use CodeOf.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.code == e.code
}

// CodeOf extracts the ErrorCode from err if err is (or wraps) a *Error,
// and reports whether one was found.
func CodeOf(err error) (ErrorCode, bool) {
	var fe *Error
	if ok := asError(err, &fe); ok {
		return fe.code, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			*target = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
