// Copyright 2025 The Tiller Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tiller

import (
	"context"
	"errors"
	"fmt"

	"github.com/tillerproject/go-tiller/cdp"
)

// Kind identifies a class of failure surfaced by the public API.
type Kind int

const (
	// KindConnectionFailed: the connection to the debugging endpoint
	// could not be established or was lost.
	KindConnectionFailed Kind = iota
	// KindTimeout: a connect or command deadline was exceeded.
	KindTimeout
	// KindProtocolError: the remote endpoint rejected a command.
	KindProtocolError
	// KindBrowserCrashed: the browser or a target crashed.
	KindBrowserCrashed
	// KindInvalidParameters: invalid arguments, including unusable URLs.
	KindInvalidParameters
	// KindNotSupported: the operation is not supported by this endpoint.
	KindNotSupported
	// KindTargetDetached: the operation targeted a session that has been
	// closed.
	KindTargetDetached
	// KindInternal: an invariant violation inside the client. A bug.
	KindInternal
	// KindLaunch: a failure while starting the browser process. Reserved
	// for callers that launch; the client itself never produces it.
	KindLaunch
	// KindIo: an I/O failure on an established connection.
	KindIo
)

func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "connection failed"
	case KindTimeout:
		return "timeout"
	case KindProtocolError:
		return "protocol error"
	case KindBrowserCrashed:
		return "browser crashed"
	case KindInvalidParameters:
		return "invalid parameters"
	case KindNotSupported:
		return "not supported"
	case KindTargetDetached:
		return "target detached"
	case KindInternal:
		return "internal error"
	case KindLaunch:
		return "launch failed"
	case KindIo:
		return "i/o error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the error type returned by the public API. Use [errors.As] to
// recover it from a wrapped chain, and [Error.Unwrap] to reach the
// underlying cause (for protocol failures, a [*cdp.Error]).
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	switch {
	case e.msg != "" && e.err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	case e.msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	case e.err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.err }

func errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Internal failure kinds. These never escape the package: apiError maps
// them onto the public taxonomy at the API boundary.
var (
	errInvalidURL     = errors.New("invalid endpoint url")
	errNotConnected   = errors.New("not connected")
	errAlreadyStarted = errors.New("transport already connected")
	errConnectFailed  = errors.New("connect failed")
	errSendFailed     = errors.New("send failed")
	errReceiveFailed  = errors.New("receive failed")
	errTimeout        = errors.New("deadline exceeded")
	errClientClosed   = errors.New("client closed")
	errTargetCrashed  = errors.New("target crashed")
	errTargetDetached = errors.New("target detached")
	errPanic          = errors.New("internal panic")
)

// apiError maps any internal error onto the public taxonomy. The mapping
// is total:
//
//	nil                                  -> nil
//	*Error                               -> unchanged
//	*cdp.Error                           -> ProtocolError
//	errTimeout, context deadline         -> Timeout
//	context canceled                     -> ConnectionFailed (caller gave up)
//	errInvalidURL                        -> InvalidParameters
//	errNotConnected, errClientClosed,
//	errConnectFailed, errAlreadyStarted  -> ConnectionFailed
//	errSendFailed, errReceiveFailed      -> Io
//	errTargetCrashed                     -> BrowserCrashed
//	errTargetDetached                    -> TargetDetached
//	errPanic, anything else              -> Internal
func apiError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var protoErr *cdp.Error
	if errors.As(err, &protoErr) {
		return &Error{Kind: KindProtocolError, err: protoErr}
	}
	kind := KindInternal
	switch {
	case errors.Is(err, errTimeout) || errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindConnectionFailed
	case errors.Is(err, errInvalidURL):
		kind = KindInvalidParameters
	case errors.Is(err, errNotConnected), errors.Is(err, errClientClosed),
		errors.Is(err, errConnectFailed), errors.Is(err, errAlreadyStarted):
		kind = KindConnectionFailed
	case errors.Is(err, errSendFailed), errors.Is(err, errReceiveFailed):
		kind = KindIo
	case errors.Is(err, errTargetCrashed):
		kind = KindBrowserCrashed
	case errors.Is(err, errTargetDetached):
		kind = KindTargetDetached
	}
	return &Error{Kind: kind, err: err}
}
