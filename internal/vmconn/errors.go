/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package vmconn

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestTimeout is returned when a request's local deadline elapses before a response arrives.
	// The operation may still complete remotely; its result is discarded when it shows up late.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrConnectionLost is returned for every request that was pending when the transport dropped.
	// Distinguished from ErrRequestTimeout so callers can message the two differently.
	ErrConnectionLost = errors.New("connection lost")

	// ErrSessionClosed is returned for requests cancelled by owner teardown.
	ErrSessionClosed = errors.New("session closed")

	// ErrProtocolVersion is returned when the service speaks an unsupported protocol major version.
	// This is fatal: the manager will not retry.
	ErrProtocolVersion = errors.New("unsupported protocol version")

	// ErrDisconnected is returned when the manager has reached terminal Disconnected state
	// and will make no further connection attempts.
	ErrDisconnected = errors.New("disconnected")

	// ErrSubscriptionStale is the reason a stream subscription is closed when the
	// transport drops. Subscriptions are not durable across reconnects; callers
	// must re-subscribe after the next Connected state.
	ErrSubscriptionStale = errors.New("stream subscription is stale")
)

// RemoteError is an explicit error payload returned by the service for a request.
// The message is surfaced verbatim; mapping it to user-facing text is the caller's concern.
type RemoteError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// IsRetryable returns true if the error is a per-request failure that does not
// indicate the connection itself is unusable going forward.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrConnectionLost)
}

// IsTerminal returns true if the error indicates the manager will make no
// further connection attempts.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrProtocolVersion) ||
		errors.Is(err, ErrDisconnected) ||
		errors.Is(err, ErrSessionClosed)
}
