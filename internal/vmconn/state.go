/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package vmconn

import "fmt"

// Phase indicates where the connection is in its lifecycle.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// State is a snapshot of the connection state, published on every transition.
// Attempt is non-zero only while reconnecting: it counts attempts within the
// current reconnection campaign and resets to zero on entering Connected.
type State struct {
	Phase   Phase
	Attempt uint
}

func (s State) String() string {
	if s.Phase == PhaseReconnecting {
		return fmt.Sprintf("%s(%d)", s.Phase, s.Attempt)
	}
	return s.Phase.String()
}
