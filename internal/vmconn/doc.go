/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package vmconn owns the single live JSON-RPC 2.0 connection to a VM
inspection service and everything that keeps it usable: connect/reconnect
logic, request/response correlation, and routing of stream events to
subscribers.

# Key Components

  - Manager: owns the transport, runs the connect/read/reconnect state machine,
    and publishes connection-state transitions
  - Correlator: assigns request ids, tracks one pending waiter per id, and
    resolves each request exactly once
  - StreamRouter: classifies inbound frames as responses or stream events and
    fans events out to subscribers
  - Transport/Dialer: the duplex byte-stream connection and its factory;
    a websocket implementation is provided

# Message Flow

	caller --> Manager.Call --> Correlator --> Manager (single writer) --> service
	service --> Manager read loop --> StreamRouter --> Correlator (responses)
	                                              \--> subscribers (stream events)

The Manager is the only component that writes to the transport. Responses carry
no ordering guarantee relative to each other; events within one stream are
delivered to each subscriber in arrival order.
*/
package vmconn
