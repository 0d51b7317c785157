/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package vmconn

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

const jsonRPCVersion = "2.0"

// streamNotifyMethod is the method the service uses for all stream event frames.
const streamNotifyMethod = "streamNotify"

// rpcRequest is the outbound JSON-RPC 2.0 request frame.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// frameClass identifies what kind of frame arrived on the wire.
type frameClass int

const (
	// frameUnknown is anything the router cannot classify. Dropped and logged.
	frameUnknown frameClass = iota
	// frameResponse is a response to a request id.
	frameResponse
	// frameEvent is an event on a subscribed stream.
	frameEvent
)

// classifiedFrame is the result of classifying one inbound frame.
type classifiedFrame struct {
	class frameClass

	// Response fields.
	id        int64
	result    json.RawMessage
	remoteErr *RemoteError

	// Event fields.
	stream string
	event  json.RawMessage
}

// classifyFrame decides whether an inbound frame is a response to a request id
// or an event on a stream. It is a pure function with no shared state, safe to
// call from any goroutine, and sniffs the frame with gjson instead of decoding
// it fully. Frames that match neither shape come back as frameUnknown; the
// caller drops them without halting the read loop.
func classifyFrame(data []byte) classifiedFrame {
	if !gjson.ValidBytes(data) {
		return classifiedFrame{class: frameUnknown}
	}

	id := gjson.GetBytes(data, "id")
	result := gjson.GetBytes(data, "result")
	rpcErr := gjson.GetBytes(data, "error")

	if id.Exists() && id.Type == gjson.Number && (result.Exists() || rpcErr.Exists()) {
		cf := classifiedFrame{
			class: frameResponse,
			id:    id.Int(),
		}
		if rpcErr.Exists() {
			cf.remoteErr = &RemoteError{
				Code:    gjson.GetBytes(data, "error.code").Int(),
				Message: gjson.GetBytes(data, "error.message").String(),
			}
		} else {
			cf.result = json.RawMessage(result.Raw)
		}
		return cf
	}

	if gjson.GetBytes(data, "method").String() == streamNotifyMethod {
		streamID := gjson.GetBytes(data, "params.streamId")
		event := gjson.GetBytes(data, "params.event")
		if !streamID.Exists() || !event.Exists() {
			return classifiedFrame{class: frameUnknown}
		}
		return classifiedFrame{
			class:  frameEvent,
			stream: streamID.String(),
			event:  json.RawMessage(event.Raw),
		}
	}

	return classifiedFrame{class: frameUnknown}
}
