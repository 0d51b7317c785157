/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package vmconn

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is an established duplex connection to the service carrying
// complete JSON-RPC frames. Implementations must allow ReadFrame and
// WriteFrame to be called from different goroutines, but the Manager is the
// only writer and serializes WriteFrame calls itself.
type Transport interface {
	// ReadFrame reads the next complete frame from the connection.
	// This method blocks until a frame is available or the connection fails.
	ReadFrame() ([]byte, error)

	// WriteFrame writes one complete frame to the connection.
	WriteFrame(data []byte) error

	// Close closes the connection. Any blocked ReadFrame call returns with an error.
	Close() error
}

// Dialer establishes a Transport to an endpoint. The Manager owns the
// resulting Transport exclusively.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

// WebsocketDialer dials ws:// and wss:// endpoints.
type WebsocketDialer struct {
	// HandshakeTimeout bounds the websocket upgrade. Zero means 10 seconds.
	HandshakeTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial '%s': %w", endpoint, err)
	}

	return &wsTransport{conn: conn}, nil
}

// wsTransport implements Transport over a websocket connection.
// Each JSON-RPC frame is one text message.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage {
			// The service only sends text frames; skip anything else.
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) WriteFrame(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

var _ Transport = (*wsTransport)(nil)
var _ Dialer = (*WebsocketDialer)(nil)
