/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/microsoft/vmlink/internal/vmconn"
)

func isolateStart(name, id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"kind":"IsolateStart","isolate":{"id":"%s","name":"%s"}}`, id, name))
}

func isolateRunnable(name, id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"kind":"IsolateRunnable","isolate":{"id":"%s","name":"%s"}}`, id, name))
}

func isolateExit(name, id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"kind":"IsolateExit","isolate":{"id":"%s","name":"%s"}}`, id, name))
}

func TestRegistry_StartAssignsIDAndBumpsEpoch(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, logr.Discard())

	_, epoch, err := r.Resolve("main")
	require.ErrorIs(t, err, ErrIsolateUnavailable)
	assert.Equal(t, uint64(0), epoch)

	r.handleEvent(isolateStart("main", "isolates/100"))

	id, epoch, err := r.Resolve("main")
	require.NoError(t, err)
	assert.Equal(t, "isolates/100", id)
	assert.Equal(t, uint64(1), epoch)
}

func TestRegistry_RunnableWithSameIDIsANoOp(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, logr.Discard())
	r.handleEvent(isolateStart("main", "isolates/100"))

	// Runnable follows Start for the same isolate; identity did not change,
	// so the epoch must not move.
	r.handleEvent(isolateRunnable("main", "isolates/100"))

	id, epoch, err := r.Resolve("main")
	require.NoError(t, err)
	assert.Equal(t, "isolates/100", id)
	assert.Equal(t, uint64(1), epoch)
}

func TestRegistry_ExitInvalidatesAndBumpsEpoch(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, logr.Discard())
	r.handleEvent(isolateStart("main", "isolates/100"))
	r.handleEvent(isolateExit("main", "isolates/100"))

	_, epoch, err := r.Resolve("main")
	require.ErrorIs(t, err, ErrIsolateUnavailable)
	assert.Equal(t, uint64(2), epoch, "exit moves the epoch past the dead id")

	// A second exit for an already-dead isolate changes nothing.
	r.handleEvent(isolateExit("main", "isolates/100"))
	assert.Equal(t, uint64(2), r.EpochOf("main"))
}

func TestRegistry_RestartAssignsNewIDUnderNewEpoch(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, logr.Discard())
	r.handleEvent(isolateStart("main", "isolates/100"))
	r.handleEvent(isolateExit("main", "isolates/100"))
	r.handleEvent(isolateStart("main", "isolates/200"))

	id, epoch, err := r.Resolve("main")
	require.NoError(t, err)
	assert.Equal(t, "isolates/200", id)
	assert.Equal(t, uint64(3), epoch)
}

func TestRegistry_EpochStrictlyIncreasesAcrossRestarts(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, logr.Discard())

	var epochs []uint64
	for i := 0; i < 5; i++ {
		r.handleEvent(isolateStart("main", fmt.Sprintf("isolates/%d", i)))
		epochs = append(epochs, r.EpochOf("main"))
		r.handleEvent(isolateExit("main", fmt.Sprintf("isolates/%d", i)))
		epochs = append(epochs, r.EpochOf("main"))
	}

	for i := 1; i < len(epochs); i++ {
		assert.Greater(t, epochs[i], epochs[i-1], "epoch must strictly increase")
	}
}

func TestRegistry_NamesAreIndependent(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, logr.Discard())
	r.handleEvent(isolateStart("main", "isolates/1"))
	r.handleEvent(isolateStart("worker", "isolates/2"))
	r.handleEvent(isolateExit("worker", "isolates/2"))

	id, epoch, err := r.Resolve("main")
	require.NoError(t, err)
	assert.Equal(t, "isolates/1", id)
	assert.Equal(t, uint64(1), epoch)

	_, _, err = r.Resolve("worker")
	assert.ErrorIs(t, err, ErrIsolateUnavailable)
	assert.Equal(t, uint64(2), r.EpochOf("worker"))
}

func TestRegistry_IgnoresJunkEvents(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, logr.Discard())
	r.handleEvent(isolateStart("main", "isolates/1"))

	r.handleEvent(json.RawMessage(`not json`))
	r.handleEvent(json.RawMessage(`{"kind":"IsolateStart","isolate":{"id":"isolates/9"}}`))
	r.handleEvent(json.RawMessage(`{"kind":"GC","isolate":{"id":"isolates/1","name":"main"}}`))

	id, epoch, err := r.Resolve("main")
	require.NoError(t, err)
	assert.Equal(t, "isolates/1", id)
	assert.Equal(t, uint64(1), epoch)
}

// requestRecord is one outbound request captured by the scripted transport.
type requestRecord struct {
	method string
	id     int64
}

// scriptedTransport answers every request with an empty result (getVersion
// gets a matching protocol version) and lets the test inject stream events.
// Methods listed in errs are answered with the given error body instead;
// methods listed in silent get no response at all.
type scriptedTransport struct {
	errs   map[string]string
	silent map[string]bool

	mu       sync.Mutex
	closed   bool
	requests []requestRecord
	inbound  chan []byte
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{inbound: make(chan []byte, 256)}
}

func (t *scriptedTransport) ReadFrame() ([]byte, error) {
	data, open := <-t.inbound
	if !open {
		return nil, errors.New("transport closed")
	}
	return data, nil
}

func (t *scriptedTransport) WriteFrame(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}

	method := gjson.GetBytes(data, "method").String()
	id := gjson.GetBytes(data, "id").Int()
	t.requests = append(t.requests, requestRecord{method: method, id: id})

	if t.silent[method] {
		return nil
	}
	if errBody, rejected := t.errs[method]; rejected {
		t.inbound <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":%s}`, id, errBody))
		return nil
	}

	result := `{}`
	if method == "getVersion" {
		result = `{"major":4,"minor":3}`
	}
	t.inbound <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result))
	return nil
}

func (t *scriptedTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.inbound)
	}
	return nil
}

func (t *scriptedTransport) injectFrame(frame string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.inbound <- []byte(frame)
}

func (t *scriptedTransport) injectEvent(stream string, event json.RawMessage) {
	t.injectFrame(fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"streamNotify","params":{"streamId":"%s","event":%s}}`,
		stream, event))
}

func (t *scriptedTransport) sawMethod(method string) bool {
	return t.methodCount(method) > 0
}

func (t *scriptedTransport) methodCount(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, req := range t.requests {
		if req.method == method {
			count++
		}
	}
	return count
}

func (t *scriptedTransport) lastRequestID(method string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.requests) - 1; i >= 0; i-- {
		if t.requests[i].method == method {
			return t.requests[i].id, true
		}
	}
	return 0, false
}

type scriptedDialer struct {
	errs   map[string]string
	silent map[string]bool

	mu         sync.Mutex
	transports []*scriptedTransport
}

func (d *scriptedDialer) Dial(ctx context.Context, endpoint string) (vmconn.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := newScriptedTransport()
	conn.errs = d.errs
	conn.silent = d.silent
	d.transports = append(d.transports, conn)
	return conn, nil
}

func (d *scriptedDialer) transport(i int) *scriptedTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

func (d *scriptedDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func TestRegistry_RunTreatsAlreadySubscribedAsEnabled(t *testing.T) {
	t.Parallel()

	// Another consumer already enabled the Isolate stream; the service
	// rejects the registry's streamListen but the stream is live.
	dialer := &scriptedDialer{
		errs: map[string]string{
			"streamListen": `{"code":103,"message":"Stream already subscribed"}`,
		},
	}
	m := vmconn.NewManager(vmconn.Config{
		Endpoint:    "ws://127.0.0.1:8181/ws",
		Dialer:      dialer,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	r := NewRegistry(m, logr.Discard())
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return dialer.count() > 0 && dialer.transport(0).sawMethod("streamListen")
	}, 5*time.Second, time.Millisecond)

	// The registry kept its subscription: events still reach it.
	dialer.transport(0).injectEvent(IsolateStreamID, isolateStart("main", "isolates/100"))
	require.Eventually(t, func() bool {
		id, _, err := r.Resolve("main")
		return err == nil && id == "isolates/100"
	}, 5*time.Second, time.Millisecond)

	// And it did not keep re-issuing streamListen.
	assert.Equal(t, 1, dialer.transport(0).methodCount("streamListen"))
}

func TestRegistry_RunPacesRetriesWhenStreamEnableRejected(t *testing.T) {
	t.Parallel()

	// The service persistently rejects streamListen with an error that does
	// not mean "already enabled". The connection stays healthy the whole
	// time, so retries must be paced, not issued in a hot loop.
	dialer := &scriptedDialer{
		errs: map[string]string{
			"streamListen": `{"code":100,"message":"Feature is disabled"}`,
		},
	}
	m := vmconn.NewManager(vmconn.Config{
		Endpoint:    "ws://127.0.0.1:8181/ws",
		Dialer:      dialer,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	r := NewRegistry(m, logr.Discard())
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return dialer.count() > 0 && dialer.transport(0).sawMethod("streamListen")
	}, 5*time.Second, time.Millisecond)

	time.Sleep(700 * time.Millisecond)

	attempts := dialer.transport(0).methodCount("streamListen")
	assert.GreaterOrEqual(t, attempts, 1)
	assert.Less(t, attempts, 6,
		"a persistent rejection must be retried with backoff, not flooded")
}

func TestRegistry_RunTracksIsolatesAcrossReconnect(t *testing.T) {
	t.Parallel()

	dialer := &scriptedDialer{}
	m := vmconn.NewManager(vmconn.Config{
		Endpoint:    "ws://127.0.0.1:8181/ws",
		Dialer:      dialer,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	managerDone := make(chan error, 1)
	go func() { managerDone <- m.Run(ctx) }()

	r := NewRegistry(m, logr.Discard())
	registryDone := make(chan error, 1)
	go func() { registryDone <- r.Run(ctx) }()

	// The registry enables the Isolate stream on the first connection and
	// applies the events that arrive on it.
	require.Eventually(t, func() bool {
		return dialer.count() > 0 && dialer.transport(0).sawMethod("streamListen")
	}, 5*time.Second, time.Millisecond)

	dialer.transport(0).injectEvent(IsolateStreamID, isolateStart("main", "isolates/100"))
	require.Eventually(t, func() bool {
		id, _, err := r.Resolve("main")
		return err == nil && id == "isolates/100"
	}, 5*time.Second, time.Millisecond)

	// Drop the transport. The registry must re-enable the stream on the new
	// connection and keep applying events under fresh epochs.
	dialer.transport(0).Close()
	require.Eventually(t, func() bool {
		return dialer.count() > 1 && dialer.transport(1).sawMethod("streamListen")
	}, 5*time.Second, time.Millisecond)

	dialer.transport(1).injectEvent(IsolateStreamID, isolateStart("main", "isolates/200"))
	require.Eventually(t, func() bool {
		id, epoch, err := r.Resolve("main")
		return err == nil && id == "isolates/200" && epoch == 2
	}, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case <-registryDone:
	case <-time.After(5 * time.Second):
		t.Fatal("registry did not stop on context cancellation")
	}
	select {
	case <-managerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop on context cancellation")
	}
}
