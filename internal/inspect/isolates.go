/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/microsoft/vmlink/internal/pubsub"
	"github.com/microsoft/vmlink/internal/vmconn"
)

const (
	// IsolateStreamID is the stream carrying isolate lifecycle events.
	IsolateStreamID = "Isolate"

	kindIsolateStart    = "IsolateStart"
	kindIsolateRunnable = "IsolateRunnable"
	kindIsolateExit     = "IsolateExit"

	// streamListenMethod asks the service to start publishing a stream.
	streamListenMethod = "streamListen"

	// streamAlreadySubscribedCode is the service's streamListen rejection when
	// the stream is already enabled on this connection.
	streamAlreadySubscribedCode = 103

	// Delays between attempts to enable a stream the service keeps rejecting.
	// The connection itself may be perfectly healthy during these, so the
	// pacing cannot be left to the reconnect backoff.
	streamEnableRetryBase = 250 * time.Millisecond
	streamEnableRetryCap  = 5 * time.Second
)

// ErrIsolateUnavailable is returned by Resolve when the named isolate has no
// live remote id (it exited, or has not started yet).
var ErrIsolateUnavailable = errors.New("isolate unavailable")

// isolateEvent is the lifecycle event payload on the Isolate stream.
type isolateEvent struct {
	Kind    string `json:"kind"`
	Isolate struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"isolate"`
}

// isolateRecord pairs a remote id with the epoch it was assigned under.
// The two only ever change together, under the registry lock.
type isolateRecord struct {
	id    string
	epoch uint64
}

// connection is the slice of the Manager's surface the registry needs.
type connection interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Subscribe(stream string) *vmconn.StreamSubscription
	SubscribeState(sink chan<- vmconn.State) *pubsub.Subscription[vmconn.State]
}

// Registry maps logical isolate names to the service's current identifier for
// them. When the debuggee restarts, the old identifiers become invalid; the
// registry bumps the per-name epoch so holders of cached values know to
// re-resolve. Registry is the sole writer of id/epoch pairs.
type Registry struct {
	log  logr.Logger
	conn connection

	mu     sync.Mutex
	byName map[string]isolateRecord
}

func NewRegistry(conn connection, log logr.Logger) *Registry {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Registry{
		log:    log,
		conn:   conn,
		byName: make(map[string]isolateRecord),
	}
}

// Resolve returns the current remote id for a logical isolate name together
// with the epoch the id was obtained under. It is an error to keep using a
// remote id once the epoch for its name has moved past the one it came with.
func (r *Registry) Resolve(name string) (remoteID string, epoch uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.byName[name]
	if rec.id == "" {
		return "", rec.epoch, ErrIsolateUnavailable
	}
	return rec.id, rec.epoch, nil
}

// EpochOf returns the current epoch for a logical isolate name. Names that
// were never observed report epoch zero.
func (r *Registry) EpochOf(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name].epoch
}

// Run consumes isolate lifecycle events until the context is cancelled or the
// connection shuts down. Stream subscriptions go stale on every transport
// drop, so the loop waits for the next Connected state and re-establishes the
// subscription (including the streamListen request) each time.
func (r *Registry) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(streamEnableRetryBase),
		backoff.WithMaxInterval(streamEnableRetryCap),
		backoff.WithMaxElapsedTime(0),
	)

	for {
		if ok := r.waitConnected(ctx); !ok {
			return ctx.Err()
		}

		sub := r.conn.Subscribe(IsolateStreamID)

		_, err := r.conn.Call(ctx, streamListenMethod, map[string]string{"streamId": IsolateStreamID}, 0)
		if err != nil && !StreamAlreadySubscribed(err) {
			sub.Cancel()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, vmconn.ErrSessionClosed) || errors.Is(err, vmconn.ErrDisconnected) {
				return nil
			}
			// The connection may still be perfectly healthy (the service
			// rejected the request), so pace the retry instead of spinning on
			// the replayed Connected state.
			r.log.V(1).Info("Failed to enable isolate stream, will retry", "error", err)
			if !sleepCtx(ctx, bo.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}
		bo.Reset()

		for ev := range sub.Events() {
			select {
			case <-ctx.Done():
				sub.Cancel()
				return ctx.Err()
			default:
			}
			r.handleEvent(ev.Event)
		}

		// Channel closed: subscription went stale (reconnect) or the manager
		// shut down for good.
		if err := sub.Err(); errors.Is(err, vmconn.ErrSessionClosed) || errors.Is(err, vmconn.ErrDisconnected) {
			return nil
		}
	}
}

// StreamAlreadySubscribed reports whether err is the service rejecting a
// streamListen because the stream is already enabled. Multiple consumers may
// race to enable the same stream; the rejection means it is live, so callers
// treat it as success.
func StreamAlreadySubscribed(err error) bool {
	var remoteErr *vmconn.RemoteError
	return errors.As(err, &remoteErr) && remoteErr.Code == streamAlreadySubscribedCode
}

// sleepCtx waits out a delay. Returns false if the context was cancelled first.
func sleepCtx(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// waitConnected blocks until the connection reports Connected. Returns false
// if the context was cancelled or the connection shut down first.
func (r *Registry) waitConnected(ctx context.Context) bool {
	states := make(chan vmconn.State, 8)
	stateSub := r.conn.SubscribeState(states)
	defer stateSub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return false
		case s, open := <-states:
			if !open {
				return false
			}
			if s.Phase == vmconn.PhaseConnected {
				return true
			}
		}
	}
}

// handleEvent applies one lifecycle event. The id and epoch for a name always
// change together under the lock, so readers never observe an epoch advance
// with a stale id or vice versa.
func (r *Registry) handleEvent(payload json.RawMessage) {
	var ev isolateEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.log.V(1).Info("Dropping unreadable isolate event", "error", err)
		return
	}
	if ev.Isolate.Name == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := ev.Isolate.Name
	rec := r.byName[name]

	switch ev.Kind {
	case kindIsolateExit:
		if rec.id == "" {
			return
		}
		r.byName[name] = isolateRecord{id: "", epoch: rec.epoch + 1}
		r.log.V(1).Info("Isolate invalidated", "name", name, "epoch", rec.epoch+1)

	case kindIsolateStart, kindIsolateRunnable:
		if rec.id == ev.Isolate.ID {
			return
		}
		r.byName[name] = isolateRecord{id: ev.Isolate.ID, epoch: rec.epoch + 1}
		r.log.V(1).Info("Isolate assigned", "name", name, "id", ev.Isolate.ID, "epoch", rec.epoch+1)

	default:
		// Other lifecycle kinds do not affect identity.
	}
}
