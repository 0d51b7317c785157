/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package vmconn

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"
)

// StreamEvent is one event published on a subscribed stream.
type StreamEvent struct {
	// Stream is the stream id the event arrived on (e.g. "Isolate").
	Stream string

	// Event is the raw event payload.
	Event json.RawMessage
}

// StreamSubscription receives events for a single stream. Events are buffered
// in an unbounded queue so a slow subscriber never blocks the read loop, and
// are delivered in arrival order.
//
// Subscriptions are not durable across reconnects: when the transport drops,
// the subscription is closed with ErrSubscriptionStale and the subscriber must
// re-subscribe after the next Connected state.
type StreamSubscription struct {
	stream string
	router *StreamRouter
	ch     *chanx.UnboundedChan[StreamEvent]
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	err    error
}

// Events returns the channel events are delivered on. The channel is closed
// when the subscription is cancelled or goes stale; check Err afterwards.
func (s *StreamSubscription) Events() <-chan StreamEvent {
	return s.ch.Out
}

// Err returns the reason the subscription was closed, or nil if it is still
// live or was cancelled by the subscriber.
func (s *StreamSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel removes the subscription from the router and closes its event channel.
func (s *StreamSubscription) Cancel() {
	s.router.unsubscribe(s)
	s.close(nil)
}

func (s *StreamSubscription) deliver(ev StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch.In <- ev
}

func (s *StreamSubscription) close(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = reason
	close(s.ch.In)
	// Stop the queue goroutine even if the subscriber never drains the channel.
	s.cancel()
}

// StreamRouter classifies each inbound frame as a response to a request id or
// an event on a stream, dispatching responses to the Correlator and fanning
// events out to the current subscribers of the stream. dispatch is only ever
// called from the manager's read loop, which is what preserves per-stream,
// per-subscriber arrival order.
type StreamRouter struct {
	log        logr.Logger
	correlator *Correlator

	// lifetimeCtx bounds the queue goroutines of all subscriptions.
	lifetimeCtx context.Context

	mu   sync.Mutex
	subs map[string]map[*StreamSubscription]struct{}
}

func newStreamRouter(lifetimeCtx context.Context, correlator *Correlator, log logr.Logger) *StreamRouter {
	return &StreamRouter{
		log:         log,
		correlator:  correlator,
		lifetimeCtx: lifetimeCtx,
		subs:        make(map[string]map[*StreamSubscription]struct{}),
	}
}

// Subscribe registers a new subscriber for the given stream.
func (r *StreamRouter) Subscribe(stream string) *StreamSubscription {
	subCtx, subCancel := context.WithCancel(r.lifetimeCtx)
	sub := &StreamSubscription{
		stream: stream,
		router: r,
		ch:     chanx.NewUnboundedChan[StreamEvent](subCtx, 16),
		cancel: subCancel,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[stream] == nil {
		r.subs[stream] = make(map[*StreamSubscription]struct{})
	}
	r.subs[stream][sub] = struct{}{}

	return sub
}

func (r *StreamRouter) unsubscribe(sub *StreamSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, found := r.subs[sub.stream]; found {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.subs, sub.stream)
		}
	}
}

// dispatch routes one inbound frame. Malformed frames and events on streams
// with no subscribers are dropped and logged; the read loop is never halted.
func (r *StreamRouter) dispatch(data []byte) {
	cf := classifyFrame(data)

	switch cf.class {
	case frameResponse:
		r.correlator.resolve(cf.id, cf.result, cf.remoteErr)

	case frameEvent:
		r.mu.Lock()
		targets := make([]*StreamSubscription, 0, len(r.subs[cf.stream]))
		for sub := range r.subs[cf.stream] {
			targets = append(targets, sub)
		}
		r.mu.Unlock()

		if len(targets) == 0 {
			r.log.V(2).Info("Dropping event with no subscribers", "stream", cf.stream)
			return
		}
		ev := StreamEvent{Stream: cf.stream, Event: cf.event}
		for _, sub := range targets {
			sub.deliver(ev)
		}

	default:
		r.log.V(1).Info("Dropping unclassifiable frame", "size", len(data))
	}
}

// invalidateAll closes every subscription with the given reason. Called when
// the transport drops or the manager shuts down.
func (r *StreamRouter) invalidateAll(reason error) {
	r.mu.Lock()
	var all []*StreamSubscription
	for _, set := range r.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	r.subs = make(map[string]map[*StreamSubscription]struct{})
	r.mu.Unlock()

	for _, sub := range all {
		sub.close(reason)
	}
}
