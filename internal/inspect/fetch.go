/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package inspect

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/vmlink/internal/pubsub"
)

// Key identifies one fetchable piece of UI state: an operation kind (e.g.
// "widgetTree", "layoutDetails") against a target id.
type Key struct {
	Kind   string
	Target string
}

// Status is the lifecycle of a fetch entry.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FetchState is the published state of one fetch key. Result is only valid
// while the isolate epoch it was obtained under is still current; Err carries
// the classified failure reason (timeout, connection lost, remote error).
type FetchState struct {
	Status Status
	Result json.RawMessage
	Epoch  uint64
	Err    error
}

// FetchFunc performs the underlying RPC for a fetch key.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// EpochSource reports the current epoch for a logical isolate name.
// Registry implements it.
type EpochSource interface {
	EpochOf(name string) uint64
}

// entry is the coordinator's record for one observed key.
type entry struct {
	state        FetchState
	lastDispatch time.Time

	// generation invalidates in-flight fetches: a completion whose generation
	// no longer matches is discarded without touching state.
	generation uint64

	watchers *pubsub.SubscriptionSet[FetchState]
}

// Coordinator deduplicates and debounces UI-triggered fetches. A fetch is
// suppressed while a previous one for the same key is in flight, while the
// key is inside its cooldown window, or when a cached result obtained under
// the current isolate epoch is still valid.
type Coordinator struct {
	log    logr.Logger
	epochs EpochSource

	// now is the clock; injected so tests control time instead of sleeping.
	now func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry
}

func NewCoordinator(epochs EpochSource, log logr.Logger) *Coordinator {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Coordinator{
		log:     log,
		epochs:  epochs,
		now:     time.Now,
		entries: make(map[Key]*entry),
	}
}

// Request applies the fetch policy for key and dispatches fetch when allowed.
// scope is the logical isolate name the target lives in; it decides which
// epoch validates cached results. The returned snapshot is the state after
// the decision, and dispatched reports whether an RPC was actually issued.
//
// Policy, in order: in-flight wins, cooldown wins, valid cache wins, dispatch.
func (c *Coordinator) Request(ctx context.Context, key Key, scope string, cooldown time.Duration, fetch FetchFunc) (FetchState, bool) {
	c.mu.Lock()

	e := c.ensureLocked(key)

	if e.state.Status == StatusLoading {
		snapshot := e.state
		c.mu.Unlock()
		return snapshot, false
	}

	if !e.lastDispatch.IsZero() && c.now().Sub(e.lastDispatch) < cooldown {
		snapshot := e.state
		c.mu.Unlock()
		return snapshot, false
	}

	if e.state.Status == StatusReady && e.state.Epoch == c.epochs.EpochOf(scope) {
		snapshot := e.state
		c.mu.Unlock()
		return snapshot, false
	}

	e.state = FetchState{Status: StatusLoading}
	e.lastDispatch = c.now()
	e.generation++
	generation := e.generation
	c.notifyLocked(e)
	c.mu.Unlock()

	go c.runFetch(ctx, key, scope, generation, fetch)

	return FetchState{Status: StatusLoading}, true
}

func (c *Coordinator) runFetch(ctx context.Context, key Key, scope string, generation uint64, fetch FetchFunc) {
	result, err := fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if !found || e.generation != generation {
		// The entry was cleared or superseded while the RPC was in flight.
		c.log.V(1).Info("Discarding superseded fetch result", "kind", key.Kind, "target", key.Target)
		return
	}

	if err != nil {
		e.state = FetchState{Status: StatusFailed, Err: err}
	} else {
		e.state = FetchState{
			Status: StatusReady,
			Result: result,
			Epoch:  c.epochs.EpochOf(scope),
		}
	}
	c.notifyLocked(e)
}

// Watch returns the current state for key plus a subscription delivering every
// subsequent change. The sink must be buffered (capacity >= 1) since the
// current state is replayed immediately.
func (c *Coordinator) Watch(key Key, sink chan<- FetchState) (FetchState, *pubsub.Subscription[FetchState]) {
	c.mu.Lock()
	e := c.ensureLocked(key)
	snapshot := e.state
	watchers := e.watchers
	c.mu.Unlock()

	return snapshot, watchers.Subscribe(sink)
}

// SetTarget declares the caller's current target for an operation kind. Stale
// Ready (and Failed) state for every other target of that kind is cleared
// synchronously, before any in-flight RPC for them can complete, so the UI
// shows a deliberate empty/loading state instead of data for the wrong
// target. In-flight fetches for the superseded targets are discarded on
// completion.
func (c *Coordinator) SetTarget(kind string, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if key.Kind != kind || key.Target == target {
			continue
		}
		e.generation++
		if e.state.Status == StatusIdle {
			continue
		}
		e.state = FetchState{Status: StatusIdle}
		c.notifyLocked(e)
	}
}

// Reset discards all fetch state and cancels all watchers. Called on session
// teardown.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[Key]*entry)
	c.mu.Unlock()

	for _, e := range entries {
		e.watchers.CancelAll()
	}
}

func (c *Coordinator) ensureLocked(key Key) *entry {
	e, found := c.entries[key]
	if !found {
		e = &entry{
			state:    FetchState{Status: StatusIdle},
			watchers: pubsub.NewReplaySubscriptionSet[FetchState](),
		}
		e.watchers.Notify(e.state)
		c.entries[key] = e
	}
	return e
}

func (c *Coordinator) notifyLocked(e *entry) {
	e.watchers.Notify(e.state)
}
