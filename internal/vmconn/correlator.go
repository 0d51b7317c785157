/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package vmconn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/vmlink/pkg/syncmap"
)

// frameSender hands a serialized frame to the connection's single writer.
type frameSender interface {
	sendFrame(ctx context.Context, data []byte) error
}

// callOutcome is the single resolution of a pending request.
type callOutcome struct {
	payload json.RawMessage
	err     error
}

// pendingCall tracks one in-flight request. The outcome channel has capacity 1
// so the resolving goroutine never blocks on a caller that already gave up.
type pendingCall struct {
	id      int64
	outcome chan callOutcome
}

// Correlator assigns a monotonically increasing id to each outgoing request
// and tracks one pending waiter per id. Whichever of {response arrival,
// timeout, connection loss, teardown} claims the pending entry first wins;
// all of them use the same take-ownership (LoadAndDelete) semantics, so every
// request resolves exactly once. A response bearing an id that is not in the
// table is discarded silently.
type Correlator struct {
	log    logr.Logger
	sender frameSender

	nextID  atomic.Int64
	pending syncmap.Map[int64, *pendingCall]
}

func newCorrelator(sender frameSender, log logr.Logger) *Correlator {
	return &Correlator{
		log:    log,
		sender: sender,
	}
}

// Call sends a request and suspends the caller until exactly one of
// {response, timeout, connection loss, context cancellation} resolves it.
// Other callers are never blocked; Call is safe for concurrent use.
func (c *Correlator) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	pc := &pendingCall{
		id:      id,
		outcome: make(chan callOutcome, 1),
	}

	if _, alreadyPresent := c.pending.LoadOrStore(id, pc); alreadyPresent {
		// Only possible if the id counter wrapped all the way around while a
		// request was still pending. Refuse rather than misattribute responses.
		return nil, fmt.Errorf("request id %d is already in use", id)
	}

	data, err := json.Marshal(rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		c.pending.LoadAndDelete(id)
		return nil, fmt.Errorf("failed to serialize request '%s': %w", method, err)
	}

	if err := c.sender.sendFrame(ctx, data); err != nil {
		c.pending.LoadAndDelete(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-pc.outcome:
		return outcome.payload, outcome.err

	case <-timer.C:
		if _, owned := c.pending.LoadAndDelete(id); owned {
			c.log.V(1).Info("Request timed out", "id", id, "method", method, "timeout", timeout)
			return nil, ErrRequestTimeout
		}
		// Lost the race: a resolution claimed the entry just before the
		// deadline fired, so its outcome is already in flight.
		outcome := <-pc.outcome
		return outcome.payload, outcome.err

	case <-ctx.Done():
		if _, owned := c.pending.LoadAndDelete(id); owned {
			return nil, fmt.Errorf("request '%s' abandoned: %w", method, ctx.Err())
		}
		outcome := <-pc.outcome
		return outcome.payload, outcome.err
	}
}

// resolve delivers a response frame to the pending waiter for the given id.
// If no waiter exists (already timed out, failed, or an unknown id), the
// response is discarded without touching any other pending entry.
func (c *Correlator) resolve(id int64, result json.RawMessage, remoteErr *RemoteError) {
	pc, owned := c.pending.LoadAndDelete(id)
	if !owned {
		c.log.V(1).Info("Discarding response for unknown request id", "id", id)
		return
	}

	if remoteErr != nil {
		pc.outcome <- callOutcome{err: remoteErr}
		return
	}
	pc.outcome <- callOutcome{payload: result}
}

// failAll resolves every pending request with the given reason. Called on
// transport loss (ErrConnectionLost) and owner teardown (ErrSessionClosed);
// no request is ever silently dropped.
func (c *Correlator) failAll(reason error) {
	var claimed []*pendingCall
	c.pending.Range(func(id int64, _ *pendingCall) bool {
		if pc, owned := c.pending.LoadAndDelete(id); owned {
			claimed = append(claimed, pc)
		}
		return true
	})

	for _, pc := range claimed {
		pc.outcome <- callOutcome{err: reason}
	}

	if len(claimed) > 0 {
		c.log.V(1).Info("Failed all pending requests", "count", len(claimed), "reason", reason)
	}
}

// pendingCount reports the number of in-flight requests.
func (c *Correlator) pendingCount() int {
	count := 0
	c.pending.Range(func(int64, *pendingCall) bool {
		count++
		return true
	})
	return count
}
