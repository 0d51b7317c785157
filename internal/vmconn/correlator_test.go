/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package vmconn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// captureSender records sent frames and optionally fails every send.
type captureSender struct {
	mu      sync.Mutex
	frames  [][]byte
	sendErr error
}

func (s *captureSender) sendFrame(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, data)
	return nil
}

func (s *captureSender) sentIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.frames))
	for _, f := range s.frames {
		ids = append(ids, gjson.GetBytes(f, "id").Int())
	}
	return ids
}

func TestCorrelator_CallResolvedByResponse(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	c := newCorrelator(sender, logr.Discard())

	done := make(chan struct{})
	var payload json.RawMessage
	var callErr error
	go func() {
		defer close(done)
		payload, callErr = c.Call(context.Background(), "getVM", nil, time.Minute)
	}()

	id := waitForSentID(t, sender)
	c.resolve(id, json.RawMessage(`{"type":"VM"}`), nil)

	<-done
	require.NoError(t, callErr)
	assert.JSONEq(t, `{"type":"VM"}`, string(payload))
	assert.Equal(t, 0, c.pendingCount())
}

func TestCorrelator_CallResolvedByRemoteError(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	c := newCorrelator(sender, logr.Discard())

	done := make(chan struct{})
	var callErr error
	go func() {
		defer close(done)
		_, callErr = c.Call(context.Background(), "getIsolate", map[string]string{"isolateId": "isolates/1"}, time.Minute)
	}()

	id := waitForSentID(t, sender)
	c.resolve(id, nil, &RemoteError{Code: 105, Message: "Isolate must be runnable"})

	<-done
	var remoteErr *RemoteError
	require.ErrorAs(t, callErr, &remoteErr)
	assert.Equal(t, int64(105), remoteErr.Code)
	assert.Equal(t, "Isolate must be runnable", remoteErr.Message)
}

func TestCorrelator_CallTimeout(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	c := newCorrelator(sender, logr.Discard())

	_, err := c.Call(context.Background(), "getVM", nil, 20*time.Millisecond)

	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, 0, c.pendingCount(), "timed out entry should be removed")
}

func TestCorrelator_LateResponseDiscarded(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	c := newCorrelator(sender, logr.Discard())

	_, err := c.Call(context.Background(), "getVM", nil, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)

	// The response arrives after the timeout already won; it must be
	// discarded without panicking or mutating anything.
	ids := sender.sentIDs()
	require.Len(t, ids, 1)
	c.resolve(ids[0], json.RawMessage(`{"late":true}`), nil)

	assert.Equal(t, 0, c.pendingCount())
}

func TestCorrelator_UnknownIDDoesNotAffectPending(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	c := newCorrelator(sender, logr.Discard())

	done := make(chan struct{})
	var callErr error
	go func() {
		defer close(done)
		_, callErr = c.Call(context.Background(), "getVM", nil, time.Minute)
	}()

	id := waitForSentID(t, sender)

	// A response with an id nobody is waiting for is dropped silently.
	c.resolve(id+1000, json.RawMessage(`{}`), nil)
	assert.Equal(t, 1, c.pendingCount(), "unrelated pending entry must survive")

	c.resolve(id, json.RawMessage(`{}`), nil)
	<-done
	require.NoError(t, callErr)
}

func TestCorrelator_FailAllResolvesEveryPending(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	c := newCorrelator(sender, logr.Discard())

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := c.Call(context.Background(), "getVM", nil, time.Minute)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return c.pendingCount() == callers },
		time.Second, 5*time.Millisecond)

	c.failAll(ErrConnectionLost)

	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrConnectionLost)
		case <-time.After(time.Second):
			t.Fatal("a caller was left hanging after failAll")
		}
	}
	assert.Equal(t, 0, c.pendingCount())
}

func TestCorrelator_SendFailureResolvesImmediately(t *testing.T) {
	t.Parallel()

	sendErr := errors.New("socket gone")
	sender := &captureSender{sendErr: sendErr}
	c := newCorrelator(sender, logr.Discard())

	_, err := c.Call(context.Background(), "getVM", nil, time.Minute)

	require.ErrorIs(t, err, sendErr)
	assert.Equal(t, 0, c.pendingCount())
}

func TestCorrelator_ContextCancellation(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	c := newCorrelator(sender, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "getVM", nil, time.Minute)
		done <- err
	}()

	waitForSentID(t, sender)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}
	assert.Equal(t, 0, c.pendingCount())
}

// Property: exactly one of {response, timeout, connection loss} resolves a
// request, even when all three race at the same instant.
func TestCorrelator_SingleResolutionUnderRace(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		sender := &captureSender{}
		c := newCorrelator(sender, logr.Discard())

		outcome := make(chan error, 1)
		go func() {
			_, err := c.Call(context.Background(), "getVM", nil, time.Millisecond)
			outcome <- err
		}()

		id := waitForSentID(t, sender)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.resolve(id, json.RawMessage(`{}`), nil)
		}()
		go func() {
			defer wg.Done()
			c.failAll(ErrConnectionLost)
		}()
		wg.Wait()

		select {
		case err := <-outcome:
			// Any of the three outcomes is legal; there must be exactly one.
			if err != nil {
				assert.True(t,
					errors.Is(err, ErrRequestTimeout) || errors.Is(err, ErrConnectionLost),
					"unexpected resolution: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("request was never resolved")
		}

		// No second resolution may appear.
		select {
		case err := <-outcome:
			t.Fatalf("request resolved twice, second resolution: %v", err)
		case <-time.After(10 * time.Millisecond):
		}

		assert.Equal(t, 0, c.pendingCount())
	}
}

func TestCorrelator_IDsAreMonotonic(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	c := newCorrelator(sender, logr.Discard())

	for i := 0; i < 3; i++ {
		_, err := c.Call(context.Background(), "getVM", nil, time.Millisecond)
		require.ErrorIs(t, err, ErrRequestTimeout)
	}

	ids := sender.sentIDs()
	require.Len(t, ids, 3)
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])
}

// waitForSentID waits until the sender has captured at least one frame and
// returns the id of the most recent one.
func waitForSentID(t *testing.T, sender *captureSender) int64 {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(sender.sentIDs()) > 0
	}, time.Second, time.Millisecond)
	ids := sender.sentIDs()
	return ids[len(ids)-1]
}
