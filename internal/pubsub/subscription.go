/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package pubsub

import (
	"sync"
	"sync/atomic"
)

// Handle identifies a subscription within its owning set.
type Handle uint64

var handleCounter atomic.Uint64

// Subscription delivers notifications from its owning set to a caller-supplied
// sink channel. The sink is closed when the subscription is cancelled, whether
// by the subscriber (Cancel) or by the owner (CancelAll).
type Subscription[NotificationT any] struct {
	handle Handle
	owner  *SubscriptionSet[NotificationT]

	mutex sync.Mutex
	sink  chan<- NotificationT
}

func newSubscription[NotificationT any](owner *SubscriptionSet[NotificationT], sink chan<- NotificationT) *Subscription[NotificationT] {
	return &Subscription[NotificationT]{
		handle: Handle(handleCounter.Add(1)),
		owner:  owner,
		sink:   sink,
	}
}

// Cancel deregisters the subscription and closes its sink.
// Safe to call multiple times.
func (s *Subscription[NotificationT]) Cancel() {
	s.mutex.Lock()
	if s.sink == nil {
		s.mutex.Unlock()
		return
	}
	close(s.sink)
	s.sink = nil
	s.mutex.Unlock()

	// Deregistration takes the owner's lock, so it must happen outside ours:
	// the owner calls Notify with its lock held during replay.
	s.owner.onSubscriptionCancelled(s.handle)
}

// Notify delivers one notification to the sink. No-op once cancelled.
// Subscribers must keep their sinks drained (or sized) so delivery never
// blocks the notifier for long.
func (s *Subscription[NotificationT]) Notify(n NotificationT) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.sink == nil {
		return
	}
	s.sink <- n
}

func (s *Subscription[NotificationT]) Cancelled() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.sink == nil
}
