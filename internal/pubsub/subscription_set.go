/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package pubsub

import (
	"sync"
)

// The subscription set helps manage a set of subscriptions that share the same source of notifications.
type SubscriptionSet[NotificationT any] struct {
	// The set of subscriptions.
	subscriptions map[Handle]*Subscription[NotificationT]

	// When true, the most recently published notification is replayed to every new subscriber.
	// Used for state-like notification sources where subscribers need the current value immediately.
	replayLast bool
	last       NotificationT
	hasLast    bool

	// The mutex that makes the subscription set goroutine-safe.
	mutex *sync.Mutex
}

func NewSubscriptionSet[NotificationT any]() *SubscriptionSet[NotificationT] {
	return &SubscriptionSet[NotificationT]{
		subscriptions: make(map[Handle]*Subscription[NotificationT]),
		mutex:         &sync.Mutex{},
	}
}

// NewReplaySubscriptionSet creates a subscription set that delivers the most recently
// published notification to each new subscriber before any subsequent notifications.
// Subscriber sinks must be buffered (capacity of at least 1) so the replay never blocks Subscribe.
func NewReplaySubscriptionSet[NotificationT any]() *SubscriptionSet[NotificationT] {
	ss := NewSubscriptionSet[NotificationT]()
	ss.replayLast = true
	return ss
}

func (ss *SubscriptionSet[NotificationT]) Subscribe(sink chan<- NotificationT) *Subscription[NotificationT] {
	sub := newSubscription(ss, sink)

	ss.mutex.Lock()
	defer ss.mutex.Unlock()

	ss.subscriptions[sub.handle] = sub

	if ss.replayLast && ss.hasLast {
		sub.Notify(ss.last)
	}

	return sub
}

func (ss *SubscriptionSet[NotificationT]) Notify(n NotificationT) {
	ss.mutex.Lock()
	if ss.replayLast {
		ss.last = n
		ss.hasLast = true
	}
	currentSubs := make([]*Subscription[NotificationT], 0, len(ss.subscriptions))
	for _, sub := range ss.subscriptions {
		currentSubs = append(currentSubs, sub)
	}
	ss.mutex.Unlock()

	for _, sub := range currentSubs {
		sub.Notify(n)
	}
}

// Last returns the most recently published notification, if any.
// Only meaningful for replay subscription sets.
func (ss *SubscriptionSet[NotificationT]) Last() (NotificationT, bool) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	return ss.last, ss.hasLast
}

func (ss *SubscriptionSet[NotificationT]) CancelAll() {
	ss.mutex.Lock()
	currentSubs := make([]*Subscription[NotificationT], 0, len(ss.subscriptions))
	for _, sub := range ss.subscriptions {
		currentSubs = append(currentSubs, sub)
	}
	clear(ss.subscriptions)
	ss.mutex.Unlock()

	for _, sub := range currentSubs {
		sub.Cancel()
	}
}

func (ss *SubscriptionSet[NotificationT]) onSubscriptionCancelled(handle Handle) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()

	delete(ss.subscriptions, handle) // This is a no-op if the handle does not exist.
}
