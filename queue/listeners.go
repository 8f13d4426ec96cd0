// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

// QueueListeners tracks consumers waiting for messages. Browsers are all
// woken whenever a message arrives; acquiring consumers are woken one at
// a time, round-robin, since only one of them can take the message.
// All methods are called with the queue's message lock held; the
// NotificationSet they populate is notified after the lock is released.
type QueueListeners struct {
	browsers  []Consumer
	consumers []Consumer
	current   int
}

// NotificationSet holds listeners to wake once the caller has left the
// critical section.
type NotificationSet struct {
	listeners []Consumer
}

// AddListener subscribes a consumer for wake-up. Duplicates are ignored.
func (l *QueueListeners) AddListener(c Consumer) {
	if c.PreAcquires() {
		l.consumers = addUnique(l.consumers, c)
	} else {
		l.browsers = addUnique(l.browsers, c)
	}
}

// RemoveListener drops a consumer from the wake set.
func (l *QueueListeners) RemoveListener(c Consumer) {
	if c.PreAcquires() {
		l.consumers = remove(l.consumers, c)
		if l.current >= len(l.consumers) {
			l.current = 0
		}
	} else {
		l.browsers = remove(l.browsers, c)
	}
}

// Populate moves all browsers and the next acquiring consumer into the
// notification set.
func (l *QueueListeners) Populate(set *NotificationSet) {
	set.listeners = append(set.listeners, l.browsers...)
	l.browsers = nil
	if len(l.consumers) > 0 {
		if l.current >= len(l.consumers) {
			l.current = 0
		}
		c := l.consumers[l.current]
		l.consumers = append(l.consumers[:l.current], l.consumers[l.current+1:]...)
		set.listeners = append(set.listeners, c)
	}
}

// Snapshot copies every listener into the set without removing them.
// Used on queue deletion, when all waiters must observe the new state.
func (l *QueueListeners) Snapshot(set *NotificationSet) {
	set.listeners = append(set.listeners, l.browsers...)
	set.listeners = append(set.listeners, l.consumers...)
}

// Notify wakes every listener in the set. Must be called without the
// queue's locks held.
func (s *NotificationSet) Notify() {
	for _, c := range s.listeners {
		c.Notify()
	}
	s.listeners = nil
}

func addUnique(list []Consumer, c Consumer) []Consumer {
	for _, existing := range list {
		if existing == c {
			return list
		}
	}
	return append(list, c)
}

func remove(list []Consumer, c Consumer) []Consumer {
	for i, existing := range list {
		if existing == c {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
