// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "log/slog"

// QueueObserver is notified of message lifecycle transitions on a queue.
// Callbacks run with the queue's message lock held and in position order
// for enqueues. A panicking observer is logged and ignored; it never
// aborts the triggering operation.
type QueueObserver interface {
	// Enqueued is fired when a message is pushed onto the queue.
	Enqueued(qm QueuedMessage)

	// Acquired is fired when a message becomes unavailable for transfer.
	Acquired(qm QueuedMessage)

	// Requeued is fired when an acquired message is returned to the
	// queue.
	Requeued(qm QueuedMessage)

	// Dequeued is fired when a message is removed permanently.
	Dequeued(qm QueuedMessage)

	// ConsumerAdded is fired when a consumer subscribes.
	ConsumerAdded(c Consumer)

	// ConsumerRemoved is fired when a consumer cancels.
	ConsumerRemoved(c Consumer)
}

// notifyObserver shields the engine from observer failures.
func notifyObserver(logger *slog.Logger, queueName, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("observer notification failed",
				"queue", queueName, "event", event, "panic", r)
		}
	}()
	fn()
}
