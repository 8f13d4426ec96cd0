// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

// MessageAllocator selects the next message a consumer may take. All
// methods are called with the queue's message lock held and must not
// block or perform I/O.
type MessageAllocator interface {
	// NextConsumable returns the next message available for destructive
	// consumption by the consumer.
	NextConsumable(c Consumer) (QueuedMessage, bool)

	// NextBrowsable returns the next message the consumer may browse.
	NextBrowsable(c Consumer) (QueuedMessage, bool)

	// Acquire grants or denies acquisition of a message previously
	// returned by NextConsumable.
	Acquire(consumerName string, qm QueuedMessage) bool

	// Query contributes allocator state to management snapshots.
	Query(out map[string]any)
}

// fifoAllocator is the default allocator: oldest message first, any
// consumer may acquire.
type fifoAllocator struct {
	queue *Queue
}

var _ MessageAllocator = (*fifoAllocator)(nil)

func newFIFOAllocator(q *Queue) *fifoAllocator {
	return &fifoAllocator{queue: q}
}

func (a *fifoAllocator) NextConsumable(Consumer) (QueuedMessage, bool) {
	return a.queue.messages.Front()
}

func (a *fifoAllocator) NextBrowsable(c Consumer) (QueuedMessage, bool) {
	if blocked, ok := a.queue.messages.(interface{ BrowsingDisabled() bool }); ok && blocked.BrowsingDisabled() {
		return QueuedMessage{}, false
	}
	return a.queue.messages.Next(c.Position())
}

func (a *fifoAllocator) Acquire(string, QueuedMessage) bool {
	return true
}

func (a *fifoAllocator) Query(map[string]any) {}
