// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"fmt"
	"log/slog"
)

// PolicyType selects the overflow behavior of a bounded queue.
type PolicyType string

const (
	// PolicyReject refuses enqueues beyond the cap.
	PolicyReject PolicyType = "reject"

	// PolicyRing evicts the oldest messages to admit new ones.
	PolicyRing PolicyType = "ring"

	// PolicyFlowToDisk releases message content to the store beyond the
	// cap instead of refusing.
	PolicyFlowToDisk PolicyType = "flow-to-disk"
)

// policyEntry is the policy's record of an enqueued message.
type policyEntry struct {
	position SequenceNumber
	size     uint64
	enqueued bool // false once moved to the pending-dequeue list
}

// QueuePolicy caps a queue by message count and/or aggregate byte size.
// All methods are called with the queue's message lock held; the dequeues
// returned by GetPendingDequeues are issued after it is released.
type QueuePolicy struct {
	queueName string
	typ       PolicyType
	maxCount  uint32
	maxSize   uint64

	count   uint32
	size    uint64
	entries []policyEntry // position order, the policy's view of the queue

	// pendingCount tracks messages admitted by TryEnqueue but not yet
	// confirmed by Enqueued, so concurrent producers see the cap.
	pendingCount uint32
	pendingSize  uint64

	pendingDequeues []QueuedMessage
	releaseContent  bool

	logger *slog.Logger
}

// PolicyTypeOf extracts the configured policy type from queue arguments,
// defaulting to reject.
func PolicyTypeOf(args Arguments) PolicyType {
	switch PolicyType(args.GetString(argPolicyType)) {
	case PolicyRing:
		return PolicyRing
	case PolicyFlowToDisk:
		return PolicyFlowToDisk
	default:
		return PolicyReject
	}
}

// createQueuePolicy builds a policy from queue arguments, or reports that
// the queue is unbounded.
func createQueuePolicy(queueName string, args Arguments, logger *slog.Logger) (*QueuePolicy, bool) {
	maxCount := uint32(args.GetInt(argMaxCount))
	maxSize := uint64(args.GetInt(argMaxSize))
	if maxCount == 0 && maxSize == 0 {
		return nil, false
	}
	return &QueuePolicy{
		queueName: queueName,
		typ:       PolicyTypeOf(args),
		maxCount:  maxCount,
		maxSize:   maxSize,
		logger:    logger,
	}, true
}

// Type returns the overflow behavior.
func (p *QueuePolicy) Type() PolicyType {
	return p.typ
}

func (p *QueuePolicy) overLimit(addCount uint32, addSize uint64) bool {
	if p.maxCount > 0 && p.count+p.pendingCount+addCount > p.maxCount {
		return true
	}
	if p.maxSize > 0 && p.size+p.pendingSize+addSize > p.maxSize {
		return true
	}
	return false
}

// TryEnqueue admits or refuses a message against the caps. Under a ring
// policy, admitting may move the oldest messages onto the pending-dequeue
// list, which the caller drains via GetPendingDequeues and must issue
// after releasing the queue lock. Under flow-to-disk, the message is admitted
// with its content marked releasable.
func (p *QueuePolicy) TryEnqueue(q *Queue, msg *Message) error {
	msgSize := msg.ContentSize()
	if !p.overLimit(1, msgSize) {
		p.pendingCount++
		p.pendingSize += msgSize
		return nil
	}

	switch p.typ {
	case PolicyRing:
		for p.overLimit(1, msgSize) {
			evicted, ok := p.evictOldest(q)
			if !ok {
				return fmt.Errorf("%w: policy cannot make room on queue %s", ErrResourceLimitExceeded, p.queueName)
			}
			p.pendingDequeues = append(p.pendingDequeues, evicted)
		}
		p.pendingCount++
		p.pendingSize += msgSize
		return nil
	case PolicyFlowToDisk:
		// content goes to the store; the queue keeps only metadata
		p.releaseContent = true
		p.pendingCount++
		p.pendingSize += msgSize
		return nil
	default:
		return fmt.Errorf("%w: maximum depth exceeded on queue %s (count=%d size=%d)",
			ErrResourceLimitExceeded, p.queueName, p.count, p.size)
	}
}

// evictOldest moves the oldest still-enqueued entry off the books.
func (p *QueuePolicy) evictOldest(q *Queue) (QueuedMessage, bool) {
	for i := range p.entries {
		e := &p.entries[i]
		if !e.enqueued {
			continue
		}
		qm, ok := q.messages.Find(e.position)
		if !ok {
			continue
		}
		e.enqueued = false
		p.count--
		p.size -= e.size
		return qm, true
	}
	return QueuedMessage{}, false
}

// ConsumeContentRelease drains the flow-to-disk request raised by the
// last TryEnqueue.
func (p *QueuePolicy) ConsumeContentRelease() bool {
	r := p.releaseContent
	p.releaseContent = false
	return r
}

// GetPendingDequeues drains the deferred dequeues. The caller must issue
// them without holding the queue lock.
func (p *QueuePolicy) GetPendingDequeues() []QueuedMessage {
	pending := p.pendingDequeues
	p.pendingDequeues = nil
	return pending
}

// Enqueued confirms the admission of a pushed message.
func (p *QueuePolicy) Enqueued(qm QueuedMessage) {
	msgSize := qm.Message.ContentSize()
	if p.pendingCount > 0 {
		p.pendingCount--
		if p.pendingSize >= msgSize {
			p.pendingSize -= msgSize
		} else {
			p.pendingSize = 0
		}
	}
	p.count++
	p.size += msgSize
	p.entries = append(p.entries, policyEntry{position: qm.Position, size: msgSize, enqueued: true})
}

// Dequeued removes a message from the policy's view. Evicted entries are
// already off the books and are ignored.
func (p *QueuePolicy) Dequeued(qm QueuedMessage) {
	for i := range p.entries {
		e := &p.entries[i]
		if e.position != qm.Position {
			continue
		}
		if e.enqueued {
			p.count--
			p.size -= e.size
		}
		p.entries = append(p.entries[:i], p.entries[i+1:]...)
		return
	}
}

// RecoverEnqueued accounts for a message restored from the store before
// its push.
func (p *QueuePolicy) RecoverEnqueued(msg *Message) {
	p.pendingCount++
	p.pendingSize += msg.ContentSize()
}

// EnqueueAborted rolls back the admission of a message whose transaction
// aborted before push.
func (p *QueuePolicy) EnqueueAborted(msg *Message) {
	msgSize := msg.ContentSize()
	if p.pendingCount > 0 {
		p.pendingCount--
		if p.pendingSize >= msgSize {
			p.pendingSize -= msgSize
		} else {
			p.pendingSize = 0
		}
	}
}

// IsEnqueued reports whether the policy still considers the message
// enqueued. Duplicate dequeue attempts (transactional aborts racing ring
// eviction) consult this to become no-ops.
func (p *QueuePolicy) IsEnqueued(qm QueuedMessage) bool {
	for i := range p.entries {
		if p.entries[i].position == qm.Position {
			return true
		}
	}
	return false
}
