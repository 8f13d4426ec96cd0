// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the in-memory queue engine: ordered message
// containers, delivery policies, consumer allocation, message grouping
// and store coordination.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiangwangcheng/qpid/store"
)

// queueBinding records an exchange binding held by a queue.
type queueBinding struct {
	exchange string
	key      string
	args     Arguments
}

// Options configures a queue at declaration time.
type Options struct {
	Durable    bool
	AutoDelete bool
	Owner      *OwnershipToken
	Store      store.Store
	Logger     *slog.Logger
	Metrics    *Metrics
	Cluster    *ClusterHooks
	EventSink  EventSink
}

// Queue is the central engine: it accepts messages, orders them, and
// dispatches them to consumers under the configured delivery discipline.
//
// Lock hierarchy, always acquired in this order:
//  1. ownershipLock (owner)
//  2. consumerLock  (consumerCount, exclusive, auto-delete task)
//  3. messageLock   (messages, sequence, listeners, policy, allocator,
//     observers, deleted)
//
// No lock is held across store I/O, listener notification or delivery.
type Queue struct {
	name       string
	durable    bool
	autodelete bool
	settings   Arguments

	ownershipLock sync.Mutex
	owner         *OwnershipToken

	consumerLock   sync.Mutex
	consumerCount  int
	exclusive      string // session of the exclusive consumer, "" = none
	autoDeleteTask *time.Timer

	messageLock     sync.Mutex
	messages        Messages
	sequence        SequenceNumber
	listeners       QueueListeners
	observers       []QueueObserver
	allocator       MessageAllocator
	policy          *QueuePolicy
	pendingDequeues []QueuedMessage // deferred until recovery completes
	deleted         bool

	st      store.Store
	barrier *UsageBarrier

	noLocal           bool
	traceID           string
	traceExclude      []string
	persistLastNode   bool
	inLastNodeFailure bool
	eventMode         int
	insertSeqNo       bool
	seqNoKey          string
	autoDeleteTimeout time.Duration

	alternateExchange     Exchange
	alternateExchangeName string

	bindingsLock sync.Mutex
	bindings     []queueBinding

	persistenceID     atomic.Uint64
	dequeueSincePurge atomic.Int64

	stats   Stats
	metrics *Metrics
	cluster *ClusterHooks
	sink    EventSink
	logger  *slog.Logger
}

// NewQueue creates a queue. Containers, policy and allocator are set up
// by Configure; until then the queue is a plain FIFO.
func NewQueue(name string, opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		name:       name,
		durable:    opts.Durable,
		autodelete: opts.AutoDelete,
		owner:      opts.Owner,
		st:         opts.Store,
		barrier:    NewUsageBarrier(),
		messages:   NewDeque(),
		settings:   make(Arguments),
		metrics:    opts.Metrics,
		cluster:    opts.Cluster,
		sink:       opts.EventSink,
		logger:     logger,
	}
	q.allocator = newFIFOAllocator(q)
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// IsDurable reports whether the queue survives restarts.
func (q *Queue) IsDurable() bool {
	return q.durable
}

// IsAutoDelete reports whether the queue deletes itself when unused.
func (q *Queue) IsAutoDelete() bool {
	return q.autodelete
}

// Settings returns the declaration arguments.
func (q *Queue) Settings() Arguments {
	return q.settings
}

// Stats returns the queue's counter snapshot surface.
func (q *Queue) Stats() *Stats {
	return &q.stats
}

// PersistenceID returns the store-assigned identity.
func (q *Queue) PersistenceID() uint64 {
	return q.persistenceID.Load()
}

// SetPersistenceID records the store-assigned identity.
func (q *Queue) SetPersistenceID(id uint64) {
	q.persistenceID.Store(id)
}

func (q *Queue) assertClusterSafe() {
	if q.cluster != nil && q.cluster.Safe != nil && !q.cluster.Safe() {
		q.logger.Error("cluster safety violation on queue operation", "queue", q.name)
	}
}

func (q *Queue) checkNotDeleted() error {
	q.messageLock.Lock()
	defer q.messageLock.Unlock()

	if q.deleted {
		return fmt.Errorf("%w: queue %s", ErrResourceDeleted, q.name)
	}
	return nil
}

// AddObserver registers a lifecycle observer.
func (q *Queue) AddObserver(o QueueObserver) {
	q.messageLock.Lock()
	defer q.messageLock.Unlock()

	q.observers = append(q.observers, o)
}

// Create records the declaration settings, registers the queue with its
// store and applies configuration.
func (q *Queue) Create(ctx context.Context, settings Arguments) error {
	q.settings = settings
	if q.st != nil {
		if err := q.st.Create(ctx, q, settings); err != nil {
			return fmt.Errorf("failed to create queue %s in store: %w", q.name, err)
		}
	}
	q.Configure(settings)
	return nil
}

// Configure applies the recognized queue arguments: container selection,
// policy, allocator, tracing, auto-delete and event generation.
func (q *Queue) Configure(settings Arguments) {
	q.settings = settings

	q.eventMode = settings.GetInt(argQueueEventGeneration)
	if q.eventMode != EventsNone && q.sink != nil {
		q.AddObserver(&eventObserver{
			queueName:   q.name,
			sink:        q.sink,
			enqueueOnly: q.eventMode == EventsEnqueueOnly,
		})
	}

	policyArgs := settings
	if PolicyTypeOf(settings) == PolicyFlowToDisk && q.st == nil {
		q.logger.Warn("flow to disk not valid for non-persisted queue", "queue", q.name)
		policyArgs = settings.Copy()
		delete(policyArgs, argPolicyType)
	}
	if policy, ok := createQueuePolicy(q.name, policyArgs, q.logger); ok {
		q.policy = policy
	}

	q.noLocal = settings.GetBool(argNoLocal)

	if lvqKey := settings.GetString(argLastValueQueueKey); lvqKey != "" {
		q.logger.Debug("configured queue as last value queue", "queue", q.name, "key", lvqKey)
		q.messages = NewMessageMap(lvqKey)
	} else if settings.GetBool(argLastValueQueueNoBrowse) {
		q.logger.Debug("configured queue as legacy last value queue with no-browse", "queue", q.name)
		q.messages = NewLegacyLVQ(argLVQMatchProperty, true)
	} else if settings.GetBool(argLastValueQueue) {
		q.logger.Debug("configured queue as legacy last value queue", "queue", q.name)
		q.messages = NewLegacyLVQ(argLVQMatchProperty, false)
	} else if container, ok := createPriorityContainer(settings); ok {
		q.logger.Debug("configured queue as priority queue", "queue", q.name)
		q.messages = container
	} else if groups, ok := newMessageGroupManager(q, settings); ok {
		// default FIFO container with group-affinity allocation
		q.allocator = groups
		q.AddObserver(groups)
	}

	q.persistLastNode = settings.GetBool(argPersistLastNode)

	q.traceID = settings.GetString(argTraceID)
	if excludeList := settings.GetString(argTraceExclude); excludeList != "" {
		for _, id := range strings.Split(excludeList, ",") {
			if id = strings.TrimSpace(id); id != "" {
				q.traceExclude = append(q.traceExclude, id)
			}
		}
	}

	if seqKey := settings.GetString(argInsertSequenceNumbers); seqKey != "" {
		q.InsertSequenceNumbers(seqKey)
	}

	if timeout := settings.GetInt(argAutoDeleteTimeout); timeout > 0 {
		q.autoDeleteTimeout = time.Duration(timeout) * time.Second
		q.logger.Debug("configured queue auto-delete timeout", "queue", q.name, "timeout", q.autoDeleteTimeout)
	}
}

// InsertSequenceNumbers enables writing the assigned position into the
// named header on every push.
func (q *Queue) InsertSequenceNumbers(key string) {
	q.seqNoKey = key
	q.insertSeqNo = key != ""
	q.logger.Debug("inserting sequence numbers", "queue", q.name, "key", key)
}

func (q *Queue) isLocal(msg *Message) bool {
	if !q.noLocal {
		return false
	}
	q.ownershipLock.Lock()
	owner := q.owner
	q.ownershipLock.Unlock()
	if owner.IsLocal(msg.Publisher) {
		return true
	}
	q.consumerLock.Lock()
	defer q.consumerLock.Unlock()
	return q.exclusive != "" && q.exclusive == msg.Publisher
}

func (q *Queue) isExcluded(msg *Message) bool {
	return len(q.traceExclude) > 0 && msg.IsExcluded(q.traceExclude)
}

// Deliver routes a message into the queue, applying immediate-delivery,
// no-local and trace-exclusion rules before enqueueing.
func (q *Queue) Deliver(ctx context.Context, msg *Message) error {
	if q.cluster != nil && q.cluster.DeferDelivery != nil && q.cluster.DeferDelivery(q.name, msg) {
		return nil
	}
	if msg.Immediate && q.ConsumerCount() == 0 {
		if alt := q.alternateExchange; alt != nil {
			return alt.Route(ctx, msg)
		}
		q.logger.Info("dropping immediate message with no consumers", "queue", q.name)
		return nil
	}
	if q.isLocal(msg) {
		q.logger.Info("dropping local message", "queue", q.name)
		return nil
	}
	if q.isExcluded(msg) {
		q.logger.Info("dropping excluded message", "queue", q.name)
		return nil
	}

	stored, err := q.enqueue(ctx, &msg, false)
	if err != nil {
		return err
	}
	if err := q.push(ctx, msg, false); err != nil {
		return err
	}
	q.logger.Debug("message enqueued", "queue", q.name, "id", msg.ID, "stored", stored)
	return nil
}

// Enqueue coordinates policy admission and the store write for a message
// about to be pushed. It reports whether a store write was issued.
func (q *Queue) Enqueue(ctx context.Context, msg *Message) (bool, error) {
	return q.enqueue(ctx, &msg, false)
}

// enqueue may replace *msg with a deep copy when tracing is configured.
func (q *Queue) enqueue(ctx context.Context, msg **Message, suppressPolicy bool) (bool, error) {
	release, ok := q.barrier.Use()
	if !ok {
		return false, fmt.Errorf("%w: queue %s", ErrResourceDeleted, q.name)
	}
	defer release()

	releaseToDisk := false
	if q.policy != nil && !suppressPolicy {
		q.messageLock.Lock()
		err := q.policy.TryEnqueue(q, *msg)
		pending := q.policy.GetPendingDequeues()
		releaseToDisk = q.policy.ConsumeContentRelease()
		q.messageLock.Unlock()
		if err != nil {
			q.stats.policyRejected.Add(1)
			if q.metrics != nil {
				q.metrics.RecordPolicyRejection(q.name)
			}
			return false, err
		}
		// depending on policy, dequeues must be performed without
		// holding the lock
		for _, victim := range pending {
			q.evict(ctx, victim)
		}
	}

	q.messageLock.Lock()
	lastNode := q.inLastNodeFailure && q.persistLastNode
	q.messageLock.Unlock()
	if lastNode {
		(*msg).ForcePersistent()
	}

	if q.traceID != "" {
		// deep copy before modifying: the original frames may already be
		// shared for delivery on other queues
		cp := (*msg).DeepCopy()
		cp.AddTraceID(q.traceID)
		*msg = cp
	}

	m := *msg
	if (m.IsPersistent() || m.CheckContentReleasable()) && q.st != nil {
		// the store must call m.EnqueueComplete() once durable
		m.EnqueueAsync(q.name, q.st)
		if err := q.st.Enqueue(ctx, m, q); err != nil {
			return false, fmt.Errorf("store enqueue failed on queue %s: %w", q.name, err)
		}
		if releaseToDisk && m.CheckContentReleasable() {
			m.ReleaseContent()
		}
		return true, nil
	}
	if q.st == nil {
		// content on a transient queue cannot be reloaded, so it must
		// never be released
		m.BlockContentRelease()
	}
	return false, nil
}

// EnqueueAborted rolls back policy accounting for a message whose
// enqueue was abandoned before push.
func (q *Queue) EnqueueAborted(msg *Message) {
	q.messageLock.Lock()
	defer q.messageLock.Unlock()

	if q.policy != nil {
		q.policy.EnqueueAborted(msg)
	}
}

// push assigns the next position and makes the message resident.
func (q *Queue) push(ctx context.Context, msg *Message, isRecovery bool) error {
	q.assertClusterSafe()
	var set NotificationSet
	var removed QueuedMessage
	dequeueRequired := false

	q.messageLock.Lock()
	q.sequence++
	if q.insertSeqNo {
		msg.Headers[q.seqNoKey] = int64(q.sequence)
	}
	qm := QueuedMessage{Queue: q, Position: q.sequence, Message: msg}
	removed, dequeueRequired = q.messages.Push(qm)
	q.listeners.Populate(&set)
	q.enqueued(qm)
	q.messageLock.Unlock()

	set.Notify()

	if dequeueRequired {
		q.messageLock.Lock()
		q.acquired(removed)
		q.messageLock.Unlock()
		if isRecovery {
			// new store requests must wait until recovery completes
			q.messageLock.Lock()
			q.pendingDequeues = append(q.pendingDequeues, removed)
			q.messageLock.Unlock()
		} else {
			if _, err := q.Dequeue(ctx, removed); err != nil {
				return err
			}
		}
	}
	return nil
}

// evict removes a policy-displaced message from residency and dequeues
// it. Called without the message lock held.
func (q *Queue) evict(ctx context.Context, qm QueuedMessage) {
	q.messageLock.Lock()
	if _, ok := q.messages.Remove(qm.Position); ok {
		q.acquired(qm)
		q.dequeueSincePurge.Add(1)
	}
	q.messageLock.Unlock()
	if _, err := q.Dequeue(ctx, qm); err != nil {
		q.logger.Warn("failed to dequeue policy-evicted message",
			"queue", q.name, "position", qm.Position, "error", err)
	}
}

// enqueued fires observers and policy bookkeeping. Message lock held.
func (q *Queue) enqueued(qm QueuedMessage) {
	for _, o := range q.observers {
		o := o
		notifyObserver(q.logger, q.name, "enqueued", func() { o.Enqueued(qm) })
	}
	if q.policy != nil {
		q.policy.Enqueued(qm)
	}
	q.stats.recordEnqueue(qm.Message.ContentSize())
	if q.metrics != nil {
		q.metrics.RecordEnqueue(q.name)
	}
}

// acquired marks a message unavailable for transfer. Message lock held.
func (q *Queue) acquired(qm QueuedMessage) {
	for _, o := range q.observers {
		o := o
		notifyObserver(q.logger, q.name, "acquired", func() { o.Acquired(qm) })
	}
}

// dequeued updates policy and observers after permanent removal. Message
// lock held.
func (q *Queue) dequeued(qm QueuedMessage) {
	if q.policy != nil {
		q.policy.Dequeued(qm)
	}
	for _, o := range q.observers {
		o := o
		notifyObserver(q.logger, q.name, "dequeued", func() { o.Dequeued(qm) })
	}
	q.stats.recordDequeue(qm.Message.ContentSize())
	if q.metrics != nil {
		q.metrics.RecordDequeue(q.name)
	}
}

// IsEnqueued reports the policy's view of whether the message is still
// enqueued.
func (q *Queue) IsEnqueued(qm QueuedMessage) bool {
	q.messageLock.Lock()
	defer q.messageLock.Unlock()

	return q.isEnqueuedLocked(qm)
}

func (q *Queue) isEnqueuedLocked(qm QueuedMessage) bool {
	return q.policy == nil || q.policy.IsEnqueued(qm)
}

// Dequeue removes a message permanently and asks the store to erase it.
// It reports whether a store erase was issued.
func (q *Queue) Dequeue(ctx context.Context, qm QueuedMessage) (bool, error) {
	release, ok := q.barrier.Use()
	if !ok {
		return false, nil
	}
	defer release()

	q.messageLock.Lock()
	if !q.isEnqueuedLocked(qm) {
		q.messageLock.Unlock()
		return false, nil
	}
	q.dequeued(qm)
	q.messageLock.Unlock()

	// a message forced persistent on another queue must not be dequeued
	// from a store this queue never enqueued it into
	fp := qm.Message.IsForcedPersistent()
	if fp && !qm.Message.IsStoredOnQueue(q.name) {
		return false, nil
	}
	if (qm.Message.IsPersistent() || qm.Message.CheckContentReleasable()) && q.st != nil {
		qm.Message.DequeueAsync()
		if err := q.st.Dequeue(ctx, qm.Message, q); err != nil {
			return false, fmt.Errorf("store dequeue failed on queue %s: %w", q.name, err)
		}
		return true, nil
	}
	return false, nil
}

// Requeue returns an acquired message to the queue at its original
// position.
func (q *Queue) Requeue(ctx context.Context, qm QueuedMessage) {
	q.assertClusterSafe()
	var set NotificationSet
	forcePersist := false

	q.messageLock.Lock()
	if !q.isEnqueuedLocked(qm) {
		q.messageLock.Unlock()
		return
	}
	q.messages.Reinsert(qm)
	qm.Message.SetRedelivered()
	q.listeners.Populate(&set)

	// for persistLastNode - don't force a message twice to disk
	forcePersist = q.inLastNodeFailure && q.persistLastNode && !qm.Message.IsStoredOnQueue(q.name)

	for _, o := range q.observers {
		o := o
		notifyObserver(q.logger, q.name, "requeued", func() { o.Requeued(qm) })
	}
	q.stats.requeues.Add(1)
	q.messageLock.Unlock()

	if q.metrics != nil {
		q.metrics.RecordRequeue(q.name)
	}
	if forcePersist {
		qm.Message.ForcePersistent()
		if qm.Message.IsForcedPersistent() {
			msg := qm.Message
			if _, err := q.enqueue(ctx, &msg, false); err != nil {
				q.logger.Error("failed to persist requeued message",
					"queue", q.name, "position", qm.Position, "error", err)
			}
		}
	}
	set.Notify()
}

// AcquireAt acquires the message at the given position.
func (q *Queue) AcquireAt(pos SequenceNumber) (QueuedMessage, bool) {
	q.messageLock.Lock()
	defer q.messageLock.Unlock()

	q.assertClusterSafe()
	return q.acquireLocked(pos)
}

func (q *Queue) acquireLocked(pos SequenceNumber) (QueuedMessage, bool) {
	qm, ok := q.messages.Remove(pos)
	if !ok {
		return QueuedMessage{}, false
	}
	q.acquired(qm)
	q.dequeueSincePurge.Add(1)
	return qm, true
}

// Acquire acquires a specific message on behalf of a consumer, consulting
// the allocator first.
func (q *Queue) Acquire(qm QueuedMessage, consumerName string) bool {
	q.messageLock.Lock()
	defer q.messageLock.Unlock()

	q.assertClusterSafe()
	if !q.allocator.Acquire(consumerName, qm) {
		q.logger.Debug("not permitted to acquire message",
			"queue", q.name, "consumer", consumerName, "position", qm.Position)
		return false
	}
	_, ok := q.acquireLocked(qm.Position)
	return ok
}

// Get acquires and returns the front message.
func (q *Queue) Get() (QueuedMessage, bool) {
	q.messageLock.Lock()
	defer q.messageLock.Unlock()

	qm, ok := q.messages.Pop()
	if !ok {
		return QueuedMessage{}, false
	}
	q.acquired(qm)
	q.dequeueSincePurge.Add(1)
	return qm, true
}

// Find returns the resident message at the given position.
func (q *Queue) Find(pos SequenceNumber) (QueuedMessage, bool) {
	q.messageLock.Lock()
	defer q.messageLock.Unlock()

	return q.messages.Find(pos)
}

type consumeCode int

const (
	consumed consumeCode = iota
	cantConsume
	rejectedByFilter
	noMessages
)

// Dispatch obtains the next message for the consumer and delivers it.
// It reports whether a message was delivered.
func (q *Queue) Dispatch(ctx context.Context, c Consumer) (bool, error) {
	qm, ok, err := q.getNextMessage(ctx, c)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	c.Deliver(qm)
	return true, nil
}

func (q *Queue) getNextMessage(ctx context.Context, c Consumer) (QueuedMessage, bool, error) {
	if err := q.checkNotDeleted(); err != nil {
		return QueuedMessage{}, false, err
	}
	if c.PreAcquires() {
		qm, code := q.consumeNextMessage(ctx, c)
		switch code {
		case consumed:
			return qm, true, nil
		case cantConsume:
			q.notifyListener() // let someone else try
			return QueuedMessage{}, false, nil
		default:
			return QueuedMessage{}, false, nil
		}
	}
	qm, ok := q.browseNextMessage(c)
	return qm, ok, nil
}

func (q *Queue) consumeNextMessage(ctx context.Context, c Consumer) (QueuedMessage, consumeCode) {
	for {
		q.messageLock.Lock()
		msg, ok := q.allocator.NextConsumable(c)
		if !ok {
			q.logger.Debug("no messages available to dispatch",
				"queue", q.name, "consumer", c.Name())
			q.listeners.AddListener(c)
			q.messageLock.Unlock()
			return QueuedMessage{}, noMessages
		}

		if msg.Message.HasExpired() {
			q.logger.Debug("message expired", "queue", q.name, "position", msg.Position)
			c.SetPosition(msg.Position)
			q.acquireLocked(msg.Position)
			q.messageLock.Unlock()
			if _, err := q.Dequeue(ctx, msg); err != nil {
				q.logger.Warn("failed to dequeue expired message",
					"queue", q.name, "position", msg.Position, "error", err)
			}
			q.stats.expired.Add(1)
			if q.metrics != nil {
				q.metrics.RecordExpired(q.name)
			}
			continue
		}

		if !c.Filter(msg.Message) {
			// consumer will never want this message
			c.SetPosition(msg.Position)
			q.messageLock.Unlock()
			return QueuedMessage{}, rejectedByFilter
		}
		if !c.Accept(msg.Message) {
			// messages are available but the consumer is out of credit
			q.logger.Debug("consumer can't currently accept message",
				"queue", q.name, "consumer", c.Name())
			q.messageLock.Unlock()
			return QueuedMessage{}, cantConsume
		}

		if !q.allocator.Acquire(c.Name(), msg) {
			q.logger.Error("allocator refused acquisition of selected message",
				"queue", q.name, "consumer", c.Name(), "position", msg.Position)
			q.messageLock.Unlock()
			return QueuedMessage{}, cantConsume
		}
		q.messages.Remove(msg.Position)
		q.acquired(msg)
		q.dequeueSincePurge.Add(1)
		c.SetPosition(msg.Position)
		q.messageLock.Unlock()
		return msg, consumed
	}
}

func (q *Queue) browseNextMessage(c Consumer) (QueuedMessage, bool) {
	for {
		q.messageLock.Lock()
		msg, ok := q.allocator.NextBrowsable(c)
		if !ok {
			q.listeners.AddListener(c)
			q.messageLock.Unlock()
			return QueuedMessage{}, false
		}

		if c.Filter(msg.Message) && !msg.Message.HasExpired() {
			if !c.Accept(msg.Message) {
				q.logger.Debug("browser can't currently accept message",
					"queue", q.name, "consumer", c.Name())
				q.messageLock.Unlock()
				return QueuedMessage{}, false
			}
			c.SetPosition(msg.Position)
			q.messageLock.Unlock()
			return msg, true
		}

		// browser will never want this message, keep seeking
		c.SetPosition(msg.Position)
		q.messageLock.Unlock()
	}
}

// notifyListener wakes a waiting consumer if messages remain.
func (q *Queue) notifyListener() {
	q.assertClusterSafe()
	var set NotificationSet
	q.messageLock.Lock()
	if q.messages.Size() > 0 {
		q.listeners.Populate(&set)
	}
	q.messageLock.Unlock()
	set.Notify()
}

// RemoveListener drops a consumer from the wake set.
func (q *Queue) RemoveListener(c Consumer) {
	var set NotificationSet
	q.messageLock.Lock()
	q.listeners.RemoveListener(c)
	if q.messages.Size() > 0 {
		q.listeners.Populate(&set)
	}
	q.messageLock.Unlock()
	set.Notify()
}

// Consume registers a consumer, enforcing exclusivity.
func (q *Queue) Consume(c Consumer, requestExclusive bool) error {
	q.assertClusterSafe()
	if err := q.checkNotDeleted(); err != nil {
		return err
	}

	q.consumerLock.Lock()
	if q.exclusive != "" {
		q.consumerLock.Unlock()
		return fmt.Errorf("%w: queue %s has an exclusive consumer, no more consumers allowed",
			ErrResourceLocked, q.name)
	}
	if requestExclusive {
		if q.consumerCount > 0 {
			q.consumerLock.Unlock()
			return fmt.Errorf("%w: queue %s already has consumers, exclusive access denied",
				ErrResourceLocked, q.name)
		}
		q.exclusive = c.Session()
	}
	q.consumerCount++
	// reset auto deletion timer if necessary
	if q.autoDeleteTimeout > 0 && q.autoDeleteTask != nil {
		q.autoDeleteTask.Stop()
		q.autoDeleteTask = nil
	}
	q.consumerLock.Unlock()

	q.messageLock.Lock()
	for _, o := range q.observers {
		o := o
		notifyObserver(q.logger, q.name, "consumerAdded", func() { o.ConsumerAdded(c) })
	}
	q.messageLock.Unlock()

	if q.metrics != nil {
		q.metrics.RecordConsumerAdded(q.name)
	}
	return nil
}

// Cancel deregisters a consumer.
func (q *Queue) Cancel(c Consumer) {
	q.RemoveListener(c)

	q.consumerLock.Lock()
	if q.consumerCount > 0 {
		q.consumerCount--
	}
	q.exclusive = ""
	q.consumerLock.Unlock()

	q.messageLock.Lock()
	for _, o := range q.observers {
		o := o
		notifyObserver(q.logger, q.name, "consumerRemoved", func() { o.ConsumerRemoved(c) })
	}
	q.messageLock.Unlock()

	if q.metrics != nil {
		q.metrics.RecordConsumerRemoved(q.name)
	}
}

// PurgeExpired removes messages whose TTL has lapsed. Expired messages
// are also discarded during dispatch, so the sweep is skipped while the
// dequeue rate since the last call is at least one per second.
func (q *Queue) PurgeExpired(ctx context.Context, lapse time.Duration) {
	count := q.dequeueSincePurge.Load()
	q.dequeueSincePurge.Add(-count)
	seconds := int64(lapse / time.Second)
	if seconds != 0 && count/seconds >= 1 {
		return
	}

	q.messageLock.Lock()
	expired := q.messages.RemoveIf(func(qm QueuedMessage) bool {
		return qm.Message.HasExpired()
	})
	q.messageLock.Unlock()

	for _, qm := range expired {
		q.messageLock.Lock()
		q.acquired(qm)
		q.messageLock.Unlock()
		if _, err := q.Dequeue(ctx, qm); err != nil {
			q.logger.Warn("failed to dequeue expired message",
				"queue", q.name, "position", qm.Position, "error", err)
		}
		q.stats.expired.Add(1)
		if q.metrics != nil {
			q.metrics.RecordExpired(q.name)
		}
	}
}

// Purge removes up to purgeRequest matching messages (0 = all). When a
// destination exchange is given the purged messages are re-routed through
// it, falling back to its alternate; re-routing back onto this same queue
// is safe.
func (q *Queue) Purge(ctx context.Context, purgeRequest uint32, dest Exchange, filter map[string]any) (uint32, error) {
	c := collector{maxMatches: purgeRequest, filter: CreateMessageFilter(filter, q.logger)}

	q.messageLock.Lock()
	q.messages.RemoveIf(c.collect)
	for _, qm := range c.matches {
		q.acquired(qm)
		q.dequeueSincePurge.Add(1)
	}
	q.messageLock.Unlock()

	for _, qm := range c.matches {
		if _, err := q.Dequeue(ctx, qm); err != nil {
			return uint32(len(c.matches)), err
		}
		if dest != nil {
			if err := dest.RouteWithAlternate(ctx, qm.Message); err != nil {
				q.logger.Warn("failed to re-route purged message",
					"queue", q.name, "exchange", dest.Name(), "error", err)
			}
		}
	}
	return uint32(len(c.matches)), nil
}

// Move transfers up to qty matching messages (0 = all) to the
// destination queue. Moving onto this same queue is safe.
func (q *Queue) Move(ctx context.Context, dest *Queue, qty uint32, filter map[string]any) (uint32, error) {
	c := collector{maxMatches: qty, filter: CreateMessageFilter(filter, q.logger)}

	q.messageLock.Lock()
	q.messages.RemoveIf(c.collect)
	for _, qm := range c.matches {
		q.acquired(qm)
		q.dequeueSincePurge.Add(1)
	}
	q.messageLock.Unlock()

	for _, qm := range c.matches {
		if _, err := q.Dequeue(ctx, qm); err != nil {
			return uint32(len(c.matches)), err
		}
		if err := dest.Deliver(ctx, qm.Message); err != nil {
			return uint32(len(c.matches)), err
		}
	}
	return uint32(len(c.matches)), nil
}

// MessageCount returns the number of resident messages.
func (q *Queue) MessageCount() int {
	q.messageLock.Lock()
	defer q.messageLock.Unlock()

	return q.messages.Size()
}

// EnqueueCompleteMessageCount returns how many resident messages have
// completed their store enqueues. Not used on the critical message path.
func (q *Queue) EnqueueCompleteMessageCount() int {
	q.messageLock.Lock()
	defer q.messageLock.Unlock()

	count := 0
	q.messages.Foreach(func(qm QueuedMessage) {
		if qm.Message.IsEnqueueComplete() {
			count++
		}
	})
	return count
}

// ConsumerCount returns the number of registered consumers.
func (q *Queue) ConsumerCount() int {
	q.consumerLock.Lock()
	defer q.consumerLock.Unlock()

	return q.consumerCount
}

// Position returns the last assigned sequence number.
func (q *Queue) Position() SequenceNumber {
	q.messageLock.Lock()
	defer q.messageLock.Unlock()

	return q.sequence
}

// SetPosition forces the next assignments to continue from n. Used when
// restoring a queue.
func (q *Queue) SetPosition(n SequenceNumber) {
	q.messageLock.Lock()
	defer q.messageLock.Unlock()

	q.sequence = n
}

// EventMode returns the configured queue event generation mode.
func (q *Queue) EventMode() int {
	return q.eventMode
}

// Query contributes queue and allocator state to a management snapshot.
func (q *Queue) Query(out map[string]any) {
	q.messageLock.Lock()
	defer q.messageLock.Unlock()

	out["name"] = q.name
	out["messages"] = q.messages.Size()
	q.allocator.Query(out)
}

// CanAutoDelete reports whether the queue is eligible for auto-deletion.
func (q *Queue) CanAutoDelete() bool {
	if !q.autodelete {
		return false
	}
	q.ownershipLock.Lock()
	owner := q.owner
	q.ownershipLock.Unlock()
	if owner != nil {
		return false
	}
	q.consumerLock.Lock()
	defer q.consumerLock.Unlock()
	return q.consumerCount == 0
}

// AutoDeleteTimeout returns the configured deletion delay.
func (q *Queue) AutoDeleteTimeout() time.Duration {
	return q.autoDeleteTimeout
}

// scheduleAutoDelete arms the delayed deletion task, replacing any
// previous one.
func (q *Queue) scheduleAutoDelete(fire func()) {
	q.consumerLock.Lock()
	defer q.consumerLock.Unlock()

	if q.autoDeleteTask != nil {
		q.autoDeleteTask.Stop()
	}
	q.autoDeleteTask = time.AfterFunc(q.autoDeleteTimeout, fire)
}

func (q *Queue) cancelAutoDelete() {
	q.consumerLock.Lock()
	defer q.consumerLock.Unlock()

	if q.autoDeleteTask != nil {
		q.autoDeleteTask.Stop()
		q.autoDeleteTask = nil
	}
}

// Ownership.

// SetExclusiveOwner claims session ownership; it fails if another owner
// holds the queue.
func (q *Queue) SetExclusiveOwner(o *OwnershipToken) bool {
	q.cancelAutoDelete()
	q.ownershipLock.Lock()
	defer q.ownershipLock.Unlock()

	if q.owner != nil {
		return false
	}
	q.owner = o
	return true
}

// ReleaseExclusiveOwnership clears the owner.
func (q *Queue) ReleaseExclusiveOwnership() {
	q.ownershipLock.Lock()
	defer q.ownershipLock.Unlock()

	q.owner = nil
}

// IsExclusiveOwner reports whether the given token owns the queue.
func (q *Queue) IsExclusiveOwner(o *OwnershipToken) bool {
	q.ownershipLock.Lock()
	defer q.ownershipLock.Unlock()

	return q.owner == o
}

// HasExclusiveOwner reports whether any session owns the queue.
func (q *Queue) HasExclusiveOwner() bool {
	q.ownershipLock.Lock()
	defer q.ownershipLock.Unlock()

	return q.owner != nil
}

// HasExclusiveConsumer reports whether an exclusive consumer is attached.
func (q *Queue) HasExclusiveConsumer() bool {
	q.consumerLock.Lock()
	defer q.consumerLock.Unlock()

	return q.exclusive != ""
}

// Bindings.

// Bind attaches the queue to an exchange; durable bindings on durable
// queues are recorded in the store.
func (q *Queue) Bind(ctx context.Context, ex Exchange, key string, args Arguments) (bool, error) {
	ok, err := ex.Bind(q, key, args)
	if err != nil || !ok {
		return false, err
	}
	q.bound(ex.Name(), key, args)
	if ex.IsDurable() && q.durable && q.st != nil {
		if err := q.st.Bind(ctx, ex.Name(), q, key, args); err != nil {
			return true, fmt.Errorf("failed to store binding: %w", err)
		}
	}
	return true, nil
}

func (q *Queue) bound(exchangeName, key string, args Arguments) {
	q.bindingsLock.Lock()
	defer q.bindingsLock.Unlock()

	q.bindings = append(q.bindings, queueBinding{exchange: exchangeName, key: key, args: args})
}

// Unbind removes every binding the queue holds.
func (q *Queue) Unbind(exchanges ExchangeGetter) {
	q.bindingsLock.Lock()
	bindings := q.bindings
	q.bindings = nil
	q.bindingsLock.Unlock()

	for _, b := range bindings {
		ex, err := exchanges.Get(b.exchange)
		if err != nil {
			continue
		}
		ex.Unbind(q, b.key)
	}
}

// Alternate exchange.

// SetAlternateExchange names the exchange that receives messages this
// queue cannot keep.
func (q *Queue) SetAlternateExchange(ex Exchange) {
	q.alternateExchange = ex
	if ex != nil {
		ex.IncAlternateUsers()
	}
}

// AlternateExchange returns the configured alternate, if any.
func (q *Queue) AlternateExchange() Exchange {
	return q.alternateExchange
}

// SetAlternateExchangeName defers alternate resolution until recovery
// completes.
func (q *Queue) SetAlternateExchangeName(name string) {
	q.alternateExchangeName = name
}

// Last-node failure handling.

// SetLastNodeFailure force-persists resident messages when the cluster
// has contracted to this single node.
func (q *Queue) SetLastNodeFailure(ctx context.Context) {
	if !q.persistLastNode {
		return
	}

	q.messageLock.Lock()
	var resident []QueuedMessage
	q.messages.Foreach(func(qm QueuedMessage) {
		resident = append(resident, qm)
	})
	q.inLastNodeFailure = true
	q.messageLock.Unlock()

	for _, qm := range resident {
		if qm.Message.IsStoredOnQueue(q.name) {
			continue
		}
		qm.Message.ForcePersistent()
		if qm.Message.IsForcedPersistent() {
			msg := qm.Message
			if _, err := q.enqueue(ctx, &msg, true); err != nil {
				// could not fail to last node standing (for example the
				// journal is not large enough); the queue stays transient
				q.logger.Error("unable to fail to last node standing",
					"queue", q.name, "error", err)
				return
			}
		}
	}
}

// ClearLastNodeFailure resets last-node-failure mode.
func (q *Queue) ClearLastNodeFailure() {
	q.messageLock.Lock()
	defer q.messageLock.Unlock()

	q.inLastNodeFailure = false
}

// Recovery.

// RecoverPrepared accounts for a message restored into a prepared
// transaction.
func (q *Queue) RecoverPrepared(msg *Message) {
	q.messageLock.Lock()
	defer q.messageLock.Unlock()

	if q.policy != nil {
		q.policy.RecoverEnqueued(msg)
	}
}

// Recover restores a message from the store at startup.
func (q *Queue) Recover(ctx context.Context, msg *Message) error {
	q.messageLock.Lock()
	if q.policy != nil {
		q.policy.RecoverEnqueued(msg)
	}
	q.messageLock.Unlock()

	if err := q.push(ctx, msg, true); err != nil {
		return err
	}
	if q.st != nil {
		// recovered messages must not be re-stored on last-node failure
		msg.AddToSyncList(q.name, q.st)
	}
	if q.st != nil && msg.CheckContentReleasable() && msg.IsContentReleased() {
		q.logger.Debug("content released after recovery", "queue", q.name, "id", msg.ID)
	}
	return nil
}

// RecoveryComplete resolves the alternate exchange and issues the
// dequeues deferred during recovery.
func (q *Queue) RecoveryComplete(ctx context.Context, exchanges ExchangeGetter) {
	if q.alternateExchangeName != "" {
		ex, err := exchanges.Get(q.alternateExchangeName)
		if err != nil {
			q.logger.Warn("could not set alternate exchange, exchange does not exist",
				"queue", q.name, "exchange", q.alternateExchangeName)
		} else {
			q.SetAlternateExchange(ex)
		}
	}

	q.messageLock.Lock()
	pending := q.pendingDequeues
	q.pendingDequeues = nil
	q.messageLock.Unlock()

	for _, qm := range pending {
		if _, err := q.Dequeue(ctx, qm); err != nil {
			q.logger.Warn("failed to issue deferred dequeue",
				"queue", q.name, "position", qm.Position, "error", err)
		}
	}
}

// Flush blocks until pending store writes for the queue are durable.
func (q *Queue) Flush(ctx context.Context) error {
	release, ok := q.barrier.Use()
	if !ok {
		return fmt.Errorf("%w: queue %s", ErrResourceDeleted, q.name)
	}
	defer release()

	if q.st == nil {
		return nil
	}
	return q.st.Flush(ctx, q)
}

// Destruction.

// Destroyed tears the queue down: bindings are removed, remaining
// messages drain to the alternate exchange, the store is flushed and
// destroyed, and all waiting consumers observe the deletion.
func (q *Queue) Destroyed(ctx context.Context, exchanges ExchangeGetter) error {
	if exchanges != nil {
		q.Unbind(exchanges)
	}

	if alt := q.alternateExchange; alt != nil {
		for {
			q.messageLock.Lock()
			front, ok := q.messages.Front()
			q.messageLock.Unlock()
			if !ok {
				break
			}
			if err := alt.RouteWithAlternate(ctx, front.Message); err != nil {
				q.logger.Warn("failed to re-route message on queue destroy",
					"queue", q.name, "error", err)
			}
			q.messageLock.Lock()
			if popped, ok := q.messages.Pop(); ok {
				q.acquired(popped)
				q.dequeueSincePurge.Add(1)
			}
			q.messageLock.Unlock()
			if _, err := q.Dequeue(ctx, front); err != nil {
				q.logger.Warn("failed to dequeue message on queue destroy",
					"queue", q.name, "error", err)
			}
		}
		alt.DecAlternateUsers()
	}

	// wait for in-flight users to drain; no further barrier-protected
	// operations are granted after this
	q.barrier.Destroy()
	if q.st != nil {
		if err := q.st.Flush(ctx, q); err != nil {
			q.logger.Error("failed to flush store on queue destroy", "queue", q.name, "error", err)
		}
		if err := q.st.Destroy(ctx, q); err != nil {
			q.logger.Error("failed to destroy store on queue destroy", "queue", q.name, "error", err)
		}
		q.st = nil
	}

	q.cancelAutoDelete()
	q.notifyDeleted()
	return nil
}

func (q *Queue) notifyDeleted() {
	var set NotificationSet
	q.messageLock.Lock()
	q.listeners.Snapshot(&set)
	q.deleted = true
	q.messageLock.Unlock()
	set.Notify()
}
