// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	amqpmessage "github.com/xiangwangcheng/qpid/amqp1/message"
	amqptypes "github.com/xiangwangcheng/qpid/amqp1/types"
	"github.com/xiangwangcheng/qpid/store"
)

// SequenceNumber is a per-queue position assigned at push time. Positions
// are strictly increasing and never reused.
type SequenceNumber uint64

const traceHeader = "x-qpid.trace"

// Message is a routable application message. One publication may be
// enqueued on many queues; the message is shared and its lifecycle state
// is guarded by an internal mutex.
type Message struct {
	ID            string
	Priority      uint8
	RoutingKey    string
	Subject       string
	ReplyTo       string
	CorrelationID string
	ContentType   string
	Publisher     string // connection identity of the publishing session
	UserID        []byte
	Headers       Arguments
	Content       []byte
	Durable       bool
	Immediate     bool

	// Received retains the original wire form when the message was
	// forwarded verbatim from an AMQP 1.0 link.
	Received *ReceivedEncoding

	mu               sync.Mutex
	expiration       time.Time
	ttl              time.Duration
	redelivered      bool
	forcedPersistent bool
	contentReleased  bool
	releaseBlocked   bool
	persistenceID    uint64
	pendingEnqueues  int
	pendingDequeues  int
	syncList         map[string]store.Store // queues with outstanding store ops
}

// ReceivedEncoding is the original encoded form of a forwarded message.
type ReceivedEncoding struct {
	Raw    []byte             // full encoded message as received
	Bare   []byte             // encoded bytes minus the leading header section
	Header amqpmessage.Header // header fields as received
}

// QueuedMessage is a message instance on a particular queue.
type QueuedMessage struct {
	Queue    *Queue
	Position SequenceNumber
	Message  *Message
}

// NewMessage creates a message with a fresh ID and the given payload.
func NewMessage(content []byte) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Headers: make(Arguments),
		Content: content,
	}
}

// SetTTL sets a relative time-to-live; the absolute expiry is computed
// from the current clock.
func (m *Message) SetTTL(ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ttl = ttl
	if ttl > 0 {
		m.expiration = time.Now().Add(ttl)
	} else {
		m.expiration = time.Time{}
	}
}

// TTL returns the relative time-to-live, zero if unset.
func (m *Message) TTL() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ttl
}

// Expiration returns the absolute expiry time, zero if the message never
// expires.
func (m *Message) Expiration() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.expiration
}

// HasExpired reports whether the message TTL has lapsed.
func (m *Message) HasExpired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return !m.expiration.IsZero() && !time.Now().Before(m.expiration)
}

// IsPersistent reports whether the message should be written to a store,
// either because it was published durable or because last-node-failure
// handling forced it.
func (m *Message) IsPersistent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.Durable || m.forcedPersistent
}

// ForcePersistent promotes a transient message to persistent.
func (m *Message) ForcePersistent() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.forcedPersistent = true
}

// IsForcedPersistent reports whether persistence was forced rather than
// requested by the publisher.
func (m *Message) IsForcedPersistent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.forcedPersistent
}

// IsRedelivered reports whether the message was requeued at least once.
func (m *Message) IsRedelivered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.redelivered
}

// SetRedelivered marks the message as redelivered.
func (m *Message) SetRedelivered() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.redelivered = true
}

// ContentSize returns the payload size in bytes.
func (m *Message) ContentSize() uint64 {
	return uint64(len(m.Content))
}

// ReleaseContent evicts the payload to the store; the message keeps its
// metadata and the content can be reloaded from the persistence record.
func (m *Message) ReleaseContent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.releaseBlocked || m.contentReleased {
		return false
	}
	m.contentReleased = true
	return true
}

// IsContentReleased reports whether the payload was evicted.
func (m *Message) IsContentReleased() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.contentReleased
}

// BlockContentRelease prevents future content eviction. Used for messages
// on transient queues, which could not reload the content.
func (m *Message) BlockContentRelease() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseBlocked = true
}

// CheckContentReleasable reports whether the content may be evicted.
func (m *Message) CheckContentReleasable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return !m.releaseBlocked
}

// PersistenceID returns the store-assigned identity.
func (m *Message) PersistenceID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.persistenceID
}

// SetPersistenceID records the store-assigned identity.
func (m *Message) SetPersistenceID(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.persistenceID = id
}

// AddToSyncList records that a queue has pending store operations against
// this message without initiating one. Used when recovering, so recovered
// messages are not re-stored on last-node failure.
func (m *Message) AddToSyncList(queueName string, s store.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addToSyncListLocked(queueName, s)
}

func (m *Message) addToSyncListLocked(queueName string, s store.Store) {
	if m.syncList == nil {
		m.syncList = make(map[string]store.Store)
	}
	m.syncList[queueName] = s
}

// IsStoredOnQueue reports whether this message has a store record for the
// named queue.
func (m *Message) IsStoredOnQueue(queueName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.syncList[queueName]
	return ok
}

// EnqueueAsync marks the start of an asynchronous store enqueue for the
// named queue. The store signals completion via EnqueueComplete.
func (m *Message) EnqueueAsync(queueName string, s store.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addToSyncListLocked(queueName, s)
	m.pendingEnqueues++
}

// EnqueueComplete is called by the store once an enqueue record is
// durable.
func (m *Message) EnqueueComplete() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingEnqueues > 0 {
		m.pendingEnqueues--
	}
}

// IsEnqueueComplete reports whether all store enqueues have finished.
func (m *Message) IsEnqueueComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pendingEnqueues == 0
}

// DequeueAsync marks the start of an asynchronous store dequeue.
func (m *Message) DequeueAsync() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pendingDequeues++
}

// DequeueComplete is called by the store once a dequeue record is erased.
func (m *Message) DequeueComplete() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingDequeues > 0 {
		m.pendingDequeues--
	}
}

// AddTraceID appends a trace identity to the message trace header.
func (m *Message) AddTraceID(id string) {
	trace := m.Headers.GetString(traceHeader)
	if trace == "" {
		m.Headers[traceHeader] = id
		return
	}
	m.Headers[traceHeader] = trace + "," + id
}

// IsExcluded reports whether any of the given trace identities already
// appears in the message trace header.
func (m *Message) IsExcluded(traceIDs []string) bool {
	trace := m.Headers.GetString(traceHeader)
	if trace == "" {
		return false
	}
	for _, seen := range strings.Split(trace, ",") {
		for _, id := range traceIDs {
			if seen == id {
				return true
			}
		}
	}
	return false
}

// DeepCopy clones the message including headers. Lifecycle state (sync
// list, persistence id, redelivery) is not carried over; the copy is a
// fresh publication.
func (m *Message) DeepCopy() *Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := &Message{
		ID:            m.ID,
		Priority:      m.Priority,
		RoutingKey:    m.RoutingKey,
		Subject:       m.Subject,
		ReplyTo:       m.ReplyTo,
		CorrelationID: m.CorrelationID,
		ContentType:   m.ContentType,
		Publisher:     m.Publisher,
		UserID:        append([]byte(nil), m.UserID...),
		Headers:       m.Headers.Copy(),
		Content:       append([]byte(nil), m.Content...),
		Durable:       m.Durable,
		Immediate:     m.Immediate,
		Received:      m.Received,
		expiration:    m.expiration,
		ttl:           m.ttl,
	}
	return cp
}

// EncodeContent serializes the message into its AMQP 1.0 wire sections
// for the persistence layer.
func (m *Message) EncodeContent() ([]byte, error) {
	m.mu.Lock()
	ttlMillis := uint32(0)
	if m.ttl > 0 {
		ttlMillis = uint32(m.ttl / time.Millisecond)
	}
	m.mu.Unlock()

	encoded := &amqpmessage.Message{
		Header: &amqpmessage.Header{
			Durable:  m.Durable,
			Priority: m.Priority,
			TTL:      ttlMillis,
		},
		Properties: &amqpmessage.Properties{
			MessageID:     m.ID,
			UserID:        m.UserID,
			Subject:       m.Subject,
			ReplyTo:       m.ReplyTo,
			CorrelationID: m.CorrelationID,
			ContentType:   amqptypes.Symbol(m.ContentType),
		},
		ApplicationProperties: m.Headers,
		Data:                  [][]byte{m.Content},
	}
	return encoded.Encode()
}
