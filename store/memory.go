// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sync"
	"sync/atomic"
)

type binding struct {
	exchange string
	queue    string
	key      string
	args     map[string]any
}

// MemoryStore is an in-memory Store used for transient brokers and tests.
// Writes complete synchronously.
type MemoryStore struct {
	queues   map[string]map[string]any // queue name -> settings
	messages map[string]map[uint64][]byte
	bindings []binding
	nextID   atomic.Uint64
	closed   bool
	mu       sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues:   make(map[string]map[string]any),
		messages: make(map[string]map[uint64][]byte),
	}
}

func (s *MemoryStore) Create(_ context.Context, q PersistableQueue, settings map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.queues[q.Name()]; ok {
		return ErrAlreadyExists
	}
	s.queues[q.Name()] = settings
	s.messages[q.Name()] = make(map[uint64][]byte)
	q.SetPersistenceID(s.nextID.Add(1))
	return nil
}

func (s *MemoryStore) Destroy(_ context.Context, q PersistableQueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queues, q.Name())
	delete(s.messages, q.Name())
	kept := s.bindings[:0]
	for _, b := range s.bindings {
		if b.queue != q.Name() {
			kept = append(kept, b)
		}
	}
	s.bindings = kept
	return nil
}

func (s *MemoryStore) Flush(context.Context, PersistableQueue) error {
	return nil
}

func (s *MemoryStore) Enqueue(_ context.Context, msg PersistableMessage, q PersistableQueue) error {
	content, err := msg.EncodeContent()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if msg.PersistenceID() == 0 {
		msg.SetPersistenceID(s.nextID.Add(1))
	}
	msgs, ok := s.messages[q.Name()]
	if !ok {
		msgs = make(map[uint64][]byte)
		s.messages[q.Name()] = msgs
	}
	msgs[msg.PersistenceID()] = content
	s.mu.Unlock()

	msg.EnqueueComplete()
	return nil
}

func (s *MemoryStore) Dequeue(_ context.Context, msg PersistableMessage, q PersistableQueue) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if msgs, ok := s.messages[q.Name()]; ok {
		delete(msgs, msg.PersistenceID())
	}
	s.mu.Unlock()

	msg.DequeueComplete()
	return nil
}

func (s *MemoryStore) Bind(_ context.Context, exchangeName string, q PersistableQueue, key string, args map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.bindings = append(s.bindings, binding{exchange: exchangeName, queue: q.Name(), key: key, args: args})
	return nil
}

func (s *MemoryStore) Unbind(_ context.Context, exchangeName string, q PersistableQueue, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.bindings[:0]
	for _, b := range s.bindings {
		if b.exchange == exchangeName && b.queue == q.Name() && b.key == key {
			continue
		}
		kept = append(kept, b)
	}
	s.bindings = kept
	return nil
}

// MessageCount reports the number of stored messages for a queue.
func (s *MemoryStore) MessageCount(queueName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.messages[queueName])
}

// BindingCount reports the number of durable bindings.
func (s *MemoryStore) BindingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.bindings)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
