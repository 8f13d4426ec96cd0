// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badgerstore implements the store contract on BadgerDB.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/xiangwangcheng/qpid/store"
)

var _ store.Store = (*Store)(nil)

// Store is a BadgerDB-backed persistent store.
//
// Key format:
//   - Queue record:   q/{queueName}
//   - Message record: m/{persistenceID}
//   - Enqueue record: e/{queueName}/{persistenceID}
//   - Binding record: b/{exchange}/{queueName}/{key}
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	nextID   uint64
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Durable queue records must survive a crash, so keep fsync on.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	// Start background value log GC
	go s.runGC()

	return s, nil
}

type queueRecord struct {
	Name     string         `json:"name"`
	Settings map[string]any `json:"settings"`
}

func queueKey(name string) []byte {
	return []byte("q/" + name)
}

func messageKey(id uint64) []byte {
	key := make([]byte, 2+8)
	copy(key, "m/")
	binary.BigEndian.PutUint64(key[2:], id)
	return key
}

func enqueueKey(queueName string, id uint64) []byte {
	key := make([]byte, 0, len(queueName)+11)
	key = append(key, 'e', '/')
	key = append(key, queueName...)
	key = append(key, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append(key, buf[:]...)
}

func bindingKey(exchangeName, queueName, key string) []byte {
	return []byte("b/" + exchangeName + "/" + queueName + "/" + key)
}

func (s *Store) allocateID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	return s.nextID
}

func (s *Store) Create(_ context.Context, q store.PersistableQueue, settings map[string]any) error {
	rec := queueRecord{Name: q.Name(), Settings: settings}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal queue record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(queueKey(q.Name())); err == nil {
			return store.ErrAlreadyExists
		}
		return txn.Set(queueKey(q.Name()), data)
	})
	if err != nil {
		return err
	}
	q.SetPersistenceID(s.allocateID())
	return nil
}

func (s *Store) Destroy(_ context.Context, q store.PersistableQueue) error {
	prefix := []byte("e/" + q.Name() + "/")
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
		}
		return txn.Delete(queueKey(q.Name()))
	})
}

func (s *Store) Flush(context.Context, store.PersistableQueue) error {
	return s.db.Sync()
}

func (s *Store) Enqueue(_ context.Context, msg store.PersistableMessage, q store.PersistableQueue) error {
	content, err := msg.EncodeContent()
	if err != nil {
		return fmt.Errorf("failed to encode message content: %w", err)
	}
	if msg.PersistenceID() == 0 {
		msg.SetPersistenceID(s.allocateID())
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(msg.PersistenceID()), content); err != nil {
			return err
		}
		return txn.Set(enqueueKey(q.Name(), msg.PersistenceID()), nil)
	})
	if err != nil {
		return err
	}

	msg.EnqueueComplete()
	return nil
}

func (s *Store) Dequeue(_ context.Context, msg store.PersistableMessage, q store.PersistableQueue) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(enqueueKey(q.Name(), msg.PersistenceID()))
	})
	if err != nil {
		return err
	}

	msg.DequeueComplete()
	return nil
}

func (s *Store) Bind(_ context.Context, exchangeName string, q store.PersistableQueue, key string, args map[string]any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal binding arguments: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(bindingKey(exchangeName, q.Name(), key), data)
	})
}

func (s *Store) Unbind(_ context.Context, exchangeName string, q store.PersistableQueue, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(bindingKey(exchangeName, q.Name(), key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// runGC periodically runs BadgerDB value log garbage collection.
func (s *Store) runGC() {
	defer close(s.gcDone)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStopCh:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone
	return s.db.Close()
}
