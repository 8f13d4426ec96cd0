// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xiangwangcheng/qpid/store"
)

// Registry tracks all queues by name and drives auto-deletion.
type Registry struct {
	queues map[string]*Queue
	mu     sync.RWMutex

	st        store.Store
	metrics   *Metrics
	cluster   *ClusterHooks
	eventSink EventSink
	logger    *slog.Logger
}

// RegistryConfig carries the collaborators shared by all queues.
type RegistryConfig struct {
	Store     store.Store
	Metrics   *Metrics
	Cluster   *ClusterHooks
	EventSink EventSink
	Logger    *slog.Logger
}

// NewRegistry creates an empty queue registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		queues:    make(map[string]*Queue),
		st:        cfg.Store,
		metrics:   cfg.Metrics,
		cluster:   cfg.Cluster,
		eventSink: cfg.EventSink,
		logger:    logger,
	}
}

// DeclareOptions configures a queue declaration.
type DeclareOptions struct {
	Durable    bool
	AutoDelete bool
	Owner      *OwnershipToken
	Alternate  Exchange
	Arguments  Arguments
}

// Declare creates the named queue if absent and returns it along with
// whether it was created. Newly created queues are configured from the
// declaration arguments and, when durable, registered with the store.
func (r *Registry) Declare(ctx context.Context, name string, opts DeclareOptions) (*Queue, bool, error) {
	r.mu.Lock()
	if q, ok := r.queues[name]; ok {
		r.mu.Unlock()
		return q, false, nil
	}

	var st store.Store
	if opts.Durable {
		st = r.st
	}
	q := NewQueue(name, Options{
		Durable:    opts.Durable,
		AutoDelete: opts.AutoDelete,
		Owner:      opts.Owner,
		Store:      st,
		Logger:     r.logger,
		Metrics:    r.metrics,
		Cluster:    r.cluster,
		EventSink:  r.eventSink,
	})
	r.queues[name] = q
	r.mu.Unlock()

	args := opts.Arguments
	if args == nil {
		args = make(Arguments)
	}
	if err := q.Create(ctx, args); err != nil {
		r.mu.Lock()
		delete(r.queues, name)
		r.mu.Unlock()
		return nil, false, err
	}
	if opts.Alternate != nil {
		q.SetAlternateExchange(opts.Alternate)
	}
	r.logger.Debug("declared queue", "queue", name, "durable", opts.Durable, "autodelete", opts.AutoDelete)
	return q, true, nil
}

// Get returns the named queue or ErrNotFound.
func (r *Registry) Get(name string) (*Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: queue %s", ErrNotFound, name)
	}
	return q, nil
}

// Find returns the named queue if present.
func (r *Registry) Find(name string) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q, ok := r.queues[name]
	return q, ok
}

// Destroy removes the named queue from the registry. Idempotent; the
// caller is responsible for invoking Destroyed on the returned queue.
func (r *Registry) Destroy(name string) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[name]
	if ok {
		delete(r.queues, name)
	}
	return q, ok
}

// DestroyIf removes the queue only when the predicate holds, atomically
// with respect to other registry operations.
func (r *Registry) DestroyIf(name string, pred func() bool) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[name]
	if !ok || !pred() {
		return nil, false
	}
	delete(r.queues, name)
	return q, true
}

// Foreach visits every registered queue.
func (r *Registry) Foreach(fn func(q *Queue)) {
	r.mu.RLock()
	queues := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.RUnlock()

	for _, q := range queues {
		fn(q)
	}
}

// TryAutoDelete deletes an unused auto-delete queue, either immediately
// or after its configured timeout. The delayed task re-checks the
// condition when it fires, covering queues resurrected by a new consumer
// before the timeout.
func (r *Registry) TryAutoDelete(ctx context.Context, q *Queue, exchanges ExchangeGetter) {
	if q.AutoDeleteTimeout() > 0 && q.CanAutoDelete() {
		q.scheduleAutoDelete(func() {
			r.tryAutoDeleteNow(ctx, q, exchanges)
		})
		r.logger.Debug("timed auto-delete initiated", "queue", q.Name())
		return
	}
	r.tryAutoDeleteNow(ctx, q, exchanges)
}

func (r *Registry) tryAutoDeleteNow(ctx context.Context, q *Queue, exchanges ExchangeGetter) {
	if _, ok := r.DestroyIf(q.Name(), q.CanAutoDelete); !ok {
		return
	}
	r.logger.Debug("auto-deleting queue", "queue", q.Name())
	if err := q.Destroyed(ctx, exchanges); err != nil {
		r.logger.Warn("auto-delete teardown failed", "queue", q.Name(), "error", err)
	}
}
