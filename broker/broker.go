// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker wires the queue engine, exchange registry and store
// into a running message broker.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xiangwangcheng/qpid/config"
	"github.com/xiangwangcheng/qpid/exchange"
	"github.com/xiangwangcheng/qpid/queue"
	"github.com/xiangwangcheng/qpid/store"
	"github.com/xiangwangcheng/qpid/store/badgerstore"
)

// Broker owns the registries and drives background maintenance.
type Broker struct {
	cfg    config.Config
	logger *slog.Logger

	st        store.Store
	exchanges *exchange.Registry
	queues    *queue.Registry
	metrics   *queue.Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a broker from configuration.
func New(cfg config.Config, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = config.NewLogger(cfg.Log)
	}

	var st store.Store
	switch cfg.Storage.Type {
	case "badger":
		bs, err := badgerstore.New(badgerstore.Config{Dir: cfg.Storage.BadgerDir})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		st = bs
	default:
		st = store.NewMemoryStore()
	}

	metrics, err := queue.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create queue metrics: %w", err)
	}

	b := &Broker{
		cfg:       cfg,
		logger:    logger,
		st:        st,
		exchanges: exchange.NewRegistry(logger),
		queues: queue.NewRegistry(queue.RegistryConfig{
			Store:   st,
			Metrics: metrics,
			Logger:  logger,
		}),
		metrics: metrics,
		stopCh:  make(chan struct{}),
	}
	return b, nil
}

// Exchanges returns the exchange registry.
func (b *Broker) Exchanges() *exchange.Registry {
	return b.exchanges
}

// Queues returns the queue registry.
func (b *Broker) Queues() *queue.Registry {
	return b.queues
}

// DeclareQueue declares a queue and binds it to the default exchange
// under its own name.
func (b *Broker) DeclareQueue(ctx context.Context, name string, opts queue.DeclareOptions) (*queue.Queue, bool, error) {
	q, created, err := b.queues.Declare(ctx, name, opts)
	if err != nil {
		return nil, false, err
	}
	if created {
		if _, err := q.Bind(ctx, b.exchanges.Default(), name, nil); err != nil {
			return q, true, err
		}
	}
	return q, created, nil
}

// DeclareExchange declares an exchange by type name.
func (b *Broker) DeclareExchange(name, typ string, durable bool, args queue.Arguments) (queue.Exchange, bool, error) {
	return b.exchanges.Declare(name, typ, durable, args)
}

// DeleteQueue removes a queue and tears it down.
func (b *Broker) DeleteQueue(ctx context.Context, name string) error {
	q, ok := b.queues.Destroy(name)
	if !ok {
		return fmt.Errorf("%w: queue %s", queue.ErrNotFound, name)
	}
	return q.Destroyed(ctx, b.exchanges)
}

// Publish routes a message through the named exchange, falling back to
// the exchange's alternate when unroutable.
func (b *Broker) Publish(ctx context.Context, exchangeName string, msg *queue.Message) error {
	ex, err := b.exchanges.Get(exchangeName)
	if err != nil {
		return err
	}
	return ex.RouteWithAlternate(ctx, msg)
}

// Start launches background maintenance: the periodic TTL expiry sweep.
func (b *Broker) Start() {
	b.wg.Add(1)
	go b.expiryLoop()
}

func (b *Broker) expiryLoop() {
	defer b.wg.Done()

	interval := b.cfg.Broker.ExpirySweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-b.stopCh:
			return
		case now := <-ticker.C:
			lapse := now.Sub(last)
			last = now
			b.queues.Foreach(func(q *queue.Queue) {
				q.PurgeExpired(context.Background(), lapse)
			})
		}
	}
}

// Close stops background work and releases the store.
func (b *Broker) Close() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()
	return b.st.Close()
}
