// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/xiangwangcheng/qpid/queue"
)

// Registry maps exchange names to exchanges. The default exchange (empty
// name) is always present.
type Registry struct {
	exchanges map[string]queue.Exchange
	mu        sync.RWMutex
	logger    *slog.Logger
}

var _ queue.ExchangeGetter = (*Registry)(nil)

// NewRegistry creates a registry holding the default exchange.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		exchanges: make(map[string]queue.Exchange),
		logger:    logger,
	}
	if _, _, err := r.Declare("", TypeDirect, false, nil); err != nil {
		panic(err) // the direct type is always registered
	}
	return r
}

// Declare creates the named exchange if absent, returning it and whether
// it was created. Unknown types fail with ErrUnknownExchangeType.
func (r *Registry) Declare(name, typ string, durable bool, args queue.Arguments) (queue.Exchange, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ex, ok := r.exchanges[name]; ok {
		return ex, false, nil
	}

	newBase := func() base {
		return base{name: name, typ: typ, durable: durable, args: args, logger: r.logger}
	}
	var ex queue.Exchange
	switch typ {
	case TypeDirect:
		ex = &Direct{base: newBase()}
	case TypeFanout:
		ex = &Fanout{base: newBase()}
	case TypeTopic:
		ex = &Topic{base: newBase()}
	case TypeHeaders:
		ex = &Headers{base: newBase()}
	default:
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownExchangeType, typ)
	}
	r.exchanges[name] = ex
	r.logger.Debug("declared exchange", "exchange", name, "type", typ, "durable", durable)
	return ex, true, nil
}

// Get returns the named exchange or ErrNotFound.
func (r *Registry) Get(name string) (queue.Exchange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ex, ok := r.exchanges[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return ex, nil
}

// Default returns the default exchange.
func (r *Registry) Default() queue.Exchange {
	ex, _ := r.Get("")
	return ex
}

// Destroy removes the named exchange. Idempotent; the default exchange
// cannot be destroyed.
func (r *Registry) Destroy(name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.exchanges, name)
}

// Foreach visits every registered exchange.
func (r *Registry) Foreach(fn func(ex queue.Exchange)) {
	r.mu.RLock()
	exchanges := make([]queue.Exchange, 0, len(r.exchanges))
	for _, ex := range r.exchanges {
		exchanges = append(exchanges, ex)
	}
	r.mu.RUnlock()

	for _, ex := range exchanges {
		fn(ex)
	}
}
