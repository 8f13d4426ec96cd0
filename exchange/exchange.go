// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package exchange implements the routing surface: named exchanges of the
// standard types and the registry that owns them.
package exchange

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/xiangwangcheng/qpid/queue"
)

// Exchange type names.
const (
	TypeDirect  = "direct"
	TypeFanout  = "fanout"
	TypeTopic   = "topic"
	TypeHeaders = "headers"
)

// Errors surfaced by the exchange layer.
var (
	// ErrNotFound is returned when a named exchange does not exist.
	ErrNotFound = errors.New("exchange not found")

	// ErrUnknownExchangeType is returned by declare for unrecognized
	// types.
	ErrUnknownExchangeType = errors.New("unknown exchange type")
)

// binding attaches a queue to an exchange under a key.
type binding struct {
	queue *queue.Queue
	key   string
	args  queue.Arguments
}

// base carries the state common to all exchange types.
type base struct {
	name    string
	typ     string
	durable bool
	args    queue.Arguments

	mu       sync.RWMutex
	bindings []binding

	alternate      queue.Exchange
	alternateUsers atomic.Int64

	logger *slog.Logger
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Type() string {
	return b.typ
}

func (b *base) IsDurable() bool {
	return b.durable
}

func (b *base) Bind(q *queue.Queue, key string, args queue.Arguments) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, bd := range b.bindings {
		if bd.queue == q && bd.key == key {
			return false, nil
		}
	}
	b.bindings = append(b.bindings, binding{queue: q, key: key, args: args})
	return true, nil
}

func (b *base) Unbind(q *queue.Queue, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, bd := range b.bindings {
		if bd.queue == q && bd.key == key {
			b.bindings = append(b.bindings[:i], b.bindings[i+1:]...)
			return true
		}
	}
	return false
}

// SetAlternate names the exchange receiving unroutable messages.
func (b *base) SetAlternate(alt queue.Exchange) {
	b.alternate = alt
	if alt != nil {
		alt.IncAlternateUsers()
	}
}

func (b *base) IncAlternateUsers() {
	b.alternateUsers.Add(1)
}

func (b *base) DecAlternateUsers() {
	b.alternateUsers.Add(-1)
}

// InUseAsAlternate reports whether any queue or exchange still routes
// fallbacks here.
func (b *base) InUseAsAlternate() bool {
	return b.alternateUsers.Load() > 0
}

// matcher reports whether a binding selects a message; one per exchange type.
type matcher func(bd binding, msg *queue.Message) bool

func (b *base) route(ctx context.Context, msg *queue.Message, match matcher) (int, error) {
	b.mu.RLock()
	var targets []*queue.Queue
	for _, bd := range b.bindings {
		if match(bd, msg) {
			targets = append(targets, bd.queue)
		}
	}
	b.mu.RUnlock()

	var errs []error
	for _, q := range targets {
		if err := q.Deliver(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return len(targets), errors.Join(errs...)
}

func (b *base) routeWithAlternate(ctx context.Context, msg *queue.Message, match matcher) error {
	routed, err := b.route(ctx, msg, match)
	if err != nil {
		return err
	}
	if routed == 0 {
		if alt := b.alternate; alt != nil {
			return alt.RouteWithAlternate(ctx, msg)
		}
		b.logger.Info("message unroutable and no alternate exchange",
			"exchange", b.name, "key", msg.RoutingKey)
	}
	return nil
}

// Direct routes on exact binding-key match.
type Direct struct {
	base
}

var _ queue.Exchange = (*Direct)(nil)

func directMatch(bd binding, msg *queue.Message) bool {
	return bd.key == msg.RoutingKey
}

func (d *Direct) Route(ctx context.Context, msg *queue.Message) error {
	_, err := d.route(ctx, msg, directMatch)
	return err
}

func (d *Direct) RouteWithAlternate(ctx context.Context, msg *queue.Message) error {
	return d.routeWithAlternate(ctx, msg, directMatch)
}

// Fanout routes to every bound queue.
type Fanout struct {
	base
}

var _ queue.Exchange = (*Fanout)(nil)

func fanoutMatch(binding, *queue.Message) bool {
	return true
}

func (f *Fanout) Route(ctx context.Context, msg *queue.Message) error {
	_, err := f.route(ctx, msg, fanoutMatch)
	return err
}

func (f *Fanout) RouteWithAlternate(ctx context.Context, msg *queue.Message) error {
	return f.routeWithAlternate(ctx, msg, fanoutMatch)
}

// Topic routes on dotted patterns where "*" matches one word and "#"
// matches zero or more.
type Topic struct {
	base
}

var _ queue.Exchange = (*Topic)(nil)

func topicMatch(bd binding, msg *queue.Message) bool {
	return matchTopic(strings.Split(bd.key, "."), strings.Split(msg.RoutingKey, "."))
}

func matchTopic(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchTopic(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}

func (t *Topic) Route(ctx context.Context, msg *queue.Message) error {
	_, err := t.route(ctx, msg, topicMatch)
	return err
}

func (t *Topic) RouteWithAlternate(ctx context.Context, msg *queue.Message) error {
	return t.routeWithAlternate(ctx, msg, topicMatch)
}

// Headers routes on application-header matches using the x-match
// argument ("all" or "any").
type Headers struct {
	base
}

var _ queue.Exchange = (*Headers)(nil)

func headersMatch(bd binding, msg *queue.Message) bool {
	all := bd.args.GetString("x-match") != "any"
	matched := 0
	required := 0
	for k, want := range bd.args {
		if k == "x-match" {
			continue
		}
		required++
		if got, ok := msg.Headers[k]; ok && reflect.DeepEqual(got, want) {
			matched++
		}
	}
	if required == 0 {
		return false
	}
	if all {
		return matched == required
	}
	return matched > 0
}

func (h *Headers) Route(ctx context.Context, msg *queue.Message) error {
	_, err := h.route(ctx, msg, headersMatch)
	return err
}

func (h *Headers) RouteWithAlternate(ctx context.Context, msg *queue.Message) error {
	return h.routeWithAlternate(ctx, msg, headersMatch)
}
