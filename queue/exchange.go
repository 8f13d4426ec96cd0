// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "context"

// Exchange is the queue engine's view of the routing layer. Back
// references from exchanges to queues are non-owning.
type Exchange interface {
	Name() string
	IsDurable() bool

	// Bind attaches a queue under a binding key; returns false if the
	// binding already existed.
	Bind(q *Queue, key string, args Arguments) (bool, error)

	// Unbind detaches a queue; returns false if no such binding existed.
	Unbind(q *Queue, key string) bool

	// Route delivers a message to the queues matching its routing key.
	Route(ctx context.Context, msg *Message) error

	// RouteWithAlternate routes the message, falling back to the
	// exchange's alternate when no binding matches.
	RouteWithAlternate(ctx context.Context, msg *Message) error

	// IncAlternateUsers and DecAlternateUsers track queues and exchanges
	// naming this exchange as their alternate.
	IncAlternateUsers()
	DecAlternateUsers()
}

// ExchangeGetter resolves exchange names; implemented by the exchange
// registry.
type ExchangeGetter interface {
	Get(name string) (Exchange, error)
}

// ClusterHooks are the cluster integration callbacks. All fields are
// optional; a nil hook set means clustering is absent.
type ClusterHooks struct {
	// Safe is asserted before mutating queue operations.
	Safe func() bool

	// DeferDelivery lets the cluster layer take over a delivery; when it
	// returns true the local delivery is skipped and the cluster
	// re-drives it.
	DeferDelivery func(queueName string, msg *Message) bool
}
