// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "errors"

// Errors surfaced to callers of the queue engine.
var (
	// ErrResourceLocked is returned when a queue has an exclusive consumer
	// or owner and another party attempts conflicting access.
	ErrResourceLocked = errors.New("resource is locked")

	// ErrResourceDeleted is returned for operations on a deleted queue.
	ErrResourceDeleted = errors.New("resource has been deleted")

	// ErrResourceLimitExceeded is returned when a policy cap rejects an
	// enqueue.
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")

	// ErrNotFound is returned when a named queue does not exist.
	ErrNotFound = errors.New("not found")
)
