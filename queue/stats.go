// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "sync/atomic"

// Stats tracks per-queue counters using atomics. Snapshot reads are
// lock-free and may be taken from any goroutine.
type Stats struct {
	enqueues       atomic.Uint64
	dequeues       atomic.Uint64
	requeues       atomic.Uint64
	expired        atomic.Uint64
	policyRejected atomic.Uint64

	enqueuedBytes atomic.Uint64
	dequeuedBytes atomic.Uint64
}

func (s *Stats) recordEnqueue(size uint64) {
	s.enqueues.Add(1)
	s.enqueuedBytes.Add(size)
}

func (s *Stats) recordDequeue(size uint64) {
	s.dequeues.Add(1)
	s.dequeuedBytes.Add(size)
}

func (s *Stats) Enqueues() uint64       { return s.enqueues.Load() }
func (s *Stats) Dequeues() uint64       { return s.dequeues.Load() }
func (s *Stats) Requeues() uint64       { return s.requeues.Load() }
func (s *Stats) Expired() uint64        { return s.expired.Load() }
func (s *Stats) PolicyRejected() uint64 { return s.policyRejected.Load() }
func (s *Stats) EnqueuedBytes() uint64  { return s.enqueuedBytes.Load() }
func (s *Stats) DequeuedBytes() uint64  { return s.dequeuedBytes.Load() }
