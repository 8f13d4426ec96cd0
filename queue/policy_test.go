// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyRejectOverCount(t *testing.T) {
	q := NewQueue("capped", Options{})
	q.Configure(Arguments{argMaxCount: 2})

	deliverBody(t, q, "a")
	deliverBody(t, q, "b")

	err := q.Deliver(context.Background(), NewMessage([]byte("c")))
	require.ErrorIs(t, err, ErrResourceLimitExceeded)
	assert.Equal(t, 2, q.MessageCount())
	assert.Equal(t, uint64(1), q.Stats().PolicyRejected())
}

func TestPolicyRejectOverSize(t *testing.T) {
	q := NewQueue("sized", Options{})
	q.Configure(Arguments{argMaxSize: 4})

	require.NoError(t, q.Deliver(context.Background(), NewMessage([]byte("abc"))))
	err := q.Deliver(context.Background(), NewMessage([]byte("de")))
	require.ErrorIs(t, err, ErrResourceLimitExceeded)
}

func TestPolicyCapReleasedByDequeue(t *testing.T) {
	q := NewQueue("cycle", Options{})
	q.Configure(Arguments{argMaxCount: 1})

	deliverBody(t, q, "a")
	err := q.Deliver(context.Background(), NewMessage([]byte("b")))
	require.ErrorIs(t, err, ErrResourceLimitExceeded)

	c := newTestConsumer("c1")
	got, err := q.Dispatch(context.Background(), c)
	require.NoError(t, err)
	require.True(t, got)
	_, err = q.Dequeue(context.Background(), c.delivered[0])
	require.NoError(t, err)

	deliverBody(t, q, "b")
	assert.Equal(t, 1, q.MessageCount())
}

func TestPolicyRingOverflow(t *testing.T) {
	q := NewQueue("ring", Options{})
	obs := &recordingObserver{}
	q.AddObserver(obs)
	q.Configure(Arguments{argMaxCount: 3, argPolicyType: string(PolicyRing)})

	for _, body := range []string{"1", "2", "3", "4", "5"} {
		deliverBody(t, q, body)
	}

	assert.Equal(t, 3, q.MessageCount())

	var positions []SequenceNumber
	q.messages.Foreach(func(qm QueuedMessage) {
		positions = append(positions, qm.Position)
	})
	assert.Equal(t, []SequenceNumber{3, 4, 5}, positions)

	assert.Equal(t, []SequenceNumber{1, 2, 3, 4, 5}, obs.enqueued)
	assert.Equal(t, []SequenceNumber{1, 2}, obs.dequeued)
	assert.Equal(t, []SequenceNumber{1, 2}, obs.acquired)
}

func TestPolicyRingNeverExceedsCapAfterPush(t *testing.T) {
	q := NewQueue("ring-cap", Options{})
	q.Configure(Arguments{argMaxCount: 3, argPolicyType: string(PolicyRing)})

	for i := 0; i < 10; i++ {
		deliverBody(t, q, "m")
		assert.LessOrEqual(t, q.MessageCount(), 3)
	}
}

func TestPolicyAcquiredMessageStillCounted(t *testing.T) {
	q := NewQueue("acquired", Options{})
	q.Configure(Arguments{argMaxCount: 2})

	deliverBody(t, q, "a")
	deliverBody(t, q, "b")

	c := newTestConsumer("c1")
	got, err := q.Dispatch(context.Background(), c)
	require.NoError(t, err)
	require.True(t, got)

	// acquired but unsettled messages still hold policy capacity
	err = q.Deliver(context.Background(), NewMessage([]byte("c")))
	require.ErrorIs(t, err, ErrResourceLimitExceeded)
}

func TestPolicyEnqueueAbortedRollsBack(t *testing.T) {
	policy, ok := createQueuePolicy("aborted", Arguments{argMaxCount: 1}, nil)
	require.True(t, ok)
	q := NewQueue("aborted", Options{})
	q.policy = policy

	msg := NewMessage([]byte("m"))
	require.NoError(t, policy.TryEnqueue(q, msg))
	// the reservation blocks further enqueues until confirmed or aborted
	require.Error(t, policy.TryEnqueue(q, NewMessage([]byte("n"))))

	policy.EnqueueAborted(msg)
	require.NoError(t, policy.TryEnqueue(q, NewMessage([]byte("n"))))
}

func TestPolicyIsEnqueuedIgnoresUnknown(t *testing.T) {
	policy, ok := createQueuePolicy("oracle", Arguments{argMaxCount: 5}, nil)
	require.True(t, ok)

	qm := QueuedMessage{Position: 42, Message: NewMessage(nil)}
	assert.False(t, policy.IsEnqueued(qm))

	policy.Enqueued(qm)
	assert.True(t, policy.IsEnqueued(qm))

	policy.Dequeued(qm)
	assert.False(t, policy.IsEnqueued(qm))
}

func TestPolicyTypeOf(t *testing.T) {
	assert.Equal(t, PolicyReject, PolicyTypeOf(Arguments{}))
	assert.Equal(t, PolicyRing, PolicyTypeOf(Arguments{argPolicyType: "ring"}))
	assert.Equal(t, PolicyFlowToDisk, PolicyTypeOf(Arguments{argPolicyType: "flow-to-disk"}))
	assert.Equal(t, PolicyReject, PolicyTypeOf(Arguments{argPolicyType: "bogus"}))
}
