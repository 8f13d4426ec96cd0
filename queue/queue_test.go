// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConsumer is a minimal in-process consumer implementation.
type testConsumer struct {
	name      string
	session   string
	browse    bool
	credit    int32 // -1 = unlimited
	filter    func(*Message) bool
	delivered []QueuedMessage
	notified  atomic.Int32
	position  SequenceNumber
}

func newTestConsumer(name string) *testConsumer {
	return &testConsumer{name: name, session: name + "-session", credit: -1}
}

func (c *testConsumer) Name() string      { return c.name }
func (c *testConsumer) Session() string   { return c.session }
func (c *testConsumer) PreAcquires() bool { return !c.browse }

func (c *testConsumer) Filter(msg *Message) bool {
	if c.filter == nil {
		return true
	}
	return c.filter(msg)
}

func (c *testConsumer) Accept(*Message) bool {
	if c.credit < 0 {
		return true
	}
	if c.credit == 0 {
		return false
	}
	c.credit--
	return true
}

func (c *testConsumer) Deliver(qm QueuedMessage) {
	c.delivered = append(c.delivered, qm)
}

func (c *testConsumer) Notify() {
	c.notified.Add(1)
}

func (c *testConsumer) Position() SequenceNumber       { return c.position }
func (c *testConsumer) SetPosition(pos SequenceNumber) { c.position = pos }

func (c *testConsumer) bodies() []string {
	out := make([]string, 0, len(c.delivered))
	for _, qm := range c.delivered {
		out = append(out, string(qm.Message.Content))
	}
	return out
}

// recordingObserver captures lifecycle callbacks.
type recordingObserver struct {
	enqueued, acquired, requeued, dequeued []SequenceNumber
	consumersAdded, consumersRemoved       []string
}

func (o *recordingObserver) Enqueued(qm QueuedMessage) { o.enqueued = append(o.enqueued, qm.Position) }
func (o *recordingObserver) Acquired(qm QueuedMessage) { o.acquired = append(o.acquired, qm.Position) }
func (o *recordingObserver) Requeued(qm QueuedMessage) { o.requeued = append(o.requeued, qm.Position) }
func (o *recordingObserver) Dequeued(qm QueuedMessage) { o.dequeued = append(o.dequeued, qm.Position) }
func (o *recordingObserver) ConsumerAdded(c Consumer) {
	o.consumersAdded = append(o.consumersAdded, c.Name())
}
func (o *recordingObserver) ConsumerRemoved(c Consumer) {
	o.consumersRemoved = append(o.consumersRemoved, c.Name())
}

func deliverBody(t *testing.T, q *Queue, body string) {
	t.Helper()
	require.NoError(t, q.Deliver(context.Background(), NewMessage([]byte(body))))
}

func TestQueueFIFOTwoConsumers(t *testing.T) {
	q := NewQueue("fifo", Options{})
	q.Configure(Arguments{})

	c1 := newTestConsumer("c1")
	c2 := newTestConsumer("c2")
	require.NoError(t, q.Consume(c1, false))
	require.NoError(t, q.Consume(c2, false))

	for _, body := range []string{"a", "b", "c", "d"} {
		deliverBody(t, q, body)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		got, err := q.Dispatch(ctx, c1)
		require.NoError(t, err)
		assert.True(t, got)
		got, err = q.Dispatch(ctx, c2)
		require.NoError(t, err)
		assert.True(t, got)
	}

	union := append(append([]string{}, c1.bodies()...), c2.bodies()...)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, union)

	for _, c := range []*testConsumer{c1, c2} {
		for i := 1; i < len(c.delivered); i++ {
			assert.Less(t, c.delivered[i-1].Position, c.delivered[i].Position)
		}
	}
	assert.Equal(t, 0, q.MessageCount())
}

func TestQueuePositionsStrictlyIncreasing(t *testing.T) {
	q := NewQueue("seq", Options{})
	obs := &recordingObserver{}
	q.AddObserver(obs)

	for i := 0; i < 5; i++ {
		deliverBody(t, q, "m")
	}

	require.Len(t, obs.enqueued, 5)
	for i := 1; i < len(obs.enqueued); i++ {
		assert.Less(t, obs.enqueued[i-1], obs.enqueued[i])
	}
}

func TestQueueDispatchExpiredMessage(t *testing.T) {
	q := NewQueue("expired", Options{})
	obs := &recordingObserver{}
	q.AddObserver(obs)

	msg := NewMessage([]byte("stale"))
	msg.SetTTL(time.Millisecond)
	require.NoError(t, q.Deliver(context.Background(), msg))
	deliverBody(t, q, "fresh")

	time.Sleep(10 * time.Millisecond)

	c := newTestConsumer("c1")
	got, err := q.Dispatch(context.Background(), c)
	require.NoError(t, err)
	require.True(t, got)
	assert.Equal(t, []string{"fresh"}, c.bodies())
	assert.Equal(t, []SequenceNumber{1, 2}, obs.acquired)
	assert.Equal(t, []SequenceNumber{1}, obs.dequeued)
}

func TestQueuePurgeExpiredWhileIdle(t *testing.T) {
	q := NewQueue("ttl", Options{})
	obs := &recordingObserver{}
	q.AddObserver(obs)

	for i := 0; i < 3; i++ {
		msg := NewMessage([]byte("m"))
		msg.SetTTL(10 * time.Millisecond)
		require.NoError(t, q.Deliver(context.Background(), msg))
	}

	time.Sleep(50 * time.Millisecond)
	q.PurgeExpired(context.Background(), 50*time.Millisecond)

	assert.Equal(t, 0, q.MessageCount())
	assert.ElementsMatch(t, []SequenceNumber{1, 2, 3}, obs.acquired)
	assert.ElementsMatch(t, []SequenceNumber{1, 2, 3}, obs.dequeued)
	assert.Equal(t, uint64(3), q.Stats().Expired())
}

func TestQueuePurgeExpiredSkipsUnderDequeueLoad(t *testing.T) {
	q := NewQueue("ttl-busy", Options{})

	msg := NewMessage([]byte("m"))
	msg.SetTTL(time.Millisecond)
	require.NoError(t, q.Deliver(context.Background(), msg))
	time.Sleep(5 * time.Millisecond)

	// simulate recent dequeue throughput of >= 1/s
	q.dequeueSincePurge.Store(10)
	q.PurgeExpired(context.Background(), time.Second)
	assert.Equal(t, 1, q.MessageCount())

	// next sweep sees the counter drained and purges
	q.PurgeExpired(context.Background(), time.Second)
	assert.Equal(t, 0, q.MessageCount())
}

func TestQueueRequeuePreservesPosition(t *testing.T) {
	q := NewQueue("requeue", Options{})

	for _, body := range []string{"a", "b", "c"} {
		deliverBody(t, q, body)
	}

	c := newTestConsumer("c1")
	got, err := q.Dispatch(context.Background(), c)
	require.NoError(t, err)
	require.True(t, got)
	qm := c.delivered[0]
	assert.Equal(t, SequenceNumber(1), qm.Position)
	assert.Equal(t, 2, q.MessageCount())

	q.Requeue(context.Background(), qm)
	assert.Equal(t, 3, q.MessageCount())

	found, ok := q.Find(qm.Position)
	require.True(t, ok)
	assert.Equal(t, qm.Message, found.Message)
	assert.True(t, qm.Message.IsRedelivered())

	// the requeued message is redelivered first
	c2 := newTestConsumer("c2")
	got, err = q.Dispatch(context.Background(), c2)
	require.NoError(t, err)
	require.True(t, got)
	assert.Equal(t, SequenceNumber(1), c2.delivered[0].Position)
}

func TestQueueExclusiveConsumer(t *testing.T) {
	q := NewQueue("excl", Options{})

	c1 := newTestConsumer("c1")
	require.NoError(t, q.Consume(c1, true))

	c2 := newTestConsumer("c2")
	err := q.Consume(c2, false)
	require.ErrorIs(t, err, ErrResourceLocked)

	q.Cancel(c1)
	require.NoError(t, q.Consume(c2, false))

	// exclusive request against existing consumers also fails
	c3 := newTestConsumer("c3")
	err = q.Consume(c3, true)
	require.ErrorIs(t, err, ErrResourceLocked)
}

func TestQueueNoLocalDropsOwnMessages(t *testing.T) {
	owner := &OwnershipToken{ID: "conn-1"}
	q := NewQueue("nolocal", Options{Owner: owner})
	q.Configure(Arguments{argNoLocal: true})

	local := NewMessage([]byte("mine"))
	local.Publisher = "conn-1"
	require.NoError(t, q.Deliver(context.Background(), local))
	assert.Equal(t, 0, q.MessageCount())

	remote := NewMessage([]byte("theirs"))
	remote.Publisher = "conn-2"
	require.NoError(t, q.Deliver(context.Background(), remote))
	assert.Equal(t, 1, q.MessageCount())
}

func TestQueueTraceExclude(t *testing.T) {
	q := NewQueue("trace", Options{})
	q.Configure(Arguments{argTraceID: "b", argTraceExclude: "a, c"})

	seen := NewMessage([]byte("looped"))
	seen.AddTraceID("c")
	require.NoError(t, q.Deliver(context.Background(), seen))
	assert.Equal(t, 0, q.MessageCount())

	fresh := NewMessage([]byte("new"))
	require.NoError(t, q.Deliver(context.Background(), fresh))
	assert.Equal(t, 1, q.MessageCount())

	// the queue's own trace id was stamped onto a deep copy
	qm, ok := q.Find(1)
	require.True(t, ok)
	assert.Equal(t, "b", qm.Message.Headers.GetString(traceHeader))
	assert.Empty(t, fresh.Headers.GetString(traceHeader))
}

func TestQueueInsertSequenceNumbers(t *testing.T) {
	q := NewQueue("seqno", Options{})
	q.Configure(Arguments{argInsertSequenceNumbers: "x-seq"})

	deliverBody(t, q, "a")
	deliverBody(t, q, "b")

	qm, ok := q.Find(2)
	require.True(t, ok)
	assert.Equal(t, int64(2), qm.Message.Headers["x-seq"])
}

func TestQueueDeletedOperationsFail(t *testing.T) {
	q := NewQueue("gone", Options{})
	require.NoError(t, q.Destroyed(context.Background(), nil))

	err := q.Deliver(context.Background(), NewMessage([]byte("m")))
	require.ErrorIs(t, err, ErrResourceDeleted)

	c := newTestConsumer("c1")
	err = q.Consume(c, false)
	require.ErrorIs(t, err, ErrResourceDeleted)

	_, err = q.Dispatch(context.Background(), c)
	require.ErrorIs(t, err, ErrResourceDeleted)
}

func TestQueueDestroyedNotifiesListeners(t *testing.T) {
	q := NewQueue("waiters", Options{})

	c := newTestConsumer("c1")
	got, err := q.Dispatch(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, got) // parked in the listener set

	require.NoError(t, q.Destroyed(context.Background(), nil))
	assert.Equal(t, int32(1), c.notified.Load())
}

func TestQueueBrowsingLeavesMessages(t *testing.T) {
	q := NewQueue("browse", Options{})

	for _, body := range []string{"a", "b"} {
		deliverBody(t, q, body)
	}

	b := newTestConsumer("browser")
	b.browse = true
	ctx := context.Background()

	for _, want := range []string{"a", "b"} {
		got, err := q.Dispatch(ctx, b)
		require.NoError(t, err)
		require.True(t, got)
		assert.Equal(t, want, string(b.delivered[len(b.delivered)-1].Message.Content))
	}

	got, err := q.Dispatch(ctx, b)
	require.NoError(t, err)
	assert.False(t, got)
	assert.Equal(t, 2, q.MessageCount())
}

func TestQueuePurgeWithHeaderFilter(t *testing.T) {
	q := NewQueue("purge", Options{})

	for i, color := range []string{"red", "blue", "red"} {
		msg := NewMessage([]byte{byte('a' + i)})
		msg.Headers["color"] = color
		require.NoError(t, q.Deliver(context.Background(), msg))
	}

	purged, err := q.Purge(context.Background(), 0, nil, map[string]any{
		FilterTypeKey: FilterHeaderMatch,
		FilterParamsKey: map[string]any{
			"header_key":   "color",
			"header_value": "red",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), purged)
	assert.Equal(t, 1, q.MessageCount())
}

func TestQueuePurgeCapped(t *testing.T) {
	q := NewQueue("purge-cap", Options{})
	for i := 0; i < 5; i++ {
		deliverBody(t, q, "m")
	}

	purged, err := q.Purge(context.Background(), 2, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), purged)
	assert.Equal(t, 3, q.MessageCount())
}

func TestQueueMoveBetweenQueues(t *testing.T) {
	src := NewQueue("src", Options{})
	dst := NewQueue("dst", Options{})

	for _, body := range []string{"a", "b", "c"} {
		deliverBody(t, src, body)
	}

	moved, err := src.Move(context.Background(), dst, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), moved)
	assert.Equal(t, 1, src.MessageCount())
	assert.Equal(t, 2, dst.MessageCount())
}

func TestQueueMoveOntoItself(t *testing.T) {
	q := NewQueue("self", Options{})
	deliverBody(t, q, "a")

	moved, err := q.Move(context.Background(), q, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), moved)
	assert.Equal(t, 1, q.MessageCount())
}

func TestQueueListenerWokenOnPush(t *testing.T) {
	q := NewQueue("wake", Options{})

	c := newTestConsumer("c1")
	got, err := q.Dispatch(context.Background(), c)
	require.NoError(t, err)
	require.False(t, got)

	deliverBody(t, q, "m")
	assert.Equal(t, int32(1), c.notified.Load())
}

func TestQueueGetAcquiresFront(t *testing.T) {
	q := NewQueue("get", Options{})
	obs := &recordingObserver{}
	q.AddObserver(obs)

	deliverBody(t, q, "a")
	qm, ok := q.Get()
	require.True(t, ok)
	assert.Equal(t, "a", string(qm.Message.Content))
	assert.Equal(t, []SequenceNumber{1}, obs.acquired)
	assert.Equal(t, 0, q.MessageCount())

	_, ok = q.Get()
	assert.False(t, ok)
}

func TestQueueObserverPanicIsContained(t *testing.T) {
	q := NewQueue("panicky", Options{})
	q.AddObserver(panickyObserver{})
	obs := &recordingObserver{}
	q.AddObserver(obs)

	require.NoError(t, q.Deliver(context.Background(), NewMessage([]byte("m"))))
	assert.Equal(t, 1, q.MessageCount())
	assert.Equal(t, []SequenceNumber{1}, obs.enqueued)
}

type panickyObserver struct{}

func (panickyObserver) Enqueued(QueuedMessage)   { panic("enqueued") }
func (panickyObserver) Acquired(QueuedMessage)   { panic("acquired") }
func (panickyObserver) Requeued(QueuedMessage)   { panic("requeued") }
func (panickyObserver) Dequeued(QueuedMessage)   { panic("dequeued") }
func (panickyObserver) ConsumerAdded(Consumer)   { panic("consumerAdded") }
func (panickyObserver) ConsumerRemoved(Consumer) { panic("consumerRemoved") }

func TestQueueConsumerFilterRejectedHeadBlocks(t *testing.T) {
	q := NewQueue("filter", Options{})

	red := NewMessage([]byte("red"))
	red.Headers["color"] = "red"
	require.NoError(t, q.Deliver(context.Background(), red))
	blue := NewMessage([]byte("blue"))
	blue.Headers["color"] = "blue"
	require.NoError(t, q.Deliver(context.Background(), blue))

	c := newTestConsumer("picky")
	c.filter = func(m *Message) bool { return m.Headers.GetString("color") == "blue" }

	// the unwanted head is not consumed and still blocks this consumer
	got, err := q.Dispatch(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, got)
	assert.Equal(t, 2, q.MessageCount())

	// once another consumer takes the head, the picky one gets its match
	other := newTestConsumer("other")
	got, err = q.Dispatch(context.Background(), other)
	require.NoError(t, err)
	require.True(t, got)
	assert.Equal(t, []string{"red"}, other.bodies())

	got, err = q.Dispatch(context.Background(), c)
	require.NoError(t, err)
	require.True(t, got)
	assert.Equal(t, []string{"blue"}, c.bodies())
}

func TestQueueCreditExhaustedLeavesMessage(t *testing.T) {
	q := NewQueue("credit", Options{})
	deliverBody(t, q, "a")

	c := newTestConsumer("broke")
	c.credit = 0
	got, err := q.Dispatch(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, got)
	assert.Equal(t, 1, q.MessageCount())
}
