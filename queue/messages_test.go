// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func qmsg(pos SequenceNumber, body string) QueuedMessage {
	return QueuedMessage{Position: pos, Message: NewMessage([]byte(body))}
}

func qmsgHeader(pos SequenceNumber, key string, value any) QueuedMessage {
	qm := qmsg(pos, "")
	qm.Message.Headers[key] = value
	return qm
}

func TestDequeOrdering(t *testing.T) {
	d := NewDeque()
	assert.True(t, d.Empty())

	for i := SequenceNumber(1); i <= 4; i++ {
		_, displaced := d.Push(qmsg(i, "m"))
		assert.False(t, displaced)
	}
	assert.Equal(t, 4, d.Size())

	front, ok := d.Front()
	require.True(t, ok)
	assert.Equal(t, SequenceNumber(1), front.Position)

	popped, ok := d.Pop()
	require.True(t, ok)
	assert.Equal(t, SequenceNumber(1), popped.Position)
	assert.Equal(t, 3, d.Size())
}

func TestDequeFindNextRemove(t *testing.T) {
	d := NewDeque()
	for _, pos := range []SequenceNumber{1, 3, 5} {
		d.Push(qmsg(pos, "m"))
	}

	qm, ok := d.Find(3)
	require.True(t, ok)
	assert.Equal(t, SequenceNumber(3), qm.Position)

	_, ok = d.Find(2)
	assert.False(t, ok)

	qm, ok = d.Next(1)
	require.True(t, ok)
	assert.Equal(t, SequenceNumber(3), qm.Position)

	qm, ok = d.Next(3)
	require.True(t, ok)
	assert.Equal(t, SequenceNumber(5), qm.Position)

	_, ok = d.Next(5)
	assert.False(t, ok)

	qm, ok = d.Remove(3)
	require.True(t, ok)
	assert.Equal(t, SequenceNumber(3), qm.Position)
	assert.Equal(t, 2, d.Size())

	_, ok = d.Remove(3)
	assert.False(t, ok)
}

func TestDequeReinsertPreservesOrder(t *testing.T) {
	d := NewDeque()
	for _, pos := range []SequenceNumber{1, 2, 3} {
		d.Push(qmsg(pos, "m"))
	}

	qm, ok := d.Remove(2)
	require.True(t, ok)
	d.Reinsert(qm)

	found, ok := d.Find(2)
	require.True(t, ok)
	assert.Equal(t, qm.Message, found.Message)

	var positions []SequenceNumber
	d.Foreach(func(qm QueuedMessage) {
		positions = append(positions, qm.Position)
	})
	assert.Equal(t, []SequenceNumber{1, 2, 3}, positions)
}

func TestDequeRemoveIf(t *testing.T) {
	d := NewDeque()
	for i := SequenceNumber(1); i <= 5; i++ {
		d.Push(qmsg(i, "m"))
	}

	removed := d.RemoveIf(func(qm QueuedMessage) bool {
		return qm.Position%2 == 0
	})
	assert.Len(t, removed, 2)
	assert.Equal(t, 3, d.Size())
}

func TestPriorityQueueOrdersByPriority(t *testing.T) {
	p := NewPriorityQueue(10)

	low := qmsg(1, "low")
	high := qmsg(2, "high")
	high.Message.Priority = 9
	mid := qmsg(3, "mid")
	mid.Message.Priority = 5

	p.Push(low)
	p.Push(high)
	p.Push(mid)

	pop := func() string {
		qm, ok := p.Pop()
		require.True(t, ok)
		return string(qm.Message.Content)
	}
	assert.Equal(t, "high", pop())
	assert.Equal(t, "mid", pop())
	assert.Equal(t, "low", pop())
}

func TestPriorityQueueFIFOWithinLevel(t *testing.T) {
	p := NewPriorityQueue(10)
	for i := SequenceNumber(1); i <= 3; i++ {
		qm := qmsg(i, "m")
		qm.Message.Priority = 5
		p.Push(qm)
	}

	for i := SequenceNumber(1); i <= 3; i++ {
		qm, ok := p.Pop()
		require.True(t, ok)
		assert.Equal(t, i, qm.Position)
	}
}

func TestFairshareGivesLowerLevelsATurn(t *testing.T) {
	p := NewFairshare(2, []uint{2, 2})

	for i := SequenceNumber(1); i <= 4; i++ {
		qm := qmsg(i, "high")
		qm.Message.Priority = 9
		p.Push(qm)
	}
	low := qmsg(5, "low")
	p.Push(low)

	var order []string
	for {
		qm, ok := p.Pop()
		if !ok {
			break
		}
		order = append(order, string(qm.Message.Content))
	}
	// two highs exhaust the level's credit, then the low level gets a turn
	assert.Equal(t, []string{"high", "high", "low", "high", "high"}, order)
}

func TestPriorityQueueBrowseInArrivalOrder(t *testing.T) {
	p := NewPriorityQueue(10)
	high := qmsg(2, "high")
	high.Message.Priority = 9
	p.Push(qmsg(1, "low"))
	p.Push(high)

	qm, ok := p.Next(0)
	require.True(t, ok)
	assert.Equal(t, SequenceNumber(1), qm.Position)

	qm, ok = p.Next(1)
	require.True(t, ok)
	assert.Equal(t, SequenceNumber(2), qm.Position)
}

func TestMessageMapReplacesByKey(t *testing.T) {
	m := NewMessageMap("k")

	first := qmsgHeader(1, "k", "x")
	first.Message.Headers["v"] = 1
	second := qmsgHeader(2, "k", "y")
	second.Message.Headers["v"] = 2
	third := qmsgHeader(3, "k", "x")
	third.Message.Headers["v"] = 3

	_, displaced := m.Push(first)
	assert.False(t, displaced)
	_, displaced = m.Push(second)
	assert.False(t, displaced)
	old, displaced := m.Push(third)
	require.True(t, displaced)
	assert.Equal(t, SequenceNumber(1), old.Position)

	assert.Equal(t, 2, m.Size())

	var positions []SequenceNumber
	m.Foreach(func(qm QueuedMessage) {
		positions = append(positions, qm.Position)
	})
	assert.Equal(t, []SequenceNumber{2, 3}, positions)

	survivor, ok := m.Find(3)
	require.True(t, ok)
	assert.Equal(t, 3, survivor.Message.Headers["v"])
}

func TestMessageMapAtMostOnePerKey(t *testing.T) {
	m := NewMessageMap("k")
	for i := SequenceNumber(1); i <= 10; i++ {
		key := "a"
		if i%2 == 0 {
			key = "b"
		}
		m.Push(qmsgHeader(i, "k", key))
	}
	assert.Equal(t, 2, m.Size())
}

func TestMessageMapReinsertDropsStale(t *testing.T) {
	m := NewMessageMap("k")
	m.Push(qmsgHeader(1, "k", "x"))

	taken, ok := m.Remove(1)
	require.True(t, ok)

	// a newer value for the key arrives while the old one is acquired
	m.Push(qmsgHeader(2, "k", "x"))

	m.Reinsert(taken)
	assert.Equal(t, 1, m.Size())
	_, ok = m.Find(1)
	assert.False(t, ok)
}

func TestLegacyLVQBrowsingBlocked(t *testing.T) {
	q := NewQueue("legacy", Options{})
	q.Configure(Arguments{argLastValueQueueNoBrowse: true})
	require.IsType(t, &LegacyLVQ{}, q.messages)

	deliverBody(t, q, "a")

	b := newTestConsumer("browser")
	b.browse = true
	got, err := q.Dispatch(t.Context(), b)
	require.NoError(t, err)
	assert.False(t, got)

	// destructive consumption is unaffected
	c := newTestConsumer("c1")
	got, err = q.Dispatch(t.Context(), c)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestLegacyLVQBrowsable(t *testing.T) {
	q := NewQueue("legacy-browse", Options{})
	q.Configure(Arguments{argLastValueQueue: true})

	deliverBody(t, q, "a")

	b := newTestConsumer("browser")
	b.browse = true
	got, err := q.Dispatch(t.Context(), b)
	require.NoError(t, err)
	assert.True(t, got)
}
