// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListenersWakeOneConsumerAtATime(t *testing.T) {
	var l QueueListeners
	c1 := newTestConsumer("c1")
	c2 := newTestConsumer("c2")
	l.AddListener(c1)
	l.AddListener(c2)

	var set NotificationSet
	l.Populate(&set)
	set.Notify()

	assert.Equal(t, int32(1), c1.notified.Load()+c2.notified.Load())

	l.Populate(&set)
	set.Notify()
	assert.Equal(t, int32(1), c1.notified.Load())
	assert.Equal(t, int32(1), c2.notified.Load())
}

func TestListenersWakeAllBrowsers(t *testing.T) {
	var l QueueListeners
	b1 := newTestConsumer("b1")
	b1.browse = true
	b2 := newTestConsumer("b2")
	b2.browse = true
	l.AddListener(b1)
	l.AddListener(b2)

	var set NotificationSet
	l.Populate(&set)
	set.Notify()

	assert.Equal(t, int32(1), b1.notified.Load())
	assert.Equal(t, int32(1), b2.notified.Load())
}

func TestListenersAddIsIdempotent(t *testing.T) {
	var l QueueListeners
	c := newTestConsumer("c1")
	l.AddListener(c)
	l.AddListener(c)

	var set NotificationSet
	l.Populate(&set)
	set.Notify()
	assert.Equal(t, int32(1), c.notified.Load())

	l.Populate(&set)
	set.Notify()
	assert.Equal(t, int32(1), c.notified.Load())
}

func TestListenersSnapshotKeepsListeners(t *testing.T) {
	var l QueueListeners
	c := newTestConsumer("c1")
	b := newTestConsumer("b1")
	b.browse = true
	l.AddListener(c)
	l.AddListener(b)

	var set NotificationSet
	l.Snapshot(&set)
	set.Notify()
	assert.Equal(t, int32(1), c.notified.Load())
	assert.Equal(t, int32(1), b.notified.Load())

	// snapshot does not drain: a populate still finds them
	l.Populate(&set)
	set.Notify()
	assert.Equal(t, int32(2), c.notified.Load())
	assert.Equal(t, int32(2), b.notified.Load())
}

func TestListenersRemove(t *testing.T) {
	var l QueueListeners
	c := newTestConsumer("c1")
	l.AddListener(c)
	l.RemoveListener(c)

	var set NotificationSet
	l.Populate(&set)
	set.Notify()
	assert.Equal(t, int32(0), c.notified.Load())
}
