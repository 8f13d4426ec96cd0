// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDeclare(t *testing.T) {
	r := NewRegistry(RegistryConfig{})

	q, created, err := r.Declare(context.Background(), "orders", DeclareOptions{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "orders", q.Name())

	again, created, err := r.Declare(context.Background(), "orders", DeclareOptions{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, q, again)
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry(RegistryConfig{})

	_, err := r.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = r.Declare(context.Background(), "present", DeclareOptions{})
	require.NoError(t, err)
	q, err := r.Get("present")
	require.NoError(t, err)
	assert.Equal(t, "present", q.Name())
}

func TestRegistryDestroyIf(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	_, _, err := r.Declare(context.Background(), "victim", DeclareOptions{})
	require.NoError(t, err)

	_, ok := r.DestroyIf("victim", func() bool { return false })
	assert.False(t, ok)
	_, found := r.Find("victim")
	assert.True(t, found)

	_, ok = r.DestroyIf("victim", func() bool { return true })
	assert.True(t, ok)
	_, found = r.Find("victim")
	assert.False(t, found)
}

func TestRegistryConfiguresDeclaredQueue(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	q, _, err := r.Declare(context.Background(), "lvq", DeclareOptions{
		Arguments: Arguments{argLastValueQueueKey: "k"},
	})
	require.NoError(t, err)
	assert.IsType(t, &MessageMap{}, q.messages)
}

func TestAutoDeleteImmediate(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	q, _, err := r.Declare(context.Background(), "temp", DeclareOptions{AutoDelete: true})
	require.NoError(t, err)

	c := newTestConsumer("c1")
	require.NoError(t, q.Consume(c, false))
	q.Cancel(c)

	// consumer count hit zero with no owner: deletable right away
	r.TryAutoDelete(context.Background(), q, nil)

	_, found := r.Find("temp")
	assert.False(t, found)
	err = q.Deliver(context.Background(), NewMessage([]byte("m")))
	require.ErrorIs(t, err, ErrResourceDeleted)
}

func TestAutoDeleteWithTimeout(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	q, _, err := r.Declare(context.Background(), "delayed", DeclareOptions{
		AutoDelete: true,
		Arguments:  Arguments{argAutoDeleteTimeout: 1},
	})
	require.NoError(t, err)

	c := newTestConsumer("c1")
	require.NoError(t, q.Consume(c, false))
	q.Cancel(c)

	r.TryAutoDelete(context.Background(), q, nil)

	// still alive before the timeout fires
	time.Sleep(200 * time.Millisecond)
	_, found := r.Find("delayed")
	assert.True(t, found)

	require.Eventually(t, func() bool {
		_, found := r.Find("delayed")
		return !found
	}, 3*time.Second, 50*time.Millisecond)

	err = q.Deliver(context.Background(), NewMessage([]byte("m")))
	require.ErrorIs(t, err, ErrResourceDeleted)
}

func TestAutoDeleteCancelledByNewConsumer(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	q, _, err := r.Declare(context.Background(), "revived", DeclareOptions{
		AutoDelete: true,
		Arguments:  Arguments{argAutoDeleteTimeout: 1},
	})
	require.NoError(t, err)

	c := newTestConsumer("c1")
	require.NoError(t, q.Consume(c, false))
	q.Cancel(c)

	r.TryAutoDelete(context.Background(), q, nil)

	// a new consumer before the timeout keeps the queue alive
	c2 := newTestConsumer("c2")
	require.NoError(t, q.Consume(c2, false))

	time.Sleep(1500 * time.Millisecond)
	_, found := r.Find("revived")
	assert.True(t, found)
}

func TestAutoDeleteNotEligibleWithOwner(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	owner := &OwnershipToken{ID: "session-1"}
	q, _, err := r.Declare(context.Background(), "owned", DeclareOptions{
		AutoDelete: true,
		Owner:      owner,
	})
	require.NoError(t, err)

	assert.False(t, q.CanAutoDelete())
	r.TryAutoDelete(context.Background(), q, nil)
	_, found := r.Find("owned")
	assert.True(t, found)

	q.ReleaseExclusiveOwnership()
	assert.True(t, q.CanAutoDelete())
}
