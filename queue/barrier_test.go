// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrierUseAndRelease(t *testing.T) {
	b := NewUsageBarrier()

	release, ok := b.Use()
	require.True(t, ok)
	release()

	// double release is harmless
	release()
}

func TestBarrierDestroyBlocksUntilDrained(t *testing.T) {
	b := NewUsageBarrier()

	release, ok := b.Use()
	require.True(t, ok)

	var destroyed atomic.Bool
	done := make(chan struct{})
	go func() {
		b.Destroy()
		destroyed.Store(true)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	assert.False(t, destroyed.Load())

	release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("destroy did not complete after release")
	}
}

func TestBarrierRefusesUseAfterDestroy(t *testing.T) {
	b := NewUsageBarrier()
	b.Destroy()

	_, ok := b.Use()
	assert.False(t, ok)
}
