package locking

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedLockBasicSharedExclusive(t *testing.T) {
	l := NewSharedLock()
	require.NoError(t, l.Acquire("a", true, 0, time.Time{}))
	require.NoError(t, l.Acquire("b", true, 0, time.Time{}))

	err := l.Acquire("c", false, 0, time.Now().Add(50*time.Millisecond))
	assert.Error(t, err)

	require.NoError(t, l.Release("a"))
	require.NoError(t, l.Release("b"))
	require.NoError(t, l.Acquire("c", false, 0, time.Time{}))
}

func TestSharedLockNoReentrancy(t *testing.T) {
	l := NewSharedLock()
	require.NoError(t, l.Acquire("a", true, 0, time.Time{}))
	err := l.Acquire("a", true, 0, time.Time{})
	require.Error(t, err)
}

// TestSharedLockWriterStarvationPrevention: once an exclusive waiter is
// queued, no further shared acquirer is admitted until it runs (or is
// canceled).
func TestSharedLockWriterStarvationPrevention(t *testing.T) {
	l := NewSharedLock()
	require.NoError(t, l.Acquire("reader1", true, 0, time.Time{}))

	writerGranted := make(chan struct{})
	go func() {
		require.NoError(t, l.Acquire("writer", false, 0, time.Time{}))
		close(writerGranted)
	}()
	time.Sleep(30 * time.Millisecond) // let the writer enqueue

	late := make(chan error, 1)
	go func() {
		late <- l.Acquire("reader2", true, 0, time.Now().Add(100*time.Millisecond))
	}()

	select {
	case err := <-late:
		require.Error(t, err, "a shared acquirer queued behind a pending exclusive waiter must not be admitted")
	case <-writerGranted:
		t.Fatal("writer should not have been granted yet: reader1 still holds the lock")
	}

	require.NoError(t, l.Release("reader1"))
	<-writerGranted
	require.NoError(t, l.Release("writer"))
}

func TestSharedLockPriorityOrdering(t *testing.T) {
	l := NewSharedLock()
	require.NoError(t, l.Acquire("holder", false, 0, time.Time{}))

	order := make(chan string, 3)
	var wg sync.WaitGroup
	start := func(id OwnerID, prio int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(id, false, prio, time.Time{}))
			order <- string(id)
			require.NoError(t, l.Release(id))
		}()
	}

	// Enqueue in reverse priority order so FIFO alone would misorder them.
	start("low", 10)
	time.Sleep(10 * time.Millisecond)
	start("high", 0)
	time.Sleep(10 * time.Millisecond)
	start("mid", 5)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, l.Release("holder"))
	wg.Wait()
	close(order)

	var got []string
	for v := range order {
		got = append(got, v)
	}
	assert.Equal(t, []string{"high", "mid", "low"}, got)
}

// TestSharedLockTimeoutBound: acquire returns within T+epsilon
// regardless of contention.
func TestSharedLockTimeoutBound(t *testing.T) {
	l := NewSharedLock()
	require.NoError(t, l.Acquire("holder", false, 0, time.Time{}))

	start := time.Now()
	err := l.Acquire("waiter", false, 0, time.Now().Add(100*time.Millisecond))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 200*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

func TestSharedLockRemovedWakesWaiters(t *testing.T) {
	l := NewSharedLock()
	require.NoError(t, l.Acquire("holder", false, 0, time.Time{}))

	result := make(chan error, 1)
	go func() {
		result <- l.Acquire("waiter", true, 0, time.Time{})
	}()
	time.Sleep(20 * time.Millisecond)
	l.MarkRemoved()

	err := <-result
	require.Error(t, err)
}
