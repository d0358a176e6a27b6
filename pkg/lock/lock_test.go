package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, abort AbortFunc) *Manager {
	t.Helper()
	if abort == nil {
		abort = func(uint64) {}
	}
	m := NewManager(abort)
	t.Cleanup(m.Close)
	return m
}

func TestCompatibleSharedLocksGrantImmediately(t *testing.T) {
	m := newTestManager(t, nil)
	hid := HID{Table: 1, Page: 2, Record: 3}

	l1, err := m.Acquire(1, hid, Shared)
	require.NoError(t, err)
	l2, err := m.Acquire(2, hid, Shared)
	require.NoError(t, err)

	m.Release(l1)
	m.Release(l2)
}

func TestExclusiveBlocksUntilReleased(t *testing.T) {
	m := newTestManager(t, nil)
	hid := HID{Table: 1, Page: 1, Record: 1}

	l1, err := m.Acquire(1, hid, Exclusive)
	require.NoError(t, err)

	granted := make(chan struct{})
	go func() {
		l2, err := m.Acquire(2, hid, Exclusive)
		require.NoError(t, err)
		close(granted)
		m.Release(l2)
	}()

	select {
	case <-granted:
		t.Fatal("second exclusive lock granted while first still held")
	case <-time.After(100 * time.Millisecond):
	}

	m.Release(l1)

	select {
	case <-granted:
	case <-time.After(2 * time.Second):
		t.Fatal("second exclusive lock never granted after release")
	}
}

// TestWaiterQueueOrdering: two shared holders, then waiters arrive
// EXCLUSIVE, SHARED, SHARED. On full release the exclusive waiter
// runs alone; once it releases, both shared waiters run together.
func TestWaiterQueueOrdering(t *testing.T) {
	m := newTestManager(t, nil)
	hid := HID{Table: 1, Page: 1, Record: 1}

	s1, err := m.Acquire(1, hid, Shared)
	require.NoError(t, err)
	s2, err := m.Acquire(2, hid, Shared)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)

	go func() {
		l, err := m.Acquire(3, hid, Exclusive)
		require.NoError(t, err)
		mu.Lock()
		order = append(order, "exclusive")
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		m.Release(l)
		done <- struct{}{}
	}()
	time.Sleep(20 * time.Millisecond) // ensure exclusive request queues first

	go func() {
		l, err := m.Acquire(4, hid, Shared)
		require.NoError(t, err)
		mu.Lock()
		order = append(order, "shared")
		mu.Unlock()
		m.Release(l)
		done <- struct{}{}
	}()
	go func() {
		l, err := m.Acquire(5, hid, Shared)
		require.NoError(t, err)
		mu.Lock()
		order = append(order, "shared")
		mu.Unlock()
		m.Release(l)
		done <- struct{}{}
	}()

	m.Release(s1)
	m.Release(s2)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("waiter never completed")
		}
	}

	require.Equal(t, []string{"exclusive", "shared", "shared"}, order)
}

func TestElevateUpgradesSharedToExclusive(t *testing.T) {
	m := newTestManager(t, nil)
	hid := HID{Table: 1, Page: 1, Record: 1}

	l, err := m.Acquire(1, hid, Shared)
	require.NoError(t, err)

	elevated, err := m.Elevate(l, Exclusive)
	require.NoError(t, err)
	require.Equal(t, Exclusive, elevated.Mode)
	m.Release(elevated)
}
