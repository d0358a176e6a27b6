package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rheehot/bpteng/pkg/lock"
	"github.com/rheehot/bpteng/pkg/storage/buffer"
	"github.com/rheehot/bpteng/pkg/storage/file"
	"github.com/rheehot/bpteng/pkg/storage/page"
)

func newTestFixture(t *testing.T) (*Manager, *file.Manager, page.ID) {
	t.Helper()
	fm, err := file.Create("t.db", file.NewMemDevice())
	require.NoError(t, err)
	pool := buffer.NewPool(8, buffer.LRU)
	pool.Register(fm)

	h, err := pool.NewPage(fm)
	require.NoError(t, err)
	err = h.WriteNode(func(n *page.Node) error {
		n.IsLeaf = true
		n.Records = []page.Record{{Key: 1, Value: [page.RecordValueSize]byte{9}}}
		return nil
	})
	require.NoError(t, err)
	leafPage := h.Page()
	h.Unpin()

	m := NewManager(pool)
	t.Cleanup(func() { m.Locks().Close() })
	return m, fm, leafPage
}

func TestBeginAssignsIncreasingIDs(t *testing.T) {
	m, _, _ := newTestFixture(t)
	id1 := m.Begin()
	id2 := m.Begin()
	require.NotEqual(t, id1, id2)
	require.Greater(t, id2, id1)
}

func TestRequireLockGrantsCompatibleSharedLocks(t *testing.T) {
	m, _, leafPage := newTestFixture(t)
	hid := lock.HID{Table: 1, Page: leafPage, Record: 0}

	t1 := m.Begin()
	t2 := m.Begin()
	require.NoError(t, m.RequireLock(t1, hid, lock.Shared))
	require.NoError(t, m.RequireLock(t2, hid, lock.Shared))

	require.NoError(t, m.End(t1))
	require.NoError(t, m.End(t2))
}

func TestAbortReplaysUndoLogInReverseOrder(t *testing.T) {
	m, fm, leafPage := newTestFixture(t)
	id := m.Begin()
	hid := lock.HID{Table: 1, Page: leafPage, Record: 0}
	require.NoError(t, m.RequireLock(id, hid, lock.Exclusive))

	before := [page.RecordValueSize]byte{9}
	require.NoError(t, m.RecordUndo(id, UndoEntry{File: fm, Page: leafPage, Slot: 0, Before: before}))

	h, err := m.pool.Buffering(fm, leafPage)
	require.NoError(t, err)
	require.NoError(t, h.WriteNode(func(n *page.Node) error {
		n.Records[0].Value = [page.RecordValueSize]byte{99}
		return nil
	}))
	h.Unpin()

	// A second write to the same slot: replaying oldest-first would
	// leave 99 behind, replaying newest-first ends at the original 9.
	require.NoError(t, m.RecordUndo(id, UndoEntry{File: fm, Page: leafPage, Slot: 0, Before: [page.RecordValueSize]byte{99}}))
	h, err = m.pool.Buffering(fm, leafPage)
	require.NoError(t, err)
	require.NoError(t, h.WriteNode(func(n *page.Node) error {
		n.Records[0].Value = [page.RecordValueSize]byte{100}
		return nil
	}))
	h.Unpin()

	require.NoError(t, m.Abort(id))

	h2, err := m.pool.Buffering(fm, leafPage)
	require.NoError(t, err)
	var got page.Record
	require.NoError(t, h2.ReadNode(func(n *page.Node) error {
		got = n.Records[0]
		return nil
	}))
	h2.Unpin()
	require.Equal(t, before, got.Value, "abort must restore the pre-update value")
}

func TestEndTwiceFailsOnSecondCall(t *testing.T) {
	m, _, _ := newTestFixture(t)
	id := m.Begin()
	require.NoError(t, m.End(id))
	require.ErrorIs(t, m.End(id), ErrUnknownTxn)
}

func TestElevateUpgradesHeldSharedLock(t *testing.T) {
	m, _, leafPage := newTestFixture(t)
	hid := lock.HID{Table: 1, Page: leafPage, Record: 0}
	id := m.Begin()

	require.NoError(t, m.RequireLock(id, hid, lock.Shared))
	require.NoError(t, m.RequireLock(id, hid, lock.Exclusive))
	require.NoError(t, m.End(id))
}
