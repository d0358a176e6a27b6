package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rheehot/bpteng/pkg/storage/buffer"
	"github.com/rheehot/bpteng/pkg/storage/file"
	"github.com/rheehot/bpteng/pkg/storage/page"
)

// useMemDevices swaps the disk-backed openDevice hook for an
// in-memory one for the duration of a test, so engine tests never
// touch the filesystem. Devices are keyed by path and reused across
// OpenTable calls within the same test, so closing and reopening a
// table exercises real persistence rather than a fresh blank device.
func useMemDevices(t *testing.T) {
	t.Helper()
	orig := openDevice
	devices := map[string]*file.MemDevice{}
	openDevice = func(path string) (file.BlockDevice, bool, error) {
		if d, ok := devices[path]; ok {
			return d, false, nil
		}
		d := file.NewMemDevice()
		devices[path] = d
		return d, true, nil
	}
	t.Cleanup(func() { openDevice = orig })
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	useMemDevices(t)
	eng := New(Config{BufferCapacity: 16, Policy: buffer.LRU, LeafOrder: 5})
	t.Cleanup(func() { _ = eng.Shutdown() })
	return eng
}

func valueOf(n byte) [page.RecordValueSize]byte {
	var v [page.RecordValueSize]byte
	v[0] = n
	return v
}

func TestOpenTableIsIdempotentByPath(t *testing.T) {
	eng := newTestEngine(t)
	id1, err := eng.OpenTable("a.db")
	require.NoError(t, err)
	id2, err := eng.OpenTable("a.db")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestInsertThenFindUnderTransaction(t *testing.T) {
	eng := newTestEngine(t)
	id, err := eng.OpenTable("a.db")
	require.NoError(t, err)
	require.NoError(t, eng.Insert(id, 1, valueOf(7)))

	trx := eng.BeginTrx()
	v, err := eng.Find(id, 1, trx)
	require.NoError(t, err)
	require.Equal(t, valueOf(7), v)
	require.NoError(t, eng.CommitTrx(trx))
}

func TestUpdateThenAbortRestoresOriginalValue(t *testing.T) {
	eng := newTestEngine(t)
	id, err := eng.OpenTable("a.db")
	require.NoError(t, err)
	require.NoError(t, eng.Insert(id, 1, valueOf(7)))

	trx := eng.BeginTrx()
	require.NoError(t, eng.Update(id, 1, valueOf(99), trx))
	require.NoError(t, eng.AbortTrx(trx))

	trx2 := eng.BeginTrx()
	v, err := eng.Find(id, 1, trx2)
	require.NoError(t, err)
	require.Equal(t, valueOf(7), v, "abort must restore the pre-update value")
	require.NoError(t, eng.CommitTrx(trx2))
}

func TestCommitIsNotIdempotent(t *testing.T) {
	eng := newTestEngine(t)
	trx := eng.BeginTrx()
	require.NoError(t, eng.CommitTrx(trx))
	require.Error(t, eng.CommitTrx(trx))
}

func TestDeleteRemovesKey(t *testing.T) {
	eng := newTestEngine(t)
	id, err := eng.OpenTable("a.db")
	require.NoError(t, err)
	require.NoError(t, eng.Insert(id, 1, valueOf(1)))
	require.NoError(t, eng.Delete(id, 1))

	trx := eng.BeginTrx()
	_, err = eng.Find(id, 1, trx)
	require.Error(t, err)
	require.NoError(t, eng.CommitTrx(trx))
}

func TestFindRangeAcrossTable(t *testing.T) {
	eng := newTestEngine(t)
	id, err := eng.OpenTable("a.db")
	require.NoError(t, err)
	for _, k := range []uint64{3, 1, 4, 1, 5, 9, 2, 6} {
		_ = eng.Insert(id, k, valueOf(byte(k))) // duplicates deliberately rejected
	}
	recs, err := eng.FindRange(id, 0, 100)
	require.NoError(t, err)
	require.True(t, len(recs) > 0)
	for i := 1; i < len(recs); i++ {
		require.Less(t, recs[i-1].Key, recs[i].Key)
	}
}

func TestCloseTableThenReopenPersistsData(t *testing.T) {
	useMemDevices(t)
	eng := New(Config{BufferCapacity: 16, Policy: buffer.LRU})

	id, err := eng.OpenTable("a.db")
	require.NoError(t, err)
	require.NoError(t, eng.Insert(id, 1, valueOf(3)))
	require.NoError(t, eng.CloseTable(id))

	id2, err := eng.OpenTable("a.db")
	require.NoError(t, err)
	trx := eng.BeginTrx()
	v, err := eng.Find(id2, 1, trx)
	require.NoError(t, err)
	require.Equal(t, valueOf(3), v)
	require.NoError(t, eng.CommitTrx(trx))
	require.NoError(t, eng.Shutdown())
}
