package engine

import (
	"github.com/rheehot/bpteng/pkg/lock"
	"github.com/rheehot/bpteng/pkg/storage/file"
	"github.com/rheehot/bpteng/pkg/storage/page"
	"github.com/rheehot/bpteng/pkg/txn"
)

const (
	sharedMode    = lock.Shared
	exclusiveMode = lock.Exclusive
)

// hidFor builds the hierarchical lockable id for a record:
// (table_id, page_id, record_slot).
func hidFor(tableID TableID, leafPage page.ID, slot int) lock.HID {
	return lock.HID{Table: uint32(tableID), Page: leafPage, Record: slot}
}

func undoEntry(f *file.Manager, leafPage page.ID, slot int, before [page.RecordValueSize]byte) txn.UndoEntry {
	return txn.UndoEntry{File: f, Page: leafPage, Slot: slot, Before: before}
}
