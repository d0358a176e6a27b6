// Package tree implements the clustered B+ tree index: classic
// split-on-overflow insertion, merge/redistribute-on-underflow
// deletion (with a delayed-merge policy tolerating underfull leaves),
// and leaf-chain range scans.
//
// The split/merge/redistribute helpers are unexported methods named
// after the steps of the textbook B+ tree algorithm they implement:
// insertIntoLeaf, insertIntoLeafAfterSplitting, insertIntoParent,
// insertIntoNewRoot, insertIntoNodeAfterSplitting, and, on the delete
// side, finishDelete/rebalance with mergeNodes/redistributeNodes.
package tree

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/rheehot/bpteng/pkg/storage/buffer"
	"github.com/rheehot/bpteng/pkg/storage/file"
	"github.com/rheehot/bpteng/pkg/storage/page"
)

// ErrKeyNotFound is returned by Find/Delete when no record with the
// given key exists.
var ErrKeyNotFound = errors.New("tree: key not found")

// ErrKeyExists is returned by Insert when the key is already present;
// this engine has no upsert, so callers that want update-in-place go
// through the transaction coordinator's record update path instead.
var ErrKeyExists = errors.New("tree: key already exists")

// Tree is a clustered B+ tree index over one table file.
type Tree struct {
	Pool *buffer.Pool
	File *file.Manager

	// LeafOrder/InternalOrder bound node fan-out; they default to the
	// page-size-derived maximums but are overridable so the literal
	// small-order scenarios can be exercised directly.
	LeafOrder     int
	InternalOrder int

	// DelayedMerge tolerates underfull leaves rather than merging or
	// redistributing the moment a leaf drops under cut(order): a leaf
	// only triggers rebalancing once it is completely empty. This
	// trades a denser tree for fewer merge cascades on delete-heavy
	// workloads.
	DelayedMerge bool

	Verbose bool
	Out     io.Writer
}

// New constructs a Tree over an already-open file/pool pair with
// page-size-derived fan-out.
func New(f *file.Manager, pool *buffer.Pool) *Tree {
	return &Tree{
		File:          f,
		Pool:          pool,
		LeafOrder:     page.LeafOrder,
		InternalOrder: page.InternalOrder,
		Out:           os.Stderr,
	}
}

func cut(order int) int {
	if order%2 == 0 {
		return order / 2
	}
	return order/2 + 1
}

func (t *Tree) logf(format string, args ...any) {
	if t.Verbose && t.Out != nil {
		fmt.Fprintf(t.Out, "tree: "+format+"\n", args...)
	}
}

// readNode loads the node at pagenum, pinning and unpinning the
// frame for the duration of the read.
func (t *Tree) readNode(pagenum page.ID) (*page.Node, error) {
	h, err := t.Pool.Buffering(t.File, pagenum)
	if err != nil {
		return nil, err
	}
	defer h.Unpin()
	var n *page.Node
	err = h.ReadNode(func(loaded *page.Node) error {
		n = loaded
		return nil
	})
	return n, err
}

// writeNode persists n at pagenum.
func (t *Tree) writeNode(pagenum page.ID, n *page.Node) error {
	h, err := t.Pool.Buffering(t.File, pagenum)
	if err != nil {
		return err
	}
	defer h.Unpin()
	return h.WriteNode(func(dst *page.Node) error {
		*dst = *n
		return nil
	})
}

// allocNode creates a fresh page initialized as an empty leaf or
// internal node and returns its page number.
func (t *Tree) allocNode(isLeaf bool) (page.ID, *page.Node, error) {
	h, err := t.Pool.NewPage(t.File)
	if err != nil {
		return 0, nil, err
	}
	defer h.Unpin()
	n := &page.Node{NodeHeader: page.NodeHeader{IsLeaf: isLeaf, RightSibling: page.Invalid, ParentPage: page.Invalid}}
	if err := h.WriteNode(func(dst *page.Node) error {
		*dst = *n
		return nil
	}); err != nil {
		return 0, nil, err
	}
	return h.Page(), n, nil
}

// findLeaf descends from the root to the leaf that would hold key.
func (t *Tree) findLeaf(key uint64) (page.ID, *page.Node, error) {
	root := t.File.RootPage()
	if root == page.Invalid {
		return page.Invalid, nil, nil
	}
	cur := root
	for {
		n, err := t.readNode(cur)
		if err != nil {
			return page.Invalid, nil, err
		}
		if n.IsLeaf {
			return cur, n, nil
		}
		cur = childFor(n, key)
	}
}

// childFor returns the child pointer an internal node routes key
// through: the rightmost entry whose key is <= the target, or the
// unkeyed leftmost pointer if key is smaller than every separator.
func childFor(n *page.Node, key uint64) page.ID {
	i := 0
	for i+1 < len(n.Entries) && n.Entries[i+1].Key <= key {
		i++
	}
	return n.Entries[i].Child
}

// Find returns the value stored under key.
func (t *Tree) Find(key uint64) ([page.RecordValueSize]byte, error) {
	var zero [page.RecordValueSize]byte
	_, leaf, err := t.findLeaf(key)
	if err != nil {
		return zero, err
	}
	if leaf == nil {
		return zero, ErrKeyNotFound
	}
	for _, r := range leaf.Records {
		if r.Key == key {
			return r.Value, nil
		}
	}
	return zero, ErrKeyNotFound
}

// locate returns the leaf page number and slot index holding key, for
// callers (the transactional update path) that need to address the
// record directly rather than just read its value.
func (t *Tree) locate(key uint64) (page.ID, int, error) {
	leafPage, leaf, err := t.findLeaf(key)
	if err != nil {
		return page.Invalid, -1, err
	}
	if leaf == nil {
		return page.Invalid, -1, ErrKeyNotFound
	}
	for i, r := range leaf.Records {
		if r.Key == key {
			return leafPage, i, nil
		}
	}
	return page.Invalid, -1, ErrKeyNotFound
}

// Locate exposes locate for the engine/txn layer.
func (t *Tree) Locate(key uint64) (page.ID, int, error) { return t.locate(key) }
