package tree

import "github.com/rheehot/bpteng/pkg/storage/page"

// Delete removes key's record from the tree, merging or
// redistributing underfull nodes as it unwinds back to the root.
func (t *Tree) Delete(key uint64) error {
	leafPage, leaf, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	if leaf == nil {
		return ErrKeyNotFound
	}
	idx := -1
	for i, r := range leaf.Records {
		if r.Key == key {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrKeyNotFound
	}
	leaf.Records = append(leaf.Records[:idx], leaf.Records[idx+1:]...)
	return t.finishDelete(leafPage, leaf)
}

// finishDelete writes back n (already missing the deleted key/entry),
// shrinking the root or merging/redistributing with a sibling as
// needed.
func (t *Tree) finishDelete(nodePage page.ID, n *page.Node) error {
	if nodePage == t.File.RootPage() {
		return t.adjustRoot(nodePage, n)
	}
	if !t.underflows(n) {
		return t.writeNode(nodePage, n)
	}
	return t.rebalance(nodePage, n)
}

func (t *Tree) adjustRoot(nodePage page.ID, n *page.Node) error {
	if !n.IsLeaf && len(n.Entries) == 1 {
		newRoot := n.Entries[0].Child
		if err := t.setParent(newRoot, page.Invalid); err != nil {
			return err
		}
		if err := t.File.SetRootPage(newRoot); err != nil {
			return err
		}
		return t.Pool.FreePage(t.File, nodePage)
	}
	if n.IsLeaf && len(n.Records) == 0 {
		if err := t.File.SetRootPage(page.Invalid); err != nil {
			return err
		}
		return t.Pool.FreePage(t.File, nodePage)
	}
	return t.writeNode(nodePage, n)
}

// underflows reports whether n has dropped below the minimum
// occupancy that requires rebalancing. Leaves honor DelayedMerge:
// when set, a leaf is only considered underfull once it is
// completely empty, tolerating sparser leaves in exchange for fewer
// merge cascades.
func (t *Tree) underflows(n *page.Node) bool {
	if n.IsLeaf {
		if t.DelayedMerge {
			return len(n.Records) == 0
		}
		return len(n.Records) < cut(t.LeafOrder)
	}
	return len(n.Entries) < cut(t.InternalOrder)
}

func (t *Tree) rebalance(nodePage page.ID, n *page.Node) error {
	parentPage := n.ParentPage
	parent, err := t.readNode(parentPage)
	if err != nil {
		return err
	}
	idx := entryIndexForChild(parent.Entries, nodePage)

	var neighborPage page.ID
	var neighborOnLeft bool
	var sepIdx int
	if idx > 0 {
		neighborPage = parent.Entries[idx-1].Child
		neighborOnLeft = true
		sepIdx = idx
	} else {
		neighborPage = parent.Entries[idx+1].Child
		neighborOnLeft = false
		sepIdx = idx + 1
	}
	neighbor, err := t.readNode(neighborPage)
	if err != nil {
		return err
	}

	capacity := t.LeafOrder
	combined := len(n.Records) + len(neighbor.Records)
	if !n.IsLeaf {
		capacity = t.InternalOrder
		combined = len(n.Entries) + len(neighbor.Entries)
	}

	if combined <= capacity {
		return t.mergeNodes(nodePage, n, neighborPage, neighbor, neighborOnLeft, parentPage, parent, sepIdx)
	}
	return t.redistributeNodes(nodePage, n, neighborPage, neighbor, neighborOnLeft, parentPage, parent, sepIdx)
}

// mergeNodes combines n into neighbor (or neighbor into n, whichever
// is the logical left side), frees the now-empty right page, and
// removes its entry from parent, recursing the deletion upward since
// the parent lost a child.
func (t *Tree) mergeNodes(nodePage page.ID, n *page.Node, neighborPage page.ID, neighbor *page.Node, neighborOnLeft bool, parentPage page.ID, parent *page.Node, sepIdx int) error {
	var leftPage, rightPage page.ID
	var left, right *page.Node
	if neighborOnLeft {
		leftPage, left = neighborPage, neighbor
		rightPage, right = nodePage, n
	} else {
		leftPage, left = nodePage, n
		rightPage, right = neighborPage, neighbor
	}

	if left.IsLeaf {
		left.Records = append(left.Records, right.Records...)
		left.RightSibling = right.RightSibling
	} else {
		sepKey := parent.Entries[sepIdx].Key
		rightEntries := append([]page.Entry{{Key: sepKey, Child: right.Entries[0].Child}}, right.Entries[1:]...)
		left.Entries = append(left.Entries, rightEntries...)
		for _, e := range rightEntries {
			if err := t.setParent(e.Child, leftPage); err != nil {
				return err
			}
		}
	}
	if err := t.writeNode(leftPage, left); err != nil {
		return err
	}
	if err := t.Pool.FreePage(t.File, rightPage); err != nil {
		return err
	}

	rightIdx := entryIndexForChild(parent.Entries, rightPage)
	parent.Entries = append(parent.Entries[:rightIdx], parent.Entries[rightIdx+1:]...)

	t.logf("merge_nodes left=%d right=%d", leftPage, rightPage)
	return t.finishDelete(parentPage, parent)
}

// redistributeNodes borrows one record/entry from neighbor to bring n
// back up to minimum occupancy, rewriting the separating key in
// parent. Used when the two siblings together hold too much to merge
// into a single page.
func (t *Tree) redistributeNodes(nodePage page.ID, n *page.Node, neighborPage page.ID, neighbor *page.Node, neighborOnLeft bool, parentPage page.ID, parent *page.Node, sepIdx int) error {
	if n.IsLeaf {
		if neighborOnLeft {
			last := neighbor.Records[len(neighbor.Records)-1]
			neighbor.Records = neighbor.Records[:len(neighbor.Records)-1]
			n.Records = append([]page.Record{last}, n.Records...)
			parent.Entries[sepIdx].Key = n.Records[0].Key
		} else {
			first := neighbor.Records[0]
			neighbor.Records = neighbor.Records[1:]
			n.Records = append(n.Records, first)
			parent.Entries[sepIdx].Key = neighbor.Records[0].Key
		}
	} else {
		if neighborOnLeft {
			lastEntry := neighbor.Entries[len(neighbor.Entries)-1]
			neighbor.Entries = neighbor.Entries[:len(neighbor.Entries)-1]
			oldLeftmost := n.Entries[0].Child
			n.Entries = append([]page.Entry{{Child: lastEntry.Child}, {Key: parent.Entries[sepIdx].Key, Child: oldLeftmost}}, n.Entries[1:]...)
			parent.Entries[sepIdx].Key = lastEntry.Key
			if err := t.setParent(lastEntry.Child, nodePage); err != nil {
				return err
			}
		} else {
			movedChild := neighbor.Entries[0].Child
			newLeftmost := neighbor.Entries[1].Child
			newSeparator := neighbor.Entries[1].Key
			n.Entries = append(n.Entries, page.Entry{Key: parent.Entries[sepIdx].Key, Child: movedChild})
			neighbor.Entries = append([]page.Entry{{Child: newLeftmost}}, neighbor.Entries[2:]...)
			parent.Entries[sepIdx].Key = newSeparator
			if err := t.setParent(movedChild, nodePage); err != nil {
				return err
			}
		}
	}

	if err := t.writeNode(nodePage, n); err != nil {
		return err
	}
	if err := t.writeNode(neighborPage, neighbor); err != nil {
		return err
	}
	t.logf("redistribute_nodes node=%d neighbor=%d", nodePage, neighborPage)
	return t.writeNode(parentPage, parent)
}
