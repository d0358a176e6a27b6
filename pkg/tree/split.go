package tree

import "github.com/rheehot/bpteng/pkg/storage/page"

// Insert adds (key, value) to the tree. Returns ErrKeyExists if key is
// already present. This engine has no upsert: overwriting an existing
// key's value goes through the transactional update path in
// pkg/engine instead, so it can be undo-logged.
func (t *Tree) Insert(key uint64, value [page.RecordValueSize]byte) error {
	if t.File.RootPage() == page.Invalid {
		return t.startNewTree(key, value)
	}

	leafPage, leaf, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	for _, r := range leaf.Records {
		if r.Key == key {
			return ErrKeyExists
		}
	}

	if len(leaf.Records) < t.LeafOrder {
		return t.insertIntoLeaf(leafPage, leaf, key, value)
	}
	return t.insertIntoLeafAfterSplitting(leafPage, leaf, key, value)
}

func (t *Tree) startNewTree(key uint64, value [page.RecordValueSize]byte) error {
	rootPage, root, err := t.allocNode(true)
	if err != nil {
		return err
	}
	root.Records = []page.Record{{Key: key, Value: value}}
	if err := t.writeNode(rootPage, root); err != nil {
		return err
	}
	t.logf("start_new_tree root=%d key=%d", rootPage, key)
	return t.File.SetRootPage(rootPage)
}

func insertSortedRecord(records []page.Record, key uint64, value [page.RecordValueSize]byte) []page.Record {
	i := 0
	for i < len(records) && records[i].Key < key {
		i++
	}
	out := make([]page.Record, 0, len(records)+1)
	out = append(out, records[:i]...)
	out = append(out, page.Record{Key: key, Value: value})
	out = append(out, records[i:]...)
	return out
}

func (t *Tree) insertIntoLeaf(leafPage page.ID, leaf *page.Node, key uint64, value [page.RecordValueSize]byte) error {
	leaf.Records = insertSortedRecord(leaf.Records, key, value)
	return t.writeNode(leafPage, leaf)
}

func (t *Tree) insertIntoLeafAfterSplitting(leafPage page.ID, leaf *page.Node, key uint64, value [page.RecordValueSize]byte) error {
	temp := insertSortedRecord(leaf.Records, key, value)
	split := cut(t.LeafOrder)

	newLeafPage, newLeaf, err := t.allocNode(true)
	if err != nil {
		return err
	}

	leaf.Records = append([]page.Record(nil), temp[:split]...)
	newLeaf.Records = append([]page.Record(nil), temp[split:]...)
	newLeaf.RightSibling = leaf.RightSibling
	leaf.RightSibling = newLeafPage
	newLeaf.ParentPage = leaf.ParentPage

	if err := t.writeNode(leafPage, leaf); err != nil {
		return err
	}
	if err := t.writeNode(newLeafPage, newLeaf); err != nil {
		return err
	}

	t.logf("insert_into_leaf_after_splitting left=%d right=%d key=%d", leafPage, newLeafPage, newLeaf.Records[0].Key)
	return t.insertIntoParent(leafPage, leaf.ParentPage, newLeaf.Records[0].Key, newLeafPage)
}

// insertIntoParent wires a freshly split right-hand page into the
// parent of leftPage (parentPage), recursing upward (and possibly
// growing a new root) when the parent itself is full.
func (t *Tree) insertIntoParent(leftPage, parentPage page.ID, key uint64, rightPage page.ID) error {
	if parentPage == page.Invalid {
		return t.insertIntoNewRoot(leftPage, key, rightPage)
	}

	parent, err := t.readNode(parentPage)
	if err != nil {
		return err
	}

	if len(parent.Entries) < t.InternalOrder {
		return t.insertIntoNode(parentPage, parent, leftPage, key, rightPage)
	}
	return t.insertIntoNodeAfterSplitting(parentPage, parent, leftPage, key, rightPage)
}

func (t *Tree) insertIntoNewRoot(leftPage page.ID, key uint64, rightPage page.ID) error {
	rootPage, root, err := t.allocNode(false)
	if err != nil {
		return err
	}
	root.Entries = []page.Entry{{Child: leftPage}, {Key: key, Child: rightPage}}
	if err := t.writeNode(rootPage, root); err != nil {
		return err
	}
	if err := t.setParent(leftPage, rootPage); err != nil {
		return err
	}
	if err := t.setParent(rightPage, rootPage); err != nil {
		return err
	}
	t.logf("insert_into_new_root root=%d key=%d", rootPage, key)
	return t.File.SetRootPage(rootPage)
}

func (t *Tree) setParent(childPage, parentPage page.ID) error {
	n, err := t.readNode(childPage)
	if err != nil {
		return err
	}
	n.ParentPage = parentPage
	return t.writeNode(childPage, n)
}

func entryIndexForChild(entries []page.Entry, childPage page.ID) int {
	for i, e := range entries {
		if e.Child == childPage {
			return i
		}
	}
	return -1
}

func (t *Tree) insertIntoNode(parentPage page.ID, parent *page.Node, leftPage page.ID, key uint64, rightPage page.ID) error {
	idx := entryIndexForChild(parent.Entries, leftPage)
	out := make([]page.Entry, 0, len(parent.Entries)+1)
	out = append(out, parent.Entries[:idx+1]...)
	out = append(out, page.Entry{Key: key, Child: rightPage})
	out = append(out, parent.Entries[idx+1:]...)
	parent.Entries = out
	if err := t.writeNode(parentPage, parent); err != nil {
		return err
	}
	return t.setParent(rightPage, parentPage)
}

// splitEntries divides temp (a full internal entry list: temp[0] is
// the unkeyed leftmost pointer) at split, returning the left half
// as-is, the key to push up to the grandparent, and the right half
// re-based so its own [0] is the unkeyed leftmost pointer.
func splitEntries(temp []page.Entry, split int) (left []page.Entry, pulledKey uint64, right []page.Entry) {
	left = append([]page.Entry(nil), temp[:split]...)
	pulledKey = temp[split].Key
	right = append([]page.Entry{{Child: temp[split].Child}}, temp[split+1:]...)
	return
}

func (t *Tree) insertIntoNodeAfterSplitting(parentPage page.ID, parent *page.Node, leftPage page.ID, key uint64, rightPage page.ID) error {
	idx := entryIndexForChild(parent.Entries, leftPage)
	temp := make([]page.Entry, 0, len(parent.Entries)+1)
	temp = append(temp, parent.Entries[:idx+1]...)
	temp = append(temp, page.Entry{Key: key, Child: rightPage})
	temp = append(temp, parent.Entries[idx+1:]...)

	split := cut(t.InternalOrder)
	leftEntries, pulledKey, rightEntries := splitEntries(temp, split)

	newPage, newNode, err := t.allocNode(false)
	if err != nil {
		return err
	}
	newNode.ParentPage = parent.ParentPage
	newNode.Entries = rightEntries
	parent.Entries = leftEntries

	if err := t.writeNode(parentPage, parent); err != nil {
		return err
	}
	if err := t.writeNode(newPage, newNode); err != nil {
		return err
	}
	for _, e := range rightEntries {
		if err := t.setParent(e.Child, newPage); err != nil {
			return err
		}
	}

	t.logf("insert_into_node_after_splitting left=%d right=%d key=%d", parentPage, newPage, pulledKey)
	return t.insertIntoParent(parentPage, parent.ParentPage, pulledKey, newPage)
}
