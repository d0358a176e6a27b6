package tree

import "github.com/rheehot/bpteng/pkg/storage/page"

// FindRange returns every record with key in [start, end], walking
// the leaf chain from the first qualifying leaf.
func (t *Tree) FindRange(start, end uint64) ([]page.Record, error) {
	var out []page.Record
	it, err := t.RangeScan(start)
	if err != nil {
		return nil, err
	}
	for it.Next() {
		r := it.Record()
		if r.Key > end {
			break
		}
		out = append(out, r)
	}
	return out, it.Err()
}

// Iterator walks the leaf chain in key order starting from a given
// key, used both by range scans and by the join driver.
type Iterator struct {
	t       *Tree
	cur     *page.Node
	idx     int
	started bool
	err     error
}

// RangeScan returns an iterator positioned just before the first
// record with key >= start.
func (t *Tree) RangeScan(start uint64) (*Iterator, error) {
	_, leaf, err := t.findLeaf(start)
	if err != nil {
		return nil, err
	}
	it := &Iterator{t: t, cur: leaf}
	if leaf != nil {
		i := 0
		for i < len(leaf.Records) && leaf.Records[i].Key < start {
			i++
		}
		it.idx = i - 1
	}
	return it, nil
}

// Next advances the iterator, returning false at end of the table or
// on error (check Err after Next returns false).
func (it *Iterator) Next() bool {
	if it.cur == nil {
		return false
	}
	it.idx++
	for it.idx >= len(it.cur.Records) {
		if it.cur.RightSibling == page.Invalid {
			it.cur = nil
			return false
		}
		next, err := it.t.readNode(it.cur.RightSibling)
		if err != nil {
			it.err = err
			it.cur = nil
			return false
		}
		it.cur = next
		it.idx = 0
		if len(it.cur.Records) > 0 {
			break
		}
	}
	return true
}

// Record returns the record at the iterator's current position.
// Valid only after Next returned true.
func (it *Iterator) Record() page.Record { return it.cur.Records[it.idx] }

// Err returns any error encountered while advancing the iterator.
func (it *Iterator) Err() error { return it.err }
