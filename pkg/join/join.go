// Package join implements the engine's one query operator: an
// in-memory hash equi-join over two B+ tree range scans. It is an
// external collaborator rather than core engine machinery, so it
// stays deliberately simple: single pass, no spill-to-disk.
package join

import "github.com/rheehot/bpteng/pkg/storage/page"

// Pair is one matched (left, right) record from a join.
type Pair struct {
	Left  page.Record
	Right page.Record
}

// iterator is the subset of tree.Iterator this package needs,
// expressed as an interface so it doesn't import pkg/tree (keeping
// the dependency direction query-driver -> index, not the reverse).
type iterator interface {
	Next() bool
	Record() page.Record
	Err() error
}

// HashJoin matches records from build and probe whose keys are equal,
// by first draining build into an in-memory hash table keyed on
// record key, then streaming probe and looking up each key. Which
// side to hash is left to the caller: pass the smaller iterator as
// build.
func HashJoin(build, probe iterator) ([]Pair, error) {
	index := make(map[uint64][]page.Record)
	for build.Next() {
		r := build.Record()
		index[r.Key] = append(index[r.Key], r)
	}
	if err := build.Err(); err != nil {
		return nil, err
	}

	var out []Pair
	for probe.Next() {
		r := probe.Record()
		for _, match := range index[r.Key] {
			out = append(out, Pair{Left: match, Right: r})
		}
	}
	if err := probe.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
