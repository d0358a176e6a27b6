package lock

import (
	"sync"
	"time"
)

// node is one transaction's position in the wait-for graph: prev is
// the set of transactions it is waiting on (its dependencies), next
// is the set of transactions waiting on it.
type node struct {
	prev map[uint64]struct{}
	next map[uint64]struct{}
}

func newNode() *node {
	return &node{prev: map[uint64]struct{}{}, next: map[uint64]struct{}{}}
}

func (n *node) refcount() int { return len(n.prev) }
func (n *node) outcount() int { return len(n.next) }

// DeadlockDetector builds an on-demand wait-for graph from a lock
// manager snapshot and picks victims to abort when it finds a cycle.
type DeadlockDetector struct {
	mu       sync.Mutex
	unit     time.Duration
	lastUsed time.Time
}

func newDeadlockDetector() *DeadlockDetector {
	return &DeadlockDetector{unit: Wait, lastUsed: time.Time{}}
}

// schedule reports whether enough time has elapsed since the last
// detection pass to run another one, growing the interval after every
// clean pass so a busy system doesn't pay for constant graph walks.
func (d *DeadlockDetector) schedule() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if !d.lastUsed.IsZero() && now.Sub(d.lastUsed) < d.unit {
		return false
	}
	d.lastUsed = now
	return true
}

func (d *DeadlockDetector) growUnit() {
	d.mu.Lock()
	d.unit += Wait
	d.mu.Unlock()
}

func (d *DeadlockDetector) resetUnit() {
	d.mu.Lock()
	d.unit = Wait
	d.mu.Unlock()
}

// poll runs one detection pass over snapshot if scheduling allows,
// returning the transaction ids to abort (empty if none or not due).
func (d *DeadlockDetector) poll(snapshot map[HID]moduleSnapshot) []uint64 {
	if !d.schedule() {
		return nil
	}
	return d.findCycle(constructGraph(snapshot))
}

func constructGraph(snapshot map[HID]moduleSnapshot) map[uint64]*node {
	graph := make(map[uint64]*node)
	ensure := func(id uint64) *node {
		n, ok := graph[id]
		if !ok {
			n = newNode()
			graph[id] = n
		}
		return n
	}
	for _, m := range snapshot {
		for _, runID := range m.run {
			for _, waitID := range m.wait {
				if runID == waitID {
					continue
				}
				ensure(runID).next[waitID] = struct{}{}
				ensure(waitID).prev[runID] = struct{}{}
			}
		}
	}
	return graph
}

// reduce removes xid from graph, unlinking it from every neighbor,
// then cascades to any neighbor left with zero remaining
// dependencies: such a node cannot be part of a cycle.
func reduce(graph map[uint64]*node, xid uint64) {
	n, ok := graph[xid]
	if !ok {
		return
	}
	delete(graph, xid)
	neighbors := make([]uint64, 0, len(n.prev)+len(n.next))
	for id := range n.prev {
		neighbors = append(neighbors, id)
	}
	for id := range n.next {
		neighbors = append(neighbors, id)
	}
	for _, id := range neighbors {
		if nb, ok := graph[id]; ok {
			delete(nb.next, xid)
			delete(nb.prev, xid)
		}
	}
	for _, id := range neighbors {
		if nb, ok := graph[id]; ok && nb.refcount() == 0 {
			reduce(graph, id)
		}
	}
}

// findCycle repeatedly strips zero-refcount nodes (transactions
// waiting on nothing, so not part of any cycle). If the graph empties
// there was no deadlock; otherwise what remains is one or more
// cycles and choose_abort picks victims to break them.
func (d *DeadlockDetector) findCycle(graph map[uint64]*node) []uint64 {
	for {
		progressed := false
		for xid, n := range graph {
			if n.refcount() == 0 {
				reduce(graph, xid)
				progressed = true
				break
			}
		}
		if !progressed {
			break
		}
	}
	if len(graph) == 0 {
		d.growUnit()
		return nil
	}
	d.resetUnit()
	return chooseAbort(graph)
}

// chooseAbort repeatedly picks the node with the highest refcount
// (ties broken by highest outcount) as a victim, removes it, and
// repeats until the residual graph is empty.
func chooseAbort(graph map[uint64]*node) []uint64 {
	var victims []uint64
	for len(graph) > 0 {
		var best uint64
		var bestNode *node
		first := true
		for xid, n := range graph {
			if first {
				best, bestNode, first = xid, n, false
				continue
			}
			if n.refcount() > bestNode.refcount() ||
				(n.refcount() == bestNode.refcount() && n.outcount() > bestNode.outcount()) {
				best, bestNode = xid, n
			}
		}
		victims = append(victims, best)
		reduce(graph, best)
	}
	return victims
}
