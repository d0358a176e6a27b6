// Package lock implements strict two-phase locking over lockable
// record/page identities, with an on-demand deadlock detector. The
// wait queue preserves arrival order and wakes contiguous SHARED
// waiters together, so a waiting EXCLUSIVE request is never starved
// by a steady stream of compatible SHARED requests jumping ahead.
package lock

import (
	"sync"
	"time"
)

// Wait is the adaptive polling interval used by the deadlock detector,
// matching the original's LOCK_WAIT constant (tens of milliseconds).
var Wait = 50 * time.Millisecond

// Mode is the mode a lock is requested or held in.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// moduleState is the aggregate state of a lockable object's module:
// idle (no holders), shared (one or more shared holders), or
// exclusive (one holder).
type moduleState int

const (
	stateIdle moduleState = iota
	stateShared
	stateExclusive
)

// HID (hierarchical id) names a single lockable record: which table
// file, which page, which slot within the page.
type HID struct {
	Table  uint32
	Page   uint64
	Record int
}

// Lock is one held-or-waiting request against an HID.
type Lock struct {
	HID     HID
	Mode    Mode
	TxnID   uint64
	waiting bool
}

// module is the run/wait queues for one HID, created lazily on first
// request and discarded once both queues drain.
type module struct {
	state moduleState
	run   []*Lock
	wait  []*Lock
}

func lockable(m *module, mode Mode) bool {
	if len(m.wait) > 0 {
		return false
	}
	if m.state == stateIdle {
		return true
	}
	return m.state == stateShared && mode == Shared
}

// AbortFunc aborts the named transaction; installed by the
// transaction coordinator so the detector can resolve a deadlock
// without this package importing txn (which would be a cycle).
type AbortFunc func(txnID uint64)

// Manager owns every lockable object's module and the shared deadlock
// detector that polls them.
type Manager struct {
	mu       sync.Mutex
	cond     *sync.Cond
	modules  map[HID]*module
	detector *DeadlockDetector
	abort    AbortFunc
	stop     chan struct{}
}

// NewManager constructs a lock manager and starts its background
// detector-wake ticker. abort is invoked (outside the manager's own
// mutex) for every transaction the detector selects as a deadlock
// victim. Call Close to stop the ticker.
func NewManager(abort AbortFunc) *Manager {
	lm := &Manager{
		modules:  make(map[HID]*module),
		detector: newDeadlockDetector(),
		abort:    abort,
		stop:     make(chan struct{}),
	}
	lm.cond = sync.NewCond(&lm.mu)
	go lm.ticker()
	return lm
}

// ticker periodically wakes every blocked Acquire call so it can
// re-check whether the deadlock detector should run, matching the
// original's cv.wait_for(own, LOCK_WAIT, ...) polling loop.
func (lm *Manager) ticker() {
	t := time.NewTicker(Wait)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			lm.mu.Lock()
			lm.cond.Broadcast()
			lm.mu.Unlock()
		case <-lm.stop:
			return
		}
	}
}

// Close stops the background ticker. Safe to call once.
func (lm *Manager) Close() {
	close(lm.stop)
}

// Acquire blocks until txnID holds hid in mode, or returns an error if
// the transaction is aborted (including as a deadlock victim) while
// waiting. Acquire does not look at locks txnID already holds: a
// second request is queued like any other, and upgrading a held
// lock goes through Elevate.
func (lm *Manager) Acquire(txnID uint64, hid HID, mode Mode) (*Lock, error) {
	lm.mu.Lock()
	m, ok := lm.modules[hid]
	if !ok {
		m = &module{}
		lm.modules[hid] = m
	}

	l := &Lock{HID: hid, Mode: mode, TxnID: txnID}

	if lockable(m, mode) {
		m.run = append(m.run, l)
		m.state = stateExclusive
		if mode == Shared {
			m.state = stateShared
		}
		lm.mu.Unlock()
		return l, nil
	}

	l.waiting = true
	m.wait = append(m.wait, l)
	for l.waiting {
		lm.cond.Wait()
		if !l.waiting {
			break
		}
		victims := lm.detector.poll(lm.snapshotLocked())
		if len(victims) > 0 {
			lm.mu.Unlock()
			for _, v := range victims {
				lm.abort(v)
			}
			lm.mu.Lock()
		}
	}

	aborted := l.TxnID == abortedMarker
	lm.mu.Unlock()
	if aborted {
		return nil, ErrAborted
	}
	return l, nil
}

const abortedMarker = ^uint64(0)

// AbortWaiter marks txnID's pending request on hid as aborted if it
// is still sitting on that module's wait queue, waking the blocked
// Acquire call so it returns ErrAborted instead of waiting for a
// grant that will never come. A no-op if txnID holds hid's lock
// already (nothing to wake) or isn't waiting on hid at all.
func (lm *Manager) AbortWaiter(txnID uint64, hid HID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	m, ok := lm.modules[hid]
	if !ok {
		return
	}
	for _, l := range m.wait {
		if l.TxnID == txnID && l.waiting {
			l.TxnID = abortedMarker
			l.waiting = false
			m.wait = removeLock(m.wait, l)
			lm.cond.Broadcast()
			return
		}
	}
}

// Release releases l, dropping it from the run queue (or from the
// wait queue if it was still waiting). Once the run queue is empty,
// the head of the wait queue is granted: every contiguous SHARED
// waiter together, or the single EXCLUSIVE waiter at the head.
func (lm *Manager) Release(l *Lock) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	m, ok := lm.modules[l.HID]
	if !ok {
		return
	}
	if l.waiting {
		m.wait = removeLock(m.wait, l)
	} else {
		m.run = removeLock(m.run, l)
	}
	if len(m.run) > 0 {
		return
	}
	if len(m.wait) == 0 {
		m.state = stateIdle
		delete(lm.modules, l.HID)
		return
	}
	head := m.wait[0]
	if head.Mode == Shared {
		i := 0
		for i < len(m.wait) && m.wait[i].Mode == Shared {
			i++
		}
		woken := m.wait[:i]
		m.wait = m.wait[i:]
		m.run = append(m.run, woken...)
		m.state = stateShared
		for _, w := range woken {
			w.waiting = false
		}
	} else {
		m.wait = m.wait[1:]
		m.run = append(m.run, head)
		m.state = stateExclusive
		head.waiting = false
	}
	lm.cond.Broadcast()
}

// Elevate upgrades an already-held lock to a stronger mode: release
// then re-acquire. Another transaction's request can be granted
// between the release and the re-acquire.
func (lm *Manager) Elevate(l *Lock, mode Mode) (*Lock, error) {
	lm.Release(l)
	return lm.Acquire(l.TxnID, l.HID, mode)
}

func removeLock(s []*Lock, target *Lock) []*Lock {
	for i, l := range s {
		if l == target {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// snapshotLocked returns a point-in-time view of every module's run
// and wait queues, for the deadlock detector to build a wait-for
// graph from. Caller holds lm.mu.
func (lm *Manager) snapshotLocked() map[HID]moduleSnapshot {
	out := make(map[HID]moduleSnapshot, len(lm.modules))
	for hid, m := range lm.modules {
		snap := moduleSnapshot{}
		for _, l := range m.run {
			snap.run = append(snap.run, l.TxnID)
		}
		for _, l := range m.wait {
			snap.wait = append(snap.wait, l.TxnID)
		}
		out[hid] = snap
	}
	return out
}

type moduleSnapshot struct {
	run  []uint64
	wait []uint64
}
