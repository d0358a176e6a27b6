// Package txn implements the transaction coordinator: transaction
// lifecycle, lock-acquisition bookkeeping per transaction, and
// undo-log-based abort.
package txn

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/rheehot/bpteng/pkg/lock"
	"github.com/rheehot/bpteng/pkg/storage/buffer"
	"github.com/rheehot/bpteng/pkg/storage/file"
	"github.com/rheehot/bpteng/pkg/storage/page"
)

// State is a transaction's lifecycle state.
type State int

const (
	Idle State = iota
	Running
	Waiting
	Aborted
)

// ErrUnknownTxn is returned when an operation names a transaction id
// the manager has no record of (never began, or already ended).
var ErrUnknownTxn = errors.New("txn: unknown transaction id")

// UndoEntry is one before-image recorded prior to an in-place record
// write, so abort can restore it.
type UndoEntry struct {
	File   *file.Manager
	Page   page.ID
	Slot   int
	Before [page.RecordValueSize]byte
}

// Transaction is one active unit of work: its held locks and the
// before-images needed to undo its writes on abort.
type Transaction struct {
	ID    uint64
	mu    sync.Mutex
	state State
	locks map[lock.HID]*lock.Lock
	log   []UndoEntry

	// waitActive/waitHID name the lock this transaction is currently
	// blocked acquiring (if any), so a concurrent Abort, typically
	// driven by the deadlock detector, can unblock the in-flight
	// Acquire call via Manager.AbortWaiter rather than only releasing
	// locks already held.
	waitActive bool
	waitHID    lock.HID
}

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// RecordUndo appends a before-image to the transaction's undo log.
// Reached through Manager.RecordUndo, which the engine calls
// immediately before it overwrites a record in place.
func (t *Transaction) RecordUndo(e UndoEntry) {
	t.mu.Lock()
	t.log = append(t.log, e)
	t.mu.Unlock()
}

// Manager is the transaction coordinator: it owns every active
// Transaction and the lock manager they acquire through.
type Manager struct {
	mu     sync.Mutex
	lockMgr *lock.Manager
	pool   *buffer.Pool
	lastID uint64
	txns   map[uint64]*Transaction
}

// NewManager constructs a transaction coordinator backed by pool (for
// undo replay on abort) and wires its own lock manager so deadlock
// victims abort through this coordinator.
func NewManager(pool *buffer.Pool) *Manager {
	m := &Manager{
		pool: pool,
		txns: make(map[uint64]*Transaction),
	}
	m.lockMgr = lock.NewManager(func(txnID uint64) {
		_ = m.Abort(txnID)
	})
	return m
}

// Locks exposes the underlying lock manager for the engine layer to
// pass into Acquire/Release calls that aren't transaction-scoped
// (none currently are, but this keeps the seam explicit).
func (m *Manager) Locks() *lock.Manager { return m.lockMgr }

// Begin starts a new transaction and returns its id.
func (m *Manager) Begin() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	if m.lastID == 0 {
		m.lastID = 1
	}
	id := m.lastID
	m.txns[id] = &Transaction{ID: id, state: Running, locks: make(map[lock.HID]*lock.Lock)}
	return id
}

func (m *Manager) get(id uint64) (*Transaction, error) {
	m.mu.Lock()
	t, ok := m.txns[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownTxn
	}
	return t, nil
}

// RequireLock acquires hid in mode on behalf of txn id, elevating an
// already-held weaker lock rather than double-acquiring.
func (m *Manager) RequireLock(id uint64, hid lock.HID, mode lock.Mode) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.state == Aborted {
		t.mu.Unlock()
		return lock.ErrAborted
	}
	existing, held := t.locks[hid]
	t.mu.Unlock()

	if held {
		if existing.Mode == mode || (existing.Mode == lock.Exclusive && mode == lock.Shared) {
			return nil
		}
		t.mu.Lock()
		t.waitActive = true
		t.waitHID = hid
		t.mu.Unlock()
		elevated, err := m.lockMgr.Elevate(existing, lock.Exclusive)
		t.mu.Lock()
		defer t.mu.Unlock()
		t.waitActive = false
		if err != nil {
			return err
		}
		if t.state == Running {
			t.locks[hid] = elevated
		}
		return nil
	}

	t.mu.Lock()
	t.state = Waiting
	t.waitActive = true
	t.waitHID = hid
	t.mu.Unlock()

	l, err := m.lockMgr.Acquire(id, hid, mode)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitActive = false
	if err != nil {
		return err
	}
	if t.state == Running || t.state == Waiting {
		t.state = Running
		t.locks[hid] = l
	}
	return nil
}

// RecordUndo appends a before-image to id's undo log, called by the
// engine immediately before it overwrites a record in place on id's
// behalf.
func (m *Manager) RecordUndo(id uint64, e UndoEntry) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	t.RecordUndo(e)
	return nil
}

// ReleaseLocks releases every lock id's transaction holds, in
// preparation for commit or as the tail end of abort.
func (m *Manager) ReleaseLocks(id uint64) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	locks := make([]*lock.Lock, 0, len(t.locks))
	for _, l := range t.locks {
		locks = append(locks, l)
	}
	t.locks = make(map[lock.HID]*lock.Lock)
	t.mu.Unlock()
	for _, l := range locks {
		m.lockMgr.Release(l)
	}
	return nil
}

// End commits id: releases its locks and forgets the transaction.
// There is no durable log to flush; commit is simply the point after
// which the transaction's writes are no longer subject to undo.
func (m *Manager) End(id uint64) error {
	if err := m.ReleaseLocks(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.txns, id)
	m.mu.Unlock()
	return nil
}

// Abort rolls id back: replays its undo log in reverse order (so a
// location written more than once ends up at its oldest value),
// releases its locks, and forgets the transaction.
func (m *Manager) Abort(id uint64) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.state = Aborted
	log := t.log
	t.log = nil
	waitActive := t.waitActive
	waitHID := t.waitHID
	t.mu.Unlock()

	// If id is currently blocked inside Acquire (the common case for a
	// deadlock victim), wake that call now rather than only releasing
	// locks id already holds, otherwise the blocked goroutine waits
	// forever on a lock this abort will never grant.
	if waitActive {
		m.lockMgr.AbortWaiter(id, waitHID)
	}

	for i := len(log) - 1; i >= 0; i-- {
		e := log[i]
		h, err := m.pool.Buffering(e.File, e.Page)
		if err != nil {
			return err
		}
		err = h.WriteNode(func(n *page.Node) error {
			if e.Slot < 0 || e.Slot >= len(n.Records) {
				return nil
			}
			n.Records[e.Slot].Value = e.Before
			return nil
		})
		h.Unpin()
		if err != nil {
			return err
		}
	}

	if err := m.ReleaseLocks(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.txns, id)
	m.mu.Unlock()
	return nil
}
