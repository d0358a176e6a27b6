package engine

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rheehot/bpteng/pkg/storage/buffer"
	"github.com/rheehot/bpteng/pkg/storage/file"
	"github.com/rheehot/bpteng/pkg/storage/page"
	"github.com/rheehot/bpteng/pkg/tree"
	"github.com/rheehot/bpteng/pkg/txn"
)

// TableID identifies one table open within an Engine instance.
type TableID uint32

// Config configures the buffer pool and tree shape an Engine uses for
// every table it opens. A zero BufferCapacity, Policy, Out, LeafOrder
// or InternalOrder falls back to its default (the orders to the
// page-size-derived maximums); DelayedMerge and Verbose are used as
// given.
type Config struct {
	// BufferCapacity is the number of frames in the shared pool.
	BufferCapacity int
	// Policy selects LRU or MRU eviction; nil defaults to LRU.
	Policy buffer.Policy
	// LeafOrder/InternalOrder override the page-size-derived maximums,
	// mainly so tests can exercise the literal small-order scenarios.
	LeafOrder, InternalOrder int
	// DelayedMerge tolerates underfull leaves until they are empty.
	DelayedMerge bool
	// Verbose gates diagnostic output to Out.
	Verbose bool
	Out     io.Writer
}

func (c Config) withDefaults() Config {
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = 64
	}
	if c.Policy == nil {
		c.Policy = buffer.LRU
	}
	if c.Out == nil {
		c.Out = os.Stderr
	}
	return c
}

// table is one open table file, its dedicated tree index, and the
// device that backs it. Engine-level operations always go through
// the shared pool and txn manager, never directly through these
// fields.
type table struct {
	id   TableID
	path string
	file *file.Manager
	dev  file.BlockDevice
	tree *tree.Tree
}

// Engine is a single-database-instance: one buffer pool, one
// transaction coordinator, shared across every table it opens. A
// process hosting multiple databases constructs one Engine per
// database, never a shared process-wide singleton.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	nextID  TableID
	tables  map[TableID]*table
	byPath  map[string]TableID

	pool *buffer.Pool
	txns *txn.Manager

	sessionID uuid.UUID
}

// New constructs an Engine with its own buffer pool and transaction
// coordinator.
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	pool := buffer.NewPool(cfg.BufferCapacity, cfg.Policy)
	return &Engine{
		cfg:       cfg,
		tables:    make(map[TableID]*table),
		byPath:    make(map[string]TableID),
		pool:      pool,
		txns:      txn.NewManager(pool),
		sessionID: uuid.New(),
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.cfg.Verbose && e.cfg.Out != nil {
		fmt.Fprintf(e.cfg.Out, "engine[%s]: "+format+"\n", append([]any{e.sessionID}, args...)...)
	}
}

// openDevice opens (or creates) the on-disk block device at path. It
// is a package-level var so tests can substitute an in-memory device
// factory without touching disk.
var openDevice = func(path string) (file.BlockDevice, bool, error) {
	_, statErr := os.Stat(path)
	create := os.IsNotExist(statErr)
	dev, err := file.OpenDiskDevice(path, create)
	return dev, create, err
}

// OpenTable opens path as a table file (creating it if it doesn't
// exist) and returns a TableID for subsequent operations. Opening the
// same path twice returns the same TableID.
func (e *Engine) OpenTable(path string) (TableID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byPath[path]; ok {
		return id, nil
	}

	dev, created, err := openDevice(path)
	if err != nil {
		return 0, wrap(KindIO, errors.Wrapf(err, "engine: open device %s", path))
	}

	var fm *file.Manager
	if created {
		fm, err = file.Create(path, dev)
	} else {
		fm, err = file.Open(path, dev)
	}
	if err != nil {
		return 0, wrap(KindIO, err)
	}
	e.pool.Register(fm)

	t := tree.New(fm, e.pool)
	if e.cfg.LeafOrder > 0 {
		t.LeafOrder = e.cfg.LeafOrder
	}
	if e.cfg.InternalOrder > 0 {
		t.InternalOrder = e.cfg.InternalOrder
	}
	t.DelayedMerge = e.cfg.DelayedMerge
	t.Verbose = e.cfg.Verbose
	t.Out = e.cfg.Out

	e.nextID++
	id := e.nextID
	e.tables[id] = &table{id: id, path: path, file: fm, dev: dev, tree: t}
	e.byPath[path] = id

	e.logf("open_table path=%s id=%d", path, id)
	return id, nil
}

func (e *Engine) table(id TableID) (*table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[id]
	if !ok {
		return nil, ErrTableNotOpen
	}
	return t, nil
}

// CloseTable flushes and releases every cached page of table id, then
// closes its underlying device.
func (e *Engine) CloseTable(id TableID) error {
	t, err := e.table(id)
	if err != nil {
		return err
	}
	if err := e.pool.ReleaseFile(t.file); err != nil {
		return wrap(KindIO, err)
	}
	if err := t.dev.Close(); err != nil {
		return wrap(KindIO, err)
	}
	e.mu.Lock()
	delete(e.tables, id)
	delete(e.byPath, t.path)
	e.mu.Unlock()
	e.logf("close_table id=%d", id)
	return nil
}

// Shutdown flushes every dirty frame across every open table and
// stops the lock manager's background detector ticker.
func (e *Engine) Shutdown() error {
	e.txns.Locks().Close()
	return e.pool.Shutdown()
}

// BeginTrx starts a new transaction and returns its id.
func (e *Engine) BeginTrx() uint64 {
	id := e.txns.Begin()
	e.logf("begin_trx id=%d", id)
	return id
}

// CommitTrx releases every lock id holds and forgets the transaction.
func (e *Engine) CommitTrx(id uint64) error {
	err := e.txns.End(id)
	e.logf("commit_trx id=%d err=%v", id, err)
	return wrap(KindStructural, err)
}

// AbortTrx replays id's undo log and releases its locks.
func (e *Engine) AbortTrx(id uint64) error {
	err := e.txns.Abort(id)
	e.logf("abort_trx id=%d err=%v", id, err)
	return wrap(KindStructural, err)
}

// Find returns the value stored under key in table tableID, holding a
// shared lock on the record's slot for the duration of trxID.
func (e *Engine) Find(tableID TableID, key uint64, trxID uint64) ([page.RecordValueSize]byte, error) {
	var zero [page.RecordValueSize]byte
	t, err := e.table(tableID)
	if err != nil {
		return zero, err
	}

	leafPage, slot, err := t.tree.Locate(key)
	if err != nil {
		return zero, wrap(KindStructural, err)
	}

	hid := hidFor(tableID, leafPage, slot)
	if err := e.txns.RequireLock(trxID, hid, sharedMode); err != nil {
		return zero, wrap(KindAborted, err)
	}

	value, err := t.tree.Find(key)
	if err != nil {
		return zero, wrap(KindStructural, err)
	}
	return value, nil
}

// Update overwrites the value stored under key in table tableID,
// recording the before-image in trxID's undo log first so an abort
// can restore it.
func (e *Engine) Update(tableID TableID, key uint64, value [page.RecordValueSize]byte, trxID uint64) error {
	t, err := e.table(tableID)
	if err != nil {
		return err
	}

	leafPage, slot, err := t.tree.Locate(key)
	if err != nil {
		return wrap(KindStructural, err)
	}

	hid := hidFor(tableID, leafPage, slot)
	if err := e.txns.RequireLock(trxID, hid, exclusiveMode); err != nil {
		return wrap(KindAborted, err)
	}

	before, err := t.tree.Find(key)
	if err != nil {
		return wrap(KindStructural, err)
	}
	if err := e.txns.RecordUndo(trxID, undoEntry(t.file, leafPage, slot, before)); err != nil {
		return wrap(KindAborted, err)
	}

	h, err := e.pool.Buffering(t.file, leafPage)
	if err != nil {
		return wrap(KindIO, err)
	}
	defer h.Unpin()
	err = h.WriteNode(func(n *page.Node) error {
		if slot < 0 || slot >= len(n.Records) || n.Records[slot].Key != key {
			return tree.ErrKeyNotFound
		}
		n.Records[slot].Value = value
		return nil
	})
	if err != nil {
		return wrap(KindStructural, err)
	}
	e.logf("update table=%d key=%d trx=%d", tableID, key, trxID)
	return nil
}

// Insert adds a record to table tableID outside of any transaction:
// the administrative path used by bulk load and the CLI's
// non-transactional insert subcommand.
func (e *Engine) Insert(tableID TableID, key uint64, value [page.RecordValueSize]byte) error {
	t, err := e.table(tableID)
	if err != nil {
		return err
	}
	if err := t.tree.Insert(key, value); err != nil {
		return wrap(KindStructural, err)
	}
	return nil
}

// Delete removes key's record from table tableID outside of any
// transaction.
func (e *Engine) Delete(tableID TableID, key uint64) error {
	t, err := e.table(tableID)
	if err != nil {
		return err
	}
	if err := t.tree.Delete(key); err != nil {
		return wrap(KindStructural, err)
	}
	return nil
}

// RangeScan returns an iterator over table tableID for use by the
// join driver or a direct range query, bypassing the lock manager
// (range scans are read-only administrative operations here, mirroring
// insert/delete).
func (e *Engine) RangeScan(tableID TableID, start uint64) (*tree.Iterator, error) {
	t, err := e.table(tableID)
	if err != nil {
		return nil, err
	}
	return t.tree.RangeScan(start)
}

// FindRange returns every record in [start, end] from table tableID.
func (e *Engine) FindRange(tableID TableID, start, end uint64) ([]page.Record, error) {
	t, err := e.table(tableID)
	if err != nil {
		return nil, err
	}
	recs, err := t.tree.FindRange(start, end)
	if err != nil {
		return nil, wrap(KindStructural, err)
	}
	return recs, nil
}
