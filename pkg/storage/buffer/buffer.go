// Package buffer implements the page cache sitting between the B+
// tree and the file manager: pinned frames with dirty tracking,
// LRU/MRU eviction, and validated user-buffer handles, generalizing a
// CLOCK-style pin/latch discipline to an explicit LRU/MRU usage chain.
package buffer

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/rheehot/bpteng/pkg/storage/file"
	"github.com/rheehot/bpteng/pkg/storage/page"
)

// ErrPoolFull is returned when every frame is pinned and none can be
// evicted to satisfy a new request.
var ErrPoolFull = errors.New("buffer: pool full, all frames pinned")

// ErrStaleHandle names a Handle whose frame has been recycled for a
// different (file, page). Handle methods do not return it: they
// re-resolve the page through the pool instead.
var ErrStaleHandle = errors.New("buffer: handle refers to a recycled frame")

type key struct {
	fileID file.ID
	page   page.ID
}

func (k key) hash() uint64 {
	var b [12]byte
	for i := 0; i < 4; i++ {
		b[i] = byte(k.fileID >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		b[4+i] = byte(k.page >> (8 * i))
	}
	return xxhash.Sum64(b[:])
}

// frame is one slot of the buffer pool.
type frame struct {
	data    page.Raw
	fileID  file.ID
	pagenum page.ID
	valid   bool
	dirty   bool
	pin     int32
	rw      sync.RWMutex

	prevUse, nextUse *frame // LRU/MRU intrusive usage chain
}

// Policy selects which frame to evict next. LRU and MRU are the two
// concrete strategies provided; both are stateless and operate purely
// off the pool's usage chain.
type Policy interface {
	// Victim returns the next candidate frame to evict, walking the
	// usage chain from the policy's end, skipping pinned frames.
	Victim(p *Pool) *frame
}

type lruPolicy struct{}

func (lruPolicy) Victim(p *Pool) *frame {
	for f := p.lru; f != nil; f = f.nextUse {
		if f.pin == 0 {
			return f
		}
	}
	return nil
}

type mruPolicy struct{}

func (mruPolicy) Victim(p *Pool) *frame {
	for f := p.mru; f != nil; f = f.prevUse {
		if f.pin == 0 {
			return f
		}
	}
	return nil
}

// LRU evicts the least-recently-used unpinned frame.
var LRU Policy = lruPolicy{}

// MRU evicts the most-recently-used unpinned frame.
var MRU Policy = mruPolicy{}

// Pool is the fixed-capacity buffer pool shared by every open table.
// The page->frame lookup is a bucketed hash table: index maps an
// xxhash bucket to every frame currently hashing into it, so two
// distinct (fileID, pagenum) pairs that collide on the hash still
// resolve to their own frame rather than aliasing.
type Pool struct {
	mu       sync.Mutex
	policy   Policy
	frames   []*frame
	free     []*frame
	index    map[uint64][]*frame
	files    map[file.ID]*file.Manager
	lru, mru *frame
}

// NewPool allocates a pool of capacity frames using the given
// eviction policy.
func NewPool(capacity int, policy Policy) *Pool {
	p := &Pool{
		policy: policy,
		frames: make([]*frame, capacity),
		index:  make(map[uint64][]*frame, capacity),
		files:  make(map[file.ID]*file.Manager),
	}
	for i := range p.frames {
		f := &frame{}
		p.frames[i] = f
		p.free = append(p.free, f)
	}
	return p
}

// bucketFind returns the frame in index[bucket] matching k, if any.
// Caller holds p.mu.
func (p *Pool) bucketFind(bucket uint64, k key) *frame {
	for _, f := range p.index[bucket] {
		if f.fileID == k.fileID && f.pagenum == k.page {
			return f
		}
	}
	return nil
}

// bucketAdd appends f to index[bucket]. Caller holds p.mu.
func (p *Pool) bucketAdd(bucket uint64, f *frame) {
	p.index[bucket] = append(p.index[bucket], f)
}

// bucketRemove drops k's entry from index[bucket], if present. Caller
// holds p.mu.
func (p *Pool) bucketRemove(bucket uint64, k key) {
	bk := p.index[bucket]
	for i, f := range bk {
		if f.fileID == k.fileID && f.pagenum == k.page {
			bk = append(bk[:i], bk[i+1:]...)
			break
		}
	}
	if len(bk) == 0 {
		delete(p.index, bucket)
		return
	}
	p.index[bucket] = bk
}

// Register associates a file id with the Manager used to back misses
// and evictions for pages from that file.
func (p *Pool) Register(m *file.Manager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[m.ID()] = m
}

// unlink removes f from the usage chain; caller holds p.mu.
func (p *Pool) unlink(f *frame) {
	if f.prevUse != nil {
		f.prevUse.nextUse = f.nextUse
	} else if p.lru == f {
		p.lru = f.nextUse
	}
	if f.nextUse != nil {
		f.nextUse.prevUse = f.prevUse
	} else if p.mru == f {
		p.mru = f.prevUse
	}
	f.prevUse, f.nextUse = nil, nil
}

// touchMRU moves f to the most-recently-used end; caller holds p.mu.
func (p *Pool) touchMRU(f *frame) {
	if p.mru == f {
		return
	}
	p.unlink(f)
	f.prevUse = p.mru
	if p.mru != nil {
		p.mru.nextUse = f
	}
	p.mru = f
	if p.lru == nil {
		p.lru = f
	}
}

// evict picks a victim via the pool's policy, flushing it if dirty,
// and returns it ready for reuse. Caller holds p.mu.
func (p *Pool) evict() (*frame, error) {
	f := p.policy.Victim(p)
	if f == nil {
		return nil, ErrPoolFull
	}
	if f.dirty {
		m, ok := p.files[f.fileID]
		if ok {
			if err := m.PageWrite(f.pagenum, &f.data); err != nil {
				return nil, err
			}
		}
		f.dirty = false
	}
	p.bucketRemove(key{f.fileID, f.pagenum}.hash(), key{f.fileID, f.pagenum})
	p.unlink(f)
	f.valid = false
	return f, nil
}

// fetchLocked returns the frame for (fileID, pagenum), loading it from
// m on a miss. Caller holds p.mu. The returned frame is pinned.
func (p *Pool) fetchLocked(m *file.Manager, pagenum page.ID) (*frame, error) {
	k := key{m.ID(), pagenum}
	bucket := k.hash()
	if f := p.bucketFind(bucket, k); f != nil {
		f.pin++
		p.touchMRU(f)
		return f, nil
	}

	var f *frame
	if n := len(p.free); n > 0 {
		f = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		var err error
		f, err = p.evict()
		if err != nil {
			return nil, err
		}
	}

	if err := m.PageRead(pagenum, &f.data); err != nil {
		p.free = append(p.free, f)
		return nil, err
	}
	f.fileID = m.ID()
	f.pagenum = pagenum
	f.valid = true
	f.dirty = false
	f.pin = 1
	p.bucketAdd(bucket, f)
	p.touchMRU(f)
	return f, nil
}

// NewPage allocates a fresh page via m and returns a pinned, zeroed
// Handle for it.
func (p *Pool) NewPage(m *file.Manager) (*Handle, error) {
	pagenum, err := m.PageCreate()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	f, err := p.fetchLocked(m, pagenum)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()
	f.rw.Lock()
	for i := range f.data {
		f.data[i] = 0
	}
	f.dirty = true
	f.rw.Unlock()
	return &Handle{pool: p, file: m, pagenum: pagenum, frame: f}, nil
}

// Buffering returns a pinned Handle for (m, pagenum), loading it on a
// miss. This is the Go analogue of BufferManager::buffering.
func (p *Pool) Buffering(m *file.Manager, pagenum page.ID) (*Handle, error) {
	p.mu.Lock()
	f, err := p.fetchLocked(m, pagenum)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &Handle{pool: p, file: m, pagenum: pagenum, frame: f}, nil
}

// FreePage releases pagenum back to m's free list; the caller must
// not hold a pinned handle to it.
func (p *Pool) FreePage(m *file.Manager, pagenum page.ID) error {
	p.mu.Lock()
	k := key{m.ID(), pagenum}
	if f := p.bucketFind(k.hash(), k); f != nil {
		p.bucketRemove(k.hash(), k)
		p.unlink(f)
		f.valid = false
		f.dirty = false
		p.free = append(p.free, f)
	}
	p.mu.Unlock()
	return m.PageFree(pagenum)
}

// ReleaseFile flushes and evicts every frame belonging to m, without
// disturbing frames from other open files.
func (p *Pool) ReleaseFile(m *file.Manager) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.frames {
		if !f.valid || f.fileID != m.ID() {
			continue
		}
		if f.dirty {
			if err := m.PageWrite(f.pagenum, &f.data); err != nil {
				return err
			}
		}
		p.bucketRemove(key{f.fileID, f.pagenum}.hash(), key{f.fileID, f.pagenum})
		p.unlink(f)
		f.valid = false
		f.dirty = false
		p.free = append(p.free, f)
	}
	delete(p.files, m.ID())
	return nil
}

// Shutdown releases every open file's frames, in effect ReleaseFile
// generalized over all registered files.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	managers := make([]*file.Manager, 0, len(p.files))
	for _, m := range p.files {
		managers = append(managers, m)
	}
	p.mu.Unlock()
	for _, m := range managers {
		if err := p.ReleaseFile(m); err != nil {
			return err
		}
	}
	return nil
}
