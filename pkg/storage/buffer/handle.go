package buffer

import (
	"github.com/rheehot/bpteng/pkg/storage/file"
	"github.com/rheehot/bpteng/pkg/storage/page"
)

// Handle is a validated user-facing reference to a pinned frame,
// analogous to the original Ubuffer: it remembers (file, pagenum)
// rather than trusting the frame pointer to stay valid, and
// re-resolves through the pool if the frame was recycled out from
// under it.
type Handle struct {
	pool    *Pool
	file    *file.Manager
	pagenum page.ID
	frame   *frame
}

// Page returns the page number this handle refers to.
func (h *Handle) Page() page.ID { return h.pagenum }

// checkAndReload re-pins the correct frame if the one this handle was
// holding has since been recycled for a different page.
func (h *Handle) checkAndReload() error {
	h.pool.mu.Lock()
	stillOurs := h.frame.valid && h.frame.fileID == h.file.ID() && h.frame.pagenum == h.pagenum
	h.pool.mu.Unlock()
	if stillOurs {
		return nil
	}
	fresh, err := h.pool.Buffering(h.file, h.pagenum)
	if err != nil {
		return err
	}
	h.frame = fresh.frame
	return nil
}

// Read invokes fn with the page's current contents under a shared
// lock, validating the handle first.
func (h *Handle) Read(fn func(*page.Raw) error) error {
	if err := h.checkAndReload(); err != nil {
		return err
	}
	h.pool.mu.Lock()
	h.frame.pin++
	h.pool.mu.Unlock()
	h.frame.rw.RLock()
	err := fn(&h.frame.data)
	h.frame.rw.RUnlock()
	h.pool.mu.Lock()
	h.frame.pin--
	h.pool.mu.Unlock()
	return err
}

// Write invokes fn with the page's contents under an exclusive lock,
// validating the handle first, and marks the frame dirty.
func (h *Handle) Write(fn func(*page.Raw) error) error {
	if err := h.checkAndReload(); err != nil {
		return err
	}
	h.pool.mu.Lock()
	h.frame.pin++
	h.pool.mu.Unlock()
	h.frame.rw.Lock()
	err := fn(&h.frame.data)
	h.frame.dirty = true
	h.frame.rw.Unlock()
	h.pool.mu.Lock()
	h.frame.pin--
	h.pool.mu.Unlock()
	return err
}

// ReadNode decodes the page as a Node and passes it to fn.
func (h *Handle) ReadNode(fn func(*page.Node) error) error {
	return h.Read(func(raw *page.Raw) error {
		return fn(page.Load(raw))
	})
}

// WriteNode decodes the page as a Node, lets fn mutate it, then
// re-encodes and marks the frame dirty.
func (h *Handle) WriteNode(fn func(*page.Node) error) error {
	return h.Write(func(raw *page.Raw) error {
		n := page.Load(raw)
		if err := fn(n); err != nil {
			return err
		}
		n.SyncCount()
		page.Store(n, raw)
		return nil
	})
}

// Unpin releases this handle's pin on its frame, making it eligible
// for eviction once its pin count reaches zero.
func (h *Handle) Unpin() {
	h.pool.mu.Lock()
	if h.frame.valid && h.frame.fileID == h.file.ID() && h.frame.pagenum == h.pagenum {
		if h.frame.pin > 0 {
			h.frame.pin--
		}
	}
	h.pool.mu.Unlock()
}
