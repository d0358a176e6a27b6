// Package file implements the on-disk table file: page-addressed
// read/write, page allocation/free-list threading, and a filename
// hash used to derive a stable file id.
package file

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/rheehot/bpteng/pkg/storage/page"
)

// ErrNotFound names a page number with no backing storage. The
// Manager methods do not return it: a read past the end of the device
// is reported as the device's own error, wrapped.
var ErrNotFound = errors.New("file: page not found")

// BlockDevice is the minimal random-access byte device a Manager needs.
// The real implementation is backed by directio.OpenFile for aligned
// disk I/O; tests use an in-memory memfile.File instead.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Size() (int64, error)
	Sync() error
	Close() error
}

// ID identifies a file by the streaming hash of its path, matching
// FileManager::create_filenum in the original disk manager: every
// byte folds into the hash except path separators, which reset it.
// This lets two handles opened by different relative paths to the
// same file agree on identity for buffer-pool bucketing.
type ID uint32

func Hash(name string) ID {
	var hash uint32
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '/' || c == '\\' {
			hash = 0
			continue
		}
		hash = uint32(c) + (hash << 6) + (hash << 16) - hash
	}
	return ID(hash)
}

// Manager is one open table file: page-addressed reads/writes over a
// BlockDevice, with page allocation threaded through a free list
// rooted in the file header (page 0).
type Manager struct {
	mu     sync.Mutex
	dev    BlockDevice
	id     ID
	header page.FileHeader
}

// Create initializes a fresh, empty table file on dev, identified by
// name for hashing purposes, and writes a zeroed header page.
func Create(name string, dev BlockDevice) (*Manager, error) {
	m := &Manager{dev: dev, id: Hash(name)}
	if err := dev.Truncate(page.Size); err != nil {
		return nil, errors.Wrap(err, "file: truncate for create")
	}
	m.header = page.FileHeader{FreePageNumber: page.Invalid, RootPageNumber: page.Invalid, NumberOfPages: 1}
	if err := m.writeHeader(); err != nil {
		return nil, err
	}
	return m, nil
}

// Open attaches to an existing table file, reading its header.
func Open(name string, dev BlockDevice) (*Manager, error) {
	m := &Manager{dev: dev, id: Hash(name)}
	var raw page.Raw
	if _, err := dev.ReadAt(raw[:], 0); err != nil {
		return nil, errors.Wrap(err, "file: read header on open")
	}
	m.header.Decode(&raw)
	return m, nil
}

func (m *Manager) ID() ID { return m.id }

func (m *Manager) writeHeader() error {
	var raw page.Raw
	m.header.Encode(&raw)
	_, err := m.dev.WriteAt(raw[:], 0)
	return errors.Wrap(err, "file: write header")
}

// RootPage returns the current root page number, or page.Invalid if
// the tree is empty.
func (m *Manager) RootPage() page.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header.RootPageNumber
}

// SetRootPage updates the root page number and persists the header.
func (m *Manager) SetRootPage(id page.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.header.RootPageNumber = id
	return m.writeHeader()
}

// PageRead reads page pagenum into dst.
func (m *Manager) PageRead(pagenum page.ID, dst *page.Raw) error {
	_, err := m.dev.ReadAt(dst[:], int64(pagenum)*page.Size)
	if err != nil {
		return errors.Wrapf(err, "file: read page %d", pagenum)
	}
	return nil
}

// PageWrite writes src to page pagenum.
func (m *Manager) PageWrite(pagenum page.ID, src *page.Raw) error {
	_, err := m.dev.WriteAt(src[:], int64(pagenum)*page.Size)
	if err != nil {
		return errors.Wrapf(err, "file: write page %d", pagenum)
	}
	return nil
}

// PageCreate allocates a page: pop the free-list head if non-empty,
// else extend the file by one page. Returns the new page's number.
func (m *Manager) PageCreate() (page.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.header.FreePageNumber != page.Invalid {
		freed := m.header.FreePageNumber
		var raw page.Raw
		if _, err := m.dev.ReadAt(raw[:], int64(freed)*page.Size); err != nil {
			return 0, errors.Wrapf(err, "file: read free page %d", freed)
		}
		var fh page.FreeHeader
		fh.Decode(&raw)
		m.header.FreePageNumber = fh.NextFreePage
		if err := m.writeHeader(); err != nil {
			return 0, err
		}
		return freed, nil
	}

	newID := page.ID(m.header.NumberOfPages)
	if err := m.dev.Truncate(int64(newID+1) * page.Size); err != nil {
		return 0, errors.Wrap(err, "file: extend for new page")
	}
	m.header.NumberOfPages++
	if err := m.writeHeader(); err != nil {
		return 0, err
	}
	return newID, nil
}

// PageFree threads pagenum onto the head of the free list.
func (m *Manager) PageFree(pagenum page.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var raw page.Raw
	fh := page.FreeHeader{NextFreePage: m.header.FreePageNumber}
	fh.Encode(&raw)
	if _, err := m.dev.WriteAt(raw[:], int64(pagenum)*page.Size); err != nil {
		return errors.Wrapf(err, "file: write freed page %d", pagenum)
	}
	m.header.FreePageNumber = pagenum
	return m.writeHeader()
}

// Sync flushes the backing device.
func (m *Manager) Sync() error {
	return m.dev.Sync()
}

// Close flushes and releases the backing device.
func (m *Manager) Close() error {
	if err := m.dev.Sync(); err != nil {
		return err
	}
	return m.dev.Close()
}
