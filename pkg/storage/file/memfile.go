package file

import (
	"io"

	"github.com/dsnet/golib/memfile"
)

// MemDevice adapts memfile.File (an in-memory drop-in for *os.File)
// to the BlockDevice interface, so tests can exercise Manager without
// touching disk.
type MemDevice struct {
	f *memfile.File
}

// NewMemDevice returns an empty in-memory block device.
func NewMemDevice() *MemDevice {
	return &MemDevice{f: memfile.New(nil)}
}

func (d *MemDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }
func (d *MemDevice) Truncate(size int64) error                { return d.f.Truncate(size) }
func (d *MemDevice) Sync() error                              { return nil }
func (d *MemDevice) Close() error                              { return d.f.Close() }

func (d *MemDevice) Size() (int64, error) {
	cur, err := d.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := d.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := d.f.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}
