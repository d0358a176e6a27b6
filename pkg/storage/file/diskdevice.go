package file

import (
	"os"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
)

// DiskDevice is the real, on-disk BlockDevice, opened with O_DIRECT
// where the platform supports it so page reads/writes bypass the
// kernel page cache; the buffer pool is the only cache this engine
// trusts.
type DiskDevice struct {
	f *os.File
}

// OpenDiskDevice opens (creating if needed) path as a direct-I/O
// block device.
func OpenDiskDevice(path string, create bool) (*DiskDevice, error) {
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	f, err := directio.OpenFile(path, flag, 0644)
	if err != nil {
		// directio requires O_DIRECT support; fall back to a plain
		// file on platforms/filesystems that reject it (e.g. tmpfs).
		f, err = os.OpenFile(path, flag, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "file: open %s", path)
		}
	}
	return &DiskDevice{f: f}, nil
}

func alignedCopy(p []byte) []byte {
	if len(p)%directio.AlignSize == 0 {
		b := directio.AlignedBlock(len(p))
		copy(b, p)
		return b
	}
	return p
}

func (d *DiskDevice) ReadAt(p []byte, off int64) (int, error) {
	buf := alignedCopy(p)
	n, err := d.f.ReadAt(buf, off)
	if &buf[0] != &p[0] {
		copy(p, buf)
	}
	return n, err
}

func (d *DiskDevice) WriteAt(p []byte, off int64) (int, error) {
	buf := alignedCopy(p)
	return d.f.WriteAt(buf, off)
}

func (d *DiskDevice) Truncate(size int64) error { return d.f.Truncate(size) }
func (d *DiskDevice) Sync() error               { return d.f.Sync() }
func (d *DiskDevice) Close() error              { return d.f.Close() }

func (d *DiskDevice) Size() (int64, error) {
	info, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
