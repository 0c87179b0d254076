package fat32

import (
	"io"
	"os"

	"github.com/aligator/fat32srv/checkpoint"
)

// BlockDevice is the minimal byte-addressable interface the core consumes
// from the block device. It is deliberately narrow — positioned reads plus
// Close — so the core never has to know whether the bytes behind it come
// from a raw disk, a disk image, or (in tests) an in-memory buffer.
//
// The device itself, and whatever driver backs it, are external
// collaborators per spec.md §1/§6; this is the seam between them and the
// core.
type BlockDevice interface {
	// ReadAt behaves like io.ReaderAt: it must either fill buf completely or
	// return an error. A short read without an error is a caller bug in any
	// implementation of this interface.
	ReadAt(buf []byte, offset int64) (int, error)
	Close() error
}

// osBlockDevice adapts an *os.File opened read-only to BlockDevice.
type osBlockDevice struct {
	f *os.File
}

func (d *osBlockDevice) ReadAt(buf []byte, offset int64) (int, error) {
	return io.ReadFull(io.NewSectionReader(d.f, offset, int64(len(buf))), buf)
}

func (d *osBlockDevice) Close() error {
	return d.f.Close()
}

// DeviceOpener opens a block device given a path. NewService uses
// openOSDevice when given a nil opener; tests substitute a fake that returns an in-memory
// BlockDevice instead of touching the filesystem.
type DeviceOpener func(path string) (BlockDevice, error)

// openOSDevice opens path read-only as a BlockDevice backed by an OS file.
func openOSDevice(path string) (BlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrIO)
	}
	return &osBlockDevice{f: f}, nil
}

// readExact reads exactly len(buf) bytes at offset, translating any
// short-read or error condition to ErrIO per spec.md §4.2 ("Fails: any
// positioning or read shortfall ⇒ I/O error").
func readExact(dev BlockDevice, offset int64, buf []byte) error {
	n, err := dev.ReadAt(buf, offset)
	if err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	if n != len(buf) {
		return checkpoint.From(ErrIO)
	}
	return nil
}
