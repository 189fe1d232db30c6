package iohandle

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/d-hoke/libfsntfs/bootsect"
)

// DiskImage is an IoHandle backed by an *os.File holding a raw NTFS volume (a physical disk, a partition, or a
// flat image file). It parses the boot sector once at Open time to learn the volume's geometry, then serves reads
// from a read-only memory mapping when the underlying file supports it, falling back to plain ReadAt otherwise
// (named pipes, certain virtual block devices, or platforms without mmap support).
type DiskImage struct {
	file       *os.File
	mapping    mmap.MMap
	bootSector bootsect.BootSector
	size       int64
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	directIO bool
}

// WithDirectIO requests O_DIRECT on Linux so reads bypass the page cache, which matters for forensic acquisitions
// where the examiner wants to be certain every byte came off the media and not a stale cache entry. It is
// best-effort: unsupported platforms and file types silently fall back to a buffered open.
func WithDirectIO() Option {
	return func(o *openOptions) { o.directIO = true }
}

// Open reads and parses path's boot sector and returns a DiskImage ready to serve ReadAt calls.
func Open(path string, opts ...Option) (*DiskImage, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	flags := os.O_RDONLY
	if o.directIO && runtime.GOOS == "linux" {
		flags |= unix.O_DIRECT
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil && o.directIO {
		// O_DIRECT has alignment requirements many images and loopback devices can't satisfy; retry without it.
		f, err = os.OpenFile(path, os.O_RDONLY, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("iohandle: opening %s: %w", path, err)
	}

	header := make([]byte, 512)
	if _, err := io.ReadFull(f, header); err != nil {
		f.Close()
		return nil, fmt.Errorf("iohandle: reading boot sector from %s: %w", path, err)
	}

	bs, err := bootsect.Parse(header)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("iohandle: parsing boot sector of %s: %w", path, err)
	}

	size := int64(-1)
	if info, err := f.Stat(); err == nil && info.Mode().IsRegular() {
		size = info.Size()
	}

	img := &DiskImage{file: f, bootSector: bs, size: size}

	if size > 0 {
		if m, err := mmap.Map(f, mmap.RDONLY, 0); err == nil {
			img.mapping = m
		}
		// A failed mapping (e.g. a raw block device that doesn't support mmap on this platform) is not fatal;
		// ReadAt falls back to f.ReadAt below.
	}

	return img, nil
}

// Close releases the memory mapping, if any, and closes the underlying file.
func (d *DiskImage) Close() error {
	if d.mapping != nil {
		if err := d.mapping.Unmap(); err != nil {
			d.file.Close()
			return fmt.Errorf("iohandle: unmapping: %w", err)
		}
	}
	return d.file.Close()
}

func (d *DiskImage) ClusterSize() int {
	return d.bootSector.BytesPerSector * d.bootSector.SectorsPerCluster
}

func (d *DiskImage) MftEntrySize() int {
	return d.bootSector.FileRecordSegmentSizeInBytes
}

func (d *DiskImage) BytesPerSector() int {
	return d.bootSector.BytesPerSector
}

func (d *DiskImage) MftOffset() int64 {
	return int64(d.bootSector.MftClusterNumber) * int64(d.ClusterSize())
}

func (d *DiskImage) VolumeSize() int64 {
	return d.size
}

func (d *DiskImage) ReadAt(ctx context.Context, offset int64, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if d.mapping != nil {
		if offset < 0 || offset > int64(len(d.mapping)) {
			return 0, fmt.Errorf("iohandle: offset %d out of range for %d-byte mapping", offset, len(d.mapping))
		}
		n := copy(buf, d.mapping[offset:])
		if n < len(buf) {
			return n, io.EOF
		}
		return n, nil
	}

	return d.file.ReadAt(buf, offset)
}
