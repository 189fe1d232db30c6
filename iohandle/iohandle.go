// Package iohandle defines the I/O handle contract the filesystem core is given at session start (volume geometry
// plus a synchronous byte reader) and a concrete disk-backed implementation of it. Parsing the boot sector into
// that geometry, and the on-disk image itself, are both treated as external to the core per the specification:
// this package is the "external collaborator", not part of the MFT/bitmap/security runtime.
package iohandle

import "context"

// IoHandle is the read-only volume geometry and I/O surface the filesystem core consumes. Implementations must be
// safe for concurrent use by multiple goroutines, or the caller must serialize access externally.
type IoHandle interface {
	// ClusterSize returns the volume's cluster size in bytes (BytesPerSector * SectorsPerCluster).
	ClusterSize() int
	// MftEntrySize returns the size in bytes of one MFT record, as declared by the boot sector.
	MftEntrySize() int
	// BytesPerSector returns the volume's sector size in bytes.
	BytesPerSector() int
	// MftOffset returns the byte offset of the start of $MFT within the volume.
	MftOffset() int64
	// VolumeSize returns the total size of the volume in bytes, or -1 if unknown.
	VolumeSize() int64
	// ReadAt reads len(buf) bytes starting at offset, as io.ReaderAt.ReadAt does, except it additionally observes
	// ctx cancellation between any internally chunked reads.
	ReadAt(ctx context.Context, offset int64, buf []byte) (int, error)
}
