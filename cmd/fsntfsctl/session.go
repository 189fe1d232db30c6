package main

import (
	"context"
	"fmt"

	"github.com/d-hoke/libfsntfs/iohandle"
	"github.com/d-hoke/libfsntfs/mftvector"
	"github.com/d-hoke/libfsntfs/ntfs"
	"github.com/d-hoke/libfsntfs/internal/fslog"
)

// openSession opens imagePath, bootstraps its MFT, and returns a ready Facade plus a closer that releases both
// the facade and the underlying image. On error the image has already been closed and the returned closer is a
// no-op.
func openSession(ctx context.Context) (*ntfs.Facade, func() error, error) {
	var opts []iohandle.Option
	if directIO {
		opts = append(opts, iohandle.WithDirectIO())
	}

	img, err := iohandle.Open(imagePath, opts...)
	if err != nil {
		return nil, func() error { return nil }, fmt.Errorf("opening %s: %w", imagePath, err)
	}

	log := fslog.New(logLevel, jsonLogs)
	f := ntfs.Initialize(img, ntfs.WithLogger(log))

	var flags mftvector.Flags
	// mftSize only bounds entry count in MFT-only mode (mftvector.Bootstrap ignores it otherwise, deriving entry
	// count from $MFT's own $DATA run list instead); any positive placeholder is otherwise fine.
	mftSize := int64(img.MftEntrySize())
	if mftOnly {
		flags = mftvector.MFTOnly
		if img.VolumeSize() < 0 {
			img.Close()
			return nil, func() error { return nil }, fmt.Errorf("--mft-only requires a regular file with a known size")
		}
		mftSize = img.VolumeSize() - img.MftOffset()
	}

	if err := f.ReadMFT(ctx, img.MftOffset(), mftSize, flags); err != nil {
		img.Close()
		return nil, func() error { return nil }, fmt.Errorf("reading $MFT: %w", err)
	}

	closer := func() error {
		if err := f.Close(); err != nil {
			img.Close()
			return err
		}
		return img.Close()
	}

	return f, closer, nil
}
