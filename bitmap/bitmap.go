// Package bitmap reads the $Bitmap cluster allocation map (MFT entry 6) and coalesces it into allocated-cluster
// ranges.
package bitmap

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/d-hoke/libfsntfs/internal/clusterstream"
	"github.com/d-hoke/libfsntfs/iohandle"
	"github.com/d-hoke/libfsntfs/mft"
)

// BitmapEntryIndex is the well-known MFT entry number of $Bitmap.
const BitmapEntryIndex = 6

var (
	// ErrMissingBitmap is returned when MFT entry 6 has no unnamed $DATA attribute to scan.
	ErrMissingBitmap = errors.New("bitmap: $Bitmap has no unnamed $DATA attribute")
	// ErrCorruptBitmap is returned when the $DATA payload size is not a multiple of 4 bytes.
	ErrCorruptBitmap = errors.New("bitmap: $DATA size is not a multiple of 4 bytes")
)

// Range is a contiguous run of allocated clusters: [Start, Start+Count).
type Range struct {
	Start int64
	Count int64
}

// entryReader is the subset of mftvector.Vector that Read needs, kept narrow so bitmap doesn't import mftvector
// and create a cycle with ntfs wiring both together.
type entryReader interface {
	GetByIndexUncached(ctx context.Context, index uint64) (mft.Record, error)
}

// Read scans $Bitmap's unnamed $DATA attribute and returns the allocated-cluster ranges it describes. Bit k of
// word w (a little-endian uint32) set means cluster 32*w+k is allocated; contiguous set bits coalesce into one
// Range.
func Read(ctx context.Context, io_ iohandle.IoHandle, entries entryReader) ([]Range, error) {
	record, err := entries.GetByIndexUncached(ctx, BitmapEntryIndex)
	if err != nil {
		return nil, fmt.Errorf("bitmap: reading entry %d: %w", BitmapEntryIndex, err)
	}

	data, ok := record.UnnamedData()
	if !ok {
		return nil, ErrMissingBitmap
	}
	if data.ActualSize%4 != 0 {
		return nil, fmt.Errorf("%w: size %d", ErrCorruptBitmap, data.ActualSize)
	}

	var stream *clusterstream.Stream
	if data.Resident {
		// Resident bitmaps only occur on tiny volumes; scan the inline payload directly rather than standing up a
		// cluster stream over zero runs.
		return coalesce(data.Data)
	}

	stream, err = clusterstream.New(io_, clusterstream.Params{
		Runs:                    data.Runs,
		ClusterSize:             io_.ClusterSize(),
		CompressionUnitClusters: 0,
		ValidSize:               int64(data.ActualSize),
		InitializedSize:         int64(data.InitializedSize),
	})
	if err != nil {
		return nil, fmt.Errorf("bitmap: building $DATA stream: %w", err)
	}

	buf := make([]byte, data.ActualSize)
	if err := readFull(ctx, stream, buf); err != nil {
		return nil, fmt.Errorf("bitmap: reading $DATA: %w", err)
	}

	return coalesce(buf)
}

func readFull(ctx context.Context, stream *clusterstream.Stream, buf []byte) error {
	off := int64(0)
	for off < int64(len(buf)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := stream.ReadAt(ctx, off, buf[off:])
		off += int64(n)
		if err != nil {
			return err
		}
	}
	return nil
}

func coalesce(words []byte) ([]Range, error) {
	if len(words)%4 != 0 {
		return nil, fmt.Errorf("%w: size %d", ErrCorruptBitmap, len(words))
	}

	var ranges []Range
	var runStart int64
	inRun := false
	cluster := int64(0)

	flush := func(end int64) {
		if inRun {
			ranges = append(ranges, Range{Start: runStart, Count: end - runStart})
			inRun = false
		}
	}

	for i := 0; i+4 <= len(words); i += 4 {
		word := binary.LittleEndian.Uint32(words[i:])
		for bit := 0; bit < 32; bit++ {
			set := word&(1<<uint(bit)) != 0
			switch {
			case set && !inRun:
				runStart = cluster
				inRun = true
			case !set && inRun:
				flush(cluster)
			}
			cluster++
		}
	}
	flush(cluster)

	return ranges, nil
}
