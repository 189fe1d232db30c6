// Package datarun decodes the compact variable-length run-list encoding NTFS uses to describe the clusters backing
// a non-resident attribute: an ordered list of (length, LCN-delta) pairs, terminated by a zero header byte.
package datarun

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/d-hoke/libfsntfs/binutil"
)

// ErrCorrupt is returned when a run list is truncated, would overflow the attribute's declared allocated size, or
// decodes to a negative absolute LCN.
var ErrCorrupt = errors.New("datarun: corrupt run list")

// A Run describes a contiguous extent of an attribute's data, expressed in clusters. A Sparse run has no on-disk
// allocation at all: StartLCN is meaningless and reads within it should be synthesized as zero.
type Run struct {
	StartLCN         int64
	LengthInClusters uint64
	Sparse           bool
}

// Parse decodes b, which must begin at the run-list offset of a non-resident attribute header, into an ordered list
// of Runs. allocatedSizeClusters bounds the total length the run list may describe; 0 disables the check.
// mft.ParseAttribute always passes 0 (it has no cluster size to convert AllocatedSize with), so run lists decoded
// from MFT records are not checked against their attribute's allocated size.
func Parse(b []byte, allocatedSizeClusters uint64) ([]Run, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty run list", ErrCorrupt)
	}

	var runs []Run
	lcn := int64(0)
	var totalClusters uint64

	for len(b) > 0 {
		header := b[0]
		if header == 0 {
			return runs, nil
		}

		lengthSize := int(header & 0x0F)
		offsetSize := int(header >> 4)
		need := 1 + lengthSize + offsetSize
		if len(b) < need {
			return nil, fmt.Errorf("%w: need %d bytes for run header but have %d", ErrCorrupt, need, len(b))
		}

		length := decodeUnsigned(b[1 : 1+lengthSize])
		sparse := offsetSize == 0

		if !sparse {
			delta := decodeSigned(b[1+lengthSize : 1+lengthSize+offsetSize])
			lcn += delta
			if lcn < 0 {
				return nil, fmt.Errorf("%w: negative absolute LCN %d", ErrCorrupt, lcn)
			}
		}

		newTotal := totalClusters + length
		if newTotal < totalClusters {
			return nil, fmt.Errorf("%w: run length overflow", ErrCorrupt)
		}
		if allocatedSizeClusters != 0 && newTotal > allocatedSizeClusters {
			return nil, fmt.Errorf("%w: run list describes %d clusters but attribute is allocated %d", ErrCorrupt, newTotal, allocatedSizeClusters)
		}
		totalClusters = newTotal

		runs = append(runs, Run{StartLCN: lcn, LengthInClusters: length, Sparse: sparse})
		b = b[need:]
	}

	// A run list that runs off the end of the buffer without a terminator byte is truncated.
	return nil, fmt.Errorf("%w: missing terminator", ErrCorrupt)
}

func decodeUnsigned(b []byte) uint64 {
	return binary.LittleEndian.Uint64(binutil.PadLittleEndian(b, 8, false))
}

func decodeSigned(b []byte) int64 {
	negative := len(b) > 0 && b[len(b)-1]&0x80 != 0
	return int64(binary.LittleEndian.Uint64(binutil.PadLittleEndian(b, 8, negative)))
}
