package mftvector_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/d-hoke/libfsntfs/iohandle"
	"github.com/d-hoke/libfsntfs/mftvector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEntrySize   = 128
	testClusterSize = 512
	testEntryCount  = 4
)

// buildRecord assembles a minimal but valid MFT record: a header with no real fixup sectors (update sequence
// count 1, so internal/fixup treats it as a no-op) followed by attrs (already-encoded attribute records,
// concatenated) and a terminator, zero-padded to testEntrySize.
func buildRecord(t *testing.T, recordNumber uint32, attrs []byte) []byte {
	t.Helper()
	b := make([]byte, testEntrySize)
	copy(b[0x00:], "FILE")
	binary.LittleEndian.PutUint16(b[0x04:], 0x28) // update sequence offset (unused; count below is < 2)
	binary.LittleEndian.PutUint16(b[0x06:], 1)     // update sequence count
	binary.LittleEndian.PutUint16(b[0x10:], 1)     // sequence number
	binary.LittleEndian.PutUint16(b[0x12:], 1)     // hard link count
	binary.LittleEndian.PutUint16(b[0x14:], 0x30)  // first attribute offset
	binary.LittleEndian.PutUint16(b[0x16:], 1)     // flags: in use
	binary.LittleEndian.PutUint32(b[0x18:], uint32(0x30+len(attrs)+4))
	binary.LittleEndian.PutUint32(b[0x1C:], testEntrySize)
	binary.LittleEndian.PutUint16(b[0x28:], 1) // next attribute id
	binary.LittleEndian.PutUint32(b[0x2C:], recordNumber)

	offset := 0x30
	copy(b[offset:], attrs)
	offset += len(attrs)
	binary.LittleEndian.PutUint32(b[offset:], 0xFFFFFFFF) // terminator
	require.LessOrEqual(t, offset+4, testEntrySize)
	return b
}

// buildNonResidentDataAttribute builds a raw, unnamed, non-resident $DATA attribute record with a single run
// (startLCN, lengthInClusters), using 4-byte fixed-width length/offset fields for simplicity.
func buildNonResidentDataAttribute(t *testing.T, startLCN int64, lengthInClusters uint64, allocatedSize, actualSize, initializedSize uint64) []byte {
	t.Helper()
	const headerLen = 0x40
	runList := make([]byte, 9)
	runList[0] = 0x44 // lengthSize=4, offsetSize=4
	binary.LittleEndian.PutUint32(runList[1:], uint32(lengthInClusters))
	binary.LittleEndian.PutUint32(runList[5:], uint32(startLCN))
	// the run occupies runList[0:9]; the 0x00 terminator is appended as runList[9]
	runList = append(runList, 0x00)

	b := make([]byte, headerLen+len(runList))
	binary.LittleEndian.PutUint32(b[0x00:], 0x80) // $DATA
	binary.LittleEndian.PutUint32(b[0x04:], uint32(len(b)))
	b[0x08] = 1 // non-resident
	binary.LittleEndian.PutUint16(b[0x0A:], 0)
	binary.LittleEndian.PutUint16(b[0x0C:], 0) // flags
	binary.LittleEndian.PutUint16(b[0x0E:], 1) // attribute id
	binary.LittleEndian.PutUint64(b[0x18:], lengthInClusters-1)
	binary.LittleEndian.PutUint16(b[0x20:], uint16(headerLen)) // data runs offset
	binary.LittleEndian.PutUint16(b[0x22:], 0)                 // compression unit
	binary.LittleEndian.PutUint64(b[0x28:], allocatedSize)
	binary.LittleEndian.PutUint64(b[0x30:], actualSize)
	binary.LittleEndian.PutUint64(b[0x38:], initializedSize)
	copy(b[headerLen:], runList)
	return b
}

// buildVolume lays out a 4-entry fake $MFT at LCN 0 (so the stub stream and the full run-list stream read
// identical bytes), returning the raw volume bytes.
func buildVolume(t *testing.T) []byte {
	t.Helper()
	mftBytes := make([]byte, testEntrySize*testEntryCount)

	dataAttr := buildNonResidentDataAttribute(t, 0, 1, testClusterSize, testEntrySize*testEntryCount, testEntrySize*testEntryCount)
	entry0 := buildRecord(t, 0, dataAttr)
	copy(mftBytes[0:], entry0)

	for i := uint32(1); i < testEntryCount; i++ {
		copy(mftBytes[int(i)*testEntrySize:], buildRecord(t, i, nil))
	}

	return mftBytes
}

func newTestVector(t *testing.T) (*mftvector.Vector, *iohandle.Memory) {
	t.Helper()
	vol := buildVolume(t)
	io_ := &iohandle.Memory{Data: vol, ClusterSz: testClusterSize}
	v := mftvector.New(io_, testEntrySize)
	err := v.Bootstrap(context.Background(), 0, int64(len(vol)), 0)
	require.NoError(t, err)
	return v, io_
}

func TestBootstrap_SetsEntryCount(t *testing.T) {
	v, _ := newTestVector(t)
	assert.Equal(t, uint64(testEntryCount), v.NumberOfEntries())
}

func TestBootstrap_TwiceFails(t *testing.T) {
	v, _ := newTestVector(t)
	err := v.Bootstrap(context.Background(), 0, testEntrySize*testEntryCount, 0)
	require.ErrorIs(t, err, mftvector.ErrAlreadyBootstrapped)
}

func TestGetByIndex_ReturnsParsedEntry(t *testing.T) {
	v, _ := newTestVector(t)

	h, err := v.GetByIndex(context.Background(), 0)
	require.NoError(t, err)
	defer h.Release()

	data, ok := h.Record().UnnamedData()
	require.True(t, ok)
	assert.Equal(t, uint64(testEntrySize*testEntryCount), data.ActualSize)
}

func TestGetByIndex_OutOfRange(t *testing.T) {
	v, _ := newTestVector(t)
	_, err := v.GetByIndex(context.Background(), testEntryCount)
	require.ErrorIs(t, err, mftvector.ErrEntryOutOfRange)
}

func TestGetByIndexUncached_BypassesCache(t *testing.T) {
	v, _ := newTestVector(t)

	first, err := v.GetByIndexUncached(context.Background(), 1)
	require.NoError(t, err)
	second, err := v.GetByIndexUncached(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, first.FileReference, second.FileReference)
}

func TestRelease_AllowsEntryToBeRefetched(t *testing.T) {
	v, _ := newTestVector(t)

	h, err := v.GetByIndex(context.Background(), 2)
	require.NoError(t, err)
	h.Release()

	h2, err := v.GetByIndex(context.Background(), 2)
	require.NoError(t, err)
	h2.Release()
}

func TestMFTOnly_BootstrapSkipsRunResolution(t *testing.T) {
	vol := buildVolume(t)
	io_ := &iohandle.Memory{Data: vol, ClusterSz: testClusterSize}
	v := mftvector.New(io_, testEntrySize)

	err := v.Bootstrap(context.Background(), 0, int64(len(vol)), mftvector.MFTOnly)
	require.NoError(t, err)
	assert.Equal(t, uint64(testEntryCount), v.NumberOfEntries())

	_, err = v.GetByIndex(context.Background(), testEntryCount)
	require.ErrorIs(t, err, mftvector.ErrEntryOutOfRange)
}

func TestBootstrap_NegativeOffsetIsInvalidArgument(t *testing.T) {
	vol := buildVolume(t)
	io_ := &iohandle.Memory{Data: vol, ClusterSz: testClusterSize}
	v := mftvector.New(io_, testEntrySize)

	err := v.Bootstrap(context.Background(), -1, int64(len(vol)), 0)
	require.ErrorIs(t, err, mftvector.ErrInvalidArgument)
}

func TestBootstrap_ZeroSizeIsOutOfBounds(t *testing.T) {
	vol := buildVolume(t)
	io_ := &iohandle.Memory{Data: vol, ClusterSz: testClusterSize}
	v := mftvector.New(io_, testEntrySize)

	err := v.Bootstrap(context.Background(), 0, 0, 0)
	require.ErrorIs(t, err, mftvector.ErrOutOfBounds)
}
