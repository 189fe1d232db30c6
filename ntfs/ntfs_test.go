package ntfs_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/d-hoke/libfsntfs/bitmap"
	"github.com/d-hoke/libfsntfs/iohandle"
	"github.com/d-hoke/libfsntfs/mftvector"
	"github.com/d-hoke/libfsntfs/ntfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	entrySize   = 128
	clusterSize = 512
	entryCount  = 10
)

func buildRecord(t *testing.T, recordNumber uint32, attrs []byte) []byte {
	t.Helper()
	b := make([]byte, entrySize)
	copy(b[0x00:], "FILE")
	binary.LittleEndian.PutUint16(b[0x06:], 1) // update sequence count: no-op fixup
	binary.LittleEndian.PutUint16(b[0x14:], 0x30)
	binary.LittleEndian.PutUint16(b[0x16:], 1)
	binary.LittleEndian.PutUint32(b[0x18:], uint32(0x30+len(attrs)+4))
	binary.LittleEndian.PutUint32(b[0x1C:], entrySize)
	binary.LittleEndian.PutUint32(b[0x2C:], recordNumber)

	offset := 0x30
	copy(b[offset:], attrs)
	offset += len(attrs)
	binary.LittleEndian.PutUint32(b[offset:], 0xFFFFFFFF)
	require.LessOrEqual(t, offset+4, entrySize)
	return b
}

func nonResidentDataAttribute(t *testing.T, startLCN int64, lengthInClusters, actualSize uint64) []byte {
	t.Helper()
	const headerLen = 0x40
	runList := []byte{0x44, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(runList[1:], uint32(lengthInClusters))
	binary.LittleEndian.PutUint32(runList[5:], uint32(startLCN))

	b := make([]byte, headerLen+len(runList))
	binary.LittleEndian.PutUint32(b[0x00:], 0x80)
	binary.LittleEndian.PutUint32(b[0x04:], uint32(len(b)))
	b[0x08] = 1
	binary.LittleEndian.PutUint16(b[0x0E:], 1)
	binary.LittleEndian.PutUint64(b[0x18:], lengthInClusters-1)
	binary.LittleEndian.PutUint16(b[0x20:], uint16(headerLen))
	binary.LittleEndian.PutUint64(b[0x28:], lengthInClusters*clusterSize)
	binary.LittleEndian.PutUint64(b[0x30:], actualSize)
	binary.LittleEndian.PutUint64(b[0x38:], actualSize)
	copy(b[headerLen:], runList)
	return b
}

func residentDataAttribute(name string, payload []byte) []byte {
	nameBytes := make([]byte, len(name)*2)
	for i, r := range []rune(name) {
		binary.LittleEndian.PutUint16(nameBytes[i*2:], uint16(r))
	}
	const headerLen = 0x18
	nameOffset := headerLen
	valueOffset := nameOffset + len(nameBytes)
	total := valueOffset + len(payload)

	b := make([]byte, total)
	binary.LittleEndian.PutUint32(b[0x00:], 0x80) // $DATA
	binary.LittleEndian.PutUint32(b[0x04:], uint32(total))
	b[0x08] = 0 // resident
	b[0x09] = byte(len(name))
	binary.LittleEndian.PutUint16(b[0x0A:], uint16(nameOffset))
	binary.LittleEndian.PutUint16(b[0x0E:], 1)
	binary.LittleEndian.PutUint32(b[0x10:], uint32(len(payload)))
	binary.LittleEndian.PutUint16(b[0x14:], uint16(valueOffset))
	copy(b[nameOffset:], nameBytes)
	copy(b[valueOffset:], payload)
	return b
}

// buildVolume lays out entryCount fake MFT entries at LCN 0: entry 0 describes the whole $MFT via its own
// unnamed $DATA run, entry 6 ($Bitmap) carries a small resident bitmap, and the rest are empty filler records.
func buildVolume(t *testing.T) []byte {
	t.Helper()
	mftBytes := make([]byte, entrySize*entryCount)

	dataAttr := nonResidentDataAttribute(t, 0, 3, entrySize*entryCount)
	copy(mftBytes[0:], buildRecord(t, 0, dataAttr))

	bitmapWords := make([]byte, 4)
	binary.LittleEndian.PutUint32(bitmapWords, 0b111) // clusters 0-2 allocated
	copy(mftBytes[6*entrySize:], buildRecord(t, 6, residentDataAttribute("", bitmapWords)))

	for _, i := range []uint32{1, 2, 3, 4, 5, 7, 8, 9} {
		copy(mftBytes[int(i)*entrySize:], buildRecord(t, i, nil))
	}

	return mftBytes
}

func newTestFacade(t *testing.T) *ntfs.Facade {
	t.Helper()
	vol := buildVolume(t)
	io_ := &iohandle.Memory{Data: vol, ClusterSz: clusterSize, MftEntrySz: entrySize}
	f := ntfs.Initialize(io_)
	require.NoError(t, f.ReadMFT(context.Background(), 0, int64(len(vol)), 0))
	return f
}

func TestReadMFT_TwiceFails(t *testing.T) {
	f := newTestFacade(t)
	err := f.ReadMFT(context.Background(), 0, entrySize*entryCount, 0)
	require.ErrorIs(t, err, ntfs.ErrAlreadyInitialized)
}

func TestNumberOfMFTEntries(t *testing.T) {
	f := newTestFacade(t)
	assert.Equal(t, uint64(entryCount), f.NumberOfMFTEntries())
}

func TestGetMFTEntryByIndex_SharedHandle(t *testing.T) {
	f := newTestFacade(t)

	h, err := f.GetMFTEntryByIndex(context.Background(), 0)
	require.NoError(t, err)
	defer h.Release()

	data, ok := h.Record().UnnamedData()
	require.True(t, ok)
	assert.Equal(t, uint64(entrySize*entryCount), data.ActualSize)
}

func TestClose_FailsWhileHandleOutstanding(t *testing.T) {
	f := newTestFacade(t)

	h, err := f.GetMFTEntryByIndex(context.Background(), 1)
	require.NoError(t, err)

	err = f.Close()
	require.ErrorIs(t, err, ntfs.ErrBusyOnRelease)

	h.Release()
	require.NoError(t, f.Close())
}

func TestReadBitmap_CoalescesRanges(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.ReadBitmap(context.Background()))
	assert.Equal(t, []bitmap.Range{{Start: 0, Count: 3}}, f.BitmapRanges())
}

func TestReadSecurityDescriptors_AbsentWhenNoSecure(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.ReadSecurityDescriptors(context.Background()))

	_, found, err := f.GetSecurityDescriptorByID(256)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReadMFT_NegativeOffsetIsInvalidArgument(t *testing.T) {
	vol := buildVolume(t)
	io_ := &iohandle.Memory{Data: vol, ClusterSz: clusterSize, MftEntrySz: entrySize}
	f := ntfs.Initialize(io_)
	err := f.ReadMFT(context.Background(), -1, int64(len(vol)), 0)
	require.ErrorIs(t, err, ntfs.ErrInvalidArgument)
}

func TestReadMFT_MFTOnlyFlag(t *testing.T) {
	vol := buildVolume(t)
	io_ := &iohandle.Memory{Data: vol, ClusterSz: clusterSize, MftEntrySz: entrySize}
	f := ntfs.Initialize(io_)
	require.NoError(t, f.ReadMFT(context.Background(), 0, int64(len(vol)), mftvector.MFTOnly))
	assert.Equal(t, uint64(entryCount), f.NumberOfMFTEntries())
}
