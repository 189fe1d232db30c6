package clusterstream_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/d-hoke/libfsntfs/internal/clusterstream"
	"github.com/d-hoke/libfsntfs/internal/datarun"
	"github.com/d-hoke/libfsntfs/internal/lznt1"
	"github.com/d-hoke/libfsntfs/iohandle"
	"github.com/stretchr/testify/require"
)

const clusterSize = 64

func fillCluster(lcn int64, b byte, vol []byte) {
	off := lcn * clusterSize
	for i := 0; i < clusterSize; i++ {
		vol[off+int64(i)] = b
	}
}

func TestStream_Uncompressed_SequentialRead(t *testing.T) {
	vol := make([]byte, 8*clusterSize)
	fillCluster(0, 'A', vol)
	fillCluster(1, 'B', vol)

	io_ := &iohandle.Memory{Data: vol, ClusterSz: clusterSize}
	runs := []datarun.Run{{StartLCN: 0, LengthInClusters: 2}}

	s, err := clusterstream.New(io_, clusterstream.Params{
		Runs:            runs,
		ClusterSize:     clusterSize,
		ValidSize:       2 * clusterSize,
		InitializedSize: 2 * clusterSize,
	})
	require.NoError(t, err)

	buf := make([]byte, 2*clusterSize)
	n, err := s.Read(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, bytes.Repeat([]byte{'A'}, clusterSize), buf[:clusterSize])
	require.Equal(t, bytes.Repeat([]byte{'B'}, clusterSize), buf[clusterSize:])
}

func TestStream_Sparse_ReadsAsZero(t *testing.T) {
	vol := make([]byte, 4*clusterSize)
	fillCluster(0, 'A', vol)

	io_ := &iohandle.Memory{Data: vol, ClusterSz: clusterSize}
	runs := []datarun.Run{
		{StartLCN: 0, LengthInClusters: 1},
		{LengthInClusters: 1, Sparse: true},
	}

	s, err := clusterstream.New(io_, clusterstream.Params{
		Runs:            runs,
		ClusterSize:     clusterSize,
		ValidSize:       2 * clusterSize,
		InitializedSize: 2 * clusterSize,
	})
	require.NoError(t, err)

	buf := make([]byte, 2*clusterSize)
	n, err := s.Read(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, bytes.Repeat([]byte{'A'}, clusterSize), buf[:clusterSize])
	require.Equal(t, make([]byte, clusterSize), buf[clusterSize:])
}

func TestStream_BeyondInitializedSize_ReadsAsZero(t *testing.T) {
	vol := make([]byte, 4*clusterSize)
	fillCluster(0, 'A', vol)
	fillCluster(1, 'B', vol)

	io_ := &iohandle.Memory{Data: vol, ClusterSz: clusterSize}
	runs := []datarun.Run{{StartLCN: 0, LengthInClusters: 2}}

	s, err := clusterstream.New(io_, clusterstream.Params{
		Runs:            runs,
		ClusterSize:     clusterSize,
		ValidSize:       2 * clusterSize,
		InitializedSize: clusterSize,
	})
	require.NoError(t, err)

	buf := make([]byte, 2*clusterSize)
	n, err := s.Read(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, bytes.Repeat([]byte{'A'}, clusterSize), buf[:clusterSize])
	require.Equal(t, make([]byte, clusterSize), buf[clusterSize:])
}

func TestStream_ReadPastValidSizeReturnsEOF(t *testing.T) {
	vol := make([]byte, 2*clusterSize)
	fillCluster(0, 'A', vol)

	io_ := &iohandle.Memory{Data: vol, ClusterSz: clusterSize}
	runs := []datarun.Run{{StartLCN: 0, LengthInClusters: 1}}

	s, err := clusterstream.New(io_, clusterstream.Params{
		Runs:            runs,
		ClusterSize:     clusterSize,
		ValidSize:       clusterSize,
		InitializedSize: clusterSize,
	})
	require.NoError(t, err)

	buf := make([]byte, clusterSize)
	n, err := s.Read(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, clusterSize, n)

	n, err = s.Read(context.Background(), buf)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestStream_Compressed_UncompressedUnitPassesThrough(t *testing.T) {
	// A unit with no sparse runs at all is stored raw (NTFS only LZNT1-encodes a unit when doing so lets it drop
	// one or more trailing clusters as sparse).
	unitClusters := 2
	vol := make([]byte, unitClusters*clusterSize)
	fillCluster(0, 'X', vol)
	fillCluster(1, 'Y', vol)

	io_ := &iohandle.Memory{Data: vol, ClusterSz: clusterSize}
	runs := []datarun.Run{{StartLCN: 0, LengthInClusters: uint64(unitClusters)}}

	s, err := clusterstream.New(io_, clusterstream.Params{
		Runs:                    runs,
		ClusterSize:             clusterSize,
		CompressionUnitClusters: unitClusters,
		ValidSize:               int64(unitClusters * clusterSize),
		InitializedSize:         int64(unitClusters * clusterSize),
	})
	require.NoError(t, err)

	buf := make([]byte, unitClusters*clusterSize)
	n, err := s.Read(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, vol, buf)
}

func TestStream_Compressed_SparseTailUnitInflatesLZNT1(t *testing.T) {
	unitClusters := 4
	unitSize := unitClusters * clusterSize

	payload := bytes.Repeat([]byte("AB"), unitSize/2)
	compressed := lznt1CompressForTest(t, payload)

	vol := make([]byte, len(compressed)+clusterSize)
	copy(vol, compressed)

	io_ := &iohandle.Memory{Data: vol, ClusterSz: clusterSize}
	compressedClusters := (len(compressed) + clusterSize - 1) / clusterSize
	runs := []datarun.Run{
		{StartLCN: 0, LengthInClusters: uint64(compressedClusters)},
		{LengthInClusters: uint64(unitClusters - compressedClusters), Sparse: true},
	}

	s, err := clusterstream.New(io_, clusterstream.Params{
		Runs:                    runs,
		ClusterSize:             clusterSize,
		CompressionUnitClusters: unitClusters,
		ValidSize:               int64(unitSize),
		InitializedSize:         int64(unitSize),
	})
	require.NoError(t, err)

	buf := make([]byte, unitSize)
	n, err := s.Read(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, unitSize, n)
	require.Equal(t, payload, buf)
}

// lznt1CompressForTest builds a single compressed LZNT1 chunk for a payload that repeats its first two bytes: two
// literals followed by one back-reference (displacement 2) covering the rest, since this package only needs a
// decoder and has nothing else to produce real compressed fixtures with.
func lznt1CompressForTest(t *testing.T, payload []byte) []byte {
	t.Helper()
	tuple := uint16(1<<12) | uint16(len(payload)-2-3)
	data := []byte{0b00000100, payload[0], payload[1], byte(tuple), byte(tuple >> 8)}
	header := uint16(len(data)-1)&0x0FFF | 0x8000
	chunk := append([]byte{byte(header), byte(header >> 8)}, data...)

	out, err := lznt1.Decompress(chunk, len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, out)
	return chunk
}
