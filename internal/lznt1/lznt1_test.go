package lznt1_test

import (
	"testing"

	"github.com/d-hoke/libfsntfs/internal/lznt1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkHeader(dataSize int, compressed bool) []byte {
	h := uint16(dataSize-1) & 0x0FFF
	if compressed {
		h |= 0x8000
	}
	return []byte{byte(h), byte(h >> 8)}
}

func TestDecompress_UncompressedChunk(t *testing.T) {
	payload := []byte("hello, world")
	chunk := append(chunkHeader(len(payload), false), payload...)

	out, err := lznt1.Decompress(chunk, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestDecompress_CompressedChunkWithBackReference(t *testing.T) {
	// Encodes literal 'A', literal 'B', then a phrase copying displacement=2, length=6 starting at output
	// position 2, which should yield "AB" followed by "ABABAB" (the back-reference reads through bytes it is
	// itself producing).
	flags := byte(0b00000100)
	chunkData := []byte{flags, 'A', 'B', 0x03, 0x10}
	chunk := append(chunkHeader(len(chunkData), true), chunkData...)

	out, err := lznt1.Decompress(chunk, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABABABAB"), out)
}

func TestDecompress_ShortChunkStreamZeroFillsRest(t *testing.T) {
	payload := []byte("short")
	chunk := append(chunkHeader(len(payload), false), payload...)

	out, err := lznt1.Decompress(chunk, 16)
	require.NoError(t, err)
	expected := append([]byte{}, payload...)
	expected = append(expected, make([]byte, 16-len(payload))...)
	assert.Equal(t, expected, out)
}

func TestDecompress_TruncatedHeaderIsError(t *testing.T) {
	_, err := lznt1.Decompress([]byte{0x01}, 4)
	require.Error(t, err)
}

func TestDecompress_BadDisplacementIsError(t *testing.T) {
	// A phrase token at output position 0 can never have a valid displacement.
	flags := byte(0b00000001)
	chunkData := []byte{flags, 0x00, 0x00}
	chunk := append(chunkHeader(len(chunkData), true), chunkData...)

	_, err := lznt1.Decompress(chunk, 4)
	require.Error(t, err)
}
