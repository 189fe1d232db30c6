package iohandle

import (
	"context"
	"io"
)

// Memory is a minimal in-memory IoHandle, primarily useful for tests and for tools that have already loaded an
// image (or a carved fragment of one) into a byte slice.
type Memory struct {
	Data            []byte
	ClusterSz       int
	MftEntrySz      int
	BytesPerSectorN int
	MftOffsetN      int64
}

func (m *Memory) ClusterSize() int    { return m.ClusterSz }
func (m *Memory) MftEntrySize() int   { return m.MftEntrySz }
func (m *Memory) BytesPerSector() int { return m.BytesPerSectorN }
func (m *Memory) MftOffset() int64    { return m.MftOffsetN }
func (m *Memory) VolumeSize() int64   { return int64(len(m.Data)) }

func (m *Memory) ReadAt(ctx context.Context, offset int64, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if offset < 0 || offset > int64(len(m.Data)) {
		return 0, io.EOF
	}
	n := copy(buf, m.Data[offset:])
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}
