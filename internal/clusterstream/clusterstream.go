// Package clusterstream presents a non-resident attribute's run list as a single linear byte stream, honoring
// sparse runs (read as zero), compressed compression units (inflated with internal/lznt1), and the
// valid-size/initialized-size distinction NTFS makes for every attribute.
package clusterstream

import (
	"context"
	"fmt"
	"io"

	"github.com/d-hoke/libfsntfs/fragment"
	"github.com/d-hoke/libfsntfs/internal/datarun"
	"github.com/d-hoke/libfsntfs/internal/lznt1"
	"github.com/d-hoke/libfsntfs/iohandle"
)

// Params describes the attribute a Stream reads over.
type Params struct {
	Runs []datarun.Run
	// ClusterSize is the volume's cluster size in bytes.
	ClusterSize int
	// CompressionUnitClusters is the number of clusters per compression unit (commonly 16). Zero means the
	// attribute is not compressed.
	CompressionUnitClusters int
	// ValidSize is the length, in bytes, of the stream Read should expose; bytes beyond it are not part of the
	// attribute at all.
	ValidSize int64
	// InitializedSize is the length, in bytes, of the prefix of ValidSize that has actually been written; bytes
	// between InitializedSize and ValidSize read as zero without consulting the runs at all.
	InitializedSize int64
}

// Stream is a seekable, lazy reader over a non-resident attribute's data. It is not safe for concurrent use.
type Stream struct {
	io       iohandle.IoHandle
	valid    int64
	init     int64
	pos      int64
	unitSize int64 // 0 when uncompressed

	// plainReader covers the whole ValidSize span for an uncompressed attribute.
	plainReader *fragmentSeeker

	// compressed units, built lazily and cached one at a time (sequential access is by far the common case, and
	// re-inflating a unit on every byte read would be wasteful).
	runs        []datarun.Run
	clusterSize int
	cachedUnit  int64
	cachedData  []byte
	haveCached  bool
}

// New builds a Stream over p using io for actual cluster reads.
func New(io_ iohandle.IoHandle, p Params) (*Stream, error) {
	if p.ClusterSize <= 0 {
		return nil, fmt.Errorf("clusterstream: cluster size must be positive, got %d", p.ClusterSize)
	}
	if p.InitializedSize > p.ValidSize {
		return nil, fmt.Errorf("clusterstream: initialized size %d exceeds valid size %d", p.InitializedSize, p.ValidSize)
	}

	s := &Stream{
		io:          io_,
		valid:       p.ValidSize,
		init:        p.InitializedSize,
		runs:        p.Runs,
		clusterSize: p.ClusterSize,
	}

	if p.CompressionUnitClusters > 0 {
		s.unitSize = int64(p.CompressionUnitClusters) * int64(p.ClusterSize)
		return s, nil
	}

	frags := runsToFragments(p.Runs, p.ClusterSize)
	s.plainReader = newFragmentSeeker(io_, frags)
	return s, nil
}

// Seek repositions the stream. Only io.SeekStart, io.SeekCurrent and io.SeekEnd are supported.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.pos + offset
	case io.SeekEnd:
		target = s.valid + offset
	default:
		return 0, fmt.Errorf("clusterstream: invalid whence %d", whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("clusterstream: negative seek position %d", target)
	}
	s.pos = target
	return s.pos, nil
}

// ReadAt reads len(buf) bytes (or fewer, at EOF) starting at virtual offset off within the attribute, without
// disturbing the stream's current Seek position.
func (s *Stream) ReadAt(ctx context.Context, off int64, buf []byte) (int, error) {
	saved := s.pos
	s.pos = off
	n, err := s.Read(ctx, buf)
	s.pos = saved
	return n, err
}

// Read reads into buf starting at the current position, advancing it. It returns io.EOF once the position reaches
// ValidSize.
func (s *Stream) Read(ctx context.Context, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.pos >= s.valid {
		return 0, io.EOF
	}

	remaining := s.valid - s.pos
	if int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	if len(buf) == 0 {
		return 0, nil
	}

	n := 0
	for n < len(buf) {
		v := s.pos + int64(n)
		if v >= s.init {
			// Beyond initialized size but within valid size: zero-fill the rest of this request in one shot.
			for k := n; k < len(buf); k++ {
				buf[k] = 0
			}
			n = len(buf)
			break
		}

		chunk := buf[n:]
		// Never read past InitializedSize in one physical read; the bytes after it are conceptually zero, not
		// backed by any run.
		if remaining := s.init - v; int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}

		read, err := s.readAt(ctx, v, chunk)
		n += read
		if err != nil && err != io.EOF {
			return n, err
		}
		if read == 0 {
			// Defensive: avoid spinning forever if a misbehaving backing reader returns (0, nil).
			for k := n; k < len(buf); k++ {
				buf[k] = 0
			}
			n = len(buf)
			break
		}
	}

	s.pos += int64(n)
	return n, nil
}

func (s *Stream) readAt(ctx context.Context, v int64, buf []byte) (int, error) {
	if s.unitSize == 0 {
		return s.plainReader.ReadAt(ctx, v, buf)
	}
	return s.readCompressedAt(ctx, v, buf)
}

func (s *Stream) readCompressedAt(ctx context.Context, v int64, buf []byte) (int, error) {
	unitIndex := v / s.unitSize
	offsetInUnit := v % s.unitSize

	if !s.haveCached || s.cachedUnit != unitIndex {
		data, err := s.inflateUnit(ctx, unitIndex)
		if err != nil {
			return 0, err
		}
		s.cachedData = data
		s.cachedUnit = unitIndex
		s.haveCached = true
	}

	n := copy(buf, s.cachedData[offsetInUnit:])
	return n, nil
}

// inflateUnit reads and, if necessary, decompresses the compression unit at unitIndex. A unit whose runs are all
// non-sparse is stored uncompressed (the data simply doesn't compress better than raw, so NTFS skips the LZNT1
// encoding for it); a unit with trailing sparse runs is the compressed-with-a-sparse-tail encoding whose inflated
// output is always exactly unitSize.
func (s *Stream) inflateUnit(ctx context.Context, unitIndex int64) ([]byte, error) {
	clustersPerUnit := s.unitSize / int64(s.clusterSize)
	startCluster := unitIndex * clustersPerUnit

	unitRuns, allSparse := runsInRange(s.runs, startCluster, clustersPerUnit)
	if allSparse {
		return make([]byte, s.unitSize), nil
	}

	anySparse := false
	for _, r := range unitRuns {
		if r.Sparse {
			anySparse = true
			break
		}
	}

	frags := runsToFragments(unitRuns, s.clusterSize)
	reader := newFragmentSeeker(s.io, frags)
	raw := make([]byte, totalFragmentLength(frags))
	if _, err := io.ReadFull(readerFunc(func(p []byte) (int, error) { return reader.readSeq(ctx, p) }), raw); err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("clusterstream: reading compression unit %d: %w", unitIndex, err)
	}

	if !anySparse {
		// Not compressed: the unit's raw bytes are the plaintext.
		if int64(len(raw)) >= s.unitSize {
			return raw[:s.unitSize], nil
		}
		out := make([]byte, s.unitSize)
		copy(out, raw)
		return out, nil
	}

	return lznt1.Decompress(raw, int(s.unitSize))
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func totalFragmentLength(frags []fragment.Fragment) int64 {
	var total int64
	for _, f := range frags {
		total += f.Length
	}
	return total
}

// runsInRange returns the subset of runs overlapping [startCluster, startCluster+count), clipped to that range,
// plus whether every cluster in the range is covered by a sparse run.
func runsInRange(runs []datarun.Run, startCluster, count int64) ([]datarun.Run, bool) {
	var out []datarun.Run
	cluster := int64(0)
	endCluster := startCluster + count
	allSparse := true

	for _, r := range runs {
		runStart := cluster
		runEnd := cluster + int64(r.LengthInClusters)
		cluster = runEnd

		lo := max(runStart, startCluster)
		hi := min(runEnd, endCluster)
		if lo >= hi {
			continue
		}

		clipped := datarun.Run{Sparse: r.Sparse, LengthInClusters: uint64(hi - lo)}
		if !r.Sparse {
			clipped.StartLCN = r.StartLCN + (lo - runStart)
			allSparse = false
		}
		out = append(out, clipped)
	}

	return out, allSparse
}

func runsToFragments(runs []datarun.Run, clusterSize int) []fragment.Fragment {
	frags := make([]fragment.Fragment, len(runs))
	for i, r := range runs {
		frags[i] = fragment.Fragment{
			Offset: r.StartLCN * int64(clusterSize),
			Length: int64(r.LengthInClusters) * int64(clusterSize),
			Sparse: r.Sparse,
		}
	}
	return frags
}
