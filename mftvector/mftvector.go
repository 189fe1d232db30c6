// Package mftvector maps an MFT entry index to its parsed Record, backed by a bounded cache and the two-state
// bootstrap ("stub" then "full") data stream a self-describing MFT requires: entry 0 must be read before its own
// $DATA run list is known, and that run list is what every later entry read is translated through.
package mftvector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/d-hoke/libfsntfs/internal/clusterstream"
	"github.com/d-hoke/libfsntfs/iohandle"
	"github.com/d-hoke/libfsntfs/mft"
)

// DefaultCacheCapacity is used unless WithCacheCapacity is given.
const DefaultCacheCapacity = 128

// Flags configures Bootstrap.
type Flags uint32

// MFTOnly tells Bootstrap to treat the supplied mftSize as authoritative and never resolve entry 0's own data
// runs; every entry beyond mftSize/entrySize is out of range.
const MFTOnly Flags = 1 << 0

var (
	ErrAlreadyBootstrapped = errors.New("mftvector: already bootstrapped")
	ErrInvalidArgument     = errors.New("mftvector: invalid argument")
	ErrOutOfBounds         = errors.New("mftvector: out of bounds")
	ErrEntryOutOfRange     = errors.New("mftvector: entry index out of range")
	ErrNotBootstrapped     = errors.New("mftvector: not bootstrapped")
)

// dataStream is the minimal surface Vector needs from its backing reader, satisfied by both the entry-0 bootstrap
// stub and the real clusterstream.Stream built once entry 0 is known.
type dataStream interface {
	ReadAt(ctx context.Context, off int64, buf []byte) (int, error)
}

// stubStream reads mftEntrySize-byte records directly at io's declared MFT offset, used only until entry 0's own
// $DATA attribute has been parsed.
type stubStream struct {
	io     iohandle.IoHandle
	offset int64
}

func (s *stubStream) ReadAt(ctx context.Context, off int64, buf []byte) (int, error) {
	return s.io.ReadAt(ctx, s.offset+off, buf)
}

type pinnedEntry struct {
	record mft.Record
	refs   int
}

// Vector is a logical array of MFT entries, addressed by index, with entries parsed on demand and cached subject
// to the capacity configured via WithCacheCapacity.
type Vector struct {
	io         iohandle.IoHandle
	entrySize  int
	log        *logrus.Entry
	group      singleflight.Group
	mu         sync.Mutex
	stream     dataStream
	entryCount uint64
	mftOnly    bool
	pinned     map[uint64]*pinnedEntry
	cache      *lru.Cache[uint64, *pinnedEntry]
}

// Option configures New.
type Option func(*Vector)

// WithCacheCapacity overrides DefaultCacheCapacity.
func WithCacheCapacity(n int) Option {
	return func(v *Vector) {
		cache, _ := lru.New[uint64, *pinnedEntry](n)
		v.cache = cache
	}
}

// WithLogger attaches a structured logger; entries logged under it get a "component":"mftvector" field.
func WithLogger(log *logrus.Entry) Option {
	return func(v *Vector) { v.log = log.WithField("component", "mftvector") }
}

// New constructs a Vector. Bootstrap must be called before any entry is read.
func New(io_ iohandle.IoHandle, entrySize int, opts ...Option) *Vector {
	v := &Vector{
		io:        io_,
		entrySize: entrySize,
		pinned:    make(map[uint64]*pinnedEntry),
		log:       logrus.NewEntry(logrus.StandardLogger()).WithField("component", "mftvector"),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.cache == nil {
		cache, _ := lru.New[uint64, *pinnedEntry](DefaultCacheCapacity)
		v.cache = cache
	}
	return v
}

// Bootstrap performs the MFT self-referential bootstrap: parse entry 0 through a direct stub reader at mftOffset,
// extract its $DATA run list, and (unless flags sets MFTOnly) switch to reading every entry through that run
// list from then on.
func (v *Vector) Bootstrap(ctx context.Context, mftOffset, mftSize int64, flags Flags) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.stream != nil {
		return ErrAlreadyBootstrapped
	}
	if mftOffset < 0 {
		return fmt.Errorf("%w: mft offset %d is negative", ErrInvalidArgument, mftOffset)
	}
	if mftSize <= 0 {
		return fmt.Errorf("%w: mft size %d", ErrOutOfBounds, mftSize)
	}

	v.mftOnly = flags&MFTOnly != 0
	v.stream = &stubStream{io: v.io, offset: mftOffset}

	entry0Buf := make([]byte, v.entrySize)
	if _, err := v.stream.ReadAt(ctx, 0, entry0Buf); err != nil {
		return fmt.Errorf("mftvector: reading entry 0: %w", err)
	}
	entry0, err := mft.ParseRecord(entry0Buf)
	if err != nil {
		return fmt.Errorf("mftvector: parsing entry 0: %w", err)
	}

	if v.mftOnly {
		v.entryCount = uint64(mftSize) / uint64(v.entrySize)
		v.cache.Add(0, &pinnedEntry{record: entry0})
		v.log.WithField("entries", v.entryCount).Debug("bootstrapped in MFT-only mode")
		return nil
	}

	data, ok := entry0.UnnamedData()
	if !ok {
		return fmt.Errorf("%w: entry 0 has no unnamed $DATA attribute", ErrOutOfBounds)
	}

	full, err := clusterstream.New(v.io, clusterstream.Params{
		Runs:                    data.Runs,
		ClusterSize:             v.io.ClusterSize(),
		CompressionUnitClusters: compressionUnitClusters(data.CompressionUnitExponent),
		ValidSize:               int64(data.ActualSize),
		InitializedSize:         int64(data.InitializedSize),
	})
	if err != nil {
		return fmt.Errorf("mftvector: building $MFT data stream: %w", err)
	}

	v.stream = full
	v.entryCount = data.ActualSize / uint64(v.entrySize)
	v.log.WithField("entries", v.entryCount).Debug("bootstrapped MFT data stream")
	return nil
}

func compressionUnitClusters(exponent int) int {
	if exponent == 0 {
		return 0
	}
	return 1 << uint(exponent)
}

// NumberOfEntries returns the entry count established at Bootstrap.
func (v *Vector) NumberOfEntries() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.entryCount
}

// OutstandingHandles returns the number of entries currently held by at least one live EntryHandle. Callers that
// need exclusive access to the underlying volume (closing it, for instance) should wait for this to reach zero.
func (v *Vector) OutstandingHandles() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pinned)
}

// EntryHandle is a shared, reference-counted handle to a cached Record. Callers must call Release when done; the
// underlying cache slot cannot be evicted while any handle referencing it is outstanding.
type EntryHandle struct {
	vector *Vector
	index  uint64
	node   *pinnedEntry
}

// Record returns the parsed MFT record this handle refers to.
func (h *EntryHandle) Record() mft.Record {
	return h.node.record
}

// Release drops this handle's reference. Once the last reference to an index is released, that index becomes
// eligible for LRU eviction again.
func (h *EntryHandle) Release() {
	h.vector.release(h.index)
}

func (v *Vector) release(index uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	node, ok := v.pinned[index]
	if !ok {
		return
	}
	node.refs--
	if node.refs <= 0 {
		delete(v.pinned, index)
		v.cache.Add(index, node)
	}
}

// GetByIndex returns a shared handle to the parsed entry at index, populating the cache on a miss. Concurrent
// misses on the same index are deduplicated: only one of them actually reads and parses the entry.
func (v *Vector) GetByIndex(ctx context.Context, index uint64) (*EntryHandle, error) {
	if err := v.checkRange(index); err != nil {
		return nil, err
	}

	v.mu.Lock()
	if node, ok := v.pinned[index]; ok {
		node.refs++
		v.mu.Unlock()
		return &EntryHandle{vector: v, index: index, node: node}, nil
	}
	if node, ok := v.cache.Get(index); ok {
		v.cache.Remove(index)
		node.refs = 1
		v.pinned[index] = node
		v.mu.Unlock()
		return &EntryHandle{vector: v, index: index, node: node}, nil
	}
	v.mu.Unlock()

	key := strconv.FormatUint(index, 10)
	executed := false
	result, err, _ := v.group.Do(key, func() (interface{}, error) {
		executed = true
		record, err := v.readAndParse(ctx, index)
		if err != nil {
			return nil, err
		}

		v.mu.Lock()
		defer v.mu.Unlock()
		if node, ok := v.pinned[index]; ok {
			node.refs++
			return node, nil
		}
		node := &pinnedEntry{record: record, refs: 1}
		v.pinned[index] = node
		return node, nil
	})
	if err != nil {
		return nil, err
	}

	node := result.(*pinnedEntry)
	if !executed {
		// A caller that shared another's in-flight read takes its own reference to the node.
		v.mu.Lock()
		if p, ok := v.pinned[index]; ok {
			node = p
		} else {
			v.cache.Remove(index)
			v.pinned[index] = node
		}
		node.refs++
		v.mu.Unlock()
	}
	return &EntryHandle{vector: v, index: index, node: node}, nil
}

// GetByIndexUncached always reads and parses a fresh copy of the entry at index, bypassing the cache entirely.
// Use this when the caller needs to mutate transient parse state without affecting other readers.
func (v *Vector) GetByIndexUncached(ctx context.Context, index uint64) (mft.Record, error) {
	if err := v.checkRange(index); err != nil {
		return mft.Record{}, err
	}
	return v.readAndParse(ctx, index)
}

func (v *Vector) checkRange(index uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stream == nil {
		return ErrNotBootstrapped
	}
	if index >= v.entryCount {
		return fmt.Errorf("%w: index %d, entry count %d", ErrEntryOutOfRange, index, v.entryCount)
	}
	return nil
}

func (v *Vector) readAndParse(ctx context.Context, index uint64) (mft.Record, error) {
	// The stream is not safe for concurrent use, so reads through it are serialized under v.mu.
	buf := make([]byte, v.entrySize)
	v.mu.Lock()
	_, err := v.stream.ReadAt(ctx, int64(index)*int64(v.entrySize), buf)
	v.mu.Unlock()
	if err != nil {
		return mft.Record{}, fmt.Errorf("mftvector: reading entry %d: %w", index, err)
	}
	record, err := mft.ParseRecord(buf)
	if err != nil {
		return mft.Record{}, fmt.Errorf("mftvector: parsing entry %d: %w", index, err)
	}
	return record, nil
}

// ReadRecordFunc returns a function suitable for mft.ResolveAttributeList's readRecord parameter, fetching
// extension records through this vector uncached (attribute-list resolution happens during parse, before any
// handle exists to cache against).
func (v *Vector) ReadRecordFunc(ctx context.Context) func(mft.FileReference) (mft.Record, error) {
	return func(ref mft.FileReference) (mft.Record, error) {
		return v.GetByIndexUncached(ctx, ref.RecordNumber)
	}
}
