// Package ntfs ties the fixup, data-run, attribute, cluster-stream, MFT, bitmap, and security-index packages into
// a single read-only session over one volume: the Facade.
package ntfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/d-hoke/libfsntfs/bitmap"
	"github.com/d-hoke/libfsntfs/internal/clusterstream"
	"github.com/d-hoke/libfsntfs/iohandle"
	"github.com/d-hoke/libfsntfs/mft"
	"github.com/d-hoke/libfsntfs/mftvector"
	"github.com/d-hoke/libfsntfs/security"
)

var (
	ErrAlreadyInitialized = errors.New("ntfs: mft already read")
	ErrInvalidArgument    = errors.New("ntfs: invalid argument")
	ErrOutOfBounds        = errors.New("ntfs: out of bounds")
	ErrBusyOnRelease      = errors.New("ntfs: facade has outstanding entry handles")
)

// Option configures Initialize.
type Option func(*Facade)

// WithLogger attaches a base logger; the facade wraps it with a "session" field unique to this Facade.
func WithLogger(log *logrus.Logger) Option {
	return func(f *Facade) { f.baseLogger = log }
}

// WithCacheCapacity sets the MFT entry cache's bounded capacity, forwarded to mftvector.WithCacheCapacity.
func WithCacheCapacity(n int) Option {
	return func(f *Facade) { f.cacheCapacity = n }
}

// Facade is a read-only NTFS session over a single iohandle.IoHandle. Initialize allocates one with no MFT and no
// security index loaded; ReadMFT and ReadSecurityDescriptors populate those lazily, matching spec.md's operation
// set.
type Facade struct {
	mu sync.RWMutex

	io            iohandle.IoHandle
	cacheCapacity int
	baseLogger    *logrus.Logger
	log           *logrus.Entry
	sessionID     uuid.UUID

	vector       *mftvector.Vector
	bitmapRanges []bitmap.Range
	secIndex     security.Index
}

// Initialize allocates a Facade over io_ with no MFT bootstrapped and no security index loaded.
func Initialize(io_ iohandle.IoHandle, opts ...Option) *Facade {
	f := &Facade{io: io_, cacheCapacity: mftvector.DefaultCacheCapacity, baseLogger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(f)
	}
	f.sessionID = uuid.New()
	f.log = logrus.NewEntry(f.baseLogger).WithField("session", f.sessionID.String())
	return f
}

// ReadMFT performs the MFT bootstrap (mftvector.Bootstrap) under the facade's write lease. Fails with
// ErrAlreadyInitialized if called twice, ErrInvalidArgument for a negative offset, and ErrOutOfBounds for a
// non-positive size, mirroring mftvector's own sentinel set.
func (f *Facade) ReadMFT(ctx context.Context, mftOffset, mftSize int64, flags mftvector.Flags) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.vector != nil {
		return ErrAlreadyInitialized
	}

	v := mftvector.New(f.io, f.io.MftEntrySize(), mftvector.WithCacheCapacity(f.cacheCapacity), mftvector.WithLogger(f.log))
	if err := v.Bootstrap(ctx, mftOffset, mftSize, flags); err != nil {
		switch {
		case errors.Is(err, mftvector.ErrInvalidArgument):
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		case errors.Is(err, mftvector.ErrOutOfBounds):
			return fmt.Errorf("%w: %v", ErrOutOfBounds, err)
		default:
			return err
		}
	}

	f.vector = v
	f.log.WithField("entries", v.NumberOfEntries()).Info("mft bootstrapped")
	return nil
}

// ReadBitmap reads and coalesces the $Bitmap cluster allocation map (spec.md §4.7). Results are retained on the
// Facade for later inspection and debug-logged; this operation has no other side effect.
func (f *Facade) ReadBitmap(ctx context.Context) error {
	f.mu.RLock()
	v := f.vector
	f.mu.RUnlock()
	if v == nil {
		return fmt.Errorf("ntfs: %w: mft not read", ErrInvalidArgument)
	}

	ranges, err := bitmap.Read(ctx, f.io, v)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.bitmapRanges = ranges
	f.mu.Unlock()

	f.log.WithField("ranges", len(ranges)).Debug("bitmap scan complete")
	return nil
}

// BitmapRanges returns the ranges computed by the most recent ReadBitmap call, or nil if it hasn't run yet.
func (f *Facade) BitmapRanges() []bitmap.Range {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bitmapRanges
}

// ReadSecurityDescriptors loads the $Secure index (spec.md §4.8). A volume with no (or misnamed) $Secure entry
// yields a successfully-loaded but absent index; subsequent GetSecurityDescriptorByID calls report not-found.
func (f *Facade) ReadSecurityDescriptors(ctx context.Context) error {
	f.mu.RLock()
	v := f.vector
	f.mu.RUnlock()
	if v == nil {
		return fmt.Errorf("ntfs: %w: mft not read", ErrInvalidArgument)
	}

	idx, err := security.Load(ctx, f.io, v)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.secIndex = idx
	f.mu.Unlock()

	f.log.WithField("loaded", idx.Loaded).Debug("security index load complete")
	return nil
}

// NumberOfMFTEntries returns the entry count established by ReadMFT, or 0 if it hasn't been called.
func (f *Facade) NumberOfMFTEntries() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.vector == nil {
		return 0
	}
	return f.vector.NumberOfEntries()
}

// GetMFTEntryByIndex returns a shared, cached, reference-counted handle to entry index. Callers must Release it.
func (f *Facade) GetMFTEntryByIndex(ctx context.Context, index uint64) (*mftvector.EntryHandle, error) {
	f.mu.RLock()
	v := f.vector
	f.mu.RUnlock()
	if v == nil {
		return nil, fmt.Errorf("ntfs: %w: mft not read", ErrInvalidArgument)
	}
	return v.GetByIndex(ctx, index)
}

// GetMFTEntryByIndexUncached always parses a fresh, owned copy of entry index, bypassing the shared cache.
func (f *Facade) GetMFTEntryByIndexUncached(ctx context.Context, index uint64) (mft.Record, error) {
	f.mu.RLock()
	v := f.vector
	f.mu.RUnlock()
	if v == nil {
		return mft.Record{}, fmt.Errorf("ntfs: %w: mft not read", ErrInvalidArgument)
	}
	return v.GetByIndexUncached(ctx, index)
}

// ReadFileData copies index's unnamed $DATA attribute content to w, transparently handling both resident data
// (copied directly out of the MFT entry) and non-resident data (read through clusterstream in 1 MiB chunks).
// It returns the number of bytes written.
func (f *Facade) ReadFileData(ctx context.Context, w io.Writer, index uint64) (int64, error) {
	h, err := f.GetMFTEntryByIndex(ctx, index)
	if err != nil {
		return 0, err
	}
	defer h.Release()

	data, ok := h.Record().UnnamedData()
	if !ok {
		return 0, fmt.Errorf("ntfs: entry %d has no unnamed $DATA attribute", index)
	}

	if data.Resident {
		n, err := w.Write(data.Data)
		return int64(n), err
	}

	f.mu.RLock()
	io_ := f.io
	f.mu.RUnlock()

	stream, err := clusterstream.New(io_, clusterstream.Params{
		Runs:                    data.Runs,
		ClusterSize:             io_.ClusterSize(),
		CompressionUnitClusters: compressionUnitClusters(data.CompressionUnitExponent),
		ValidSize:               int64(data.ActualSize),
		InitializedSize:         int64(data.InitializedSize),
	})
	if err != nil {
		return 0, err
	}

	buf := make([]byte, 1<<20)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := stream.Read(ctx, buf)
		if n > 0 {
			nw, werr := w.Write(buf[:n])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}

func compressionUnitClusters(exponent int) int {
	if exponent == 0 {
		return 0
	}
	return 1 << uint(exponent)
}

// GetSecurityDescriptorByID looks up a security descriptor by its $Secure identifier. found is false, with a nil
// error, whenever the index is absent or the id is unknown; an error is returned only on corruption.
func (f *Facade) GetSecurityDescriptorByID(id uint32) (desc security.Descriptor, found bool, err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.secIndex.Lookup(id)
}

// Close releases the facade. It fails with ErrBusyOnRelease while any EntryHandle returned by
// GetMFTEntryByIndex is still outstanding; callers must Release every handle first.
func (f *Facade) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.vector != nil && f.vector.OutstandingHandles() > 0 {
		return ErrBusyOnRelease
	}

	f.vector = nil
	f.bitmapRanges = nil
	f.secIndex = security.Index{}
	return nil
}
