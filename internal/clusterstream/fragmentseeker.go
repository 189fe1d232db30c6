package clusterstream

import (
	"context"
	"io"

	"github.com/d-hoke/libfsntfs/fragment"
	"github.com/d-hoke/libfsntfs/iohandle"
)

// fragmentSeeker adapts fragment.Reader, which only supports sequential io.Reader access, to the random-access
// ReadAt a Stream needs. It keeps a single underlying fragment.Reader and reconstructs it whenever a request moves
// position backwards; forward reads (the overwhelmingly common case) just consume it in place.
type fragmentSeeker struct {
	io     iohandle.IoHandle
	frags  []fragment.Fragment
	reader *fragment.Reader
	pos    int64
}

func newFragmentSeeker(io_ iohandle.IoHandle, frags []fragment.Fragment) *fragmentSeeker {
	return &fragmentSeeker{io: io_, frags: frags}
}

// ReadAt reads len(buf) bytes starting at virtual offset off.
func (f *fragmentSeeker) ReadAt(ctx context.Context, off int64, buf []byte) (int, error) {
	if f.reader == nil || off < f.pos {
		f.reader = fragment.NewReader(&ioHandleReader{ctx: ctx, io: f.io}, f.frags)
		f.pos = 0
	}
	if off > f.pos {
		if _, err := io.CopyN(io.Discard, f.reader, off-f.pos); err != nil {
			return 0, err
		}
		f.pos = off
	}
	n, err := f.reader.Read(buf)
	f.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// readSeq reads sequentially without allowing a prior ReadAt to have left the cursor elsewhere; it assumes the
// caller always starts from offset 0 of the fragment list, which is true for inflateUnit's per-unit reader.
func (f *fragmentSeeker) readSeq(ctx context.Context, buf []byte) (int, error) {
	if f.reader == nil {
		f.reader = fragment.NewReader(&ioHandleReader{ctx: ctx, io: f.io}, f.frags)
	}
	n, err := f.reader.Read(buf)
	f.pos += int64(n)
	return n, err
}

// ioHandleReader adapts an iohandle.IoHandle to io.ReadSeeker, which is what fragment.Reader expects of its
// backing source.
type ioHandleReader struct {
	ctx    context.Context
	io     iohandle.IoHandle
	offset int64
}

func (r *ioHandleReader) Read(buf []byte) (int, error) {
	n, err := r.io.ReadAt(r.ctx, r.offset, buf)
	r.offset += int64(n)
	return n, err
}

func (r *ioHandleReader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		r.offset = offset
	case io.SeekCurrent:
		r.offset += offset
	case io.SeekEnd:
		if v := r.io.VolumeSize(); v >= 0 {
			r.offset = v + offset
		} else {
			return 0, io.ErrUnexpectedEOF
		}
	}
	return r.offset, nil
}
