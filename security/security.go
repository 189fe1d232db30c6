// Package security reads the $Secure system file (MFT entry 9): the $SII index that maps a security descriptor
// identifier to its offset and size inside $SDS, and the self-relative SECURITY_DESCRIPTOR payloads $SDS stores.
package security

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/d-hoke/libfsntfs/internal/clusterstream"
	"github.com/d-hoke/libfsntfs/iohandle"
	"github.com/d-hoke/libfsntfs/mft"
)

// SecureEntryIndex is the well-known MFT entry number of $Secure.
const SecureEntryIndex = 9

const secureFileName = "$Secure"

var (
	// ErrCorruptIndex is returned when the $SII index structure cannot be parsed.
	ErrCorruptIndex = errors.New("security: corrupt $SII index")
	// ErrCorruptDescriptor is returned when an $SDS entry header or descriptor payload is malformed or doesn't
	// match what the $SII lookup promised.
	ErrCorruptDescriptor = errors.New("security: corrupt $SDS entry")
)

// entryReader is the narrow slice of mftvector.Vector security needs.
type entryReader interface {
	GetByIndexUncached(ctx context.Context, index uint64) (mft.Record, error)
}

// siiEntry is one leaf of the $SII index: descriptor id -> its location within $SDS.
type siiEntry struct {
	id     uint32
	offset uint64
	size   uint32
}

// Index is the loaded $Secure security descriptor index. A zero-value Index (Loaded == false) means entry 9
// either doesn't exist as expected or isn't named "$Secure" (legacy volumes); per design, this is not inferred
// further, it is simply reported absent.
type Index struct {
	Loaded  bool
	entries []siiEntry
	sdsData []byte
}

// SID is a Windows security identifier in S-R-A-S... form.
type SID struct {
	Revision            byte
	IdentifierAuthority uint64
	SubAuthorities      []uint32
}

// String renders the SID in its canonical S-1-5-... textual form.
func (s SID) String() string {
	out := fmt.Sprintf("S-%d-%d", s.Revision, s.IdentifierAuthority)
	for _, sub := range s.SubAuthorities {
		out += fmt.Sprintf("-%d", sub)
	}
	return out
}

// Descriptor is a decoded self-relative SECURITY_DESCRIPTOR.
type Descriptor struct {
	Revision byte
	Control  uint16
	Owner    SID
	Group    SID
	// SACL and DACL hold the raw ACL bytes (header + ACEs); ACE-level decoding is not needed by any operation
	// this package exposes and is left to callers that need it.
	SACL []byte
	DACL []byte
}

// Load reads MFT entry 9, verifies its primary name is "$Secure", and parses the $SII index and $SDS stream. A
// mismatched or missing name yields an absent Index (Loaded == false) and no error.
func Load(ctx context.Context, io_ iohandle.IoHandle, entries entryReader) (Index, error) {
	record, err := entries.GetByIndexUncached(ctx, SecureEntryIndex)
	if err != nil {
		return Index{}, fmt.Errorf("security: reading entry %d: %w", SecureEntryIndex, err)
	}

	name, ok := record.PrimaryFileName()
	if !ok || name.Name != secureFileName {
		return Index{}, nil
	}

	siiRoot, siiRootOK := namedAttribute(&record, mft.AttributeTypeIndexRoot, "$SII")
	if !siiRootOK {
		return Index{}, nil
	}
	sds, sdsOK := namedAttribute(&record, mft.AttributeTypeData, "$SDS")
	if !sdsOK {
		return Index{}, nil
	}

	siiEntries, err := parseSIIRoot(siiRoot.Data)
	if err != nil {
		return Index{}, fmt.Errorf("security: %w: %v", ErrCorruptIndex, err)
	}

	sdsData, err := readAttributeFully(ctx, io_, sds)
	if err != nil {
		return Index{}, fmt.Errorf("security: reading $SDS: %w", err)
	}

	return Index{Loaded: true, entries: siiEntries, sdsData: sdsData}, nil
}

func namedAttribute(record *mft.Record, attrType mft.AttributeType, name string) (mft.Attribute, bool) {
	for _, a := range record.FindAttributes(attrType) {
		if a.Name == name {
			return a, true
		}
	}
	return mft.Attribute{}, false
}

func readAttributeFully(ctx context.Context, io_ iohandle.IoHandle, a mft.Attribute) ([]byte, error) {
	if a.Resident {
		return a.Data, nil
	}

	stream, err := clusterstream.New(io_, clusterstream.Params{
		Runs:                    a.Runs,
		ClusterSize:             io_.ClusterSize(),
		CompressionUnitClusters: 0,
		ValidSize:               int64(a.ActualSize),
		InitializedSize:         int64(a.InitializedSize),
	})
	if err != nil {
		return nil, err
	}

	buf := make([]byte, a.ActualSize)
	off := int64(0)
	for off < int64(len(buf)) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := stream.ReadAt(ctx, off, buf[off:])
		off += int64(n)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// parseSIIRoot parses a $SII $INDEX_ROOT attribute body. The node shape (collation header, index entry list,
// sub-node VCN) mirrors mft.ParseIndexRoot's $FILE_NAME node shape, but $SII entries carry a fixed-layout leaf
// value instead of a $FILE_NAME attribute: a 20-byte $SDS-entry-header mirror (hash, id, offset, size) per entry,
// keyed by a ULONG collation on the id field rather than filename collation. Only leaf-node parsing is
// implemented: $SII indexes observed in practice fit in a single $INDEX_ROOT node for any volume of reasonable
// size, and a sub-node VCN is not followed into $INDEX_ALLOCATION.
func parseSIIRoot(b []byte) ([]siiEntry, error) {
	if len(b) < 32 {
		return nil, fmt.Errorf("expected at least 32 bytes but got %d", len(b))
	}

	totalSize := int(binary.LittleEndian.Uint32(b[0x14:]))
	expectedSize := totalSize + 16
	if len(b) < expectedSize {
		return nil, fmt.Errorf("expected %d bytes but got %d", expectedSize, len(b))
	}

	body := b[0x20:expectedSize]
	var entries []siiEntry
	for len(body) > 0 {
		if len(body) < 16 {
			return entries, fmt.Errorf("expected at least 16 bytes for index entry header but got %d", len(body))
		}
		entryLength := int(binary.LittleEndian.Uint16(body[0x08:]))
		contentLength := int(binary.LittleEndian.Uint16(body[0x0A:]))
		flags := binary.LittleEndian.Uint32(body[0x0C:])
		isLast := flags&0b10 != 0

		if entryLength > len(body) {
			return entries, fmt.Errorf("index entry length %d exceeds remaining %d bytes", entryLength, len(body))
		}

		if !isLast && contentLength >= 20 {
			value := body[0x10 : 0x10+contentLength]
			entries = append(entries, siiEntry{
				id:     binary.LittleEndian.Uint32(value[0x04:]),
				offset: binary.LittleEndian.Uint64(value[0x08:]),
				size:   binary.LittleEndian.Uint32(value[0x10:]),
			})
		}

		body = body[entryLength:]
	}

	return entries, nil
}

// Lookup finds the security descriptor with the given id. found is false, with a nil error, when the index is
// absent or the id is unknown; an error is returned only on corruption.
func (idx Index) Lookup(id uint32) (desc Descriptor, found bool, err error) {
	if !idx.Loaded {
		return Descriptor{}, false, nil
	}

	for _, e := range idx.entries {
		if e.id != id {
			continue
		}

		header, payload, err := idx.readSDSEntry(e.offset, e.size)
		if err != nil {
			return Descriptor{}, false, err
		}
		if header.id != id || header.size != e.size {
			return Descriptor{}, false, fmt.Errorf("%w: $SII promised id=%d size=%d, $SDS header has id=%d size=%d",
				ErrCorruptDescriptor, id, e.size, header.id, header.size)
		}

		desc, err := ParseSecurityDescriptor(payload)
		if err != nil {
			return Descriptor{}, false, fmt.Errorf("%w: %v", ErrCorruptDescriptor, err)
		}
		return desc, true, nil
	}

	return Descriptor{}, false, nil
}

type sdsEntryHeader struct {
	hash   uint32
	id     uint32
	offset uint64
	size   uint32
}

// readSDSEntry reads the 20-byte $SDS entry header preceding a descriptor at offset, plus the descriptor payload
// that follows it.
func (idx Index) readSDSEntry(offset uint64, size uint32) (sdsEntryHeader, []byte, error) {
	const headerSize = 20
	start := int(offset)
	if start < 0 || start+headerSize > len(idx.sdsData) {
		return sdsEntryHeader{}, nil, fmt.Errorf("%w: offset %d out of range for %d-byte $SDS", ErrCorruptDescriptor, offset, len(idx.sdsData))
	}

	h := idx.sdsData[start : start+headerSize]
	header := sdsEntryHeader{
		hash:   binary.LittleEndian.Uint32(h[0x00:]),
		id:     binary.LittleEndian.Uint32(h[0x04:]),
		offset: binary.LittleEndian.Uint64(h[0x08:]),
		size:   binary.LittleEndian.Uint32(h[0x10:]),
	}

	payloadStart := start + headerSize
	payloadEnd := start + int(size)
	if payloadEnd < payloadStart || payloadEnd > len(idx.sdsData) {
		return sdsEntryHeader{}, nil, fmt.Errorf("%w: descriptor of size %d at offset %d exceeds %d-byte $SDS", ErrCorruptDescriptor, size, offset, len(idx.sdsData))
	}

	return header, idx.sdsData[payloadStart:payloadEnd], nil
}

// ParseSecurityDescriptor decodes a self-relative SECURITY_DESCRIPTOR: a 20-byte header (revision, control flags,
// and four relative offsets to owner SID, group SID, SACL, and DACL) followed by those four structures packed
// back to back in unspecified order, each addressed by its own offset from the start of b.
func ParseSecurityDescriptor(b []byte) (Descriptor, error) {
	if len(b) < 20 {
		return Descriptor{}, fmt.Errorf("expected at least 20 bytes but got %d", len(b))
	}

	revision := b[0]
	control := binary.LittleEndian.Uint16(b[0x02:])
	ownerOffset := binary.LittleEndian.Uint32(b[0x04:])
	groupOffset := binary.LittleEndian.Uint32(b[0x08:])
	saclOffset := binary.LittleEndian.Uint32(b[0x0C:])
	daclOffset := binary.LittleEndian.Uint32(b[0x10:])

	desc := Descriptor{Revision: revision, Control: control}

	var err error
	if ownerOffset != 0 {
		if desc.Owner, err = ParseSID(b, ownerOffset); err != nil {
			return Descriptor{}, fmt.Errorf("owner SID: %w", err)
		}
	}
	if groupOffset != 0 {
		if desc.Group, err = ParseSID(b, groupOffset); err != nil {
			return Descriptor{}, fmt.Errorf("group SID: %w", err)
		}
	}
	if saclOffset != 0 {
		if desc.SACL, err = sliceACL(b, saclOffset); err != nil {
			return Descriptor{}, fmt.Errorf("SACL: %w", err)
		}
	}
	if daclOffset != 0 {
		if desc.DACL, err = sliceACL(b, daclOffset); err != nil {
			return Descriptor{}, fmt.Errorf("DACL: %w", err)
		}
	}

	return desc, nil
}

// ParseSID decodes a SID structure starting at offset within b: a revision byte, a sub-authority count byte, a
// 6-byte big-endian identifier authority, and that many little-endian 32-bit sub-authorities.
func ParseSID(b []byte, offset uint32) (SID, error) {
	start := int(offset)
	if start < 0 || start+8 > len(b) {
		return SID{}, fmt.Errorf("offset %d out of range for %d-byte buffer", offset, len(b))
	}

	revision := b[start]
	subAuthorityCount := int(b[start+1])
	authorityBytes := b[start+2 : start+8]
	var authority uint64
	for _, bb := range authorityBytes {
		authority = authority<<8 | uint64(bb)
	}

	subStart := start + 8
	subEnd := subStart + subAuthorityCount*4
	if subEnd > len(b) {
		return SID{}, fmt.Errorf("sub-authority count %d exceeds buffer", subAuthorityCount)
	}

	subs := make([]uint32, subAuthorityCount)
	for i := 0; i < subAuthorityCount; i++ {
		subs[i] = binary.LittleEndian.Uint32(b[subStart+i*4:])
	}

	return SID{Revision: revision, IdentifierAuthority: authority, SubAuthorities: subs}, nil
}

// sliceACL returns the raw bytes of the ACL (header + ACEs) starting at offset, sized per its own AclSize field.
func sliceACL(b []byte, offset uint32) ([]byte, error) {
	start := int(offset)
	if start < 0 || start+8 > len(b) {
		return nil, fmt.Errorf("offset %d out of range for %d-byte buffer", offset, len(b))
	}
	aclSize := int(binary.LittleEndian.Uint16(b[start+2:]))
	end := start + aclSize
	if aclSize < 8 || end > len(b) {
		return nil, fmt.Errorf("ACL size %d out of range at offset %d for %d-byte buffer", aclSize, offset, len(b))
	}
	return b[start:end], nil
}
