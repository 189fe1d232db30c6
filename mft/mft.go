/*
Package mft parses records and attributes in an NTFS Master File Table.

Basic usage

First parse a record using mft.ParseRecord(), which applies fixup and parses the record header and attribute
headers. Then parse each attribute's data individually using the various mft.Parse...() functions, or use the
Record.PrimaryFileName()/Record.UnnamedData() helpers for the common case of just wanting a file's name and its
default data stream.

	record, err := mft.ParseRecord(buf)
	attrs := record.FindAttributes(mft.AttributeTypeFileName)
	fileName, err := mft.ParseFileName(attrs[0].Data)
*/
package mft

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/d-hoke/libfsntfs/binutil"
	"github.com/d-hoke/libfsntfs/internal/datarun"
	"github.com/d-hoke/libfsntfs/internal/fixup"
	"github.com/d-hoke/libfsntfs/utf16"
)

var fileSignature = []byte{0x46, 0x49, 0x4c, 0x45}

const maxInt = int64(^uint(0) >> 1)

// MaxAttributeListDepth bounds how many non-base records ResolveAttributeList will follow before giving up. A
// well-formed volume never needs more than a handful; this exists only to turn a corrupted or adversarial
// attribute list into an error instead of an infinite loop.
const MaxAttributeListDepth = 16

// ErrCyclicAttributeList is returned by ResolveAttributeList when following $ATTRIBUTE_LIST entries exceeds
// MaxAttributeListDepth.
var ErrCyclicAttributeList = errors.New("mft: attribute list exceeds maximum resolution depth")

// A Record represents an MFT entry, excluding all technical data (such as "offset to first attribute"). The
// Attributes list only contains the attribute headers and their own data; for an attribute that is split across
// extension records via $ATTRIBUTE_LIST, use ResolveAttributeList to see the full picture. When this is a base
// record, BaseRecordReference is zero; when it is an extension record, BaseRecordReference points back to the
// record's base record.
type Record struct {
	Signature             []byte
	FileReference         FileReference
	BaseRecordReference   FileReference
	LogFileSequenceNumber uint64
	HardLinkCount         int
	Flags                 RecordFlag
	ActualSize            uint32
	AllocatedSize         uint32
	NextAttributeId       int
	Attributes            []Attribute
}

// ParseRecord parses bytes into a Record after applying fixup. The data is assumed to be in Little Endian order.
// Only the attribute headers are parsed, not the actual attribute data (beyond resident attributes, whose data is
// inline in the header anyway).
func ParseRecord(b []byte) (Record, error) {
	if len(b) < 42 {
		return Record{}, fmt.Errorf("record data length should be at least 42 but is %d", len(b))
	}
	sig := b[:4]
	if !bytes.Equal(sig, fileSignature) {
		return Record{}, fmt.Errorf("unknown record signature: %# x", sig)
	}

	b = binutil.Duplicate(b)
	r := binutil.NewLittleEndianReader(b)
	baseRecordRef, err := ParseFileReference(r.Read(0x20, 8))
	if err != nil {
		return Record{}, fmt.Errorf("unable to parse base record reference: %v", err)
	}

	firstAttributeOffset := int(r.Uint16(0x14))
	if firstAttributeOffset < 0 || firstAttributeOffset >= len(b) {
		return Record{}, fmt.Errorf("invalid first attribute offset %d (data length: %d)", firstAttributeOffset, len(b))
	}

	updateSequenceOffset := int(r.Uint16(0x04))
	updateSequenceSize := int(r.Uint16(0x06))
	if err := fixup.Apply(b, updateSequenceOffset, updateSequenceSize); err != nil {
		return Record{}, fmt.Errorf("unable to apply fixup: %w", err)
	}

	attributes, err := ParseAttributes(b[firstAttributeOffset:])
	if err != nil {
		return Record{}, err
	}
	return Record{
		Signature:             binutil.Duplicate(sig),
		FileReference:         FileReference{RecordNumber: uint64(r.Uint32(0x2C)), SequenceNumber: r.Uint16(0x10)},
		BaseRecordReference:   baseRecordRef,
		LogFileSequenceNumber: r.Uint64(0x08),
		HardLinkCount:         int(r.Uint16(0x12)),
		Flags:                 RecordFlag(r.Uint16(0x16)),
		ActualSize:            r.Uint32(0x18),
		AllocatedSize:         r.Uint32(0x1C),
		NextAttributeId:       int(r.Uint16(0x28)),
		Attributes:            attributes,
	}, nil
}

// A FileReference represents a reference to an MFT record. Since the FileReference in a Record is only 4 bytes,
// the RecordNumber will probably not exceed 32 bits.
type FileReference struct {
	RecordNumber   uint64
	SequenceNumber uint16
}

// ParseFileReference parses a Little Endian ordered 8-byte slice into a FileReference. The first 6 bytes indicate
// the record number, while the final 2 bytes indicate the sequence number.
func ParseFileReference(b []byte) (FileReference, error) {
	if len(b) != 8 {
		return FileReference{}, fmt.Errorf("expected 8 bytes but got %d", len(b))
	}

	return FileReference{
		RecordNumber:   binary.LittleEndian.Uint64(binutil.PadLittleEndian(b[:6], 8, false)),
		SequenceNumber: binary.LittleEndian.Uint16(b[6:]),
	}, nil
}

// RecordFlag represents a bit mask flag indicating the status of the MFT record.
type RecordFlag uint16

// Bit values for the RecordFlag. For example, an in-use directory has value 0x0003.
const (
	RecordFlagInUse       RecordFlag = 0x0001
	RecordFlagIsDirectory RecordFlag = 0x0002
	RecordFlagInExtend    RecordFlag = 0x0004
	RecordFlagIsIndex     RecordFlag = 0x0008
)

// Is checks if this RecordFlag's bit mask contains the specified flag.
func (f *RecordFlag) Is(c RecordFlag) bool {
	return *f&c == c
}

// FindAttributes returns all attributes of the specified type contained in this record's own Attributes list
// (extension-record attributes reached only through $ATTRIBUTE_LIST are not included; see ResolveAttributeList).
// When no matches are found an empty slice is returned.
func (r *Record) FindAttributes(attrType AttributeType) []Attribute {
	ret := make([]Attribute, 0)
	for _, a := range r.Attributes {
		if a.Type == attrType {
			ret = append(ret, a)
		}
	}
	return ret
}

// PrimaryFileName returns the $FILE_NAME attribute preferred for display: Win32, then Win32AndDos, then POSIX,
// then DOS, matching how Windows itself picks a name when a file has both a long and a short name. It returns
// false if the record has no $FILE_NAME attribute at all.
func (r *Record) PrimaryFileName() (FileName, bool) {
	preference := []FileNameNamespace{FileNameNamespaceWin32, FileNameNamespaceWin32AndDos, FileNameNamespacePosix, FileNameNamespaceDos}

	candidates := make(map[FileNameNamespace]FileName)
	for _, a := range r.FindAttributes(AttributeTypeFileName) {
		fn, err := ParseFileName(a.Data)
		if err != nil {
			continue
		}
		candidates[fn.Namespace] = fn
	}

	for _, ns := range preference {
		if fn, ok := candidates[ns]; ok {
			return fn, true
		}
	}
	return FileName{}, false
}

// UnnamedData returns the unnamed $DATA attribute, which holds a regular file's default stream (as opposed to an
// alternate data stream, which carries a Name). It returns false if the record has no unnamed $DATA attribute.
func (r *Record) UnnamedData() (Attribute, bool) {
	for _, a := range r.FindAttributes(AttributeTypeData) {
		if a.Name == "" {
			return a, true
		}
	}
	return Attribute{}, false
}

// Attribute represents an MFT record attribute header and its corresponding data. When the attribute is
// Resident, Data contains the actual attribute data and Runs is nil. When it is non-resident, Data is nil and
// Runs describes the clusters backing it. For a resident attribute AllocatedSize, ActualSize and InitializedSize
// all equal len(Data); CompressionUnitExponent is only meaningful for non-resident attributes.
type Attribute struct {
	Type                    AttributeType
	Resident                bool
	Name                    string
	Flags                   AttributeFlags
	AttributeId             int
	AllocatedSize           uint64
	ActualSize              uint64
	InitializedSize         uint64
	CompressionUnitExponent int
	Runs                    []datarun.Run
	Data                    []byte
}

// AttributeType represents the type of an Attribute. Use Name() to get the attribute type's name.
type AttributeType uint32

// Known values for AttributeType. Note that other values might occur too.
const (
	AttributeTypeStandardInformation AttributeType = 0x10       // $STANDARD_INFORMATION; always resident
	AttributeTypeAttributeList       AttributeType = 0x20       // $ATTRIBUTE_LIST; mixed residency
	AttributeTypeFileName            AttributeType = 0x30       // $FILE_NAME; always resident
	AttributeTypeObjectId            AttributeType = 0x40       // $OBJECT_ID; always resident
	AttributeTypeSecurityDescriptor  AttributeType = 0x50       // $SECURITY_DESCRIPTOR; always resident?
	AttributeTypeVolumeName          AttributeType = 0x60       // $VOLUME_NAME; always resident?
	AttributeTypeVolumeInformation   AttributeType = 0x70       // $VOLUME_INFORMATION; never resident?
	AttributeTypeData                AttributeType = 0x80       // $DATA; mixed residency
	AttributeTypeIndexRoot           AttributeType = 0x90       // $INDEX_ROOT; always resident
	AttributeTypeIndexAllocation     AttributeType = 0xa0       // $INDEX_ALLOCATION; never resident?
	AttributeTypeBitmap              AttributeType = 0xb0       // $BITMAP; nearly always resident?
	AttributeTypeReparsePoint        AttributeType = 0xc0       // $REPARSE_POINT; always resident?
	AttributeTypeEAInformation       AttributeType = 0xd0       // $EA_INFORMATION; always resident
	AttributeTypeEA                  AttributeType = 0xe0       // $EA; nearly always resident?
	AttributeTypePropertySet         AttributeType = 0xf0       // $PROPERTY_SET
	AttributeTypeLoggedUtilityStream AttributeType = 0x100      // $LOGGED_UTILITY_STREAM; always resident
	AttributeTypeTerminator          AttributeType = 0xFFFFFFFF // Indicates the last attribute in a list; not returned by ParseAttributes
)

// AttributeFlags represents a bit mask flag indicating various properties of an attribute's data.
type AttributeFlags uint16

// Bit values for the AttributeFlags. For example, an encrypted, compressed attribute has value 0x4001.
const (
	AttributeFlagsCompressed AttributeFlags = 0x0001
	AttributeFlagsEncrypted  AttributeFlags = 0x4000
	AttributeFlagsSparse     AttributeFlags = 0x8000
)

// Is checks if this AttributeFlags's bit mask contains the specified flag.
func (f *AttributeFlags) Is(c AttributeFlags) bool {
	return *f&c == c
}

// ParseAttributes parses bytes into Attributes. The data is assumed to be in Little Endian order.
func ParseAttributes(b []byte) ([]Attribute, error) {
	if len(b) == 0 {
		return []Attribute{}, nil
	}
	attributes := make([]Attribute, 0)
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("attribute header data should be at least 4 bytes but is %d", len(b))
		}

		r := binutil.NewLittleEndianReader(b)
		attrType := r.Uint32(0)
		if attrType == uint32(AttributeTypeTerminator) {
			break
		}

		if len(b) < 8 {
			return nil, fmt.Errorf("cannot read attribute header record length, data should be at least 8 bytes but is %d", len(b))
		}

		uRecordLength := r.Uint32(0x04)
		if int64(uRecordLength) > maxInt {
			return nil, fmt.Errorf("record length %d overflows maximum int value %d", uRecordLength, maxInt)
		}
		recordLength := int(uRecordLength)
		if recordLength <= 0 {
			return nil, fmt.Errorf("cannot handle attribute with zero or negative record length %d", recordLength)
		}

		if recordLength > len(b) {
			return nil, fmt.Errorf("attribute record length %d exceeds data length %d", recordLength, len(b))
		}

		recordData := r.Read(0, recordLength)
		attribute, err := ParseAttribute(recordData)
		if err != nil {
			return nil, err
		}
		attributes = append(attributes, attribute)
		b = r.ReadFrom(recordLength)
	}
	return attributes, nil
}

// ParseAttribute parses bytes into an Attribute. The data is assumed to be in Little Endian order.
func ParseAttribute(b []byte) (Attribute, error) {
	if len(b) < 22 {
		return Attribute{}, fmt.Errorf("attribute data should be at least 22 bytes but is %d", len(b))
	}

	r := binutil.NewLittleEndianReader(b)

	nameLength := r.Byte(0x09)
	nameOffset := r.Uint16(0x0A)

	name := ""
	if nameLength != 0 {
		nameBytes := r.Read(int(nameOffset), int(nameLength)*2)
		decoded, err := utf16.DecodeString(nameBytes, binary.LittleEndian)
		if err != nil {
			return Attribute{}, fmt.Errorf("unable to decode attribute name: %w", err)
		}
		name = decoded
	}

	resident := r.Byte(0x08) == 0x00
	flags := AttributeFlags(r.Uint16(0x0C))

	attr := Attribute{
		Type:        AttributeType(r.Uint32(0)),
		Resident:    resident,
		Name:        name,
		Flags:       flags,
		AttributeId: int(r.Uint16(0x0E)),
	}

	if resident {
		dataOffset := int(r.Uint16(0x14))
		uDataLength := r.Uint32(0x10)
		if int64(uDataLength) > maxInt {
			return Attribute{}, fmt.Errorf("attribute data length %d overflows maximum int value %d", uDataLength, maxInt)
		}
		dataLength := int(uDataLength)
		expectedDataLength := dataOffset + dataLength
		if len(b) < expectedDataLength {
			return Attribute{}, fmt.Errorf("expected attribute data length to be at least %d but is %d", expectedDataLength, len(b))
		}
		attr.Data = binutil.Duplicate(r.Read(dataOffset, dataLength))
		attr.ActualSize = uint64(dataLength)
		attr.AllocatedSize = uint64(dataLength)
		attr.InitializedSize = uint64(dataLength)
		return attr, nil
	}

	dataRunsOffset := int(r.Uint16(0x20))
	if len(b) < dataRunsOffset {
		return Attribute{}, fmt.Errorf("expected attribute data length to be at least %d but is %d", dataRunsOffset, len(b))
	}

	attr.CompressionUnitExponent = int(r.Uint16(0x22))
	attr.AllocatedSize = r.Uint64(0x28)
	attr.ActualSize = r.Uint64(0x30)
	if len(b) >= 0x38+8 {
		attr.InitializedSize = r.Uint64(0x38)
	} else {
		attr.InitializedSize = attr.ActualSize
	}

	runListBytes := r.ReadFrom(dataRunsOffset)
	if len(runListBytes) > 0 {
		runs, err := datarun.Parse(runListBytes, 0)
		if err != nil {
			return Attribute{}, fmt.Errorf("unable to parse data runs: %w", err)
		}
		attr.Runs = runs
	}

	return attr, nil
}

// ResolveAttributeList returns the full set of attributes for a record that carries an $ATTRIBUTE_LIST, by
// reading every extension record the list points to (via readRecord, typically an MFT vector's ReadRecordFunc)
// and merging their attributes with the base record's own. Entries that point at the base record itself, or at an
// extension record already read, are skipped. It follows at most MaxAttributeListDepth distinct extension records
// before giving up with ErrCyclicAttributeList.
//
// If base has no $ATTRIBUTE_LIST attribute, ResolveAttributeList returns base.Attributes unchanged.
func ResolveAttributeList(base Record, readRecord func(FileReference) (Record, error)) ([]Attribute, error) {
	listAttrs := base.FindAttributes(AttributeTypeAttributeList)
	if len(listAttrs) == 0 {
		return base.Attributes, nil
	}

	entries, err := ParseAttributeList(listAttrs[0].Data)
	if err != nil {
		return nil, fmt.Errorf("unable to parse attribute list: %w", err)
	}

	attributes := append([]Attribute{}, base.Attributes...)
	visited := map[uint64]bool{base.FileReference.RecordNumber: true}

	for _, entry := range entries {
		if entry.BaseRecordReference.RecordNumber == base.FileReference.RecordNumber {
			continue
		}
		if visited[entry.BaseRecordReference.RecordNumber] {
			continue
		}
		if len(visited) > MaxAttributeListDepth {
			return nil, ErrCyclicAttributeList
		}
		visited[entry.BaseRecordReference.RecordNumber] = true

		extRecord, err := readRecord(entry.BaseRecordReference)
		if err != nil {
			return nil, fmt.Errorf("unable to read extension record %d: %w", entry.BaseRecordReference.RecordNumber, err)
		}
		attributes = append(attributes, extRecord.Attributes...)
	}

	return attributes, nil
}

// DataRunsToFragments is kept for callers still working directly in clusters; new code should prefer
// internal/clusterstream, which also understands sparse runs and compression units.
func DataRunsToFragments(runs []datarun.Run, bytesPerCluster int) []ClusterRange {
	ranges := make([]ClusterRange, len(runs))
	for i, run := range runs {
		ranges[i] = ClusterRange{
			Offset: run.StartLCN * int64(bytesPerCluster),
			Length: int64(run.LengthInClusters) * int64(bytesPerCluster),
			Sparse: run.Sparse,
		}
	}
	return ranges
}

// ClusterRange is an absolute, byte-addressed view of a datarun.Run, suitable for feeding to fragment.Reader.
type ClusterRange struct {
	Offset int64
	Length int64
	Sparse bool
}

// Name returns a string representation of the attribute type. For example "$STANDARD_INFORMATION" or
// "$FILE_NAME". For any attribute type which is unknown, Name returns "unknown".
func (at AttributeType) Name() string {
	switch at {
	case AttributeTypeStandardInformation:
		return "$STANDARD_INFORMATION"
	case AttributeTypeAttributeList:
		return "$ATTRIBUTE_LIST"
	case AttributeTypeFileName:
		return "$FILE_NAME"
	case AttributeTypeObjectId:
		return "$OBJECT_ID"
	case AttributeTypeSecurityDescriptor:
		return "$SECURITY_DESCRIPTOR"
	case AttributeTypeVolumeName:
		return "$VOLUME_NAME"
	case AttributeTypeVolumeInformation:
		return "$VOLUME_INFORMATION"
	case AttributeTypeData:
		return "$DATA"
	case AttributeTypeIndexRoot:
		return "$INDEX_ROOT"
	case AttributeTypeIndexAllocation:
		return "$INDEX_ALLOCATION"
	case AttributeTypeBitmap:
		return "$BITMAP"
	case AttributeTypeReparsePoint:
		return "$REPARSE_POINT"
	case AttributeTypeEAInformation:
		return "$EA_INFORMATION"
	case AttributeTypeEA:
		return "$EA"
	case AttributeTypePropertySet:
		return "$PROPERTY_SET"
	case AttributeTypeLoggedUtilityStream:
		return "$LOGGED_UTILITY_STREAM"
	}
	return "unknown"
}
