// Package fixup applies and verifies the NTFS multi-sector transfer protection ("fixup") scheme used by MFT
// records and index records. Every sector of a protected record ends with a 2-byte sentinel that must match the
// record's update sequence number; Apply checks those sentinels and then overwrites them with the real trailing
// bytes that were saved off into the update sequence array.
package fixup

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCorrupt is returned by Apply when a sector's trailing sentinel does not match the record's update sequence
// number, indicating a torn write or otherwise corrupted record.
var ErrCorrupt = errors.New("fixup: update sequence mismatch")

// SectorSize is the sector size fixup sentinels are spaced at. NTFS fixup always operates in units of 512-byte
// sectors regardless of the volume's reported bytes-per-sector.
const SectorSize = 512

// Apply verifies and rewrites the fixup sentinels in record in place. usaOffset is the byte offset of the update
// sequence array (number followed by the per-sector replacement values); usaCount is the number of uint16 entries
// in that array, including the leading update sequence number itself (so there are usaCount-1 sectors protected).
//
// Apply returns ErrCorrupt, wrapped with the offending sector's offset, when any sentinel does not match.
func Apply(record []byte, usaOffset, usaCount int) error {
	if usaCount < 2 {
		// Nothing to protect; a record smaller than one sector has no fixup array worth enforcing.
		return nil
	}

	usaEnd := usaOffset + usaCount*2
	if usaOffset < 0 || usaEnd > len(record) {
		return fmt.Errorf("fixup: update sequence array [%d:%d] out of bounds for %d-byte record", usaOffset, usaEnd, len(record))
	}

	updateSequenceNumber := record[usaOffset : usaOffset+2]
	replacements := record[usaOffset+2 : usaEnd]
	sectorCount := usaCount - 1

	for i := 0; i < sectorCount; i++ {
		sentinelOffset := (i+1)*SectorSize - 2
		if sentinelOffset+2 > len(record) {
			return fmt.Errorf("fixup: sector %d sentinel at offset %d exceeds %d-byte record", i, sentinelOffset, len(record))
		}
		sentinel := record[sentinelOffset : sentinelOffset+2]
		if binary.LittleEndian.Uint16(sentinel) != binary.LittleEndian.Uint16(updateSequenceNumber) {
			return fmt.Errorf("%w at sector %d (offset %d)", ErrCorrupt, i, sentinelOffset)
		}
	}

	for i := 0; i < sectorCount; i++ {
		sentinelOffset := (i+1)*SectorSize - 2
		copy(record[sentinelOffset:sentinelOffset+2], replacements[i*2:i*2+2])
	}

	return nil
}
