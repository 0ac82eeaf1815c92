// Package vbt extracts the Video BIOS Table from an IGD OpRegion into a
// firmware-owned buffer for the platform GOP driver.
package vbt

import (
	"bytes"
	"encoding/binary"
)

// IGD OpRegion 3.0 layout.
const (
	OpRegionSignature = "IntelGraphicsMem"

	overOffset  = 0x14
	mbox3Offset = 0x300
	rvdaOffset  = mbox3Offset + 0xba
	rvdsOffset  = mbox3Offset + 0xc2
	mbox4Offset = 0x400

	// MailboxSize is the size of mailbox 4 (RVBT).
	MailboxSize = 6 << 10

	// headerReadSize covers the header and mailboxes 1-3.
	headerReadSize = mbox4Offset

	// minOpRegionSize holds every mailbox up to the end of mailbox 4.
	minOpRegionSize = mbox4Offset + MailboxSize
)

// VBT header layout.
const (
	TableSignature = "$VBT"

	tableSizeOffset      = 0x18
	checksumOffset       = 0x1a
	biosDataOffsetOffset = 0x1c
	// HeaderSize is the size of the VBT header.
	HeaderSize = 0x30

	BDBSignature     = "BIOS_DATA_BLOCK "
	bdbVersionOffset = 0x10
)

// Header is the decoded part of the OpRegion header and mailbox 3.
type Header struct {
	Major, Minor, Revision uint8
	// RVDA is the extended VBT offset from the OpRegion base.
	RVDA uint64
	// RVDS is the extended VBT size.
	RVDS uint32
}

// Extended reports whether the extended VBT descriptor is populated.
func (h Header) Extended() bool { return h.RVDA != 0 && h.RVDS != 0 }

func parseHeader(b []byte) (Header, bool) {
	if len(b) < headerReadSize || !bytes.Equal(b[:len(OpRegionSignature)], []byte(OpRegionSignature)) {
		return Header{}, false
	}
	over := binary.LittleEndian.Uint32(b[overOffset:])
	return Header{
		Major:    uint8(over >> 24),
		Minor:    uint8(over >> 16),
		Revision: uint8(over >> 8),
		RVDA:     binary.LittleEndian.Uint64(b[rvdaOffset:]),
		RVDS:     binary.LittleEndian.Uint32(b[rvdsOffset:]),
	}, true
}

func tableSize(vbt []byte) uint32 {
	return uint32(binary.LittleEndian.Uint16(vbt[tableSizeOffset:]))
}

// fixChecksum adjusts the checksum byte so the table sums to zero.
func fixChecksum(table []byte) {
	var sum uint8
	for _, b := range table {
		sum += b
	}
	table[checksumOffset] -= sum
}

// bdbVersion returns the BIOS data block version when its header lies
// within table.
func bdbVersion(table []byte) (uint16, bool) {
	if len(table) < biosDataOffsetOffset+4 {
		return 0, false
	}
	off := uint64(binary.LittleEndian.Uint32(table[biosDataOffsetOffset:]))
	end := off + bdbVersionOffset + 2
	if end > uint64(len(table)) {
		return 0, false
	}
	if !bytes.Equal(table[off:off+uint64(len(BDBSignature))], []byte(BDBSignature)) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(table[off+bdbVersionOffset:]), true
}
