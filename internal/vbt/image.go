package vbt

import (
	"encoding/binary"
	"fmt"
)

const (
	// DefaultOpRegionSize is the size of an OpRegion without extended VBT.
	DefaultOpRegionSize = 8 << 10
	defaultTableSize    = 4 << 10
	defaultBDBVersion   = 228
)

// Image describes a synthetic OpRegion, the way a VMM fakes one when the
// host's cannot be passed through. Tables that do not fit in mailbox 4 are
// placed in an extended region directly after the OpRegion, which needs
// version 2.1 or later.
type Image struct {
	Major, Minor, Revision uint8

	Size       int
	TableSize  int
	BDBVersion uint16
}

// Build returns the OpRegion bytes, followed by the extended VBT if any.
func (img Image) Build() ([]byte, error) {
	if img.Size == 0 {
		img.Size = DefaultOpRegionSize
	}
	if img.TableSize == 0 {
		img.TableSize = defaultTableSize
	}
	if img.BDBVersion == 0 {
		img.BDBVersion = defaultBDBVersion
	}
	if img.Size < minOpRegionSize {
		return nil, fmt.Errorf("vbt: OpRegion size 0x%x below 0x%x", img.Size, minOpRegionSize)
	}
	if img.TableSize < HeaderSize+bdbVersionOffset+2 || img.TableSize > 0xffff {
		return nil, fmt.Errorf("vbt: table size 0x%x out of range", img.TableSize)
	}

	extended := img.TableSize > MailboxSize
	if extended && (img.Major < 2 || (img.Major == 2 && img.Minor == 0)) {
		return nil, fmt.Errorf("vbt: OpRegion %d.%d cannot hold a 0x%x byte table", img.Major, img.Minor, img.TableSize)
	}

	total := img.Size
	if extended {
		total += img.TableSize
	}
	b := make([]byte, total)
	copy(b, OpRegionSignature)
	binary.LittleEndian.PutUint32(b[overOffset:], uint32(img.Major)<<24|uint32(img.Minor)<<16|uint32(img.Revision)<<8)

	var table []byte
	if extended {
		binary.LittleEndian.PutUint64(b[rvdaOffset:], uint64(img.Size))
		binary.LittleEndian.PutUint32(b[rvdsOffset:], uint32(img.TableSize))
		table = b[img.Size:]
	} else {
		table = b[mbox4Offset : mbox4Offset+img.TableSize]
	}

	copy(table, TableSignature)
	binary.LittleEndian.PutUint16(table[0x14:], 100)
	binary.LittleEndian.PutUint16(table[0x16:], HeaderSize)
	binary.LittleEndian.PutUint16(table[tableSizeOffset:], uint16(img.TableSize))
	binary.LittleEndian.PutUint32(table[biosDataOffsetOffset:], HeaderSize)
	copy(table[HeaderSize:], BDBSignature)
	binary.LittleEndian.PutUint16(table[HeaderSize+bdbVersionOffset:], img.BDBVersion)
	// Left unbalanced; Extract recomputes it.
	table[checksumOffset] = 0xff
	return b, nil
}
