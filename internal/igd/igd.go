// Package igd prepares an assigned Intel integrated graphics device for the
// guest: it places the host's OpRegion in ACPI NVS memory and reserves the
// device's stolen memory (BDSM), driven by two fw_cfg files.
package igd

import (
	"io"

	"github.com/tinyrange/igd/internal/fwcfg"
	"github.com/tinyrange/igd/internal/pci"
	"github.com/tinyrange/igd/internal/physmem"
)

// fw_cfg files published by the VMM for an assigned IGD.
const (
	OpRegionFile = "etc/igd-opregion"
	BDSMSizeFile = "etc/igd-bdsm-size"
)

// Configuration space registers.
const (
	// ASLSOffset holds the OpRegion address.
	ASLSOffset = 0xfc
	// BDSMOffset is the writable stolen memory base of gen 6-10 devices.
	BDSMOffset = 0x5c
	// BDSM2Offset is the read-only stolen memory base of gen 11+ devices.
	BDSM2Offset = 0xc0
)

const (
	VendorIntel = 0x8086

	// BDSMAlign is the alignment of stolen memory placed by firmware.
	BDSMAlign = 1 << 20
)

// TargetLocation is where the VMM places the assigned IGD. The segment is
// not compared.
var TargetLocation = pci.Location{Bus: 0, Device: 2, Function: 0}

// Feed is the read side of the configuration feed.
// *fwcfg.Client implements it.
type Feed interface {
	FindFile(name string) (fwcfg.Item, uint32, error)
	Select(item fwcfg.Item) error
	ReadBytes(p []byte) error
}

// Allocator hands out guest physical pages.
// *physmem.Allocator implements it.
type Allocator interface {
	AllocatePages(kind physmem.AllocateType, typ physmem.MemoryType, pages, addr uint64) (uint64, error)
	AllocateAligned32(typ physmem.MemoryType, pages, alignPages uint64) (uint64, error)
	FreePages(addr, pages uint64) error
}

var (
	_ Feed      = (*fwcfg.Client)(nil)
	_ Allocator = (*physmem.Allocator)(nil)
)

var zeroPage [physmem.PageSize]byte

// zeroFill clears [addr, addr+n) through w.
func zeroFill(w io.WriterAt, addr, n uint64) error {
	for n > 0 {
		chunk := min(n, uint64(len(zeroPage)))
		if _, err := w.WriteAt(zeroPage[:chunk], int64(addr)); err != nil {
			return err
		}
		addr += chunk
		n -= chunk
	}
	return nil
}
