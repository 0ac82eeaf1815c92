// Package physmem models guest physical memory and the firmware page
// allocator that hands it out.
package physmem

import (
	"fmt"
	"math"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	pageMask  = PageSize - 1

	// Base4GiB is the first address outside the 32-bit physical range.
	Base4GiB = 1 << 32

	// MaxUintN is the largest value of the platform's address-width integer.
	MaxUintN = math.MaxUint64
)

// SizeToPages returns the number of pages needed to hold size bytes.
func SizeToPages(size uint64) uint64 {
	return size>>PageShift + boolToUint64(size&pageMask != 0)
}

// PagesToSize returns the byte size of pages pages.
func PagesToSize(pages uint64) uint64 {
	return pages << PageShift
}

func boolToUint64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return value &^ (align - 1)
}

// MemoryType classifies a range of the memory map. The values follow the UEFI
// EFI_MEMORY_TYPE enumeration.
type MemoryType uint32

const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
	UnacceptedMemoryType
	maxMemoryType
)

var memoryTypeNames = [...]string{
	ReservedMemoryType:      "Reserved",
	LoaderCode:              "LoaderCode",
	LoaderData:              "LoaderData",
	BootServicesCode:        "BootServicesCode",
	BootServicesData:        "BootServicesData",
	RuntimeServicesCode:     "RuntimeServicesCode",
	RuntimeServicesData:     "RuntimeServicesData",
	ConventionalMemory:      "Conventional",
	UnusableMemory:          "Unusable",
	ACPIReclaimMemory:       "ACPIReclaim",
	ACPIMemoryNVS:           "ACPINVS",
	MemoryMappedIO:          "MMIO",
	MemoryMappedIOPortSpace: "MMIOPortSpace",
	PalCode:                 "PalCode",
	PersistentMemory:        "Persistent",
	UnacceptedMemoryType:    "Unaccepted",
}

func (t MemoryType) String() string {
	if t < maxMemoryType {
		return memoryTypeNames[t]
	}
	return fmt.Sprintf("MemoryType(%d)", uint32(t))
}

// ParseMemoryType is the inverse of MemoryType.String.
func ParseMemoryType(name string) (MemoryType, error) {
	for i, n := range memoryTypeNames {
		if n == name {
			return MemoryType(i), nil
		}
	}
	return 0, fmt.Errorf("physmem: unknown memory type %q", name)
}

// AllocateType selects the placement policy of AllocatePages.
type AllocateType int

const (
	// AllocateAnyPages places the block anywhere in free memory.
	AllocateAnyPages AllocateType = iota
	// AllocateMaxAddress places the block so that its last byte is at or
	// below the supplied address.
	AllocateMaxAddress
	// AllocateAddress places the block at exactly the supplied address.
	AllocateAddress
)

func (t AllocateType) String() string {
	switch t {
	case AllocateAnyPages:
		return "any"
	case AllocateMaxAddress:
		return "max-address"
	case AllocateAddress:
		return "address"
	default:
		return fmt.Sprintf("AllocateType(%d)", int(t))
	}
}

// Descriptor is one entry of the memory map.
type Descriptor struct {
	Type     MemoryType
	Base     uint64
	NumPages uint64
}

// End returns the first address after the range.
func (d Descriptor) End() uint64 {
	return d.Base + PagesToSize(d.NumPages)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("[0x%010x - 0x%010x) %-14s %d pages", d.Base, d.End(), d.Type, d.NumPages)
}
