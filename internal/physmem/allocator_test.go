package physmem

import (
	"errors"
	"testing"

	"github.com/tinyrange/igd/internal/status"
)

func newTestAllocator(t *testing.T, base, size uint64) *Allocator {
	t.Helper()
	a := NewAllocator(nil)
	if err := a.AddRange(base, size, ConventionalMemory); err != nil {
		t.Fatalf("add range: %v", err)
	}
	return a
}

func allocated(a *Allocator) []Descriptor {
	var out []Descriptor
	for _, d := range a.MemoryMap() {
		if d.Type != ConventionalMemory {
			out = append(out, d)
		}
	}
	return out
}

func TestAllocateMaxAddressPicksHighestBlock(t *testing.T) {
	a := newTestAllocator(t, 0x100000, 16<<20)

	addr, err := a.AllocatePages(AllocateMaxAddress, LoaderData, 1, Base4GiB-1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if want := uint64(0x100000 + 16<<20 - PageSize); addr != want {
		t.Fatalf("address mismatch: got 0x%x want 0x%x", addr, want)
	}

	addr, err = a.AllocatePages(AllocateMaxAddress, LoaderData, 2, 0x200000-1)
	if err != nil {
		t.Fatalf("allocate below limit: %v", err)
	}
	if addr != 0x1fe000 {
		t.Fatalf("address mismatch: got 0x%x want 0x1fe000", addr)
	}
}

func TestAllocateMaxAddressExhausted(t *testing.T) {
	a := newTestAllocator(t, 0x100000, 0x10000)

	if _, err := a.AllocatePages(AllocateMaxAddress, LoaderData, 17, Base4GiB-1); !errors.Is(err, status.ErrOutOfResources) {
		t.Fatalf("expected out of resources, got %v", err)
	}
	if _, err := a.AllocatePages(AllocateMaxAddress, LoaderData, 1, 0xfffff); !errors.Is(err, status.ErrOutOfResources) {
		t.Fatalf("expected out of resources below range, got %v", err)
	}
}

func TestAllocateAddress(t *testing.T) {
	a := newTestAllocator(t, 0x100000, 16<<20)

	addr, err := a.AllocatePages(AllocateAddress, ReservedMemoryType, 2, 0x300000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if addr != 0x300000 {
		t.Fatalf("address mismatch: got 0x%x", addr)
	}
	if _, err := a.AllocatePages(AllocateAddress, ReservedMemoryType, 1, 0x301000); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected not found for overlapping block, got %v", err)
	}
	if _, err := a.AllocatePages(AllocateAddress, ReservedMemoryType, 1, 0x10000); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected not found outside memory map, got %v", err)
	}
}

func TestAllocateUnalignedAddressClaimsTouchedPages(t *testing.T) {
	a := newTestAllocator(t, 0x40000000, 0x20000000)

	addr, err := a.AllocatePages(AllocateAddress, ReservedMemoryType, 16, 0x4fffffff)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if addr != 0x4fffffff {
		t.Fatalf("address mismatch: got 0x%x want 0x4fffffff", addr)
	}

	for _, tt := range []struct {
		addr uint64
		want MemoryType
	}{
		{0x4fffefff, ConventionalMemory},
		{0x4ffff000, ReservedMemoryType},
		{0x5000ffff, ReservedMemoryType},
		{0x50010000, ConventionalMemory},
	} {
		got, ok := a.TypeAt(tt.addr)
		if !ok || got != tt.want {
			t.Fatalf("type at 0x%x: got %s want %s", tt.addr, got, tt.want)
		}
	}

	if err := a.FreePages(addr, 16); err != nil {
		t.Fatalf("free: %v", err)
	}
	if n := len(a.MemoryMap()); n != 1 {
		t.Fatalf("memory map not merged after free: %d entries", n)
	}
}

func TestFreePagesMergesNeighbours(t *testing.T) {
	a := newTestAllocator(t, 0x100000, 1<<20)

	first, err := a.AllocatePages(AllocateAnyPages, BootServicesData, 4, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	second, err := a.AllocatePages(AllocateAnyPages, BootServicesData, 4, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if second+PagesToSize(4) != first {
		t.Fatalf("expected adjacent blocks, got 0x%x and 0x%x", first, second)
	}
	if got := allocated(a); len(got) != 1 || got[0].NumPages != 8 {
		t.Fatalf("expected one merged 8 page descriptor, got %v", got)
	}

	if err := a.FreePages(first, 4); err != nil {
		t.Fatalf("free first: %v", err)
	}
	if err := a.FreePages(second, 4); err != nil {
		t.Fatalf("free second: %v", err)
	}
	m := a.MemoryMap()
	if len(m) != 1 || m[0].Type != ConventionalMemory || m[0].NumPages != 256 {
		t.Fatalf("memory map not restored: %v", m)
	}
	if s := a.Stats(); s.Allocations != 2 || s.Frees != 2 {
		t.Fatalf("stats mismatch: %+v", s)
	}
}

func TestFreePagesRejectsFreeMemory(t *testing.T) {
	a := newTestAllocator(t, 0x100000, 1<<20)

	if err := a.FreePages(0x100000, 1); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected not found freeing conventional memory, got %v", err)
	}
	if err := a.FreePages(0x100000, 0); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for zero pages, got %v", err)
	}
}

func TestAddRangeRejectsOverlap(t *testing.T) {
	a := newTestAllocator(t, 0x100000, 1<<20)

	if err := a.AddRange(0x1ff000, 0x2000, ReservedMemoryType); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("expected overlap rejection, got %v", err)
	}
	if err := a.AddRange(0x200000, 0x1000, ConventionalMemory); err != nil {
		t.Fatalf("add adjacent range: %v", err)
	}
	if n := len(a.MemoryMap()); n != 1 {
		t.Fatalf("adjacent conventional ranges not merged: %d entries", n)
	}
	if err := a.AddRange(0x300001, 0x1000, ConventionalMemory); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("expected alignment rejection, got %v", err)
	}
}

func TestAllocatePagesRejectsBadArguments(t *testing.T) {
	a := newTestAllocator(t, 0x100000, 1<<20)

	if _, err := a.AllocatePages(AllocateAnyPages, LoaderData, 0, 0); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for zero pages, got %v", err)
	}
	if _, err := a.AllocatePages(AllocateAnyPages, ConventionalMemory, 1, 0); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for conventional type, got %v", err)
	}
	if _, err := a.AllocatePages(AllocateType(9), LoaderData, 1, 0); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for unknown kind, got %v", err)
	}
}

func TestParseMemoryType(t *testing.T) {
	for i := ReservedMemoryType; i < maxMemoryType; i++ {
		got, err := ParseMemoryType(i.String())
		if err != nil || got != i {
			t.Fatalf("parse %s: got %v, %v", i, got, err)
		}
	}
	if _, err := ParseMemoryType("bogus"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
