package physmem

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/btree"

	"github.com/tinyrange/igd/internal/status"
)

// span is a run of pages sharing one memory type. Spans never overlap and
// adjacent spans of the same type are merged.
type span struct {
	base  uint64
	pages uint64
	typ   MemoryType
}

func (s span) end() uint64 { return s.base + PagesToSize(s.pages) }

func spanLess(a, b span) bool { return a.base < b.base }

// Stats counts allocator activity.
type Stats struct {
	Allocations  uint64
	Frees        uint64
	PaddingLeaks uint64
}

// Allocator tracks the memory map and hands out page-granular ranges of
// conventional memory, following the UEFI AllocatePages/FreePages contract.
type Allocator struct {
	mu    sync.Mutex
	log   *slog.Logger
	spans *btree.BTreeG[span]
	stats Stats

	// freePadding releases alignment padding; FreePages unless replaced in
	// tests.
	freePadding func(addr, pages uint64) error
}

// NewAllocator returns an allocator with an empty memory map.
func NewAllocator(log *slog.Logger) *Allocator {
	if log == nil {
		log = slog.Default()
	}
	a := &Allocator{
		log:   log,
		spans: btree.NewG(8, spanLess),
	}
	a.freePadding = a.FreePages
	return a
}

// AddRange adds [base, base+size) to the memory map with the given type.
// Ranges must be page aligned and must not overlap ranges already present.
func (a *Allocator) AddRange(base, size uint64, typ MemoryType) error {
	if size == 0 || base&pageMask != 0 || size&pageMask != 0 {
		return fmt.Errorf("physmem: range [0x%x, +0x%x) not page aligned: %w", base, size, status.ErrInvalidArgument)
	}
	if base+size < base {
		return fmt.Errorf("physmem: range [0x%x, +0x%x) wraps: %w", base, size, status.ErrOutOfResources)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	end := base + size
	var overlap bool
	a.spans.DescendLessOrEqual(span{base: end - 1}, func(s span) bool {
		if s.end() > base {
			overlap = true
		}
		return false
	})
	if overlap {
		return fmt.Errorf("physmem: range [0x%x, 0x%x) overlaps memory map: %w", base, end, status.ErrInvalidArgument)
	}
	a.insertMerged(span{base: base, pages: size >> PageShift, typ: typ})
	return nil
}

// AllocatePages allocates pages pages of conventional memory and retypes them
// as typ.
//
// For AllocateMaxAddress the block ends at or below addr and the highest such
// block is chosen. For AllocateAddress the block starts at addr; addr need not
// be page aligned, in which case every page touched by [addr,
// addr+pages*PageSize) is claimed and addr is returned unchanged.
func (a *Allocator) AllocatePages(kind AllocateType, typ MemoryType, pages uint64, addr uint64) (uint64, error) {
	if pages == 0 {
		return 0, fmt.Errorf("physmem: allocate zero pages: %w", status.ErrInvalidArgument)
	}
	if typ == ConventionalMemory || typ >= maxMemoryType {
		return 0, fmt.Errorf("physmem: cannot allocate memory type %s: %w", typ, status.ErrInvalidArgument)
	}
	if pages > MaxUintN>>PageShift {
		return 0, fmt.Errorf("physmem: %d pages overflow: %w", pages, status.ErrOutOfResources)
	}
	size := PagesToSize(pages)

	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		start, end uint64
		result     uint64
	)
	switch kind {
	case AllocateAnyPages, AllocateMaxAddress:
		limit := uint64(MaxUintN)
		if kind == AllocateMaxAddress {
			limit = addr
		}
		var ok bool
		start, ok = a.findTopDown(size, limit)
		if !ok {
			return 0, fmt.Errorf("physmem: no 0x%x byte block below 0x%x: %w", size, limit, status.ErrOutOfResources)
		}
		end = start + size
		result = start
	case AllocateAddress:
		if addr+size < addr || alignUp(addr+size, PageSize) < addr+size {
			return 0, fmt.Errorf("physmem: block at 0x%x size 0x%x wraps: %w", addr, size, status.ErrOutOfResources)
		}
		start = alignDown(addr, PageSize)
		end = alignUp(addr+size, PageSize)
		result = addr
	default:
		return 0, fmt.Errorf("physmem: allocate type %s: %w", kind, status.ErrInvalidArgument)
	}

	if err := a.retype(start, end, typ, func(s span) bool { return s.typ == ConventionalMemory }); err != nil {
		return 0, fmt.Errorf("physmem: allocate [0x%x, 0x%x): %w", start, end, err)
	}
	a.stats.Allocations++
	a.log.Debug("physmem allocate",
		"kind", kind.String(),
		"type", typ.String(),
		"address", fmt.Sprintf("0x%x", result),
		"pages", pages,
	)
	return result, nil
}

// FreePages returns pages pages at addr to conventional memory. The range is
// computed the same way AllocatePages computes it, so an unaligned address
// returned by an AllocateAddress allocation frees exactly what was claimed.
func (a *Allocator) FreePages(addr, pages uint64) error {
	if pages == 0 || pages > MaxUintN>>PageShift {
		return fmt.Errorf("physmem: free %d pages at 0x%x: %w", pages, addr, status.ErrInvalidArgument)
	}
	size := PagesToSize(pages)
	if addr+size < addr || alignUp(addr+size, PageSize) < addr+size {
		return fmt.Errorf("physmem: free [0x%x, +0x%x) wraps: %w", addr, size, status.ErrInvalidArgument)
	}
	start := alignDown(addr, PageSize)
	end := alignUp(addr+size, PageSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.retype(start, end, ConventionalMemory, func(s span) bool { return s.typ != ConventionalMemory }); err != nil {
		return fmt.Errorf("physmem: free [0x%x, 0x%x): %w", start, end, err)
	}
	a.stats.Frees++
	a.log.Debug("physmem free", "address", fmt.Sprintf("0x%x", addr), "pages", pages)
	return nil
}

// TypeAt returns the memory type of the page holding addr.
func (a *Allocator) TypeAt(addr uint64) (MemoryType, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.spanAt(addr)
	return s.typ, ok
}

// MemoryMap returns the memory map in ascending address order.
func (a *Allocator) MemoryMap() []Descriptor {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Descriptor, 0, a.spans.Len())
	a.spans.Ascend(func(s span) bool {
		out = append(out, Descriptor{Type: s.typ, Base: s.base, NumPages: s.pages})
		return true
	})
	return out
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// findTopDown returns the highest page-aligned start of a free block of size
// bytes whose last byte is at or below limit.
func (a *Allocator) findTopDown(size, limit uint64) (uint64, bool) {
	var (
		found bool
		start uint64
	)
	a.spans.Descend(func(s span) bool {
		if s.typ != ConventionalMemory || s.base > limit {
			return true
		}
		top := s.end()
		if limit != MaxUintN && top > limit+1 {
			top = alignDown(limit+1, PageSize)
		}
		if top < s.base || top-s.base < size {
			return true
		}
		start = top - size
		found = true
		return false
	})
	return start, found
}

func (a *Allocator) spanAt(addr uint64) (span, bool) {
	var (
		out span
		ok  bool
	)
	a.spans.DescendLessOrEqual(span{base: addr}, func(s span) bool {
		if addr < s.end() {
			out, ok = s, true
		}
		return false
	})
	return out, ok
}

// retype changes [start, end) to typ. Every page of the range must be covered
// by spans accepted by want. Must be called with the lock held.
func (a *Allocator) retype(start, end uint64, typ MemoryType, want func(span) bool) error {
	first, ok := a.spanAt(start)
	if !ok {
		return fmt.Errorf("0x%x not in memory map: %w", start, status.ErrNotFound)
	}

	var (
		covered []span
		cursor  = first.base
		bad     bool
	)
	a.spans.AscendGreaterOrEqual(first, func(s span) bool {
		if s.base >= end {
			return false
		}
		if s.base != cursor || !want(s) {
			bad = true
			return false
		}
		covered = append(covered, s)
		cursor = s.end()
		return cursor < end
	})
	if bad || cursor < end {
		return fmt.Errorf("range is not entirely available: %w", status.ErrNotFound)
	}

	for _, s := range covered {
		a.spans.Delete(s)
	}
	head, tail := covered[0], covered[len(covered)-1]
	if head.base < start {
		a.spans.ReplaceOrInsert(span{base: head.base, pages: (start - head.base) >> PageShift, typ: head.typ})
	}
	if tail.end() > end {
		a.spans.ReplaceOrInsert(span{base: end, pages: (tail.end() - end) >> PageShift, typ: tail.typ})
	}
	a.insertMerged(span{base: start, pages: (end - start) >> PageShift, typ: typ})
	return nil
}

// insertMerged inserts s, coalescing it with same-typed neighbours.
func (a *Allocator) insertMerged(s span) {
	if prev, ok := a.spanAt(s.base - 1); ok && s.base > 0 && prev.typ == s.typ && prev.end() == s.base {
		a.spans.Delete(prev)
		s.base = prev.base
		s.pages += prev.pages
	}
	if next, ok := a.spans.Get(span{base: s.end()}); ok && next.typ == s.typ {
		a.spans.Delete(next)
		s.pages += next.pages
	}
	a.spans.ReplaceOrInsert(s)
}
