package physmem

import (
	"fmt"

	"github.com/tinyrange/igd/internal/status"
)

// AllocateAligned32 allocates pages pages of type typ below 4 GiB, aligned to
// a whole multiple of alignPages pages. alignPages must be a power of two.
//
// The allocation is padded by alignPages-1 pages, aligned, and the padding on
// either side is returned to the allocator. A failure to release padding does
// not invalidate the aligned block: it is logged and counted in
// Stats().PaddingLeaks, and the aligned address is still returned.
func (a *Allocator) AllocateAligned32(typ MemoryType, pages, alignPages uint64) (uint64, error) {
	if alignPages == 0 || alignPages&(alignPages-1) != 0 {
		return 0, fmt.Errorf("physmem: alignment %d pages is not a power of two: %w", alignPages, status.ErrInvalidArgument)
	}
	// pages + (alignPages - 1) must not overflow.
	if alignPages-1 > MaxUintN-pages {
		return 0, fmt.Errorf("physmem: %d pages with alignment %d overflow: %w", pages, alignPages, status.ErrOutOfResources)
	}
	// PagesToSize(alignPages) must not overflow.
	if alignPages > MaxUintN>>PageShift {
		return 0, fmt.Errorf("physmem: alignment %d pages overflows: %w", alignPages, status.ErrOutOfResources)
	}

	pageAligned, err := a.AllocatePages(AllocateMaxAddress, typ, pages+(alignPages-1), Base4GiB-1)
	if err != nil {
		return 0, err
	}
	fullyAligned := alignUp(pageAligned, PagesToSize(alignPages))

	bottomPages := SizeToPages(fullyAligned - pageAligned)
	topPages := (alignPages - 1) - bottomPages
	if bottomPages > 0 {
		if err := a.freePadding(pageAligned, bottomPages); err != nil {
			a.paddingLeak("bottom", pageAligned, bottomPages, err)
		}
	}
	if topPages > 0 {
		top := fullyAligned + PagesToSize(pages)
		if err := a.freePadding(top, topPages); err != nil {
			a.paddingLeak("top", top, topPages, err)
		}
	}
	return fullyAligned, nil
}

func (a *Allocator) paddingLeak(which string, addr, pages uint64, err error) {
	a.mu.Lock()
	a.stats.PaddingLeaks++
	a.mu.Unlock()
	a.log.Error("physmem failed to release alignment padding",
		"padding", which,
		"address", fmt.Sprintf("0x%x", addr),
		"pages", pages,
		"error", err,
	)
}
