package physmem

import (
	"fmt"

	"github.com/tinyrange/igd/internal/status"
)

// RAM is a contiguous block of guest physical memory. Offsets passed to
// ReadAt and WriteAt are physical addresses.
type RAM struct {
	base    uint64
	mem     []byte
	release func() error
}

// NewRAM maps size bytes of zeroed guest memory starting at physical address
// base.
func NewRAM(base, size uint64) (*RAM, error) {
	if size == 0 || size&pageMask != 0 || base&pageMask != 0 {
		return nil, fmt.Errorf("physmem: ram [0x%x, +0x%x) not page aligned: %w", base, size, status.ErrInvalidArgument)
	}
	if base+size < base {
		return nil, fmt.Errorf("physmem: ram [0x%x, +0x%x) wraps: %w", base, size, status.ErrOutOfResources)
	}
	mem, release, err := mapMemory(size)
	if err != nil {
		return nil, fmt.Errorf("physmem: map 0x%x bytes: %w", size, err)
	}
	return &RAM{base: base, mem: mem, release: release}, nil
}

// MemoryBase returns the first physical address backed by the RAM.
func (r *RAM) MemoryBase() uint64 { return r.base }

// MemorySize returns the RAM size in bytes.
func (r *RAM) MemorySize() uint64 { return uint64(len(r.mem)) }

// End returns the first physical address after the RAM.
func (r *RAM) End() uint64 { return r.base + uint64(len(r.mem)) }

// Close unmaps the backing memory.
func (r *RAM) Close() error {
	if r.release == nil {
		return nil
	}
	release := r.release
	r.release = nil
	r.mem = nil
	return release()
}

func (r *RAM) translate(addr uint64, n uint64) (uint64, error) {
	if addr < r.base || addr-r.base > uint64(len(r.mem)) || n > uint64(len(r.mem))-(addr-r.base) {
		return 0, fmt.Errorf("physmem: [0x%x, +0x%x) outside ram [0x%x, 0x%x): %w",
			addr, n, r.base, r.End(), status.ErrInvalidArgument)
	}
	return addr - r.base, nil
}

// ReadAt implements io.ReaderAt.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	idx, err := r.translate(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, r.mem[idx:]), nil
}

// WriteAt implements io.WriterAt.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	idx, err := r.translate(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(r.mem[idx:], p), nil
}

// Slice returns the backing bytes of [addr, addr+n). Writes through the slice
// are visible to the guest.
func (r *RAM) Slice(addr, n uint64) ([]byte, error) {
	idx, err := r.translate(addr, n)
	if err != nil {
		return nil, err
	}
	return r.mem[idx : idx+n : idx+n], nil
}

// Zero clears [addr, addr+n).
func (r *RAM) Zero(addr, n uint64) error {
	b, err := r.Slice(addr, n)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}
