package vbt

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/igd/internal/physmem"
	"github.com/tinyrange/igd/internal/status"
)

// Memory is guest physical memory.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Allocator hands out guest physical pages.
type Allocator interface {
	AllocatePages(kind physmem.AllocateType, typ physmem.MemoryType, pages, addr uint64) (uint64, error)
	FreePages(addr, pages uint64) error
}

// Service owns the single live VBT buffer. Each Extract replaces it.
type Service struct {
	alloc Allocator
	mem   Memory
	log   *slog.Logger

	buf   uint64
	pages uint64
}

// NewService returns a service with no buffer.
func NewService(alloc Allocator, mem Memory, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{alloc: alloc, mem: mem, log: log}
}

// Buffer returns the live buffer address and page count; zero when none.
func (s *Service) Buffer() (uint64, uint64) { return s.buf, s.pages }

// Extract copies the VBT referenced by the OpRegion at opRegion into a fresh
// buffer below 4 GiB and returns its address and the table's size.
//
// Before OpRegion 2.0 the table lives in mailbox 4. From 2.0 on it lives in
// mailbox 4 unless RVDA/RVDS describe an extended region; 2.0 itself must
// not use the extended region.
func (s *Service) Extract(opRegion uint64) (uint64, uint32, error) {
	h, err := s.readHeader(opRegion)
	if err != nil {
		return 0, 0, err
	}

	var maxSize uint32
	switch {
	case h.Major < 2:
		maxSize = MailboxSize
		mailboxSize, err := s.readSize(opRegion + mbox4Offset)
		if err != nil {
			return 0, 0, err
		}
		if mailboxSize > maxSize {
			s.log.Error("vbt header reports larger size than mailbox",
				"size", fmt.Sprintf("0x%x", mailboxSize),
				"mailbox", fmt.Sprintf("0x%x", MailboxSize),
			)
			return 0, 0, fmt.Errorf("vbt: table size 0x%x exceeds mailbox: %w", mailboxSize, status.ErrInvalidArgument)
		}
	case h.Major == 2 && h.Minor == 0 && h.Extended():
		s.log.Error("vbt unsupported OpRegion version with extended VBT",
			"version", fmt.Sprintf("%d.%d", h.Major, h.Minor),
		)
		return 0, 0, fmt.Errorf("vbt: OpRegion %d.%d with RVDA/RVDS: %w", h.Major, h.Minor, status.ErrUnsupported)
	default:
		maxSize = MailboxSize
		if h.Extended() {
			maxSize = h.RVDS
		}
	}

	table, err := s.readTable(opRegion, h)
	if err != nil {
		return 0, 0, err
	}
	if uint32(len(table)) > maxSize {
		return 0, 0, fmt.Errorf("vbt: table size 0x%x exceeds 0x%x: %w", len(table), maxSize, status.ErrInvalidArgument)
	}

	if s.buf != 0 {
		if err := s.alloc.FreePages(s.buf, s.pages); err != nil {
			s.log.Error("vbt failed to release previous buffer", "address", fmt.Sprintf("0x%x", s.buf), "error", err)
		}
		s.buf, s.pages = 0, 0
	}

	pages := physmem.SizeToPages(uint64(maxSize))
	buf, err := s.alloc.AllocatePages(physmem.AllocateMaxAddress, physmem.ReservedMemoryType, pages, physmem.Base4GiB-1)
	if err != nil {
		s.log.Error("vbt allocation failed", "size", fmt.Sprintf("0x%x", maxSize), "error", err)
		return 0, 0, fmt.Errorf("vbt: allocate 0x%x bytes: %w", maxSize, err)
	}

	fixChecksum(table)
	out := make([]byte, maxSize)
	copy(out, table)
	if _, err := s.mem.WriteAt(out, int64(buf)); err != nil {
		if ferr := s.alloc.FreePages(buf, pages); ferr != nil {
			s.log.Error("vbt failed to release buffer", "address", fmt.Sprintf("0x%x", buf), "error", ferr)
		}
		return 0, 0, fmt.Errorf("vbt: write buffer at 0x%x: %w: %w", buf, status.ErrDevice, err)
	}
	s.buf, s.pages = buf, pages

	attrs := []any{
		"address", fmt.Sprintf("0x%x", buf),
		"size", fmt.Sprintf("0x%x", len(table)),
		"opregion", fmt.Sprintf("%d.%d.%d", h.Major, h.Minor, h.Revision),
	}
	if v, ok := bdbVersion(table); ok {
		attrs = append(attrs, "bdb_version", v)
	}
	s.log.Info("vbt extracted", attrs...)

	return buf, uint32(len(table)), nil
}

// readHeader checks the signature and decodes the header up to mailbox 4.
// OpRegion memory that cannot be read is treated as an invalid OpRegion.
func (s *Service) readHeader(opRegion uint64) (Header, error) {
	var sig [len(OpRegionSignature)]byte
	if _, err := s.mem.ReadAt(sig[:], int64(opRegion)); err != nil {
		return Header{}, fmt.Errorf("vbt: read OpRegion at 0x%x: %w: %w", opRegion, status.ErrInvalidArgument, err)
	}
	if string(sig[:]) != OpRegionSignature {
		s.log.Error("vbt invalid OpRegion signature", "address", fmt.Sprintf("0x%x", opRegion), "want", OpRegionSignature)
		return Header{}, fmt.Errorf("vbt: OpRegion at 0x%x: bad signature: %w", opRegion, status.ErrInvalidArgument)
	}
	raw := make([]byte, headerReadSize)
	if _, err := s.mem.ReadAt(raw, int64(opRegion)); err != nil {
		return Header{}, fmt.Errorf("vbt: read OpRegion header at 0x%x: %w: %w", opRegion, status.ErrInvalidArgument, err)
	}
	h, _ := parseHeader(raw)
	return h, nil
}

// readSize returns the self-reported size of the table at addr.
func (s *Service) readSize(addr uint64) (uint32, error) {
	var hdr [checksumOffset]byte
	if _, err := s.mem.ReadAt(hdr[:], int64(addr)); err != nil {
		return 0, fmt.Errorf("vbt: read VBT header at 0x%x: %w: %w", addr, status.ErrInvalidArgument, err)
	}
	return tableSize(hdr[:]), nil
}

// readTable returns a copy of the table, sized by its own header.
func (s *Service) readTable(opRegion uint64, h Header) ([]byte, error) {
	src := opRegion + mbox4Offset
	limit := uint32(MailboxSize)
	if h.Extended() && h.Major >= 2 {
		src = opRegion + h.RVDA
		if src < opRegion {
			return nil, fmt.Errorf("vbt: RVDA 0x%x wraps: %w", h.RVDA, status.ErrInvalidArgument)
		}
		limit = h.RVDS
	}

	size, err := s.readSize(src)
	if err != nil {
		return nil, err
	}
	if size <= checksumOffset {
		return nil, fmt.Errorf("vbt: table size 0x%x too small: %w", size, status.ErrInvalidArgument)
	}
	if size > limit {
		return nil, fmt.Errorf("vbt: table size 0x%x exceeds 0x%x: %w", size, limit, status.ErrInvalidArgument)
	}
	table := make([]byte, size)
	if _, err := s.mem.ReadAt(table, int64(src)); err != nil {
		return nil, fmt.Errorf("vbt: read VBT at 0x%x: %w: %w", src, status.ErrInvalidArgument, err)
	}
	return table, nil
}
