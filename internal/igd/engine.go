package igd

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/igd/internal/pci"
	"github.com/tinyrange/igd/internal/physmem"
	"github.com/tinyrange/igd/internal/status"
)

// Assignment is the outcome of one setup step on one device.
type Assignment struct {
	Attempted bool
	Address   uint64
	Pages     uint64
	Err       error
}

// Assigned reports whether the step ran and succeeded.
func (a Assignment) Assigned() bool { return a.Attempted && a.Err == nil }

// Report is the outcome of processing one PCI function.
type Report struct {
	Candidate Candidate
	// Err is set when the function could not be classified.
	Err error

	OpRegion     Assignment
	StolenMemory Assignment
}

// Engine assigns OpRegion and stolen memory to discovered functions. Every
// failure stays local to the function and step it occurred in.
type Engine struct {
	cfg   Config
	feed  Feed
	alloc Allocator
	mem   io.WriterAt
	log   *slog.Logger
}

// NewEngine returns an engine for cfg. mem is guest physical memory.
func NewEngine(cfg Config, feed Feed, alloc Allocator, mem io.WriterAt, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, feed: feed, alloc: alloc, mem: mem, log: log}
}

// Process classifies fn and runs the setup steps it is eligible for.
func (e *Engine) Process(fn pci.Function) Report {
	var r Report

	c, err := Classify(fn)
	if err != nil {
		e.log.Error("igd classify failed", "error", err)
		r.Err = err
		return r
	}
	r.Candidate = c

	if !c.IsDisplay() {
		return r
	}
	if c.Conflict {
		e.log.Error("igd failed to determine BDSM generation, using modern register",
			"device", c.Name(),
			"bdsm", fmt.Sprintf("0x%x", c.LegacyBase),
			"bdsm2", fmt.Sprintf("0x%x", c.ModernBase),
			"vendor", fmt.Sprintf("0x%x", c.VendorID),
			"device_id", fmt.Sprintf("0x%x", c.DeviceID),
		)
	}

	if e.cfg.HasOpRegion() {
		r.OpRegion = e.setupOpRegion(fn, c)
	}

	if !c.AtTarget() {
		return r
	}

	if e.cfg.HasStolenMemory() {
		r.StolenMemory = e.setupStolenMemory(fn, c)
	}
	return r
}

func (e *Engine) setupOpRegion(fn pci.ConfigSpace, c Candidate) Assignment {
	a := Assignment{Attempted: true, Pages: physmem.SizeToPages(uint64(e.cfg.OpRegionSize))}

	// Intel's OpRegion documentation places it in ACPI NVS.
	addr, err := e.alloc.AllocateAligned32(physmem.ACPIMemoryNVS, a.Pages, 1)
	if err != nil {
		e.log.Error("igd failed to allocate OpRegion", "device", c.Name(), "error", err)
		a.Err = fmt.Errorf("igd %s: allocate OpRegion: %w", c.Name(), err)
		return a
	}

	if err := e.populateOpRegion(fn, addr, a.Pages); err != nil {
		e.log.Error("igd OpRegion setup failed", "device", c.Name(), "error", err)
		e.free(c, "OpRegion", addr, a.Pages)
		a.Err = fmt.Errorf("igd %s: %w", c.Name(), err)
		return a
	}
	a.Address = addr
	return a
}

func (e *Engine) populateOpRegion(fn pci.ConfigSpace, addr, pages uint64) error {
	buf := make([]byte, physmem.PagesToSize(pages))
	if err := e.feed.Select(e.cfg.OpRegionItem); err != nil {
		return fmt.Errorf("select %s: %w", OpRegionFile, err)
	}
	if err := e.feed.ReadBytes(buf[:e.cfg.OpRegionSize]); err != nil {
		return fmt.Errorf("read %s: %w", OpRegionFile, err)
	}
	// The tail of buf past OpRegionSize is already zero.
	if _, err := e.mem.WriteAt(buf, int64(addr)); err != nil {
		return fmt.Errorf("write OpRegion at 0x%x: %w: %w", addr, status.ErrDevice, err)
	}

	if err := fn.WriteConfig(ASLSOffset, 4, uint32(addr)); err != nil {
		return fmt.Errorf("write OpRegion address: %w", err)
	}

	var over uint32
	if len(buf) >= 0x18 {
		over = binary.LittleEndian.Uint32(buf[0x14:])
	}
	e.log.Info("igd OpRegion assigned",
		"address", fmt.Sprintf("0x%x", addr),
		"size", fmt.Sprintf("0x%x", e.cfg.OpRegionSize),
		"version", fmt.Sprintf("%d.%d.%d", over>>24, over>>16&0xff, over>>8&0xff),
	)
	return nil
}

func (e *Engine) setupStolenMemory(fn pci.ConfigSpace, c Candidate) Assignment {
	a := Assignment{Attempted: true, Pages: physmem.SizeToPages(e.cfg.BDSMSize)}

	var (
		addr uint64
		err  error
	)
	if c.Generation == GenerationModern {
		// BDSM2 is read only: the device already decodes its stolen memory
		// at the reported base, so claim the pages around it before anything
		// else does.
		addr, err = e.alloc.AllocatePages(physmem.AllocateAddress, physmem.ReservedMemoryType, a.Pages, c.BDSMBase-1)
	} else {
		addr, err = e.alloc.AllocateAligned32(physmem.ReservedMemoryType, a.Pages, BDSMAlign/physmem.PageSize)
	}
	if err != nil {
		e.log.Error("igd failed to allocate stolen memory",
			"device", c.Name(),
			"generation", c.Generation.String(),
			"error", err,
		)
		a.Err = fmt.Errorf("igd %s: allocate stolen memory: %w", c.Name(), err)
		return a
	}

	if err := zeroFill(e.mem, addr, physmem.PagesToSize(a.Pages)); err != nil {
		e.log.Error("igd failed to clear stolen memory", "device", c.Name(), "error", err)
		e.free(c, "stolen memory", addr, a.Pages)
		a.Err = fmt.Errorf("igd %s: clear stolen memory: %w: %w", c.Name(), status.ErrDevice, err)
		return a
	}

	if c.Generation != GenerationModern {
		if err := fn.WriteConfig(BDSMOffset, 4, uint32(addr)); err != nil {
			e.log.Error("igd failed to write stolen memory address", "device", c.Name(), "error", err)
			e.free(c, "stolen memory", addr, a.Pages)
			a.Err = fmt.Errorf("igd %s: write stolen memory address: %w", c.Name(), err)
			return a
		}
	}

	e.log.Info("igd stolen memory assigned",
		"device", c.Name(),
		"generation", c.Generation.String(),
		"address", fmt.Sprintf("0x%x", addr),
		"size", fmt.Sprintf("0x%x", e.cfg.BDSMSize),
	)
	a.Address = addr
	return a
}

func (e *Engine) free(c Candidate, what string, addr, pages uint64) {
	if err := e.alloc.FreePages(addr, pages); err != nil {
		e.log.Error("igd failed to release pages",
			"device", c.Name(),
			"what", what,
			"address", fmt.Sprintf("0x%x", addr),
			"error", err,
		)
	}
}
