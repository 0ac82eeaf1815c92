// Package fwcfg implements the QEMU fw_cfg device as the provider of the
// firmware configuration feed.
//
// Named files are published through a selector register and a sequential data
// register, reachable either on the x86 I/O ports or through an MMIO window.
// DMA transfers into guest memory are supported on both.
package fwcfg

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/igd/internal/hv"
)

// x86 I/O ports.
const (
	PortSelector = 0x510
	PortData     = 0x511
	PortDMA      = 0x514 // high half; the low half at PortDMA+4 starts the transfer
)

// MMIO register offsets from the window base.
const (
	RegData     = 0x00
	RegSelector = 0x08
	RegDMA      = 0x10

	DefaultBase = 0x09020000
	DefaultSize = 0x1000
)

// Well-known items.
const (
	SelectSignature   = 0x0000
	SelectID          = 0x0001
	SelectFileDir     = 0x0019
	FirstFileSelector = 0x0020
)

// Control word bits of a DMA access.
const (
	DMAError  = 1 << 0
	DMARead   = 1 << 1
	DMASkip   = 1 << 2
	DMASelect = 1 << 3
	DMAWrite  = 1 << 4
)

// Feature bits of the ID item.
const (
	FeatureTraditional = 1 << 0
	FeatureDMA         = 1 << 1
)

const (
	fileNameSize  = 56
	fileEntrySize = 64

	dmaAccessSize = 16
)

// dmaSignature is returned by reads of the DMA address register.
var dmaSignature = []byte("QEMU CFG")

type register int

const (
	regNone register = iota
	regData
	regSelector
	regDMAHigh
	regDMALow
	regDMA64
)

// FwCfg is the fw_cfg device. Files are numbered from FirstFileSelector in
// the order they are added.
type FwCfg struct {
	mu  sync.Mutex
	mem hv.Memory
	log *slog.Logger

	mmio    bool
	base    uint64
	dma     bool
	dmaHigh uint32

	selector uint16
	cursor   uint32

	selectors map[string]uint16
	names     []string
	files     [][]byte
}

// Option configures a device.
type Option func(*FwCfg)

// WithMMIO maps the registers at base instead of the x86 I/O ports.
func WithMMIO(base uint64) Option {
	return func(f *FwCfg) {
		f.mmio = true
		f.base = base
	}
}

// WithoutDMA clears FeatureDMA and rejects DMA transfers.
func WithoutDMA() Option {
	return func(f *FwCfg) { f.dma = false }
}

func WithLogger(log *slog.Logger) Option {
	return func(f *FwCfg) { f.log = log }
}

// New creates a device on the x86 I/O ports with DMA support.
func New(opts ...Option) *FwCfg {
	f := &FwCfg{
		dma:       true,
		log:       slog.Default(),
		selectors: make(map[string]uint16),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AddFile publishes data under name and returns its selector. Publishing an
// existing name replaces its contents and keeps the selector.
func (f *FwCfg) AddFile(name string, data []byte) (uint16, error) {
	if name == "" || len(name) >= fileNameSize {
		return 0, fmt.Errorf("fwcfg: file name %q must be 1-%d bytes", name, fileNameSize-1)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if sel, ok := f.selectors[name]; ok {
		f.files[sel-FirstFileSelector] = data
		return sel, nil
	}
	if len(f.files) >= 0x10000-FirstFileSelector {
		return 0, fmt.Errorf("fwcfg: no selector left for %q", name)
	}
	sel := uint16(FirstFileSelector + len(f.files))
	f.files = append(f.files, data)
	f.names = append(f.names, name)
	f.selectors[name] = sel
	f.log.Debug("fwcfg file added", "name", name, "selector", fmt.Sprintf("0x%x", sel), "size", len(data))
	return sel, nil
}

// AddUint64 publishes an 8-byte little-endian file holding v.
func (f *FwCfg) AddUint64(name string, v uint64) (uint16, error) {
	return f.AddFile(name, binary.LittleEndian.AppendUint64(nil, v))
}

// directory encodes the file directory: a big-endian count followed by one
// 64-byte entry (size, selector, reserved, NUL padded name) per file. Must be
// called with the lock held.
func (f *FwCfg) directory() []byte {
	dir := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(f.files)*fileEntrySize), uint32(len(f.files)))
	for i, data := range f.files {
		dir = binary.BigEndian.AppendUint32(dir, uint32(len(data)))
		dir = binary.BigEndian.AppendUint16(dir, uint16(FirstFileSelector+i))
		dir = append(dir, 0, 0)
		var name [fileNameSize]byte
		copy(name[:], f.names[i])
		dir = append(dir, name[:]...)
	}
	return dir
}

// Init implements hv.Device.
func (f *FwCfg) Init(mem hv.Memory) error {
	f.mem = mem
	return nil
}

// Reset returns the device to its power-on selection.
func (f *FwCfg) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selector, f.cursor = SelectSignature, 0
}

// IOPorts implements hv.X86IOPortDevice.
func (f *FwCfg) IOPorts() []uint16 {
	if f.mmio {
		return nil
	}
	return []uint16{PortSelector, PortData, PortDMA, PortDMA + 4}
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (f *FwCfg) MMIORegions() []hv.MMIORegion {
	if !f.mmio {
		return nil
	}
	return []hv.MMIORegion{{Address: f.base, Size: DefaultSize}}
}

func portRegister(port uint16) (register, int) {
	switch port {
	case PortSelector:
		return regSelector, 0
	case PortData:
		return regData, 0
	case PortDMA:
		return regDMAHigh, 0
	case PortDMA + 4:
		return regDMALow, 4
	}
	return regNone, 0
}

func mmioRegister(offset uint64, n int) (register, int) {
	switch {
	case offset < RegSelector:
		return regData, 0
	case offset == RegSelector:
		return regSelector, 0
	case offset == RegDMA && n == 8:
		return regDMA64, 0
	case offset == RegDMA:
		return regDMAHigh, 0
	case offset == RegDMA+4:
		return regDMALow, 4
	}
	return regNone, 0
}

// ReadIOPort implements hv.X86IOPortDevice.
func (f *FwCfg) ReadIOPort(port uint16, data []byte) error {
	reg, lane := portRegister(port)
	f.read(reg, lane, data)
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (f *FwCfg) WriteIOPort(port uint16, data []byte) error {
	reg, _ := portRegister(port)
	if reg == regNone {
		f.log.Debug("fwcfg write to unknown port", "port", fmt.Sprintf("0x%x", port))
		return nil
	}
	return f.write(reg, data)
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (f *FwCfg) ReadMMIO(addr uint64, data []byte) error {
	offset, err := f.window(addr, len(data))
	if err != nil {
		return err
	}
	reg, lane := mmioRegister(offset, len(data))
	f.read(reg, lane, data)
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (f *FwCfg) WriteMMIO(addr uint64, data []byte) error {
	offset, err := f.window(addr, len(data))
	if err != nil {
		return err
	}
	reg, _ := mmioRegister(offset, len(data))
	if reg == regNone {
		f.log.Debug("fwcfg write to unknown register", "offset", fmt.Sprintf("0x%x", offset))
		return nil
	}
	return f.write(reg, data)
}

func (f *FwCfg) window(addr uint64, n int) (uint64, error) {
	if addr < f.base || addr-f.base >= DefaultSize || uint64(n) > DefaultSize-(addr-f.base) {
		return 0, fmt.Errorf("fwcfg: access [0x%x, +%d) outside register window", addr, n)
	}
	return addr - f.base, nil
}

func (f *FwCfg) read(reg register, lane int, data []byte) {
	switch reg {
	case regData:
		f.readData(data)
	case regSelector:
		f.mu.Lock()
		sel := f.selector
		f.mu.Unlock()
		clear(data)
		copy(data, binary.LittleEndian.AppendUint16(nil, sel))
	case regDMAHigh, regDMALow, regDMA64:
		clear(data)
		if lane < len(dmaSignature) {
			copy(data, dmaSignature[lane:])
		}
	default:
		clear(data)
	}
}

func (f *FwCfg) write(reg register, data []byte) error {
	switch reg {
	case regSelector:
		if len(data) < 2 {
			return fmt.Errorf("fwcfg: %d byte selector write", len(data))
		}
		f.selectItem(binary.LittleEndian.Uint16(data))
	case regDMA64:
		return f.handleDMA(binary.BigEndian.Uint64(data))
	case regDMAHigh:
		if len(data) != 4 {
			return fmt.Errorf("fwcfg: %d byte DMA high write", len(data))
		}
		f.mu.Lock()
		f.dmaHigh = binary.BigEndian.Uint32(data)
		f.mu.Unlock()
	case regDMALow:
		if len(data) != 4 {
			return fmt.Errorf("fwcfg: %d byte DMA low write", len(data))
		}
		f.mu.Lock()
		high := f.dmaHigh
		f.dmaHigh = 0
		f.mu.Unlock()
		return f.handleDMA(uint64(high)<<32 | uint64(binary.BigEndian.Uint32(data)))
	case regData:
		f.log.Debug("fwcfg data write ignored")
	}
	return nil
}

func (f *FwCfg) selectItem(sel uint16) {
	f.mu.Lock()
	f.selector, f.cursor = sel, 0
	f.mu.Unlock()
	f.log.Debug("fwcfg selector set", "selector", fmt.Sprintf("0x%x", sel))
}

// readData copies from the selected item at the cursor and advances it.
// Bytes past the end of the item read as zero.
func (f *FwCfg) readData(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item := f.item()
	n := 0
	if f.cursor < uint32(len(item)) {
		n = copy(data, item[f.cursor:])
	}
	clear(data[n:])
	f.cursor += uint32(n)
}

// item returns the contents of the selected item. Must be called with the
// lock held.
func (f *FwCfg) item() []byte {
	switch sel := f.selector; {
	case sel == SelectSignature:
		return []byte("QEMU")
	case sel == SelectID:
		id := uint32(FeatureTraditional)
		if f.dma {
			id |= FeatureDMA
		}
		return binary.LittleEndian.AppendUint32(nil, id)
	case sel == SelectFileDir:
		return f.directory()
	case sel >= FirstFileSelector && int(sel-FirstFileSelector) < len(f.files):
		return f.files[sel-FirstFileSelector]
	}
	return nil
}

// zeroChunk bounds the buffer used to clear the part of a DMA read that lies
// past the end of the item.
const zeroChunk = 4096

// dmaRead copies length bytes of the selected item to target. Only the bytes
// the item still holds are buffered; the rest of the range is cleared.
func (f *FwCfg) dmaRead(target uint64, length uint32) error {
	f.mu.Lock()
	item := f.item()
	var data []byte
	if f.cursor < uint32(len(item)) {
		data = item[f.cursor:]
		if uint32(len(data)) > length {
			data = data[:length]
		}
		data = append([]byte(nil), data...)
		f.cursor += uint32(len(data))
	}
	f.mu.Unlock()

	if _, err := f.mem.WriteAt(data, int64(target)); err != nil {
		return err
	}
	var zeros [zeroChunk]byte
	for off := uint64(len(data)); off < uint64(length); {
		n := min(uint64(length)-off, zeroChunk)
		if _, err := f.mem.WriteAt(zeros[:n], int64(target+off)); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// handleDMA executes the access structure at addr and writes the resulting
// control word back over it.
func (f *FwCfg) handleDMA(addr uint64) error {
	if !f.dma {
		return fmt.Errorf("fwcfg: DMA not enabled")
	}
	if f.mem == nil {
		return fmt.Errorf("fwcfg: guest memory not initialized")
	}

	var access [dmaAccessSize]byte
	if _, err := f.mem.ReadAt(access[:], int64(addr)); err != nil {
		return fmt.Errorf("fwcfg: read DMA access at 0x%x: %w", addr, err)
	}
	control := binary.BigEndian.Uint32(access[0:4])
	length := binary.BigEndian.Uint32(access[4:8])
	target := binary.BigEndian.Uint64(access[8:16])
	f.log.Debug("fwcfg DMA",
		"control", fmt.Sprintf("0x%x", control),
		"length", length,
		"address", fmt.Sprintf("0x%x", target),
	)

	if control&DMASelect != 0 {
		f.selectItem(uint16(control >> 16))
	}

	var result uint32
	switch {
	case control&DMARead != 0:
		if err := f.dmaRead(target, length); err != nil {
			f.log.Error("fwcfg DMA write to guest failed", "address", fmt.Sprintf("0x%x", target), "error", err)
			result = DMAError
		}
	case control&DMASkip != 0:
		f.mu.Lock()
		f.cursor += length
		f.mu.Unlock()
	case control&DMAWrite != 0:
		// Items are read-only.
		result = DMAError
	}

	if _, err := f.mem.WriteAt(binary.BigEndian.AppendUint32(nil, result), int64(addr)); err != nil {
		return fmt.Errorf("fwcfg: complete DMA at 0x%x: %w", addr, err)
	}
	return nil
}

var (
	_ hv.Device               = (*FwCfg)(nil)
	_ hv.X86IOPortDevice      = (*FwCfg)(nil)
	_ hv.MemoryMappedIODevice = (*FwCfg)(nil)
)
