package fwcfg

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/igd/internal/hv"
	"github.com/tinyrange/igd/internal/status"
)

// Transport moves bytes between firmware and the fw_cfg device.
type Transport interface {
	// Select makes sel the current item and rewinds its cursor.
	Select(sel uint16) error
	// Read fills p from the current item's cursor.
	Read(p []byte) error
}

// PortIO issues x86 IN and OUT instructions.
type PortIO interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// MMIO issues device memory accesses.
type MMIO interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

const (
	portSelector = 0x510
	portData     = 0x511
	portDMA      = 0x514

	mmioData     = 0x00
	mmioSelector = 0x08
)

// PortTransport reaches the device through the x86 I/O ports, one byte per
// data access.
type PortTransport struct {
	IO PortIO
}

func (t PortTransport) Select(sel uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], sel)
	if err := t.IO.WriteIOPort(portSelector, buf[:]); err != nil {
		return fmt.Errorf("fwcfg: select 0x%x: %w: %w", sel, status.ErrDevice, err)
	}
	return nil
}

func (t PortTransport) Read(p []byte) error {
	for i := range p {
		if err := t.IO.ReadIOPort(portData, p[i:i+1]); err != nil {
			return fmt.Errorf("fwcfg: read data: %w: %w", status.ErrDevice, err)
		}
	}
	return nil
}

// MMIOTransport reaches the device through its MMIO window at Base.
type MMIOTransport struct {
	Bus  MMIO
	Base uint64
}

func (t MMIOTransport) Select(sel uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], sel)
	if err := t.Bus.WriteMMIO(t.Base+mmioSelector, buf[:]); err != nil {
		return fmt.Errorf("fwcfg: select 0x%x: %w: %w", sel, status.ErrDevice, err)
	}
	return nil
}

func (t MMIOTransport) Read(p []byte) error {
	for len(p) > 0 {
		n := min(len(p), 8)
		if err := t.Bus.ReadMMIO(t.Base+mmioData, p[:n]); err != nil {
			return fmt.Errorf("fwcfg: read data: %w: %w", status.ErrDevice, err)
		}
		p = p[n:]
	}
	return nil
}

// DMA control bits.
const (
	dmaCtlError  = 1 << 0
	dmaCtlRead   = 1 << 1
	dmaCtlSelect = 1 << 3

	dmaAccessSize = 16
)

// DMATransport moves data with FWCfgDmaAccess transfers. Scratch is the
// guest-physical address of a buffer of ScratchSize bytes owned by the
// transport; the access structure lives at its start and data follows it.
type DMATransport struct {
	IO          PortIO
	Memory      hv.Memory
	Scratch     uint64
	ScratchSize uint64

	pending   bool
	pendingID uint16
}

// Select defers the selection to the next transfer, as firmware does to save
// an exit.
func (t *DMATransport) Select(sel uint16) error {
	t.pending = true
	t.pendingID = sel
	return nil
}

func (t *DMATransport) Read(p []byte) error {
	chunk := t.ScratchSize - dmaAccessSize
	if t.ScratchSize <= dmaAccessSize {
		return fmt.Errorf("fwcfg: DMA scratch of %d bytes too small: %w", t.ScratchSize, status.ErrInvalidArgument)
	}
	for len(p) > 0 || t.pending {
		n := min(uint64(len(p)), chunk)
		if err := t.transfer(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (t *DMATransport) transfer(p []byte) error {
	control := uint32(dmaCtlRead)
	if t.pending {
		control |= uint32(t.pendingID)<<16 | dmaCtlSelect
	}

	var access [dmaAccessSize]byte
	binary.BigEndian.PutUint32(access[0:4], control)
	binary.BigEndian.PutUint32(access[4:8], uint32(len(p)))
	binary.BigEndian.PutUint64(access[8:16], t.Scratch+dmaAccessSize)
	if _, err := t.Memory.WriteAt(access[:], int64(t.Scratch)); err != nil {
		return fmt.Errorf("fwcfg: write DMA access: %w", err)
	}

	var hi, lo [4]byte
	binary.BigEndian.PutUint32(hi[:], uint32(t.Scratch>>32))
	binary.BigEndian.PutUint32(lo[:], uint32(t.Scratch))
	if err := t.IO.WriteIOPort(portDMA, hi[:]); err != nil {
		return fmt.Errorf("fwcfg: DMA address: %w: %w", status.ErrDevice, err)
	}
	if err := t.IO.WriteIOPort(portDMA+4, lo[:]); err != nil {
		return fmt.Errorf("fwcfg: DMA address: %w: %w", status.ErrDevice, err)
	}
	t.pending = false

	var result [4]byte
	if _, err := t.Memory.ReadAt(result[:], int64(t.Scratch)); err != nil {
		return fmt.Errorf("fwcfg: read DMA result: %w", err)
	}
	if binary.BigEndian.Uint32(result[:])&dmaCtlError != 0 {
		return fmt.Errorf("fwcfg: DMA transfer failed: %w", status.ErrDevice)
	}
	if len(p) == 0 {
		return nil
	}
	if _, err := t.Memory.ReadAt(p, int64(t.Scratch+dmaAccessSize)); err != nil {
		return fmt.Errorf("fwcfg: read DMA data: %w", err)
	}
	return nil
}

var (
	_ Transport = PortTransport{}
	_ Transport = MMIOTransport{}
	_ Transport = (*DMATransport)(nil)
)
