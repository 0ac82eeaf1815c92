package pci

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/igd/internal/pci"
	"github.com/tinyrange/igd/internal/status"
)

// PortIO issues x86 IN and OUT instructions; *hv.Bus satisfies it.
type PortIO interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// Function is the firmware's handle on one PCI function. Each access latches
// CONFIG_ADDRESS and then transfers through CONFIG_DATA.
type Function struct {
	io  PortIO
	loc pci.Location
}

// NewFunction returns a handle on loc reached through io.
func NewFunction(io PortIO, loc pci.Location) *Function {
	return &Function{io: io, loc: loc}
}

// Location implements pci.Function.
func (f *Function) Location() (pci.Location, error) {
	return f.loc, nil
}

func (f *Function) latch(offset uint16, size uint8) error {
	switch size {
	case 1, 2, 4:
	default:
		return fmt.Errorf("pci %s: access size %d: %w", f.loc, size, status.ErrInvalidArgument)
	}
	if offset%uint16(size) != 0 || int(offset)+int(size) > pci.ConfigSpaceSize {
		return fmt.Errorf("pci %s: unaligned or out of range access 0x%x/%d: %w", f.loc, offset, size, status.ErrInvalidArgument)
	}

	addr := uint32(configEnable) |
		uint32(f.loc.Bus)<<16 |
		uint32(f.loc.Device&0x1f)<<11 |
		uint32(f.loc.Function&0x7)<<8 |
		uint32(offset&0xfc)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], addr)
	if err := f.io.WriteIOPort(configAddressPort, buf[:]); err != nil {
		return fmt.Errorf("pci %s: latch 0x%x: %w: %w", f.loc, offset, status.ErrDevice, err)
	}
	return nil
}

// ReadConfig implements pci.ConfigSpace.
func (f *Function) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if err := f.latch(offset, size); err != nil {
		return 0, err
	}
	var buf [4]byte
	if err := f.io.ReadIOPort(configDataPort+offset&3, buf[:size]); err != nil {
		return 0, fmt.Errorf("pci %s: read 0x%x: %w: %w", f.loc, offset, status.ErrDevice, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteConfig implements pci.ConfigSpace.
func (f *Function) WriteConfig(offset uint16, size uint8, value uint32) error {
	if err := f.latch(offset, size); err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := f.io.WriteIOPort(configDataPort+offset&3, buf[:size]); err != nil {
		return fmt.Errorf("pci %s: write 0x%x: %w: %w", f.loc, offset, status.ErrDevice, err)
	}
	return nil
}

var _ pci.Function = (*Function)(nil)
