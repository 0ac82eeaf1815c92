// Package hv connects firmware code to the simulated devices of a machine.
// Accesses a real platform would issue as IN/OUT instructions or uncached
// loads and stores are routed through a Bus instead.
package hv

import (
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/igd/internal/status"
)

// Accesses nobody claimed. Both wrap status.ErrDevice so firmware callers can
// treat them like any other register failure.
var (
	ErrUnhandledPort = fmt.Errorf("unhandled I/O port: %w", status.ErrDevice)
	ErrUnhandledMMIO = fmt.Errorf("unhandled MMIO address: %w", status.ErrDevice)
)

// Memory is guest physical memory. Offsets are physical addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	MemoryBase() uint64
	MemorySize() uint64
}

// Device is anything attached to a Bus. Init runs once, before any access.
type Device interface {
	Init(mem Memory) error
}

// MMIORegion is a window of physical address space claimed by a device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

func (r MMIORegion) contains(addr uint64, n int) bool {
	return addr >= r.Address && addr-r.Address < r.Size && uint64(n) <= r.Size-(addr-r.Address)
}

func (r MMIORegion) overlaps(o MMIORegion) bool {
	return r.Address < o.Address+o.Size && o.Address < r.Address+r.Size
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type X86IOPortDevice interface {
	Device

	IOPorts() []uint16
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// PortHandler adapts a pair of functions to X86IOPortDevice. A nil Read or
// Write fails the access with ErrUnhandledPort.
type PortHandler struct {
	Ports []uint16
	Read  func(port uint16, data []byte) error
	Write func(port uint16, data []byte) error
}

func (h PortHandler) Init(Memory) error { return nil }

func (h PortHandler) IOPorts() []uint16 { return h.Ports }

func (h PortHandler) ReadIOPort(port uint16, data []byte) error {
	if h.Read == nil {
		return fmt.Errorf("in 0x%04x: %w", port, ErrUnhandledPort)
	}
	return h.Read(port, data)
}

func (h PortHandler) WriteIOPort(port uint16, data []byte) error {
	if h.Write == nil {
		return fmt.Errorf("out 0x%04x: %w", port, ErrUnhandledPort)
	}
	return h.Write(port, data)
}

// IsUnhandled reports whether err came from an access no device claimed.
func IsUnhandled(err error) bool {
	return errors.Is(err, ErrUnhandledPort) || errors.Is(err, ErrUnhandledMMIO)
}

var _ X86IOPortDevice = PortHandler{}
