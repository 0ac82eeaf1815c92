// Package pci describes PCI functions as firmware sees them: a location and a
// configuration space reached through sized register accesses.
package pci

import (
	"fmt"
)

// Standard type 0 configuration header offsets.
const (
	VendorIDOffset   = 0x00
	DeviceIDOffset   = 0x02
	CommandOffset    = 0x04
	RevisionIDOffset = 0x08
	ClassCodeOffset  = 0x09
	HeaderTypeOffset = 0x0e

	ConfigSpaceSize = 0x100
)

// Class codes.
const (
	ClassDisplay       = 0x03
	SubclassDisplayVGA = 0x00
	InterfaceVGA       = 0x00
)

// InvalidVendorID is returned by reads of an empty slot.
const InvalidVendorID = 0xffff

// ConfigSpace models PCI configuration space access for a single bus/device/function tuple.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Location is a segment/bus/device/function address.
type Location struct {
	Segment  uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

func (l Location) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", l.Segment, l.Bus, l.Device, l.Function&0xf)
}

// SameBDF reports whether l and o share bus, device and function. The segment
// is ignored.
func (l Location) SameBDF(o Location) bool {
	return l.Bus == o.Bus && l.Device == o.Device && l.Function == o.Function
}

// Function is one PCI function handed to drivers.
type Function interface {
	ConfigSpace
	Location() (Location, error)
}

// ClassCode is the 3-byte class code: [0] programming interface, [1]
// subclass, [2] base class, in configuration space order.
type ClassCode [3]uint8

func (c ClassCode) String() string {
	return fmt.Sprintf("%02x-%02x-%02x", c[2], c[1], c[0])
}

// Read16 reads a 16-bit register.
func Read16(cs ConfigSpace, offset uint16) (uint16, error) {
	v, err := cs.ReadConfig(offset, 2)
	return uint16(v), err
}

// Read8 reads an 8-bit register.
func Read8(cs ConfigSpace, offset uint16) (uint8, error) {
	v, err := cs.ReadConfig(offset, 1)
	return uint8(v), err
}

// ReadClassCode reads the class code one byte at a time.
func ReadClassCode(cs ConfigSpace) (ClassCode, error) {
	var cc ClassCode
	for i := range cc {
		b, err := Read8(cs, ClassCodeOffset+uint16(i))
		if err != nil {
			return ClassCode{}, err
		}
		cc[i] = b
	}
	return cc, nil
}
